package stt

import (
	"context"

	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/frames"
)

// ErrFinishTimeout is returned by Finish when the provider did not end the
// event stream within the grace period. The session is aborted.
var ErrFinishTimeout = errorsx.New(errorsx.ReasonRecognitionTimeout, "recognition did not finish within grace period")

// Event is emitted by a Session. It is either a TranscriptEvent or an
// ErrorEvent.
type Event interface {
	isEvent()
}

// TranscriptEvent carries recognized text. Partial hypotheses may be
// superseded by later events; final ones are stable.
type TranscriptEvent struct {
	Text      string
	IsPartial bool
}

// ErrorEvent reports a provider failure. No events follow it.
type ErrorEvent struct {
	Err error
}

func (TranscriptEvent) isEvent() {}
func (ErrorEvent) isEvent()      {}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	SessionID string
	TraceID   string
	Language  string
	Format    audio.Format
}

// Factory creates sessions. Implementations are shared by all connections
// and must be safe for concurrent use.
type Factory interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	NewSession(ctx context.Context, cfg Config) (Session, error)
}

// Session is one streaming recognition call.
type Session interface {
	// Start connects to the provider and begins consuming pcm. Closing pcm
	// signals end of audio. The returned channel is closed when the provider
	// has delivered everything it will deliver.
	Start(ctx context.Context, pcm <-chan frames.AudioFrame) (<-chan Event, error)
	// Finish waits for the event stream to end, bounded by the grace period.
	Finish(ctx context.Context) error
	// Abort cancels the call and releases resources. Idempotent.
	Abort()
}
