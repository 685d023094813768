package sinks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/redact"
)

// Transcript is a flushed transcript handed to downstream collaborators.
type Transcript struct {
	SessionID string    `json:"session_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Source    string    `json:"source,omitempty"`
	Text      string    `json:"text"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// Flush reasons.
const (
	ReasonEndOfAudio = "end_of_audio"
	ReasonClose      = "close"
	ReasonFault      = "fault"
)

// TranscriptSink receives flushed transcripts. Delivery is best effort and
// never affects the session outcome.
type TranscriptSink interface {
	Name() string
	Deliver(ctx context.Context, t Transcript) error
}

// Multi fans a transcript out to every sink and joins their errors.
type Multi struct {
	sinks []TranscriptSink
}

func NewMulti(sinks ...TranscriptSink) *Multi {
	var list []TranscriptSink
	for _, s := range sinks {
		if s != nil {
			list = append(list, s)
		}
	}
	return &Multi{sinks: list}
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Deliver(ctx context.Context, t Transcript) error {
	var errs error
	for _, s := range m.sinks {
		if err := s.Deliver(ctx, t); err != nil {
			errs = errors.Join(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errs
}

func (m *Multi) Len() int { return len(m.sinks) }

// LogSink writes transcripts to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(base *slog.Logger) *LogSink {
	return &LogSink{logger: logging.NewComponentLogger(base, "transcript_sink")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(ctx context.Context, t Transcript) error {
	s.logger.InfoContext(ctx, "transcript_flushed",
		slog.String("session_id", t.SessionID),
		slog.String("trace_id", t.TraceID),
		slog.String("reason", t.Reason),
		slog.Int("chars", len(t.Text)),
		slog.String("text", redact.Text(t.Text)))
	return nil
}
