package transcoder

import (
	"context"
	"errors"

	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/frames"
)

var (
	// ErrClosed is returned by Write after CloseInput or Close.
	ErrClosed = errors.New("transcoder input closed")
	// ErrInputOverflow is returned by Write when the input queue is full.
	ErrInputOverflow = errors.New("transcoder input queue full")
)

// Spec pins the conversion performed by one transcoder stream.
type Spec struct {
	SessionID string
	Input     audio.InputFormat
	Output    audio.Format
	// BlockMS is the duration of each PCM frame on Output.
	BlockMS int
	// QueueSize bounds the chunks buffered between Write and the codec.
	QueueSize int
}

// Transcoder is a process-wide factory for per-connection streams.
type Transcoder interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Open starts a conversion. The returned stream owns external resources
	// until Close.
	Open(ctx context.Context, spec Spec) (Stream, error)
}

// Stream converts encoded audio into PCM frames of the Spec's output format.
type Stream interface {
	// Write enqueues an encoded chunk without blocking.
	Write(chunk []byte) error
	// CloseInput signals end of input. Output closes once buffered audio
	// has been converted. Safe to call more than once.
	CloseInput()
	// Output yields PCM frames in order and is closed when conversion ends.
	Output() <-chan frames.AudioFrame
	// Err reports why conversion stopped. It is nil for a clean end of input
	// or after Close, and only meaningful once Output is closed.
	Err() error
	// Close terminates conversion and releases all resources. Idempotent.
	Close() error
}
