package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/scribe/pkg/adapters/transcoder"
	"github.com/harunnryd/scribe/pkg/frames"
)

type TranscoderConfig struct {
	// FailAfterWrites makes the stream crash on that write when > 0.
	FailAfterWrites int
	FailErr         error
	StartErr        error
	// QueueSize overrides Spec.QueueSize when > 0.
	QueueSize int
	// Linger keeps output open after CloseInput, like a process still
	// flushing. Output then ends on Close, or on cancellation of the Open
	// context, which reports a killed process.
	Linger bool
}

// ErrKilled is the error a lingering stream reports when its context ends
// before Close.
var ErrKilled = errors.New("mock transcoder: signal: killed")

// Transcoder passes each written chunk through as one PCM frame.
type Transcoder struct {
	cfg TranscoderConfig

	mu       sync.Mutex
	opened   int
	released int
}

func NewTranscoder(cfg TranscoderConfig) *Transcoder {
	return &Transcoder{cfg: cfg}
}

func (t *Transcoder) Name() string { return "mock_transcoder" }

func (t *Transcoder) Open(ctx context.Context, spec transcoder.Spec) (transcoder.Stream, error) {
	if t.cfg.StartErr != nil {
		return nil, t.cfg.StartErr
	}
	size := spec.QueueSize
	if t.cfg.QueueSize > 0 {
		size = t.cfg.QueueSize
	}
	if size <= 0 {
		size = 64
	}
	t.mu.Lock()
	t.opened++
	t.mu.Unlock()
	s := &TranscoderStream{
		parent: t,
		spec:   spec,
		out:    make(chan frames.AudioFrame, size),
	}
	if t.cfg.Linger && ctx != nil {
		go s.killOnCancel(ctx)
	}
	return s, nil
}

func (t *Transcoder) Opened() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened
}

// Released counts streams whose Close ran.
func (t *Transcoder) Released() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}

type TranscoderStream struct {
	parent *Transcoder
	spec   transcoder.Spec
	out    chan frames.AudioFrame

	mu          sync.Mutex
	writes      int
	inputClosed bool
	outClosed   bool
	closed      bool
	err         error
}

func (s *TranscoderStream) Write(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inputClosed || s.closed {
		return transcoder.ErrClosed
	}
	s.writes++
	if n := s.parent.cfg.FailAfterWrites; n > 0 && s.writes >= n {
		s.err = s.parent.cfg.FailErr
		if s.err == nil {
			s.err = errors.New("mock transcoder crashed")
		}
		s.inputClosed = true
		s.closeOutLocked()
		return nil
	}
	f := frames.NewAudioFrame(s.spec.SessionID, time.Now().UnixNano(), append([]byte(nil), chunk...),
		s.spec.Output.SampleRate, s.spec.Output.Channels, nil)
	select {
	case s.out <- f:
		return nil
	default:
		return transcoder.ErrInputOverflow
	}
}

func (s *TranscoderStream) CloseInput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputClosed = true
	if !s.parent.cfg.Linger {
		s.closeOutLocked()
	}
}

func (s *TranscoderStream) killOnCancel(ctx context.Context) {
	<-ctx.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.outClosed {
		return
	}
	if s.err == nil {
		s.err = ErrKilled
	}
	s.inputClosed = true
	s.closeOutLocked()
}

func (s *TranscoderStream) Output() <-chan frames.AudioFrame { return s.out }

func (s *TranscoderStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *TranscoderStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.inputClosed = true
	s.closeOutLocked()
	s.mu.Unlock()

	s.parent.mu.Lock()
	s.parent.released++
	s.parent.mu.Unlock()
	return nil
}

func (s *TranscoderStream) closeOutLocked() {
	if !s.outClosed {
		s.outClosed = true
		close(s.out)
	}
}

var _ transcoder.Transcoder = (*Transcoder)(nil)
var _ transcoder.Stream = (*TranscoderStream)(nil)
