package mock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/harunnryd/scribe/pkg/adapters/stt"
	"github.com/harunnryd/scribe/pkg/frames"
)

// Step emits Event once AfterBlocks PCM frames have been consumed.
type Step struct {
	AfterBlocks int
	Event       stt.Event
}

type STTConfig struct {
	Script []Step
	// OnEnd is emitted after the PCM stream closes, before the event stream ends.
	OnEnd []stt.Event
	// FailAfterBlocks emits an ErrorEvent after that many frames when > 0.
	FailAfterBlocks int
	FailErr         error
	StartErr        error
	// Hold keeps the event stream open after end of audio until aborted.
	Hold  bool
	Grace time.Duration
}

// STTFactory is a scripted recognition provider. Its counters expose leaked
// or double-released sessions to tests.
type STTFactory struct {
	cfg STTConfig

	mu       sync.Mutex
	opened   int
	aborted  int
	released int
	blocks   int
	payloads [][]byte
	sessions []*STTSession
}

func NewSTT(cfg STTConfig) *STTFactory {
	script := append([]Step(nil), cfg.Script...)
	sort.SliceStable(script, func(i, j int) bool { return script[i].AfterBlocks < script[j].AfterBlocks })
	cfg.Script = script
	if cfg.Grace <= 0 {
		cfg.Grace = time.Second
	}
	return &STTFactory{cfg: cfg}
}

func (f *STTFactory) Name() string { return "mock_stt" }

func (f *STTFactory) NewSession(ctx context.Context, cfg stt.Config) (stt.Session, error) {
	s := &STTSession{
		parent: f,
		cfg:    cfg,
		base:   stt.NewBase(ctx, f.cfg.Grace, 16),
	}
	s.base.OnAbort(func() {
		f.mu.Lock()
		f.aborted++
		f.mu.Unlock()
	})
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

// Opened counts sessions that started successfully.
func (f *STTFactory) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func (f *STTFactory) Aborted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborted
}

// Released counts sessions whose provider resources were freed.
func (f *STTFactory) Released() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// Payloads returns copies of the PCM payloads received, in arrival order.
func (f *STTFactory) Payloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.payloads...)
}

// Blocks counts PCM frames received across all sessions.
func (f *STTFactory) Blocks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocks
}

type STTSession struct {
	parent      *STTFactory
	cfg         stt.Config
	base        *stt.Base
	releaseOnce sync.Once
	startOnce   sync.Once
}

func (s *STTSession) Start(ctx context.Context, pcm <-chan frames.AudioFrame) (<-chan stt.Event, error) {
	if s.parent.cfg.StartErr != nil {
		s.release()
		return nil, s.parent.cfg.StartErr
	}
	started := false
	s.startOnce.Do(func() { started = true })
	if !started {
		return nil, errors.New("mock stt already started")
	}
	s.parent.mu.Lock()
	s.parent.opened++
	s.parent.mu.Unlock()
	go s.run(pcm)
	return s.base.Events(), nil
}

func (s *STTSession) run(pcm <-chan frames.AudioFrame) {
	defer s.release()
	cfg := s.parent.cfg
	ctx := s.base.Context()
	next := 0
	blocks := 0
	emitDue := func() bool {
		for next < len(cfg.Script) && cfg.Script[next].AfterBlocks <= blocks {
			if !s.base.Emit(cfg.Script[next].Event) {
				return false
			}
			next++
		}
		return true
	}
	if !emitDue() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-pcm:
			if !ok {
				for _, ev := range cfg.OnEnd {
					if !s.base.Emit(ev) {
						return
					}
				}
				if cfg.Hold {
					<-ctx.Done()
				}
				return
			}
			payload := append([]byte(nil), f.RawPayload()...)
			frames.ReleaseAudioFrame(f)
			blocks++
			s.parent.mu.Lock()
			s.parent.blocks++
			s.parent.payloads = append(s.parent.payloads, payload)
			s.parent.mu.Unlock()
			if !emitDue() {
				return
			}
			if cfg.FailAfterBlocks > 0 && blocks >= cfg.FailAfterBlocks {
				err := cfg.FailErr
				if err == nil {
					err = errors.New("mock recognition failure")
				}
				s.base.Emit(stt.ErrorEvent{Err: err})
				return
			}
		}
	}
}

func (s *STTSession) Finish(ctx context.Context) error {
	return s.base.Finish(ctx)
}

func (s *STTSession) Abort() {
	s.base.Abort()
	s.release()
}

func (s *STTSession) release() {
	s.releaseOnce.Do(func() {
		s.parent.mu.Lock()
		s.parent.released++
		s.parent.mu.Unlock()
	})
	s.base.Close()
}

var _ stt.Factory = (*STTFactory)(nil)
var _ stt.Session = (*STTSession)(nil)
