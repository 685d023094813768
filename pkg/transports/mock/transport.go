package mock

import (
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/scribe/pkg/frames"
	"github.com/harunnryd/scribe/pkg/transports"
)

// Source is an in-memory audio source for tests and local runs.
// It implements transports.Source without any network dependency.
type Source struct {
	id     string
	recvCh chan frames.Frame

	mu      sync.Mutex
	ended   bool
	sent    []transports.Message
	sentCh  chan transports.Message
	closes  int
	sendErr error
	pts     int64
}

func New(id string) *Source {
	return &Source{
		id:     id,
		recvCh: make(chan frames.Frame, 256),
		sentCh: make(chan transports.Message, 64),
	}
}

func (s *Source) ID() string   { return s.id }
func (s *Source) Name() string { return "mock" }

func (s *Source) Recv() <-chan frames.Frame { return s.recvCh }

// SetSendErr makes subsequent Send calls fail with err.
func (s *Source) SetSendErr(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

func (s *Source) Send(m transports.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes > 0 {
		return transports.ErrClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, m)
	select {
	case s.sentCh <- m:
	default:
	}
	return nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.endLocked()
	return nil
}

// Push injects an inbound frame. Frames pushed after End are dropped.
func (s *Source) Push(f frames.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.recvCh <- f:
		return true
	default:
		return false
	}
}

func (s *Source) PushAudio(data []byte) bool {
	return s.Push(frames.NewAudioFrame(s.id, s.nextPTS(), data, 0, 0, map[string]string{frames.MetaSource: "mock"}))
}

func (s *Source) PushEndOfAudio() bool {
	return s.Push(frames.NewControlFrame(s.id, s.nextPTS(), frames.ControlEndOfAudio, nil))
}

func (s *Source) PushClose() bool {
	return s.Push(frames.NewControlFrame(s.id, s.nextPTS(), frames.ControlClose, nil))
}

// Disconnect simulates abrupt transport loss.
func (s *Source) Disconnect(err error) {
	if err == nil {
		err = errors.New("connection reset by peer")
	}
	s.Push(frames.NewErrorFrame(s.id, s.nextPTS(), err, nil))
	s.mu.Lock()
	s.endLocked()
	s.mu.Unlock()
}

// Sent returns a copy of the outbound messages.
func (s *Source) Sent() []transports.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transports.Message, len(s.sent))
	copy(out, s.sent)
	return out
}

// WaitSent blocks until an outbound message arrives or timeout elapses.
func (s *Source) WaitSent(timeout time.Duration) (transports.Message, bool) {
	select {
	case m := <-s.sentCh:
		return m, true
	case <-time.After(timeout):
		return transports.Message{}, false
	}
}

// Closes counts Close calls.
func (s *Source) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *Source) endLocked() {
	if !s.ended {
		s.ended = true
		close(s.recvCh)
	}
}

func (s *Source) nextPTS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pts++
	return s.pts
}

var _ transports.Source = (*Source)(nil)
