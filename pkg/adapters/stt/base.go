package stt

import (
	"context"
	"sync"
	"time"
)

const DefaultFinishGrace = 5 * time.Second

// Base carries the event plumbing shared by provider sessions: a single
// closable output channel, cancellation and the bounded Finish wait.
type Base struct {
	out   chan Event
	done  chan struct{}
	grace time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	abortOnce sync.Once
	onAbort   func()
}

func NewBase(parent context.Context, grace time.Duration, buffer int) *Base {
	if parent == nil {
		parent = context.Background()
	}
	if grace <= 0 {
		grace = DefaultFinishGrace
	}
	if buffer <= 0 {
		buffer = 64
	}
	ctx, cancel := context.WithCancel(parent)
	return &Base{
		out:    make(chan Event, buffer),
		done:   make(chan struct{}),
		grace:  grace,
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnAbort registers a hook that tears down provider resources on Abort.
func (b *Base) OnAbort(fn func()) { b.onAbort = fn }

func (b *Base) Context() context.Context { return b.ctx }
func (b *Base) Events() <-chan Event     { return b.out }
func (b *Base) Done() <-chan struct{}    { return b.done }

// Emit delivers ev unless the session was aborted. Transcript events are
// never dropped; a slow consumer applies backpressure to the provider.
func (b *Base) Emit(ev Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.out <- ev:
		return true
	case <-b.ctx.Done():
		return false
	}
}

// Close ends the event stream. Safe to call more than once. A consumer that
// stops reading must Abort instead, since Close waits for blocked Emits.
func (b *Base) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.out)
	close(b.done)
}

func (b *Base) Abort() {
	b.abortOnce.Do(func() {
		b.cancel()
		if b.onAbort != nil {
			b.onAbort()
		}
	})
	b.Close()
}

func (b *Base) Finish(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(b.grace)
	defer timer.Stop()
	select {
	case <-b.done:
		return nil
	case <-timer.C:
		b.Abort()
		return ErrFinishTimeout
	case <-ctx.Done():
		b.Abort()
		return ctx.Err()
	}
}
