package stt

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBaseEmitAndClose(t *testing.T) {
	b := NewBase(context.Background(), time.Second, 4)
	if !b.Emit(TranscriptEvent{Text: "hello", IsPartial: true}) {
		t.Fatalf("expected emit to succeed")
	}
	b.Close()
	b.Close()
	if b.Emit(TranscriptEvent{Text: "late"}) {
		t.Fatalf("expected emit after close to be rejected")
	}
	var got []Event
	for ev := range b.Events() {
		got = append(got, ev)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if err := b.Finish(context.Background()); err != nil {
		t.Fatalf("finish after close: %v", err)
	}
}

func TestBaseFinishTimesOutAndAborts(t *testing.T) {
	b := NewBase(context.Background(), 20*time.Millisecond, 1)
	aborted := 0
	b.OnAbort(func() { aborted++ })

	err := b.Finish(context.Background())
	if !errors.Is(err, ErrFinishTimeout) {
		t.Fatalf("expected ErrFinishTimeout, got %v", err)
	}
	b.Abort()
	if aborted != 1 {
		t.Fatalf("expected abort hook once, got %d", aborted)
	}
	select {
	case <-b.Done():
	default:
		t.Fatalf("expected session to be closed after timeout")
	}
}

func TestBaseAbortUnblocksEmit(t *testing.T) {
	b := NewBase(context.Background(), time.Second, 1)
	b.Emit(TranscriptEvent{Text: "fill"})
	result := make(chan bool, 1)
	go func() { result <- b.Emit(TranscriptEvent{Text: "blocked"}) }()
	time.Sleep(10 * time.Millisecond)
	b.Abort()
	select {
	case ok := <-result:
		if ok {
			t.Fatalf("expected blocked emit to fail after abort")
		}
	case <-time.After(time.Second):
		t.Fatalf("emit stayed blocked after abort")
	}
}
