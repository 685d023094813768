package runner

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLifecycleRunnerDrainsOnStop(t *testing.T) {
	drained := make(chan struct{})
	stopped := false
	r := NewLifecycleRunner(DrainFunc(func(ctx context.Context) error {
		close(drained)
		return nil
	}), Hooks{OnStop: func() { stopped = true }}, time.Second)
	r.SetBannerOutput(nil)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("runner did not start, state=%s", r.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("stop error: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("run error: %v", err)
	}
	select {
	case <-drained:
	default:
		t.Fatalf("expected drainer to run")
	}
	if !stopped || r.State() != StateStopped {
		t.Fatalf("expected stopped state, got %s", r.State())
	}
}

func TestLifecycleRunnerDrainTimeout(t *testing.T) {
	r := NewLifecycleRunner(DrainFunc(func(ctx context.Context) error {
		<-time.After(time.Second)
		return nil
	}), Hooks{}, 20*time.Millisecond)
	r.SetBannerOutput(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
}

func TestLifecycleRunnerStartFailure(t *testing.T) {
	boom := errors.New("listen failed")
	r := NewLifecycleRunner(nil, Hooks{OnStart: func() error { return boom }}, time.Second)
	r.SetBannerOutput(nil)
	if err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected start error, got %v", err)
	}
	if err := r.Run(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state on second run, got %v", err)
	}
}
