package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/providers/mock"
	"github.com/harunnryd/scribe/pkg/transports"
	mocktransport "github.com/harunnryd/scribe/pkg/transports/mock"
)

func TestRegistryServeTracksAndDrains(t *testing.T) {
	tc := mock.NewTranscoder(mock.TranscoderConfig{})
	sttf := mock.NewSTT(mock.STTConfig{})
	reg := NewRegistry(func(src transports.Source, input audio.InputFormat) (Options, error) {
		return Options{Transcoder: tc, STT: sttf}, nil
	}, nil)

	src := mocktransport.New("conn-1")
	done := make(chan error, 1)
	go func() { done <- reg.Serve(context.Background(), src, audio.BrowserInput) }()

	waitFor(t, "registered session", func() bool { return reg.Count() == 1 })
	ctrl, ok := reg.Get("conn-1")
	if !ok {
		t.Fatalf("expected controller to be registered")
	}
	if ctrl.opts.TraceID == "" {
		t.Fatalf("expected a generated trace id")
	}

	reg.SetDraining(true)
	reg.CloseAll()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("unexpected serve error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !reg.WaitForEmpty(ctx, 10*time.Millisecond) {
		t.Fatalf("expected registry to drain")
	}

	late := mocktransport.New("conn-2")
	if err := reg.Serve(context.Background(), late, audio.BrowserInput); !errors.Is(err, ErrDraining) {
		t.Fatalf("expected ErrDraining, got %v", err)
	}
	if late.Closes() != 1 {
		t.Fatalf("expected rejected source to be closed")
	}
}

func TestRegistryBuildFailureClosesSource(t *testing.T) {
	reg := NewRegistry(func(transports.Source, audio.InputFormat) (Options, error) {
		return Options{}, errors.New("no provider")
	}, nil)
	src := mocktransport.New("conn-1")
	if err := reg.Serve(context.Background(), src, audio.BrowserInput); err == nil {
		t.Fatalf("expected build error")
	}
	if src.Closes() != 1 || len(src.Sent()) != 1 {
		t.Fatalf("expected error message and close, got sent=%v closes=%d", src.Sent(), src.Closes())
	}
	if reg.Count() != 0 {
		t.Fatalf("expected empty registry")
	}
}
