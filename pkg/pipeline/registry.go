package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/transports"
)

// ErrDraining is returned by Serve while the process is shutting down.
var ErrDraining = errorsx.New(errorsx.ReasonTransport, "server is draining")

// OptionsFunc builds the pipeline options for a freshly accepted source.
// SessionID and TraceID are filled in by the registry when empty.
type OptionsFunc func(src transports.Source, input audio.InputFormat) (Options, error)

// Registry tracks live connections so the process can drain them.
type Registry struct {
	sessions sync.Map
	count    atomic.Int64
	draining atomic.Bool
	build    OptionsFunc
	log      *slog.Logger
}

func NewRegistry(build OptionsFunc, logger *slog.Logger) *Registry {
	return &Registry{build: build, log: logging.NewComponentLogger(logger, "registry")}
}

// Serve runs one connection to completion. The source is always closed when
// Serve returns.
func (r *Registry) Serve(ctx context.Context, src transports.Source, input audio.InputFormat) error {
	if r.Draining() {
		_ = src.Send(transports.ErrorMessage("server is shutting down"))
		_ = src.Close()
		return ErrDraining
	}
	opts, err := r.build(src, input)
	if err != nil {
		r.log.Error("session_build_failed",
			slog.String("session_id", src.ID()),
			slog.String("error", err.Error()),
		)
		_ = src.Send(transports.ErrorMessage(clientMessage(err)))
		_ = src.Close()
		return err
	}
	opts.Source = src
	opts.Input = input
	if opts.SessionID == "" {
		opts.SessionID = src.ID()
	}
	if opts.TraceID == "" {
		opts.TraceID = uuid.NewString()
	}
	ctrl := NewController(opts)
	if _, loaded := r.sessions.LoadOrStore(opts.SessionID, ctrl); loaded {
		err := errorsx.New(errorsx.ReasonProgramming, "duplicate session id %s", opts.SessionID)
		r.log.Error("session_duplicate", slog.String("session_id", opts.SessionID))
		_ = src.Close()
		return err
	}
	r.count.Add(1)
	defer r.remove(opts.SessionID)
	return ctrl.Run(ctx)
}

func (r *Registry) Get(id string) (*Controller, bool) {
	if v, ok := r.sessions.Load(id); ok {
		return v.(*Controller), true
	}
	return nil, false
}

func (r *Registry) remove(id string) {
	if _, ok := r.sessions.LoadAndDelete(id); ok {
		r.count.Add(-1)
	}
}

// CloseAll aborts every live connection. Each still flushes best effort.
func (r *Registry) CloseAll() {
	r.sessions.Range(func(_, value any) bool {
		if ctrl, ok := value.(*Controller); ok {
			ctrl.Abort()
		}
		return true
	})
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
