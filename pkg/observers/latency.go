package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/scribe/pkg/metrics"
)

// LatencyObserver logs per-session recognition latency when a session closes.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	opened       time.Time
	audioIn      time.Time
	firstPartial time.Time
	firstFinal   time.Time
	flushed      time.Time
	traceID      string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	if ev.Tags == nil {
		return
	}
	sessionID := ev.Tags[metrics.TagSessionID]
	if sessionID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[sessionID]
	if t == nil {
		t = &trace{traceID: ev.Tags[metrics.TagTraceID]}
		o.traces[sessionID] = t
	}
	switch ev.Name {
	case metrics.EventSessionOpened:
		t.opened = ev.Time
	case metrics.EventAudioIn:
		setOnce(&t.audioIn, ev.Time)
	case metrics.EventTranscriptPartial:
		setOnce(&t.firstPartial, ev.Time)
	case metrics.EventTranscriptFinal:
		setOnce(&t.firstFinal, ev.Time)
	case metrics.EventTranscriptFlushed:
		t.flushed = ev.Time
	case metrics.EventSessionClosed:
		o.log.Info("session_latency",
			"session_id", sessionID,
			"trace_id", t.traceID,
			"first_partial_ms", durationMs(t.audioIn, t.firstPartial),
			"first_final_ms", durationMs(t.audioIn, t.firstFinal),
			"flush_ms", durationMs(t.audioIn, t.flushed),
			"session_ms", durationMs(t.opened, ev.Time),
		)
		delete(o.traces, sessionID)
	}
}

// Pending reports sessions seen but not yet closed.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func setOnce(dst *time.Time, v time.Time) {
	if dst.IsZero() {
		*dst = v
	}
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
