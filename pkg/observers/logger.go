package observers

import (
	"context"
	"log/slog"

	"github.com/harunnryd/scribe/pkg/metrics"
)

// LoggerObserver mirrors metrics events into the debug log. Per-chunk audio
// events are skipped unless verbose is set.
type LoggerObserver struct {
	log     *slog.Logger
	verbose bool
}

func NewLoggerObserver(log *slog.Logger, verbose bool) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log, verbose: verbose}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	if !o.verbose && highVolume(ev.Name) {
		return
	}
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Time("time", ev.Time),
		slog.Float64("value", ev.Value),
	}
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(context.Background(), slog.LevelDebug, "metrics", attrs...)
}

func highVolume(name string) bool {
	switch name {
	case metrics.EventAudioIn, metrics.EventPCMOut, metrics.EventTranscriptPartial:
		return true
	default:
		return false
	}
}

// MultiObserver fans events out to every non-nil observer.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}

// Flush flushes every member that buffers.
func (m *MultiObserver) Flush() error {
	var first error
	for _, obs := range m.list {
		if f, ok := obs.(metrics.Flusher); ok {
			if err := f.Flush(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
