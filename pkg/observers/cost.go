package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/metrics"
)

// CostSummary is the billable usage of one session. Recognition providers
// bill by streamed audio seconds.
type CostSummary struct {
	SessionID     string  `json:"session_id"`
	TraceID       string  `json:"trace_id,omitempty"`
	Provider      string  `json:"provider,omitempty"`
	AudioInBytes  int64   `json:"audio_in_bytes"`
	RecognizedSec float64 `json:"recognized_audio_seconds"`
	FinalSegments int     `json:"final_segments"`
	FlushedChars  int     `json:"flushed_chars"`
	Faults        int     `json:"faults"`
	RecordedAtUTC string  `json:"recorded_at_utc"`
}

// CostObserver accumulates usage per session and writes
// <dir>/<session>.cost.json when the session closes.
type CostObserver struct {
	dir    string
	format audio.Format
	mu     sync.Mutex
	stats  map[string]*CostSummary
}

func NewCostObserver(dir string, format audio.Format) *CostObserver {
	return &CostObserver{dir: dir, format: format, stats: make(map[string]*CostSummary)}
}

func (o *CostObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" || ev.Tags == nil {
		return
	}
	id := ev.Tags[metrics.TagSessionID]
	if id == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[id]
	if stat == nil {
		stat = &CostSummary{SessionID: id, TraceID: ev.Tags[metrics.TagTraceID]}
		o.stats[id] = stat
	}
	switch ev.Name {
	case metrics.EventAudioIn:
		stat.AudioInBytes += int64(ev.Value)
	case metrics.EventPCMOut:
		if bps := o.format.BytesPerSecond(); bps > 0 {
			stat.RecognizedSec += ev.Value / float64(bps)
		}
	case metrics.EventTranscriptFinal:
		stat.FinalSegments++
	case metrics.EventTranscriptFlushed:
		stat.FlushedChars += int(ev.Value)
	case metrics.EventFault:
		stat.Faults++
	case metrics.EventSessionOpened:
		stat.Provider = ev.Tags[metrics.TagProvider]
	case metrics.EventSessionClosed:
		_ = o.writeLocked(stat)
		delete(o.stats, id)
	}
}

// Close writes summaries for sessions that never closed.
func (o *CostObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var errOut error
	for id, stat := range o.stats {
		errOut = errors.Join(errOut, o.writeLocked(stat))
		delete(o.stats, id)
	}
	return errOut
}

func (o *CostObserver) writeLocked(stat *CostSummary) error {
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
	b, err := json.MarshalIndent(stat, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(o.dir, sanitizeID(stat.SessionID)+CostSuffix)
	return os.WriteFile(path, b, 0o644)
}

var _ metrics.Observer = (*CostObserver)(nil)
