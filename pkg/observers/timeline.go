package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/scribe/pkg/metrics"
	"github.com/harunnryd/scribe/pkg/redact"
)

// TimelineObserver writes one JSONL trace per session. Audio events are
// folded into byte counters that are written with the session_closed entry,
// after which the file is closed.
type TimelineObserver struct {
	dir      string
	mu       sync.Mutex
	sessions map[string]*timelineFile
}

type timelineFile struct {
	f        *os.File
	audioIn  int64
	pcmOut   int64
	chunksIn int
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, sessions: make(map[string]*timelineFile)}
}

func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" || ev.Tags == nil {
		return
	}
	sessionID := ev.Tags[metrics.TagSessionID]
	if sessionID == "" {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	tf := o.fileForLocked(sessionID)
	if tf == nil {
		return
	}
	switch ev.Name {
	case metrics.EventAudioIn:
		tf.audioIn += int64(ev.Value)
		tf.chunksIn++
		return
	case metrics.EventPCMOut:
		tf.pcmOut += int64(ev.Value)
		return
	}

	entry := timelineEvent{
		Time:      ev.Time.UTC(),
		Event:     ev.Name,
		SessionID: sessionID,
		TraceID:   ev.Tags[metrics.TagTraceID],
		Value:     ev.Value,
		Tags:      copyTags(ev.Tags),
		Fields:    sanitizeFields(ev.Fields),
	}
	delete(entry.Tags, metrics.TagSessionID)
	delete(entry.Tags, metrics.TagTraceID)
	closing := ev.Name == metrics.EventSessionClosed
	if closing {
		entry.AudioInBytes = tf.audioIn
		entry.PCMOutBytes = tf.pcmOut
		entry.ChunksIn = tf.chunksIn
	}
	if line, err := json.Marshal(entry); err == nil {
		_, _ = tf.f.Write(append(line, '\n'))
	}
	if closing {
		_ = tf.f.Close()
		delete(o.sessions, sanitizeID(sessionID))
	}
}

// Open reports how many session files are currently open.
func (o *TimelineObserver) Open() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// Close closes any files still open.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, tf := range o.sessions {
		if cerr := tf.f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	o.sessions = make(map[string]*timelineFile)
	return err
}

type timelineEvent struct {
	Time         time.Time         `json:"time"`
	Event        string            `json:"event"`
	SessionID    string            `json:"session_id"`
	TraceID      string            `json:"trace_id,omitempty"`
	Value        float64           `json:"value,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Fields       map[string]any    `json:"fields,omitempty"`
	AudioInBytes int64             `json:"audio_in_bytes,omitempty"`
	PCMOutBytes  int64             `json:"pcm_out_bytes,omitempty"`
	ChunksIn     int               `json:"chunks_in,omitempty"`
}

func (o *TimelineObserver) fileForLocked(id string) *timelineFile {
	safe := sanitizeID(id)
	if safe == "" {
		return nil
	}
	if tf := o.sessions[safe]; tf != nil {
		return tf
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	path := filepath.Join(o.dir, safe+TimelineSuffix)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	tf := &timelineFile{f: f}
	o.sessions[safe] = tf
	return tf
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

func copyTags(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sanitizeFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = redact.Text(s)
			continue
		}
		out[k] = v
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
