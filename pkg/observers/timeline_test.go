package observers

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/metrics"
)

func sessionEvent(name string, value float64) metrics.MetricsEvent {
	return metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: value,
		Tags: map[string]string{
			metrics.TagSessionID: "sess/1",
			metrics.TagTraceID:   "trace-1",
			metrics.TagProvider:  "mock_stt",
		},
	}
}

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	obs.RecordEvent(sessionEvent(metrics.EventSessionOpened, 1))
	obs.RecordEvent(sessionEvent(metrics.EventAudioIn, 100))
	obs.RecordEvent(sessionEvent(metrics.EventAudioIn, 50))
	obs.RecordEvent(sessionEvent(metrics.EventPCMOut, 9600))
	obs.RecordEvent(sessionEvent(metrics.EventSessionClosed, 1))
	if obs.Open() != 0 {
		t.Fatalf("expected file to be closed with the session")
	}

	f, err := os.Open(filepath.Join(dir, "sess_1.timeline.jsonl"))
	if err != nil {
		t.Fatalf("open timeline: %v", err)
	}
	defer f.Close()
	var lines []timelineEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev timelineEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		lines = append(lines, ev)
	}
	if len(lines) != 2 {
		t.Fatalf("expected opened and closed entries only, got %d", len(lines))
	}
	last := lines[1]
	if last.Event != metrics.EventSessionClosed || last.AudioInBytes != 150 || last.PCMOutBytes != 9600 || last.ChunksIn != 2 {
		t.Fatalf("unexpected summary entry: %+v", last)
	}
	if last.TraceID != "trace-1" {
		t.Fatalf("expected trace id, got %q", last.TraceID)
	}
}

func TestCostObserverWritesSummaryOnClose(t *testing.T) {
	dir := t.TempDir()
	obs := NewCostObserver(dir, audio.PipelineFormat)

	obs.RecordEvent(sessionEvent(metrics.EventSessionOpened, 1))
	obs.RecordEvent(sessionEvent(metrics.EventPCMOut, 96000))
	obs.RecordEvent(sessionEvent(metrics.EventPCMOut, 48000))
	obs.RecordEvent(sessionEvent(metrics.EventTranscriptFinal, 1))
	obs.RecordEvent(sessionEvent(metrics.EventTranscriptFlushed, 11))
	obs.RecordEvent(sessionEvent(metrics.EventSessionClosed, 1))

	b, err := os.ReadFile(filepath.Join(dir, "sess_1.cost.json"))
	if err != nil {
		t.Fatalf("read cost file: %v", err)
	}
	var got CostSummary
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("decode cost file: %v", err)
	}
	if got.RecognizedSec != 1.5 || got.FinalSegments != 1 || got.FlushedChars != 11 || got.Provider != "mock_stt" {
		t.Fatalf("unexpected summary: %+v", got)
	}
}

func TestLatencyObserverForgetsClosedSessions(t *testing.T) {
	obs := NewLatencyObserver(nil)
	obs.RecordEvent(sessionEvent(metrics.EventSessionOpened, 1))
	obs.RecordEvent(sessionEvent(metrics.EventAudioIn, 10))
	obs.RecordEvent(sessionEvent(metrics.EventTranscriptFinal, 1))
	if obs.Pending() != 1 {
		t.Fatalf("expected one pending session")
	}
	obs.RecordEvent(sessionEvent(metrics.EventSessionClosed, 1))
	if obs.Pending() != 0 {
		t.Fatalf("expected session to be forgotten")
	}
}

func TestPurgeArtifactsRemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.wav")
	fresh := filepath.Join(dir, "fresh.wav")
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	n, err := PurgeArtifacts(dir, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected one removal, got %d (%v)", n, err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh file removed: %v", err)
	}
}

func TestPurgeArtifactsKeepsUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	past := time.Now().Add(-48 * time.Hour)
	names := []string{"a.timeline.jsonl", "a.cost.json", "a.wav", "notes.txt", "scribe.jsonl", "config.yaml"}
	for _, name := range names {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := os.Chtimes(p, past, past); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	n, err := PurgeArtifacts(dir, 24*time.Hour)
	if err != nil || n != 3 {
		t.Fatalf("expected three removals, got %d (%v)", n, err)
	}
	for _, name := range []string{"notes.txt", "scribe.jsonl", "config.yaml"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s removed: %v", name, err)
		}
	}
}

func TestPurgeArtifactsMissingDir(t *testing.T) {
	n, err := PurgeArtifacts(filepath.Join(t.TempDir(), "absent"), time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("expected no-op on missing dir, got %d (%v)", n, err)
	}
}

func TestLoggerObserverSkipsAudioEvents(t *testing.T) {
	var sb strings.Builder
	log := newTestLogger(&sb)
	NewLoggerObserver(log, false).RecordEvent(sessionEvent(metrics.EventAudioIn, 1))
	if sb.Len() != 0 {
		t.Fatalf("expected audio event to be skipped")
	}
	NewLoggerObserver(log, false).RecordEvent(sessionEvent(metrics.EventSessionClosed, 1))
	if !strings.Contains(sb.String(), metrics.EventSessionClosed) {
		t.Fatalf("expected session_closed to be logged, got %q", sb.String())
	}
}

func newTestLogger(w *strings.Builder) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
