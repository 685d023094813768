package aggregators

import (
	"strings"
	"sync"

	"github.com/harunnryd/scribe/pkg/adapters/stt"
)

const defaultMaxHistory = 10

// TranscriptAccumulator reduces recognition events into a flushable buffer.
// Final spans are joined with a single space; partial hypotheses are never
// buffered.
type TranscriptAccumulator struct {
	mu         sync.Mutex
	sb         strings.Builder
	finals     int
	partials   int
	maxHistory int
	history    []string
}

func NewTranscriptAccumulator(maxHistory int) *TranscriptAccumulator {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	return &TranscriptAccumulator{maxHistory: maxHistory}
}

func (a *TranscriptAccumulator) Name() string { return "transcript_accumulator" }

// OnEvent applies ev and reports whether it changed the buffer.
func (a *TranscriptAccumulator) OnEvent(ev stt.TranscriptEvent) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ev.IsPartial {
		a.partials++
		return false
	}
	a.sb.WriteString(ev.Text)
	a.sb.WriteByte(' ')
	a.finals++
	return true
}

// Flush returns the buffer without trailing whitespace and clears it.
func (a *TranscriptAccumulator) Flush() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := strings.TrimRight(a.sb.String(), " \t\r\n")
	a.sb.Reset()
	if out != "" {
		a.appendHistory(out)
	}
	return out
}

// HasContent is false when a flush would yield an empty string.
func (a *TranscriptAccumulator) HasContent() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.TrimSpace(a.sb.String()) != ""
}

// Counts returns how many final and partial events have been applied.
func (a *TranscriptAccumulator) Counts() (finals, partials int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finals, a.partials
}

func (a *TranscriptAccumulator) appendHistory(text string) {
	a.history = append(a.history, text)
	if len(a.history) > a.maxHistory {
		a.history = a.history[len(a.history)-a.maxHistory:]
	}
}

func (a *TranscriptAccumulator) History() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.history))
	copy(out, a.history)
	return out
}
