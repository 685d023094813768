package ffmpeg

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/scribe/pkg/adapters/transcoder"
	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/errorsx"
)

func TestArgsForBrowserInput(t *testing.T) {
	tc := New(Config{})
	args := strings.Join(tc.Args(transcoder.Spec{Input: audio.BrowserInput, Output: audio.PipelineFormat}), " ")
	for _, want := range []string{"-f webm -i pipe:0", "-acodec pcm_s16le", "-ar 48000", "-ac 1", "-f s16le pipe:1"} {
		if !strings.Contains(args, want) {
			t.Fatalf("expected %q in %q", want, args)
		}
	}
}

func TestArgsForHeaderlessInput(t *testing.T) {
	tc := New(Config{})
	args := strings.Join(tc.Args(transcoder.Spec{Input: audio.TelephonyInput, Output: audio.PipelineFormat}), " ")
	if !strings.Contains(args, "-f mulaw -ar 8000 -ac 1 -i pipe:0") {
		t.Fatalf("expected headerless input flags, got %q", args)
	}
}

func TestTailBufferKeepsSuffix(t *testing.T) {
	b := &tailBuffer{limit: 4}
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defg"))
	if got := b.String(); got != "defg" {
		t.Fatalf("expected defg, got %q", got)
	}
}

func TestOpenMissingBinary(t *testing.T) {
	tc := New(Config{Binary: "/nonexistent/ffmpeg-binary"})
	_, err := tc.Open(context.Background(), transcoder.Spec{Input: audio.BrowserInput, Output: audio.PipelineFormat})
	if err == nil {
		t.Fatalf("expected start failure")
	}
	if !errorsx.HasReason(err, errorsx.ReasonTranscoderStart) {
		t.Fatalf("expected transcoder_start reason, got %v", errorsx.Reason(err))
	}
}

func TestGarbageInputReportsFault(t *testing.T) {
	tc := New(Config{})
	if _, err := tc.LookPath(); err != nil {
		t.Skip("ffmpeg not installed")
	}
	s, err := tc.Open(context.Background(), transcoder.Spec{SessionID: "sess-1", Input: audio.BrowserInput, Output: audio.PipelineFormat})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if err := s.Write([]byte("definitely not webm")); err != nil {
		t.Fatalf("write: %v", err)
	}
	s.CloseInput()
	s.CloseInput()
	if err := s.Write([]byte("late")); !errors.Is(err, transcoder.ErrClosed) {
		t.Fatalf("expected ErrClosed after CloseInput, got %v", err)
	}
	deadline := time.After(10 * time.Second)
	for {
		select {
		case _, ok := <-s.Output():
			if ok {
				continue
			}
			if s.Err() == nil {
				t.Fatalf("expected decode failure")
			}
			return
		case <-deadline:
			t.Fatalf("ffmpeg did not exit")
		}
	}
}

func TestCloseIsIdempotentAndSilencesErr(t *testing.T) {
	tc := New(Config{})
	if _, err := tc.LookPath(); err != nil {
		t.Skip("ffmpeg not installed")
	}
	s, err := tc.Open(context.Background(), transcoder.Spec{Input: audio.TelephonyInput, Output: audio.PipelineFormat})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if s.Err() != nil {
		t.Fatalf("expected nil Err after Close, got %v", s.Err())
	}
	if _, ok := <-s.Output(); ok {
		t.Fatalf("expected output closed")
	}
}

// sineClip encodes a mono 440 Hz tone of the given length as webm/opus, the
// container MediaRecorder produces.
func sineClip(t *testing.T, binary string, seconds int) []byte {
	t.Helper()
	out := filepath.Join(t.TempDir(), "clip.webm")
	cmd := exec.Command(binary, "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "sine=frequency=440:sample_rate=48000:duration="+strconv.Itoa(seconds),
		"-ac", "1", "-c:a", "libopus", "-f", "webm", out)
	if b, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("ffmpeg cannot encode webm/opus: %v %s", err, b)
	}
	clip, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read clip: %v", err)
	}
	return clip
}

// writeChunks feeds data in small pieces, waiting out input overflow the way
// a paced client would.
func writeChunks(t *testing.T, s transcoder.Stream, data []byte, size int) {
	t.Helper()
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		deadline := time.Now().Add(5 * time.Second)
		for {
			err := s.Write(data[:n])
			if err == nil {
				break
			}
			if !errors.Is(err, transcoder.ErrInputOverflow) || time.Now().After(deadline) {
				t.Fatalf("write: %v", err)
			}
			time.Sleep(5 * time.Millisecond)
		}
		data = data[n:]
	}
}

func TestWebmDecodesToPipelinePCM(t *testing.T) {
	tc := New(Config{})
	bin, err := tc.LookPath()
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	const seconds = 2
	clip := sineClip(t, bin, seconds)

	s, err := tc.Open(context.Background(), transcoder.Spec{SessionID: "sess-1", Input: audio.BrowserInput, Output: audio.PipelineFormat})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	type result struct {
		total int
		bad   int
	}
	collected := make(chan result, 1)
	go func() {
		var r result
		for f := range s.Output() {
			n := len(f.RawPayload())
			if n == 0 || n%audio.PipelineFormat.FrameSize() != 0 {
				r.bad++
			}
			r.total += n
		}
		collected <- r
	}()

	writeChunks(t, s, clip, 512)
	s.CloseInput()

	var r result
	select {
	case r = <-collected:
	case <-time.After(15 * time.Second):
		t.Fatalf("ffmpeg did not finish")
	}
	if err := s.Err(); err != nil {
		t.Fatalf("expected clean exit, got %v", err)
	}
	if r.bad != 0 {
		t.Fatalf("%d blocks were empty or not frame aligned", r.bad)
	}
	want := seconds * audio.PipelineFormat.BytesPerSecond()
	if r.total < want*9/10 || r.total > want*11/10 {
		t.Fatalf("expected about %d PCM bytes, got %d", want, r.total)
	}
}

func TestCloseReleasesStalledOutput(t *testing.T) {
	tc := New(Config{})
	bin, err := tc.LookPath()
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	clip := sineClip(t, bin, 2)

	s, err := tc.Open(context.Background(), transcoder.Spec{
		SessionID: "sess-1",
		Input:     audio.BrowserInput,
		Output:    audio.PipelineFormat,
		QueueSize: 1,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	writeChunks(t, s, clip, 512)
	s.CloseInput()
	// Nobody reads Output, so the reader ends up parked on a full channel.
	time.Sleep(200 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("Close blocked on a stalled consumer")
	}
	if err := s.Err(); err != nil {
		t.Fatalf("expected nil Err after Close, got %v", err)
	}
}
