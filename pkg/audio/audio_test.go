package audio

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/go-audio/wav"
)

func TestPipelineFormatBlockSize(t *testing.T) {
	if err := PipelineFormat.Validate(); err != nil {
		t.Fatalf("pipeline format invalid: %v", err)
	}
	if got := PipelineFormat.BlockSize(100); got != 9600 {
		t.Fatalf("expected 9600 bytes per 100ms, got %d", got)
	}
	odd := Format{SampleRate: 8001, Channels: 1, Encoding: EncodingPCMS16LE}
	if got := odd.BlockSize(1); got%odd.FrameSize() != 0 {
		t.Fatalf("expected frame aligned block, got %d", got)
	}
}

func TestInputFormatValidate(t *testing.T) {
	if err := BrowserInput.Validate(); err != nil {
		t.Fatalf("browser input: %v", err)
	}
	if err := TelephonyInput.Validate(); err != nil {
		t.Fatalf("telephony input: %v", err)
	}
	if err := (InputFormat{Container: "mulaw"}).Validate(); err == nil {
		t.Fatalf("expected headerless input without rate to fail")
	}
}

func TestWAVRecorderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	format := Format{SampleRate: 16000, Channels: 1, Encoding: EncodingPCMS16LE}
	rec, err := NewWAVRecorder(dir, "sess-1", format)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	pcm := make([]byte, 8)
	samples := []int16{0, 1000, -1000, 32767}
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	if err := rec.Write(pcm); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}

	f, err := os.Open(rec.Path())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		t.Fatalf("expected valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(buf.Data) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(buf.Data))
	}
	for i, s := range samples {
		if buf.Data[i] != int(s) {
			t.Fatalf("sample %d: expected %d, got %d", i, s, buf.Data[i])
		}
	}
}
