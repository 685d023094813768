package audio

import (
	"fmt"
	"strings"
)

const (
	EncodingPCMS16LE = "pcm_s16le"

	bytesPerSample = 2
)

// Format describes raw PCM. It is fixed for the lifetime of a pipeline and
// must be declared identically to the transcoder and the recognition service.
type Format struct {
	SampleRate int
	Channels   int
	Encoding   string
}

// PipelineFormat is the PCM contract between transcoder output and the
// recognition service input.
var PipelineFormat = Format{
	SampleRate: 48000,
	Channels:   1,
	Encoding:   EncodingPCMS16LE,
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", f.Channels)
	}
	if f.Encoding != EncodingPCMS16LE {
		return fmt.Errorf("unsupported encoding %q", f.Encoding)
	}
	return nil
}

// FrameSize is the byte size of one sample across all channels.
func (f Format) FrameSize() int { return f.Channels * bytesPerSample }

func (f Format) BytesPerSecond() int { return f.SampleRate * f.FrameSize() }

// BlockSize returns the byte size of a block holding ms milliseconds of audio.
func (f Format) BlockSize(ms int) int {
	if ms <= 0 {
		ms = 100
	}
	n := f.BytesPerSecond() * ms / 1000
	if rem := n % f.FrameSize(); rem != 0 {
		n -= rem
	}
	if n <= 0 {
		n = f.FrameSize()
	}
	return n
}

func (f Format) String() string {
	return fmt.Sprintf("%s_%dhz_%dch", f.Encoding, f.SampleRate, f.Channels)
}

// InputFormat describes the encoded audio a transport delivers. SampleRate
// and Channels are only required for headerless containers such as mulaw.
type InputFormat struct {
	Container  string
	SampleRate int
	Channels   int
}

var (
	// BrowserInput is what MediaRecorder produces in Chromium and Firefox.
	BrowserInput = InputFormat{Container: "webm"}
	// TelephonyInput is the Twilio Media Streams payload format.
	TelephonyInput = InputFormat{Container: "mulaw", SampleRate: 8000, Channels: 1}
)

func (in InputFormat) Headerless() bool {
	switch strings.ToLower(in.Container) {
	case "mulaw", "alaw", "s16le":
		return true
	default:
		return false
	}
}

func (in InputFormat) Validate() error {
	if strings.TrimSpace(in.Container) == "" {
		return fmt.Errorf("input container is required")
	}
	if in.Headerless() && (in.SampleRate <= 0 || in.Channels <= 0) {
		return fmt.Errorf("headerless input %q needs sample rate and channels", in.Container)
	}
	return nil
}
