package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/harunnryd/scribe/pkg/adapters/transcoder"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/frames"
	"github.com/harunnryd/scribe/pkg/logging"
)

const (
	defaultBlockMS   = 100
	defaultQueueSize = 64
	stderrTailBytes  = 2048
)

type Config struct {
	// Binary is the ffmpeg executable, resolved through PATH when relative.
	Binary    string
	LogLevel  string
	ExtraArgs []string
}

// Transcoder runs one ffmpeg child process per stream, feeding encoded audio
// on stdin and reading raw PCM from stdout.
type Transcoder struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Transcoder {
	if strings.TrimSpace(cfg.Binary) == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "error"
	}
	return &Transcoder{
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "ffmpeg_transcoder"),
	}
}

func (t *Transcoder) Name() string { return "ffmpeg" }

// ErrNotInstalled is returned by LookPath when the binary is missing.
var ErrNotInstalled = errors.New("ffmpeg binary not found")

// LookPath resolves the configured binary.
func (t *Transcoder) LookPath() (string, error) {
	p, err := exec.LookPath(t.cfg.Binary)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotInstalled, err)
	}
	return p, nil
}

// Args builds the ffmpeg command line for spec.
func (t *Transcoder) Args(spec transcoder.Spec) []string {
	args := []string{"-hide_banner", "-nostdin", "-loglevel", t.cfg.LogLevel}
	args = append(args, "-f", spec.Input.Container)
	if spec.Input.Headerless() {
		args = append(args,
			"-ar", strconv.Itoa(spec.Input.SampleRate),
			"-ac", strconv.Itoa(spec.Input.Channels))
	}
	args = append(args, "-i", "pipe:0")
	args = append(args, t.cfg.ExtraArgs...)
	args = append(args,
		"-vn",
		"-acodec", spec.Output.Encoding,
		"-ar", strconv.Itoa(spec.Output.SampleRate),
		"-ac", strconv.Itoa(spec.Output.Channels),
		"-f", strings.TrimPrefix(spec.Output.Encoding, "pcm_"),
		"pipe:1",
	)
	return args
}

func (t *Transcoder) Open(ctx context.Context, spec transcoder.Spec) (transcoder.Stream, error) {
	if err := spec.Input.Validate(); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTranscoderStart)
	}
	if err := spec.Output.Validate(); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTranscoderStart)
	}
	if spec.BlockMS <= 0 {
		spec.BlockMS = defaultBlockMS
	}
	if spec.QueueSize <= 0 {
		spec.QueueSize = defaultQueueSize
	}
	if ctx == nil {
		ctx = context.Background()
	}
	procCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(procCtx, t.cfg.Binary, t.Args(spec)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, errorsx.Wrap(fmt.Errorf("ffmpeg stdin: %w", err), errorsx.ReasonTranscoderStart)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, errorsx.Wrap(fmt.Errorf("ffmpeg stdout: %w", err), errorsx.ReasonTranscoderStart)
	}
	stderr := &tailBuffer{limit: stderrTailBytes}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errorsx.Wrap(fmt.Errorf("ffmpeg start: %w", err), errorsx.ReasonTranscoderStart)
	}

	s := &stream{
		spec:   spec,
		cmd:    cmd,
		cancel: cancel,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		in:     make(chan []byte, spec.QueueSize),
		out:    make(chan frames.AudioFrame, spec.QueueSize),
		done:   make(chan struct{}),
		logger: t.logger.With(slog.String("session_id", spec.SessionID)),
	}
	s.wg.Add(2)
	go s.writeLoop()
	go s.readLoop()

	t.logger.Info("ffmpeg_started",
		slog.String("session_id", spec.SessionID),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("input", spec.Input.Container),
		slog.String("output", spec.Output.String()))
	return s, nil
}

type stream struct {
	spec   transcoder.Spec
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *tailBuffer
	in     chan []byte
	out    chan frames.AudioFrame
	done   chan struct{}
	logger *slog.Logger
	wg     sync.WaitGroup

	mu          sync.Mutex
	inputClosed bool
	aborted     bool
	err         error

	closeOnce sync.Once
}

func (s *stream) Write(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inputClosed {
		return transcoder.ErrClosed
	}
	buf := frames.AcquireAudioBuf(len(chunk))
	copy(buf, chunk)
	select {
	case s.in <- buf:
		return nil
	default:
		frames.ReleaseAudioBuf(buf)
		return transcoder.ErrInputOverflow
	}
}

func (s *stream) CloseInput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inputClosed {
		return
	}
	s.inputClosed = true
	close(s.in)
}

func (s *stream) Output() <-chan frames.AudioFrame { return s.out }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return nil
	}
	return s.err
}

// Close kills the child process and waits for both pumps to exit.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.aborted = true
		s.mu.Unlock()
		close(s.done)
		s.CloseInput()
		s.cancel()
		s.wg.Wait()
		s.logger.Debug("ffmpeg_released")
	})
	return nil
}

func (s *stream) writeLoop() {
	defer s.wg.Done()
	defer s.stdin.Close()
	for chunk := range s.in {
		_, err := s.stdin.Write(chunk)
		frames.ReleaseAudioBuf(chunk)
		if err != nil {
			s.setErr(fmt.Errorf("ffmpeg stdin write: %w", err))
			s.cancel()
			for rest := range s.in {
				frames.ReleaseAudioBuf(rest)
			}
			return
		}
	}
}

func (s *stream) readLoop() {
	defer s.wg.Done()
	defer close(s.out)

	block := s.spec.Output.BlockSize(s.spec.BlockMS)
	var pts int64
	for {
		buf := make([]byte, block)
		n, err := io.ReadFull(s.stdout, buf)
		if n > 0 {
			n -= n % s.spec.Output.FrameSize()
		}
		if n > 0 {
			f := frames.NewAudioFrame(s.spec.SessionID, pts, buf[:n],
				s.spec.Output.SampleRate, s.spec.Output.Channels, nil)
			pts += int64(n / s.spec.Output.FrameSize())
			if !s.deliver(f) {
				break
			}
		}
		if err != nil {
			break
		}
	}

	waitErr := s.cmd.Wait()
	if waitErr != nil {
		tail := strings.TrimSpace(s.stderr.String())
		if tail != "" {
			waitErr = fmt.Errorf("%w: %s", waitErr, tail)
		}
		s.setErr(fmt.Errorf("ffmpeg exited: %w", waitErr))
	}
	s.logger.Debug("ffmpeg_exited", slog.Any("error", waitErr))
}

// deliver blocks until the frame is consumed or the stream is closed. A
// stalled consumer is bounded by the input queue, which reports overflow to
// the writer.
func (s *stream) deliver(f frames.AudioFrame) bool {
	select {
	case s.out <- f:
		return true
	case <-s.done:
		return false
	}
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = errorsx.Wrap(err, errorsx.ReasonTranscode)
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var (
	_ transcoder.Transcoder = (*Transcoder)(nil)
	_ transcoder.Stream     = (*stream)(nil)
	_ io.Writer             = (*tailBuffer)(nil)
)
