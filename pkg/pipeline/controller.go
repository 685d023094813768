package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/scribe/pkg/adapters/stt"
	"github.com/harunnryd/scribe/pkg/adapters/transcoder"
	"github.com/harunnryd/scribe/pkg/aggregators"
	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/frames"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
	"github.com/harunnryd/scribe/pkg/redact"
	"github.com/harunnryd/scribe/pkg/resilience"
	"github.com/harunnryd/scribe/pkg/sinks"
	"github.com/harunnryd/scribe/pkg/transports"
)

// ErrControllerClosed is returned by Run on a controller that already ran.
var ErrControllerClosed = errorsx.New(errorsx.ReasonProgramming, "controller already ran")

const (
	defaultPCMBuffer   = 64
	defaultBlockMS     = 100
	defaultSinkTimeout = 5 * time.Second
)

// PCMRecorder receives a copy of every PCM block sent to recognition.
type PCMRecorder interface {
	Write(pcm []byte) error
	Close() error
}

// Options wires one connection's pipeline.
type Options struct {
	SessionID string
	TraceID   string

	Source     transports.Source
	Transcoder transcoder.Transcoder
	STT        stt.Factory

	Input    audio.InputFormat
	Format   audio.Format
	Language string
	BlockMS  int
	// FinishGrace bounds the wait for trailing results after end of audio.
	// Zero leaves the bound to the provider session.
	FinishGrace time.Duration
	// PCMBuffer is the capacity, in blocks, between transcoder and recognition.
	PCMBuffer int

	Sink        sinks.TranscriptSink
	SinkTimeout time.Duration
	Observer    metrics.Observer
	Recorder    PCMRecorder
	Logger      *slog.Logger

	Retry   resilience.RetryPolicy
	Breaker *resilience.CircuitBreaker
}

// Controller drives one connection from OPENING to CLOSED. It owns the
// transcoder stream and the recognition session and releases both exactly
// once on every exit path.
type Controller struct {
	opts Options
	log  *slog.Logger
	fsm  *stateMachine
	acc  *aggregators.TranscriptAccumulator

	started atomic.Bool

	abortMu sync.Mutex
	abortFn context.CancelFunc
	aborted atomic.Bool

	pipeCtx    context.Context
	pipeCancel context.CancelFunc
	stream     transcoder.Stream
	session    stt.Session
	faults     chan error
	wg         sync.WaitGroup

	releaseOnce sync.Once
}

func NewController(opts Options) *Controller {
	if opts.Format == (audio.Format{}) {
		opts.Format = audio.PipelineFormat
	}
	if opts.BlockMS <= 0 {
		opts.BlockMS = defaultBlockMS
	}
	if opts.PCMBuffer <= 0 {
		opts.PCMBuffer = defaultPCMBuffer
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = defaultSinkTimeout
	}
	if opts.Language == "" {
		opts.Language = "en-US"
	}
	log := logging.NewComponentLogger(opts.Logger, "controller").With(
		slog.String("session_id", opts.SessionID),
		slog.String("trace_id", opts.TraceID),
	)
	c := &Controller{
		opts:   opts,
		log:    log,
		fsm:    newStateMachine(),
		acc:    aggregators.NewTranscriptAccumulator(0),
		faults: make(chan error, 1),
	}
	c.fsm.AddListener(StateListenerFunc(c.onStateChange))
	return c
}

func (c *Controller) ID() string   { return c.opts.SessionID }
func (c *Controller) State() State { return c.fsm.State() }

// History returns the state transitions taken so far.
func (c *Controller) History() []StateChange { return c.fsm.History() }

// AddListener registers an observer for state changes. Call before Run.
func (c *Controller) AddListener(l StateListener) { c.fsm.AddListener(l) }

// Abort ends the connection as if the client had closed it. Safe to call
// from any goroutine, before or during Run.
func (c *Controller) Abort() {
	c.aborted.Store(true)
	c.abortMu.Lock()
	cancel := c.abortFn
	c.abortMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run drives the connection until CLOSED. The returned error is the fault
// that sent the connection to ERROR, or nil.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		c.log.Error("controller_reused", slog.String("state", c.fsm.State().String()))
		return ErrControllerClosed
	}
	if c.opts.Source == nil {
		err := errorsx.New(errorsx.ReasonProgramming, "controller has no source")
		c.log.Error("session_fault", slog.String("reason_code", string(errorsx.ReasonProgramming)), slog.String("error", err.Error()))
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.abortMu.Lock()
	c.abortFn = cancel
	c.abortMu.Unlock()
	if c.aborted.Load() {
		cancel()
	}

	opened := map[string]string{}
	if c.opts.STT != nil {
		opened[metrics.TagProvider] = c.opts.STT.Name()
	}
	c.record(metrics.EventSessionOpened, 1, opened)
	c.log.Info("session_opened",
		slog.String("source", c.opts.Source.Name()),
		slog.String("input", c.opts.Input.Container),
		slog.String("output", c.opts.Format.String()),
	)

	if err := c.open(ctx); err != nil {
		if ctx.Err() != nil {
			return c.drain(StateOpening, "cancelled during open")
		}
		return c.fail(err)
	}
	if err := c.fsm.Transition(StateStreaming, "opened"); err != nil {
		return c.fail(err)
	}
	return c.streamLoop(ctx)
}

func (c *Controller) open(ctx context.Context) error {
	if c.opts.Transcoder == nil || c.opts.STT == nil {
		return errorsx.New(errorsx.ReasonProgramming, "controller missing transcoder or stt")
	}
	if err := c.opts.Input.Validate(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonFormatMismatch)
	}
	if err := c.opts.Format.Validate(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonFormatMismatch)
	}

	c.pipeCtx, c.pipeCancel = context.WithCancel(ctx)

	stream, err := c.opts.Transcoder.Open(c.pipeCtx, transcoder.Spec{
		SessionID: c.opts.SessionID,
		Input:     c.opts.Input,
		Output:    c.opts.Format,
		BlockMS:   c.opts.BlockMS,
		QueueSize: c.opts.PCMBuffer,
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTranscoderStart)
	}
	c.stream = stream

	pcm := make(chan frames.AudioFrame, c.opts.PCMBuffer)
	events, err := c.startRecognition(c.pipeCtx, pcm)
	if err != nil {
		return err
	}

	c.wg.Add(2)
	go c.forwardPCM(stream, pcm)
	go c.consume(events)
	return nil
}

// startRecognition opens the recognition call, retrying transient failures
// while the shared circuit breaker allows it.
func (c *Controller) startRecognition(ctx context.Context, pcm <-chan frames.AudioFrame) (<-chan stt.Event, error) {
	cfg := stt.Config{
		SessionID: c.opts.SessionID,
		TraceID:   c.opts.TraceID,
		Language:  c.opts.Language,
		Format:    c.opts.Format,
	}
	var events <-chan stt.Event
	attempt := 0
	err := c.opts.Retry.DoContext(ctx, func() error {
		attempt++
		if attempt > 1 {
			c.record(metrics.EventSTTOpenRetry, float64(attempt), map[string]string{
				metrics.TagProvider: c.opts.STT.Name(),
			})
		}
		if !c.opts.Breaker.Allow() {
			return resilience.ErrCircuitOpen
		}
		sess, err := c.opts.STT.NewSession(ctx, cfg)
		if err != nil {
			c.opts.Breaker.OnError(err)
			return err
		}
		ch, err := sess.Start(ctx, pcm)
		if err != nil {
			sess.Abort()
			c.opts.Breaker.OnError(err)
			c.log.Warn("stt_open_failed",
				slog.Int("attempt", attempt),
				slog.String("provider", c.opts.STT.Name()),
				slog.String("error", err.Error()),
			)
			return err
		}
		c.opts.Breaker.OnSuccess()
		c.session = sess
		events = ch
		return nil
	})
	if err != nil {
		if resilience.IsRateLimit(err) {
			return nil, errorsx.Wrap(err, errorsx.ReasonSTTRateLimit)
		}
		return nil, errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	return events, nil
}

// forwardPCM moves transcoder output into the bounded recognition input.
// Closing pcm is the end-of-audio signal for the session.
func (c *Controller) forwardPCM(stream transcoder.Stream, pcm chan<- frames.AudioFrame) {
	defer c.wg.Done()
	defer close(pcm)
	recordFailed := false
	for f := range stream.Output() {
		if c.opts.Recorder != nil && !recordFailed {
			if err := c.opts.Recorder.Write(f.RawPayload()); err != nil {
				recordFailed = true
				c.log.Warn("pcm_record_failed", slog.String("error", err.Error()))
			}
		}
		c.record(metrics.EventPCMOut, float64(f.Len()), nil)
		select {
		case pcm <- f:
		case <-c.pipeCtx.Done():
			frames.ReleaseAudioFrame(f)
			return
		}
	}
	if err := stream.Err(); err != nil {
		c.fault(errorsx.Wrap(err, errorsx.ReasonTranscode))
	}
}

func (c *Controller) consume(events <-chan stt.Event) {
	defer c.wg.Done()
	for ev := range events {
		switch e := ev.(type) {
		case stt.TranscriptEvent:
			c.acc.OnEvent(e)
			if e.IsPartial {
				c.record(metrics.EventTranscriptPartial, 1, nil)
				continue
			}
			c.record(metrics.EventTranscriptFinal, 1, nil)
			c.log.Debug("transcript_final", slog.String("text", redact.Preview(e.Text, 80)))
		case stt.ErrorEvent:
			c.fault(errorsx.Wrap(e.Err, errorsx.ReasonRecognition))
		}
	}
}

// fault records the first fault raised by a pipeline goroutine.
func (c *Controller) fault(err error) {
	if err == nil {
		return
	}
	select {
	case c.faults <- err:
	default:
	}
}

func (c *Controller) pendingFault() error {
	select {
	case err := <-c.faults:
		return err
	default:
		return nil
	}
}

func (c *Controller) streamLoop(ctx context.Context) error {
	recv := c.opts.Source.Recv()
	for {
		select {
		case err := <-c.faults:
			return c.fail(err)
		case <-ctx.Done():
			return c.drain(StateStreaming, "cancelled")
		case f, ok := <-recv:
			if !ok {
				return c.drain(StateStreaming, "transport closed")
			}
			switch fr := f.(type) {
			case frames.AudioFrame:
				if err := c.ingest(fr); err != nil {
					return c.fail(err)
				}
			case frames.ControlFrame:
				switch fr.Code() {
				case frames.ControlEndOfAudio:
					return c.endOfAudio(ctx)
				case frames.ControlClose:
					return c.drain(StateStreaming, "client close")
				default:
					c.log.Debug("control_ignored", slog.String("code", string(fr.Code())))
				}
			case frames.ErrorFrame:
				if errorsx.Reason(fr.Err()).Fatal() {
					return c.fail(fr.Err())
				}
				c.log.Warn("transport_lost", slog.String("error", fr.Err().Error()))
				return c.drain(StateStreaming, "transport error")
			}
		}
	}
}

func (c *Controller) ingest(f frames.AudioFrame) error {
	defer frames.ReleaseAudioFrame(f)
	c.record(metrics.EventAudioIn, float64(f.Len()), nil)
	err := c.stream.Write(f.RawPayload())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transcoder.ErrClosed):
		// The transcoder stopped on its own; forwardPCM reports why.
		return nil
	case errors.Is(err, transcoder.ErrInputOverflow):
		return errorsx.Wrap(err, errorsx.ReasonTranscoderOverflow)
	default:
		return errorsx.Wrap(err, errorsx.ReasonTranscode)
	}
}

// endOfAudio lets the pipeline finish, flushes and notifies the client.
func (c *Controller) endOfAudio(ctx context.Context) error {
	c.stream.CloseInput()

	finishCtx := ctx
	if c.opts.FinishGrace > 0 {
		var cancel context.CancelFunc
		finishCtx, cancel = context.WithTimeout(ctx, c.opts.FinishGrace)
		defer cancel()
	}
	err := c.session.Finish(finishCtx)
	switch {
	case err == nil:
	case errors.Is(err, stt.ErrFinishTimeout), errors.Is(err, context.DeadlineExceeded):
		c.record(metrics.EventFinishTimeout, 1, map[string]string{
			metrics.TagReason: string(errorsx.ReasonRecognitionTimeout),
		})
		c.log.Warn("stt_finish_timeout",
			slog.String("reason_code", string(errorsx.ReasonRecognitionTimeout)),
			slog.Duration("grace", c.opts.FinishGrace))
	case ctx.Err() != nil:
		return c.drain(StateStreaming, "cancelled during finish")
	default:
		return c.fail(errorsx.Wrap(err, errorsx.ReasonRecognition))
	}

	// Finish may return before the transcoder drains into an aborted session.
	// Closing the stream before cancelling keeps the kill out of stream.Err.
	_ = c.stream.Close()
	c.pipeCancel()
	c.wg.Wait()
	if err := c.pendingFault(); err != nil {
		return c.fail(err)
	}

	if c.acc.HasContent() {
		c.flush(sinks.ReasonEndOfAudio)
	} else {
		c.log.Info("transcript_empty")
	}
	if err := c.fsm.Transition(StateDraining, "end of audio"); err != nil {
		return c.fail(err)
	}
	c.release()
	_ = c.fsm.Transition(StateClosed, "released")
	return nil
}

// drain aborts the pipeline without waiting for trailing results and makes a
// best-effort flush of what was already recognized.
func (c *Controller) drain(from State, reason string) error {
	if err := c.fsm.Transition(StateDraining, reason); err != nil {
		return c.fail(err)
	}
	c.abortPipeline()
	if c.acc.HasContent() {
		c.flush(sinks.ReasonClose)
	}
	c.release()
	_ = c.fsm.Transition(StateClosed, "released")
	c.log.Info("session_drained", slog.String("from", from.String()), slog.String("reason", reason))
	return nil
}

// fail is the ERROR path: best-effort flush of final text, best-effort error
// notification, then the same release as DRAINING.
func (c *Controller) fail(cause error) error {
	reason := errorsx.Reason(cause)
	if err := c.fsm.Transition(StateError, string(reason)); err != nil {
		c.log.Error("invalid_transition", slog.String("error", err.Error()))
	}
	c.log.Error("session_fault",
		slog.String("reason_code", string(reason)),
		slog.String("error", cause.Error()),
	)
	c.record(metrics.EventFault, 1, map[string]string{metrics.TagReason: string(reason)})

	c.abortPipeline()
	if c.acc.HasContent() {
		c.flush(sinks.ReasonFault)
	}
	if err := c.opts.Source.Send(transports.ErrorMessage(clientMessage(cause))); err != nil {
		c.log.Debug("error_notify_failed", slog.String("error", err.Error()))
	}
	c.release()
	_ = c.fsm.Transition(StateClosed, "released")
	return cause
}

func (c *Controller) abortPipeline() {
	if c.pipeCancel != nil {
		c.pipeCancel()
	}
	if c.session != nil {
		c.session.Abort()
	}
	if c.stream != nil {
		_ = c.stream.Close()
	}
	c.wg.Wait()
}

func (c *Controller) flush(reason string) {
	text := c.acc.Flush()
	if text == "" {
		return
	}
	c.record(metrics.EventTranscriptFlushed, float64(len(text)), map[string]string{metrics.TagReason: reason})
	c.log.Info("transcript_flushed",
		slog.String("reason", reason),
		slog.Int("chars", len(text)),
		slog.String("text", redact.Preview(text, 120)),
	)
	if err := c.opts.Source.Send(transports.FinalTranscript(text)); err != nil {
		c.log.Warn("final_transcript_send_failed", slog.String("error", err.Error()))
	}
	if c.opts.Sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.SinkTimeout)
	defer cancel()
	err := c.opts.Sink.Deliver(ctx, sinks.Transcript{
		SessionID: c.opts.SessionID,
		TraceID:   c.opts.TraceID,
		Source:    c.opts.Source.Name(),
		Text:      text,
		Reason:    reason,
		At:        time.Now().UTC(),
	})
	if err != nil {
		c.record(metrics.EventSinkError, 1, map[string]string{metrics.TagSink: c.opts.Sink.Name()})
		c.log.Warn("sink_deliver_failed",
			slog.String("sink", c.opts.Sink.Name()),
			slog.String("error", errorsx.Wrap(err, errorsx.ReasonSinkDeliver).Error()),
		)
	}
}

// release frees every owned resource. Runs once per controller.
func (c *Controller) release() {
	c.releaseOnce.Do(func() {
		if c.pipeCancel != nil {
			c.pipeCancel()
		}
		if c.session != nil {
			c.session.Abort()
		}
		if c.stream != nil {
			if err := c.stream.Close(); err != nil {
				c.log.Warn("transcoder_close_failed", slog.String("error", err.Error()))
			}
		}
		c.wg.Wait()
		if c.opts.Recorder != nil {
			if err := c.opts.Recorder.Close(); err != nil {
				c.log.Warn("pcm_record_close_failed", slog.String("error", err.Error()))
			}
		}
		if err := c.opts.Source.Close(); err != nil {
			c.log.Debug("source_close_failed", slog.String("error", err.Error()))
		}
		finals, partials := c.acc.Counts()
		c.record(metrics.EventSessionClosed, 1, nil)
		c.log.Info("session_closed",
			slog.Int("finals", finals),
			slog.Int("partials", partials),
		)
	})
}

func (c *Controller) onStateChange(ev StateChange) {
	c.record(metrics.EventStateChange, 1, map[string]string{
		metrics.TagFrom:   ev.FromState.String(),
		metrics.TagTo:     ev.ToState.String(),
		metrics.TagReason: ev.Reason,
	})
	c.log.Debug("state_change",
		slog.String("from", ev.FromState.String()),
		slog.String("to", ev.ToState.String()),
		slog.String("reason", ev.Reason),
	)
}

func (c *Controller) record(name string, value float64, extra map[string]string) {
	if c.opts.Observer == nil {
		return
	}
	tags := map[string]string{
		metrics.TagSessionID: c.opts.SessionID,
		metrics.TagTraceID:   c.opts.TraceID,
	}
	if c.opts.Source != nil {
		tags[metrics.TagSource] = c.opts.Source.Name()
	}
	for k, v := range extra {
		tags[k] = v
	}
	metrics.Record(c.opts.Observer, name, value, tags)
}

// clientMessage maps a fault to the text sent to the client. Internal error
// detail stays in the logs.
func clientMessage(err error) string {
	switch errorsx.Reason(err) {
	case errorsx.ReasonTranscode, errorsx.ReasonTranscoderStart, errorsx.ReasonTranscoderOverflow:
		return "audio transcoding failed"
	case errorsx.ReasonRecognition, errorsx.ReasonSTTConnect:
		return "speech recognition failed"
	case errorsx.ReasonSTTRateLimit, errorsx.ReasonSTTCircuitOpen:
		return "speech recognition unavailable, try again later"
	case errorsx.ReasonFormatMismatch:
		return "unsupported audio format"
	case errorsx.ReasonTransportMalformed:
		return "malformed message"
	default:
		return fmt.Sprintf("internal error (%s)", errorsx.Reason(err))
	}
}
