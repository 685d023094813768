package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/scribe/pkg/adapters/stt"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/frames"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/redact"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

const defaultFinalizeWait = 1500 * time.Millisecond

type Config struct {
	APIKey      string
	Model       string
	Interim     bool
	SmartFormat bool
	// FinalizeWait is how long to keep the socket open after end of audio so
	// trailing finals can arrive before the stream is stopped.
	FinalizeWait time.Duration
	FinishGrace  time.Duration
}

// Factory creates one Deepgram live socket per session.
type Factory struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Factory {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.FinalizeWait <= 0 {
		cfg.FinalizeWait = defaultFinalizeWait
	}
	return &Factory{
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (f *Factory) Name() string { return "deepgram_streaming" }

func (f *Factory) NewSession(ctx context.Context, cfg stt.Config) (stt.Session, error) {
	if f.cfg.APIKey == "" {
		return nil, errorsx.New(errorsx.ReasonSTTConnect, "deepgram api key is required")
	}
	if err := cfg.Format.Validate(); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonFormatMismatch)
	}
	s := &session{
		factory: f,
		cfg:     cfg,
		base:    stt.NewBase(ctx, f.cfg.FinishGrace, 256),
		logger:  f.logger.With(slog.String("session_id", cfg.SessionID), slog.String("trace_id", cfg.TraceID)),
	}
	s.base.OnAbort(s.teardown)
	return s, nil
}

type session struct {
	factory *Factory
	cfg     stt.Config
	base    *stt.Base
	logger  *slog.Logger

	dgClient   *client.WSCallback
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	metaLogged atomic.Bool
	audioEnded atomic.Bool
	stopOnce   sync.Once
}

func (s *session) Start(ctx context.Context, pcm <-chan frames.AudioFrame) (<-chan stt.Event, error) {
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.factory.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       "linear16",
		SampleRate:     s.cfg.Format.SampleRate,
		Channels:       s.cfg.Format.Channels,
		InterimResults: s.factory.cfg.Interim,
		SmartFormat:    s.factory.cfg.SmartFormat,
	}

	s.logger.Info("initializing deepgram connection",
		slog.String("model", s.factory.cfg.Model),
		slog.String("language", s.cfg.Language),
		slog.Int("sample_rate", s.cfg.Format.SampleRate))

	cb := &callback{parent: s}
	dgClient, err := client.NewWSUsingCallback(s.base.Context(), s.factory.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		s.logger.Error("deepgram_client_create_error", slog.String("error", err.Error()))
		return nil, errorsx.Wrap(fmt.Errorf("deepgram client: %w", err), errorsx.ReasonSTTConnect)
	}
	s.dgClient = dgClient

	if connected := s.dgClient.Connect(); !connected {
		s.logger.Error("deepgram_connect_failed")
		return nil, errorsx.New(errorsx.ReasonSTTConnect, "deepgram connection failed")
	}
	s.logger.Info("deepgram_connected")

	go func() {
		err := s.dgClient.Stream(s.pipeReader)
		if err != nil && !errors.Is(err, io.EOF) && s.base.Context().Err() == nil {
			s.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
			s.base.Emit(stt.ErrorEvent{Err: errorsx.Wrap(err, errorsx.ReasonRecognition)})
			s.base.Close()
		}
	}()
	go s.pump(pcm)

	return s.base.Events(), nil
}

// pump copies PCM into the socket. Closing pcm half-closes the stream and,
// after the finalize window, stops the client.
func (s *session) pump(pcm <-chan frames.AudioFrame) {
	ctx := s.base.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-pcm:
			if !ok {
				s.audioEnded.Store(true)
				_ = s.pipeWriter.Close()
				s.logger.Debug("deepgram_audio_ended")
				timer := time.NewTimer(s.factory.cfg.FinalizeWait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
				s.stop()
				s.base.Close()
				return
			}
			if _, err := s.pipeWriter.Write(f.RawPayload()); err != nil {
				if ctx.Err() == nil {
					s.logger.Error("failed to send audio to deepgram", slog.String("error", err.Error()))
					s.base.Emit(stt.ErrorEvent{Err: errorsx.Wrap(err, errorsx.ReasonRecognition)})
					s.base.Close()
				}
				return
			}
		}
	}
}

func (s *session) Finish(ctx context.Context) error {
	return s.base.Finish(ctx)
}

func (s *session) Abort() {
	s.base.Abort()
}

func (s *session) teardown() {
	if s.pipeWriter != nil {
		_ = s.pipeWriter.CloseWithError(context.Canceled)
	}
	s.stop()
	s.logger.Info("closing deepgram connection")
}

func (s *session) stop() {
	s.stopOnce.Do(func() {
		if s.dgClient != nil {
			s.dgClient.Stop()
		}
	})
}

type callback struct {
	parent *session
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}
	isFinal := mr.IsFinal || mr.SpeechFinal

	c.parent.logger.Debug("transcript_received",
		slog.String("transcript", redact.Preview(transcript, 80)),
		slog.Bool("is_final", isFinal))

	c.parent.base.Emit(stt.TranscriptEvent{Text: transcript, IsPartial: !isFinal})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if c.parent.metaLogged.CompareAndSwap(false, true) {
		c.parent.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	if !c.parent.audioEnded.Load() && c.parent.base.Context().Err() == nil {
		c.parent.base.Emit(stt.ErrorEvent{Err: errorsx.New(errorsx.ReasonRecognition, "deepgram closed the stream before end of audio")})
		c.parent.base.Close()
	}
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.parent.base.Emit(stt.ErrorEvent{Err: errorsx.New(errorsx.ReasonRecognition, "deepgram %s: %s", er.ErrCode, er.ErrMsg)})
	c.parent.base.Close()
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.Int("size_bytes", len(byData)))
	return nil
}

var (
	_ stt.Factory                       = (*Factory)(nil)
	_ stt.Session                       = (*session)(nil)
	_ msginterfaces.LiveMessageCallback = (*callback)(nil)
)
