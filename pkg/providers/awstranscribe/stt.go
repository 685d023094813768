package awstranscribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
	"github.com/aws/smithy-go"

	"github.com/harunnryd/scribe/pkg/adapters/stt"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/frames"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/resilience"
)

type Config struct {
	Region      string
	FinishGrace time.Duration
}

// Factory opens one StartStreamTranscription call per session. The AWS
// client is shared and safe for concurrent use.
type Factory struct {
	cfg    Config
	client *transcribestreaming.Client
	logger *slog.Logger
}

func New(ctx context.Context, cfg Config) (*Factory, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Factory{
		cfg:    cfg,
		client: transcribestreaming.NewFromConfig(awsCfg),
		logger: logging.NewComponentLogger(slog.Default(), "aws_transcribe_stt"),
	}, nil
}

func (f *Factory) Name() string { return "aws_transcribe" }

func (f *Factory) NewSession(ctx context.Context, cfg stt.Config) (stt.Session, error) {
	if err := cfg.Format.Validate(); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonFormatMismatch)
	}
	if cfg.Format.Channels != 1 {
		return nil, errorsx.New(errorsx.ReasonFormatMismatch, "aws transcribe streaming expects mono pcm, got %d channels", cfg.Format.Channels)
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

	mu     sync.Mutex
	stream *transcribestreaming.StartStreamTranscriptionEventStream
	wg     sync.WaitGroup
}

func (s *session) Start(ctx context.Context, pcm <-chan frames.AudioFrame) (<-chan stt.Event, error) {
	language := s.cfg.Language
	if language == "" {
		language = string(types.LanguageCodeEnUs)
	}
	out, err := s.factory.client.StartStreamTranscription(s.base.Context(), &transcribestreaming.StartStreamTranscriptionInput{
		LanguageCode:         types.LanguageCode(language),
		MediaEncoding:        types.MediaEncodingPcm,
		MediaSampleRateHertz: aws.Int32(int32(s.cfg.Format.SampleRate)),
	})
	if err != nil {
		s.logger.Error("aws_transcribe_start_error", slog.String("error", err.Error()))
		return nil, classifyStartError(err)
	}
	stream := out.GetStream()
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
	s.logger.Info("aws_transcribe_connected",
		slog.String("language", language),
		slog.Int("sample_rate", s.cfg.Format.SampleRate))

	s.wg.Add(2)
	go s.send(stream, pcm)
	go s.receive(stream)
	go func() {
		s.wg.Wait()
		s.base.Close()
	}()
	return s.base.Events(), nil
}

// send streams PCM chunks. Closing pcm closes the writer, which ends the
// audio stream and lets the service flush trailing results.
func (s *session) send(stream *transcribestreaming.StartStreamTranscriptionEventStream, pcm <-chan frames.AudioFrame) {
	defer s.wg.Done()
	ctx := s.base.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-pcm:
			if !ok {
				if err := stream.Writer.Close(); err != nil && ctx.Err() == nil {
					s.logger.Warn("aws_transcribe_writer_close_error", slog.String("error", err.Error()))
				}
				return
			}
			err := stream.Send(ctx, &types.AudioStreamMemberAudioEvent{
				Value: types.AudioEvent{AudioChunk: f.RawPayload()},
			})
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("aws_transcribe_send_error", slog.String("error", err.Error()))
					s.base.Emit(stt.ErrorEvent{Err: errorsx.Wrap(err, errorsx.ReasonRecognition)})
				}
				return
			}
		}
	}
}

func (s *session) receive(stream *transcribestreaming.StartStreamTranscriptionEventStream) {
	defer s.wg.Done()
	for ev := range stream.Events() {
		te, ok := ev.(*types.TranscriptResultStreamMemberTranscriptEvent)
		if !ok {
			continue
		}
		for _, tr := range transcriptEvents(te.Value) {
			if !s.base.Emit(tr) {
				return
			}
		}
	}
	if err := stream.Err(); err != nil && s.base.Context().Err() == nil {
		s.logger.Error("aws_transcribe_stream_error", slog.String("error", err.Error()))
		s.base.Emit(stt.ErrorEvent{Err: errorsx.Wrap(err, errorsx.ReasonRecognition)})
	}
}

func (s *session) Finish(ctx context.Context) error {
	return s.base.Finish(ctx)
}

func (s *session) Abort() {
	s.base.Abort()
}

func (s *session) teardown() {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream != nil {
		_ = stream.Close()
	}
	s.logger.Info("closing aws transcribe stream")
}

// transcriptEvents maps a service event to transcript events, skipping
// results without text.
func transcriptEvents(ev types.TranscriptEvent) []stt.TranscriptEvent {
	if ev.Transcript == nil {
		return nil
	}
	var out []stt.TranscriptEvent
	for _, res := range ev.Transcript.Results {
		if len(res.Alternatives) == 0 || res.Alternatives[0].Transcript == nil {
			continue
		}
		text := strings.TrimSpace(*res.Alternatives[0].Transcript)
		if text == "" {
			continue
		}
		out = append(out, stt.TranscriptEvent{Text: text, IsPartial: res.IsPartial})
	}
	return out
}

func classifyStartError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "LimitExceededException", "ThrottlingException":
			return resilience.RateLimitError{Provider: "aws_transcribe", Message: apiErr.ErrorMessage()}
		case "BadRequestException":
			return errorsx.Wrap(err, errorsx.ReasonFormatMismatch)
		}
	}
	return errorsx.Wrap(fmt.Errorf("aws transcribe start: %w", err), errorsx.ReasonSTTConnect)
}

var (
	_ stt.Factory = (*Factory)(nil)
	_ stt.Session = (*session)(nil)
)
