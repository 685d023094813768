package scribe

import (
	"context"
	"fmt"

	"github.com/harunnryd/scribe/pkg/adapters/stt"
	"github.com/harunnryd/scribe/pkg/adapters/transcoder"
	"github.com/harunnryd/scribe/pkg/configutil"
	"github.com/harunnryd/scribe/pkg/providers/awstranscribe"
	"github.com/harunnryd/scribe/pkg/providers/deepgram"
	"github.com/harunnryd/scribe/pkg/providers/ffmpeg"
	"github.com/harunnryd/scribe/pkg/providers/mock"
)

type deepgramSettings struct {
	APIKey      string `mapstructure:"api_key"`
	Model       string `mapstructure:"model"`
	Interim     *bool  `mapstructure:"interim"`
	SmartFormat *bool  `mapstructure:"smart_format"`
	FinalizeMS  *int   `mapstructure:"finalize_ms"`
}

type awsTranscribeSettings struct {
	Region string `mapstructure:"region"`
}

type mockSTTSettings struct {
	Transcript        string `mapstructure:"transcript"`
	InterimTranscript string `mapstructure:"interim_transcript"`
}

type ffmpegSettings struct {
	Binary    string   `mapstructure:"binary"`
	LogLevel  string   `mapstructure:"log_level"`
	ExtraArgs []string `mapstructure:"extra_args"`
}

// DefaultProviders registers every built-in recognition and transcoder
// provider.
func DefaultProviders() *ProviderRegistry {
	reg := NewProviderRegistry()

	reg.RegisterSTT("deepgram", func(_ context.Context, cfg Config) (stt.Factory, error) {
		if err := validateSettings("stt.settings", cfg.STT.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "interim", "smart_format", "finalize_ms"},
		}); err != nil {
			return nil, err
		}
		var settings deepgramSettings
		if err := configutil.DecodeSettings(cfg.STT.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "stt.settings.api_key"); err != nil {
			return nil, err
		}
		return deepgram.New(deepgram.Config{
			APIKey:       settings.APIKey,
			Model:        settings.Model,
			Interim:      configutil.BoolValue(settings.Interim, true),
			SmartFormat:  configutil.BoolValue(settings.SmartFormat, true),
			FinalizeWait: configutil.Millis(configutil.IntValue(settings.FinalizeMS, 0), 0),
			FinishGrace:  cfg.FinishGrace(),
		}), nil
	})

	reg.RegisterSTT("aws_transcribe", func(ctx context.Context, cfg Config) (stt.Factory, error) {
		if err := validateSettings("stt.settings", cfg.STT.Settings, configutil.Schema{
			Optional: []string{"region"},
		}); err != nil {
			return nil, err
		}
		var settings awsTranscribeSettings
		if err := configutil.DecodeSettings(cfg.STT.Settings, &settings); err != nil {
			return nil, err
		}
		return awstranscribe.New(ctx, awstranscribe.Config{
			Region:      settings.Region,
			FinishGrace: cfg.FinishGrace(),
		})
	})

	reg.RegisterSTT("mock", func(_ context.Context, cfg Config) (stt.Factory, error) {
		if err := validateSettings("stt.settings", cfg.STT.Settings, configutil.Schema{
			Optional: []string{"transcript", "interim_transcript"},
		}); err != nil {
			return nil, err
		}
		var settings mockSTTSettings
		if err := configutil.DecodeSettings(cfg.STT.Settings, &settings); err != nil {
			return nil, err
		}
		var onEnd []stt.Event
		if settings.InterimTranscript != "" {
			onEnd = append(onEnd, stt.TranscriptEvent{Text: settings.InterimTranscript, IsPartial: true})
		}
		if settings.Transcript != "" {
			onEnd = append(onEnd, stt.TranscriptEvent{Text: settings.Transcript})
		}
		return mock.NewSTT(mock.STTConfig{OnEnd: onEnd, Grace: cfg.FinishGrace()}), nil
	})

	reg.RegisterTranscoder("ffmpeg", func(_ context.Context, cfg Config) (transcoder.Transcoder, error) {
		if err := validateSettings("transcoder.settings", cfg.Transcoder.Settings, configutil.Schema{
			Optional: []string{"binary", "log_level", "extra_args"},
		}); err != nil {
			return nil, err
		}
		var settings ffmpegSettings
		if err := configutil.DecodeSettings(cfg.Transcoder.Settings, &settings); err != nil {
			return nil, err
		}
		t := ffmpeg.New(ffmpeg.Config{
			Binary:    settings.Binary,
			LogLevel:  settings.LogLevel,
			ExtraArgs: settings.ExtraArgs,
		})
		if _, err := t.LookPath(); err != nil {
			return nil, fmt.Errorf("transcoder.settings.binary: %w", err)
		}
		return t, nil
	})

	reg.RegisterTranscoder("mock", func(_ context.Context, cfg Config) (transcoder.Transcoder, error) {
		if err := validateSettings("transcoder.settings", cfg.Transcoder.Settings, configutil.Schema{}); err != nil {
			return nil, err
		}
		return mock.NewTranscoder(mock.TranscoderConfig{}), nil
	})

	return reg
}

func validateSettings(path string, input map[string]any, schema configutil.Schema) error {
	if err := configutil.ValidateSettings(input, schema); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
