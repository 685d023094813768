package scribe

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/configutil"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Audio         AudioConfig         `mapstructure:"audio"`
	Transcoder    VendorConfig        `mapstructure:"transcoder"`
	STT           STTConfig           `mapstructure:"stt"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Sinks         SinksConfig         `mapstructure:"sinks"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type ServerConfig struct {
	Addr              string   `mapstructure:"addr"`
	WSPath            string   `mapstructure:"ws_path"`
	HealthPath        string   `mapstructure:"health_path"`
	AllowAnyOrigin    bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins    []string `mapstructure:"allowed_origins"`
	ReadLimitBytes    int64    `mapstructure:"read_limit_bytes"`
	SendBuffer        int      `mapstructure:"send_buffer"`
	WriteTimeoutMS    int      `mapstructure:"write_timeout_ms"`
	PingIntervalMS    int      `mapstructure:"ping_interval_ms"`
	ShutdownTimeoutMS int      `mapstructure:"shutdown_timeout_ms"`
}

type AudioConfig struct {
	InputFormat string `mapstructure:"input_format"`
	SampleRate  int    `mapstructure:"sample_rate"`
	Channels    int    `mapstructure:"channels"`
	Language    string `mapstructure:"language"`
	BlockMS     int    `mapstructure:"block_ms"`
}

type STTConfig struct {
	Provider          string         `mapstructure:"provider"`
	Settings          map[string]any `mapstructure:"settings"`
	FinishGraceMS     int            `mapstructure:"finish_grace_ms"`
	PCMBuffer         int            `mapstructure:"pcm_buffer"`
	OpenRetries       int            `mapstructure:"open_retries"`
	OpenBackoffMS     int            `mapstructure:"open_backoff_ms"`
	BreakerThreshold  int            `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int            `mapstructure:"breaker_cooldown_ms"`
}

type TransportsConfig struct {
	Twilio TwilioConfig `mapstructure:"twilio"`
}

type TwilioConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Settings map[string]any `mapstructure:"settings"`
}

type SinksConfig struct {
	Log       bool           `mapstructure:"log"`
	MQTT      MQTTSinkConfig `mapstructure:"mqtt"`
	TimeoutMS int            `mapstructure:"timeout_ms"`
}

type MQTTSinkConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Settings map[string]any `mapstructure:"settings"`
}

type ObservabilityConfig struct {
	ArtifactsDir   string `mapstructure:"artifacts_dir"`
	RecordAudio    bool   `mapstructure:"record_audio"`
	RetentionDays  int    `mapstructure:"retention_days"`
	MetricsPath    string `mapstructure:"metrics_path"`
	VerboseMetrics bool   `mapstructure:"verbose_metrics"`
	// EventsFile receives every metrics event as JSON lines when set.
	EventsFile       string  `mapstructure:"events_file"`
	EventsSampleRate float64 `mapstructure:"events_sample_rate"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.health_path", "/health")
	v.SetDefault("server.allow_any_origin", false)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.read_limit_bytes", 1<<20)
	v.SetDefault("server.send_buffer", 32)
	v.SetDefault("server.write_timeout_ms", 5000)
	v.SetDefault("server.ping_interval_ms", 20000)
	v.SetDefault("server.shutdown_timeout_ms", 10000)
	v.SetDefault("audio.input_format", "webm")
	v.SetDefault("audio.sample_rate", audio.PipelineFormat.SampleRate)
	v.SetDefault("audio.channels", audio.PipelineFormat.Channels)
	v.SetDefault("audio.language", "en-US")
	v.SetDefault("audio.block_ms", 100)
	v.SetDefault("transcoder.provider", "ffmpeg")
	v.SetDefault("stt.provider", "deepgram")
	v.SetDefault("stt.finish_grace_ms", 5000)
	v.SetDefault("stt.pcm_buffer", 64)
	v.SetDefault("stt.open_retries", 1)
	v.SetDefault("stt.open_backoff_ms", 200)
	v.SetDefault("stt.breaker_threshold", 5)
	v.SetDefault("stt.breaker_cooldown_ms", 30000)
	v.SetDefault("transports.twilio.enabled", false)
	v.SetDefault("sinks.log", true)
	v.SetDefault("sinks.mqtt.enabled", false)
	v.SetDefault("sinks.timeout_ms", 5000)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.record_audio", false)
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.metrics_path", "/metrics")
	v.SetDefault("observability.verbose_metrics", false)
	v.SetDefault("observability.events_file", "")
	v.SetDefault("observability.events_sample_rate", 1.0)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// LoadConfig reads path (YAML, JSON or TOML) over the defaults. SCRIBE_*
// environment variables override file values, e.g. SCRIBE_STT_PROVIDER.
// An empty path loads defaults and environment only.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SCRIBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	cfg.Server.AllowedOrigins = splitList(cfg.Server.AllowedOrigins)

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Transcoder.Provider, "transcoder.provider"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.STT.Provider, "stt.provider"); err != nil {
		return err
	}
	if err := c.PipelineFormat().Validate(); err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	if err := c.BrowserInput().Validate(); err != nil {
		return fmt.Errorf("audio.input_format: %w", err)
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with /, got %q", c.Server.WSPath)
	}
	if c.STT.OpenRetries < 0 {
		return fmt.Errorf("stt.open_retries must be >= 0, got %d", c.STT.OpenRetries)
	}
	if c.STT.PCMBuffer < 0 {
		return fmt.Errorf("stt.pcm_buffer must be >= 0, got %d", c.STT.PCMBuffer)
	}
	if r := c.Observability.EventsSampleRate; r < 0 || r > 1 {
		return fmt.Errorf("observability.events_sample_rate must be within [0, 1], got %v", r)
	}
	if c.Observability.RecordAudio && strings.TrimSpace(c.Observability.ArtifactsDir) == "" {
		return fmt.Errorf("observability.record_audio requires observability.artifacts_dir")
	}
	return nil
}

// PipelineFormat is the PCM format sent to recognition.
func (c Config) PipelineFormat() audio.Format {
	return audio.Format{
		SampleRate: c.Audio.SampleRate,
		Channels:   c.Audio.Channels,
		Encoding:   audio.EncodingPCMS16LE,
	}
}

// BrowserInput is the encoded format expected on the browser websocket.
func (c Config) BrowserInput() audio.InputFormat {
	return audio.InputFormat{Container: strings.ToLower(strings.TrimSpace(c.Audio.InputFormat))}
}

func (c Config) FinishGrace() time.Duration {
	return configutil.Millis(c.STT.FinishGraceMS, 0)
}

func (c Config) ShutdownTimeout() time.Duration {
	return configutil.Millis(c.Server.ShutdownTimeoutMS, 10*time.Second)
}

// splitList accepts comma separated entries, as env overrides deliver them.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Transcoder.Settings = expandSettings(cfg.Transcoder.Settings)
	cfg.STT.Settings = expandSettings(cfg.STT.Settings)
	cfg.Transports.Twilio.Settings = expandSettings(cfg.Transports.Twilio.Settings)
	cfg.Sinks.MQTT.Settings = expandSettings(cfg.Sinks.MQTT.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.String {
			for i := 0; i < v.Len(); i++ {
				expandValue(v.Index(i))
			}
		}
	}
}
