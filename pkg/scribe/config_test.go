package scribe

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Server.WSPath != "/ws" || cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	pf := cfg.PipelineFormat()
	if pf.SampleRate != 48000 || pf.Channels != 1 {
		t.Fatalf("unexpected pipeline format: %+v", pf)
	}
	if cfg.BrowserInput().Container != "webm" {
		t.Fatalf("expected webm input, got %q", cfg.BrowserInput().Container)
	}
	if cfg.STT.Provider != "deepgram" || cfg.Transcoder.Provider != "ffmpeg" {
		t.Fatalf("unexpected providers: %s/%s", cfg.STT.Provider, cfg.Transcoder.Provider)
	}
	if !cfg.Privacy.RedactPII {
		t.Fatalf("expected PII redaction on by default")
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scribe.yaml")
	body := `
server:
  addr: ":9090"
  allowed_origins: ["https://a.example, https://b.example"]
stt:
  provider: deepgram
  finish_grace_ms: 2500
  settings:
    api_key: ${SCRIBE_TEST_DG_KEY}
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SCRIBE_TEST_DG_KEY", "dg-secret")
	t.Setenv("SCRIBE_STT_PROVIDER", "mock")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("expected file addr, got %q", cfg.Server.Addr)
	}
	if cfg.STT.Provider != "mock" {
		t.Fatalf("expected env override, got %q", cfg.STT.Provider)
	}
	if cfg.STT.Settings["api_key"] != "dg-secret" {
		t.Fatalf("expected expanded api key, got %v", cfg.STT.Settings["api_key"])
	}
	if cfg.FinishGrace().Milliseconds() != 2500 {
		t.Fatalf("unexpected grace: %v", cfg.FinishGrace())
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Fatalf("expected split origins, got %v", cfg.Server.AllowedOrigins)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"stt.provider": func(c *Config) { c.STT.Provider = " " },
		"ws_path":      func(c *Config) { c.Server.WSPath = "ws" },
		"input_format": func(c *Config) { c.Audio.InputFormat = "mulaw" },
		"sample rate":  func(c *Config) { c.Audio.SampleRate = 0 },
		"record_audio": func(c *Config) { c.Observability.RecordAudio = true },
	}
	for want, mutate := range cases {
		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("load error: %v", err)
		}
		mutate(&cfg)
		err = cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected validation error", want)
		}
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("%s: unexpected error %v", want, err)
		}
	}
}

func TestProviderRegistryUnknown(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	cfg.STT.Provider = "whisper"
	if _, err := DefaultProviders().BuildSTT(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "aws_transcribe, deepgram, mock") {
		t.Fatalf("expected not registered error listing providers, got %v", err)
	}
	cfg.STT.Provider = "deepgram"
	cfg.STT.Settings = map[string]any{"model": "nova-2"}
	if _, err := DefaultProviders().BuildSTT(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("expected missing api_key error, got %v", err)
	}
}
