package scribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harunnryd/scribe/pkg/adapters/stt"
	"github.com/harunnryd/scribe/pkg/adapters/transcoder"
	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/configutil"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
	"github.com/harunnryd/scribe/pkg/observers"
	"github.com/harunnryd/scribe/pkg/pipeline"
	"github.com/harunnryd/scribe/pkg/redact"
	"github.com/harunnryd/scribe/pkg/resilience"
	"github.com/harunnryd/scribe/pkg/runner"
	"github.com/harunnryd/scribe/pkg/server"
	"github.com/harunnryd/scribe/pkg/sinks"
	"github.com/harunnryd/scribe/pkg/transports"
	"github.com/harunnryd/scribe/pkg/transports/browser"
	"github.com/harunnryd/scribe/pkg/transports/twilio"
)

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Logger defaults to a logger built from Config.LogLevel and LogFormat.
	Logger *slog.Logger
	// Sinks are added to the configured transcript sinks.
	Sinks []sinks.TranscriptSink
}

// Engine owns the process-wide collaborators: providers, observers, sinks,
// the session registry and the HTTP surface.
type Engine struct {
	cfg    Config
	log    *slog.Logger
	logger *slog.Logger

	providers  *ProviderRegistry
	transcoder transcoder.Transcoder
	stt        stt.Factory
	retry      resilience.RetryPolicy
	breaker    *resilience.CircuitBreaker

	obs      *metrics.AsyncObserver
	timeline *observers.TimelineObserver
	cost     *observers.CostObserver
	promReg  *prometheus.Registry

	events    *os.File
	sink      sinks.TranscriptSink
	closeSink []func()

	registry *pipeline.Registry
	browser  *browser.Upgrader
	twilio   *twilio.Transport
	handler  http.Handler

	ctx    context.Context
	cancel context.CancelFunc

	runner    *runner.LifecycleRunner
	mu        sync.Mutex
	srv       *http.Server
	addr      net.Addr
	closeOnce sync.Once
}

func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)
	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		log:       logging.NewComponentLogger(logger, "engine"),
		providers: providers,
		retry:     resilience.NewRetryPolicy(cfg.STT.OpenRetries, configutil.Millis(cfg.STT.OpenBackoffMS, 200*time.Millisecond)),
		breaker: resilience.NewCircuitBreaker(cfg.STT.BreakerThreshold,
			configutil.Millis(cfg.STT.BreakerCooldownMS, 30*time.Second)),
	}
	e.log.Info("scribe_init",
		slog.String("environment", cfg.Environment),
		slog.String("stt_provider", cfg.STT.Provider),
		slog.String("transcoder_provider", cfg.Transcoder.Provider),
		slog.Bool("twilio", cfg.Transports.Twilio.Enabled),
		slog.Bool("redact_pii", cfg.Privacy.RedactPII),
	)

	var err error
	if e.transcoder, err = providers.BuildTranscoder(ctx, cfg); err != nil {
		return nil, fmt.Errorf("transcoder: %w", err)
	}
	if e.stt, err = providers.BuildSTT(ctx, cfg); err != nil {
		return nil, fmt.Errorf("stt: %w", err)
	}

	if err := e.buildObservers(); err != nil {
		return nil, err
	}
	if err := e.buildSinks(opts.Sinks); err != nil {
		e.closeObservers()
		return nil, err
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.registry = pipeline.NewRegistry(e.buildOptions, logger)
	e.browser = browser.NewUpgrader(browser.Config{
		ReadLimit:      cfg.Server.ReadLimitBytes,
		SendBuffer:     cfg.Server.SendBuffer,
		WriteTimeout:   configutil.Millis(cfg.Server.WriteTimeoutMS, 0),
		PingInterval:   configutil.Millis(cfg.Server.PingIntervalMS, 0),
		AllowAnyOrigin: cfg.Server.AllowAnyOrigin,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, e.obs)
	if cfg.Transports.Twilio.Enabled {
		tw, err := buildTwilio(cfg, e.obs)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.twilio = tw
	}
	e.handler = e.routes()
	e.runner = runner.NewLifecycleRunner(runner.DrainFunc(e.Drain), runner.Hooks{
		OnStart: e.listen,
		OnStop:  e.shutdown,
	}, cfg.ShutdownTimeout())
	return e, nil
}

func (e *Engine) buildObservers() error {
	cfg := e.cfg.Observability
	e.promReg = prometheus.NewRegistry()
	e.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	list := []metrics.Observer{
		observers.NewLoggerObserver(e.logger, cfg.VerboseMetrics),
		observers.NewLatencyObserver(e.logger),
		metrics.NewPrometheusObserver(e.promReg),
	}
	if dir := strings.TrimSpace(cfg.ArtifactsDir); dir != "" {
		if cfg.RetentionDays > 0 {
			n, err := observers.PurgeArtifacts(dir, time.Duration(cfg.RetentionDays)*24*time.Hour)
			if err != nil {
				e.log.Warn("artifact_purge_failed", slog.String("error", err.Error()))
			} else if n > 0 {
				e.log.Info("artifacts_purged", slog.Int("count", n))
			}
		}
		e.timeline = observers.NewTimelineObserver(dir)
		e.cost = observers.NewCostObserver(dir, e.cfg.PipelineFormat())
		list = append(list, e.timeline, e.cost)
	}
	if path := strings.TrimSpace(cfg.EventsFile); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("observability.events_file: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("observability.events_file: %w", err)
		}
		e.events = f
		list = append(list, metrics.NewSamplingObserver(metrics.NewJSONLObserver(f), cfg.EventsSampleRate))
	}
	e.obs = metrics.NewAsyncObserver(observers.NewMultiObserver(list...), 4096)
	return nil
}

func (e *Engine) buildSinks(extra []sinks.TranscriptSink) error {
	var list []sinks.TranscriptSink
	if e.cfg.Sinks.Log {
		list = append(list, sinks.NewLogSink(e.logger))
	}
	if e.cfg.Sinks.MQTT.Enabled {
		if err := validateSettings("sinks.mqtt.settings", e.cfg.Sinks.MQTT.Settings, configutil.Schema{
			Required: []string{"broker_url"},
			Optional: []string{"client_id", "username", "password", "topic_prefix", "qos"},
		}); err != nil {
			return err
		}
		var mcfg sinks.MQTTConfig
		if err := configutil.DecodeSettings(e.cfg.Sinks.MQTT.Settings, &mcfg); err != nil {
			return err
		}
		if mcfg.ClientID == "" {
			mcfg.ClientID = "scribe-" + uuid.NewString()[:8]
		}
		mq, disconnect, err := sinks.DialMQTT(mcfg, e.logger)
		if err != nil {
			return fmt.Errorf("sinks.mqtt: %w", err)
		}
		list = append(list, mq)
		e.closeSink = append(e.closeSink, disconnect)
	}
	list = append(list, extra...)
	multi := sinks.NewMulti(list...)
	if multi.Len() > 0 {
		e.sink = multi
	}
	return nil
}

func buildTwilio(cfg Config, obs metrics.Observer) (*twilio.Transport, error) {
	settings := cfg.Transports.Twilio.Settings
	if err := validateSettings("transports.twilio.settings", settings, configutil.Schema{
		Required: []string{"auth_token"},
		Optional: []string{"account_sid", "public_url", "server_addr", "voice_path", "stream_path",
			"status_callback_path", "voice_greeting", "send_buffer", "allow_any_origin", "allowed_origins"},
	}); err != nil {
		return nil, err
	}
	var tcfg twilio.Config
	if err := configutil.DecodeSettings(settings, &tcfg); err != nil {
		return nil, err
	}
	if tcfg.ServerAddr == "" {
		tcfg.ServerAddr = cfg.Server.Addr
	}
	return twilio.New(tcfg, obs), nil
}

// buildOptions wires one accepted connection to the shared collaborators.
func (e *Engine) buildOptions(src transports.Source, input audio.InputFormat) (pipeline.Options, error) {
	format := e.cfg.PipelineFormat()
	opts := pipeline.Options{
		Transcoder:  e.transcoder,
		STT:         e.stt,
		Format:      format,
		Language:    e.cfg.Audio.Language,
		BlockMS:     e.cfg.Audio.BlockMS,
		FinishGrace: controllerGrace(e.cfg.FinishGrace()),
		PCMBuffer:   e.cfg.STT.PCMBuffer,
		Sink:        e.sink,
		SinkTimeout: configutil.Millis(e.cfg.Sinks.TimeoutMS, 0),
		Observer:    e.obs,
		Logger:      e.logger,
		Retry:       e.retry,
		Breaker:     e.breaker,
	}
	if e.cfg.Observability.RecordAudio {
		rec, err := audio.NewWAVRecorder(e.cfg.Observability.ArtifactsDir, src.ID(), format)
		if err != nil {
			e.log.Warn("pcm_recorder_unavailable",
				slog.String("session_id", src.ID()),
				slog.String("error", err.Error()))
		} else {
			opts.Recorder = rec
		}
	}
	return opts, nil
}

// controllerGrace backs up the provider's own grace period so a session that
// ignores it still ends.
func controllerGrace(grace time.Duration) time.Duration {
	if grace <= 0 {
		return 0
	}
	return grace + time.Second
}

func (e *Engine) routes() http.Handler {
	rt := server.Routes{
		WSPath:      e.cfg.Server.WSPath,
		Stream:      e.handleBrowser,
		HealthPath:  e.cfg.Server.HealthPath,
		Health:      e.health,
		MetricsPath: e.cfg.Observability.MetricsPath,
		Metrics:     promhttp.HandlerFor(e.promReg, promhttp.HandlerOpts{}),
	}
	if e.twilio != nil {
		tc := e.twilio.Config()
		rt.Twilio = &server.TwilioRoutes{
			VoicePath:  tc.VoicePath,
			Voice:      e.twilio.HandleVoice,
			StreamPath: tc.StreamPath,
			Stream:     e.handleTwilio,
			StatusPath: tc.StatusCallbackPath,
			Status:     e.twilio.HandleStatusCallback,
		}
	}
	return server.NewRouter(rt, e.logger)
}

func (e *Engine) handleBrowser(w http.ResponseWriter, r *http.Request) {
	if e.registry.Draining() {
		http.Error(w, "server is draining", http.StatusServiceUnavailable)
		return
	}
	src, err := e.browser.Accept(w, r, uuid.NewString())
	if err != nil {
		return
	}
	e.serve(src, e.cfg.BrowserInput())
}

func (e *Engine) handleTwilio(w http.ResponseWriter, r *http.Request) {
	src, err := e.twilio.Accept(w, r, uuid.NewString())
	if err != nil {
		e.log.Warn("twilio_stream_rejected", slog.String("error", err.Error()))
		return
	}
	e.serve(src, e.twilio.Input())
}

// serve blocks the handler goroutine for the connection's lifetime. The
// websocket is hijacked, so the request context is not used.
func (e *Engine) serve(src transports.Source, input audio.InputFormat) {
	if err := e.registry.Serve(e.ctx, src, input); err != nil {
		e.log.Debug("session_ended_with_error",
			slog.String("session_id", src.ID()),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) health() (map[string]any, bool) {
	body := map[string]any{
		"sessions":     e.registry.Count(),
		"stt_provider": e.stt.Name(),
		"transcoder":   e.transcoder.Name(),
		"draining":     e.registry.Draining(),
	}
	if e.twilio != nil {
		for k, v := range e.twilio.ReadyFields() {
			body[k] = v
		}
	}
	return body, !e.registry.Draining()
}

func (e *Engine) Handler() http.Handler { return e.handler }

func (e *Engine) Registry() *pipeline.Registry { return e.registry }

func (e *Engine) Config() Config { return e.cfg }

// Addr is the bound listener address once Run has started serving.
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}

// Run serves HTTP until ctx ends or Stop is called, then drains live
// sessions within the shutdown timeout.
func (e *Engine) Run(ctx context.Context) error {
	return e.runner.Run(ctx)
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

// SetBannerOutput forwards to the lifecycle runner; nil disables the banner.
func (e *Engine) SetBannerOutput(w io.Writer) {
	e.runner.SetBannerOutput(w)
}

func (e *Engine) listen() error {
	ln, err := net.Listen("tcp", e.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", e.cfg.Server.Addr, err)
	}
	srv := &http.Server{
		Handler:           e.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	e.mu.Lock()
	e.srv = srv
	e.addr = ln.Addr()
	e.mu.Unlock()
	e.log.Info("http_listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("ws_path", e.cfg.Server.WSPath))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("http_serve_failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Drain refuses new connections and waits for live sessions to end. Sessions
// still running when ctx ends are aborted and flush best effort.
func (e *Engine) Drain(ctx context.Context) error {
	e.registry.SetDraining(true)
	if e.twilio != nil {
		e.twilio.SetDraining(true)
	}
	e.log.Info("drain_started", slog.Int64("sessions", e.registry.Count()))
	if e.registry.WaitForEmpty(ctx, 100*time.Millisecond) {
		return nil
	}
	e.log.Warn("drain_timeout_aborting", slog.Int64("sessions", e.registry.Count()))
	e.registry.CloseAll()
	return runner.ErrDrainTimeout
}

func (e *Engine) shutdown() {
	e.mu.Lock()
	srv := e.srv
	e.mu.Unlock()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			e.log.Warn("http_shutdown_failed", slog.String("error", err.Error()))
		}
		cancel()
	}
	e.Close()
}

// Close aborts any remaining sessions and releases process-wide resources.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.registry != nil {
			e.registry.CloseAll()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			e.registry.WaitForEmpty(ctx, 20*time.Millisecond)
			cancel()
		}
		if e.cancel != nil {
			e.cancel()
		}
		for _, fn := range e.closeSink {
			fn()
		}
		e.closeObservers()
		e.log.Info("scribe_stopped")
	})
}

func (e *Engine) closeObservers() {
	e.obs.Close()
	if e.timeline != nil {
		if err := e.timeline.Close(); err != nil {
			e.log.Warn("timeline_close_failed", slog.String("error", err.Error()))
		}
	}
	if e.cost != nil {
		if err := e.cost.Close(); err != nil {
			e.log.Warn("cost_close_failed", slog.String("error", err.Error()))
		}
	}
	if e.events != nil {
		_ = e.events.Close()
	}
}
