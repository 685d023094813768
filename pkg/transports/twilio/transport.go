package twilio

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/frames"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
	"github.com/harunnryd/scribe/pkg/transports"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	StreamPath         string   `mapstructure:"stream_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	SendBuffer         int      `mapstructure:"send_buffer"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/twilio/voice"
	}
	if c.StreamPath == "" {
		c.StreamPath = "/twilio/stream"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/twilio/status"
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transport bridges Twilio Media Streams into transcription sessions. Each
// stream websocket becomes one Source carrying 8 kHz mulaw audio.
type Transport struct {
	cfg      Config
	upgrader websocket.Upgrader
	obs      metrics.Observer
	logger   *slog.Logger

	mu          sync.Mutex
	callSources map[string]*Source

	draining atomic.Bool
}

func New(cfg Config, obs metrics.Observer) *Transport {
	cfg = cfg.withDefaults()
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     transports.OriginChecker(cfg.AllowAnyOrigin, cfg.AllowedOrigins),
		},
		obs:         obs,
		logger:      logging.NewComponentLogger(slog.Default(), "twilio_transport"),
		callSources: make(map[string]*Source),
	}
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Config() Config { return t.cfg }

// Input is the encoded format of Media Streams payloads.
func (t *Transport) Input() audio.InputFormat { return audio.TelephonyInput }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.publicURL("https", "http", t.cfg.VoicePath),
		"status_callback_url": t.publicURL("https", "http", t.cfg.StatusCallbackPath),
	}
}

// SetDraining makes new stream upgrades fail with 503.
func (t *Transport) SetDraining(v bool) { t.draining.Store(v) }

// HandleVoice answers the voice webhook with TwiML that connects the call
// audio to the stream endpoint.
func (t *Transport) HandleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	wsURL := t.websocketURL(r)
	greeting := strings.TrimSpace(t.cfg.VoiceGreeting)
	var twiml string
	if greeting != "" {
		twiml = `<Response><Say>` + xmlEscape(greeting) + `</Say><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	} else {
		twiml = `<Response><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

// HandleStatusCallback ends the stream of a call Twilio reports as finished.
func (t *Transport) HandleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	t.mu.Lock()
	src := t.callSources[callSID]
	t.mu.Unlock()
	if src != nil {
		src.requestEnd(reason)
	}
	w.WriteHeader(http.StatusOK)
}

// Accept upgrades a Media Streams websocket into a Source.
func (t *Transport) Accept(w http.ResponseWriter, r *http.Request, sessionID string) (*Source, error) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return nil, errorsx.New(errorsx.ReasonTransport, "transport draining")
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTransport)
	}
	s := &Source{
		id:     sessionID,
		parent: t,
		conn:   conn,
		recvCh: make(chan frames.Frame, 256),
		sendCh: make(chan []byte, t.cfg.SendBuffer),
		done:   make(chan struct{}),
		wDone:  make(chan struct{}),
		logger: t.logger.With(slog.String("session_id", sessionID)),
	}
	go s.readLoop()
	go s.writeLoop()
	return s, nil
}

func (t *Transport) attach(callSID string, s *Source) {
	if callSID == "" {
		return
	}
	t.mu.Lock()
	old := t.callSources[callSID]
	t.callSources[callSID] = s
	t.mu.Unlock()
	if old != nil && old != s {
		old.requestEnd("reconnected")
	}
}

func (t *Transport) detach(callSID string, s *Source) {
	if callSID == "" {
		return
	}
	t.mu.Lock()
	if t.callSources[callSID] == s {
		delete(t.callSources, callSID)
	}
	t.mu.Unlock()
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.StreamPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.StreamPath
}

func (t *Transport) publicURL(secure, plain, path string) string {
	if t.cfg.PublicURL != "" {
		return secure + "://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return plain + "://" + addr + path
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

// Source is one Media Streams connection.
type Source struct {
	id     string
	parent *Transport
	conn   *websocket.Conn
	recvCh chan frames.Frame
	sendCh chan []byte
	done   chan struct{}
	wDone  chan struct{}
	logger *slog.Logger

	mu        sync.Mutex
	closed    bool
	endReason string
	callSID   string
	streamSID string
	closeOnce sync.Once
	pts       int64
}

func (s *Source) ID() string                { return s.id }
func (s *Source) Name() string              { return "twilio" }
func (s *Source) Recv() <-chan frames.Frame { return s.recvCh }

func (s *Source) CallSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callSID
}

// Send forwards a client message as a stream mark so it shows in the call's
// event log. Media Streams has no text channel back to the caller.
func (s *Source) Send(m transports.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transports.ErrClosed
	}
	name := string(m.Type)
	if m.Type == transports.MessageError {
		name += ":" + m.Message
	}
	b, err := json.Marshal(map[string]any{
		"event":     "mark",
		"streamSid": s.streamSID,
		"mark":      map[string]string{"name": name},
	})
	if err != nil {
		return err
	}
	select {
	case s.sendCh <- b:
		return nil
	default:
		s.logger.Debug("twilio_send_dropped", slog.String("type", string(m.Type)))
		metrics.Record(s.parent.obs, metrics.EventSendDropped, 1, map[string]string{
			metrics.TagSessionID: s.id,
			metrics.TagSource:    s.Name(),
		})
		return errorsx.New(errorsx.ReasonTransportSendDropped, "send queue full, dropped %s", m.Type)
	}
}

func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		callSID := s.callSID
		close(s.sendCh)
		s.mu.Unlock()

		select {
		case <-s.wDone:
		case <-time.After(5 * time.Second):
		}
		err = s.conn.Close()
		close(s.done)
		s.parent.detach(callSID, s)
	})
	return err
}

func (s *Source) readLoop() {
	defer s.finish()
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if s.isClosed() {
				return
			}
			if reason := s.pendingEnd(); reason != "" {
				s.endOfAudio(reason)
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.deliver(frames.NewControlFrame(s.id, s.nextPTS(), frames.ControlClose, s.meta(map[string]string{
					frames.MetaReason: "transport_closed",
				})))
				return
			}
			s.deliver(frames.NewErrorFrame(s.id, s.nextPTS(), errorsx.Wrap(err, errorsx.ReasonTransport), s.meta(nil)))
			return
		}
		var evt TwilioEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				continue
			}
			s.mu.Lock()
			s.callSID = evt.Start.CallSID
			s.streamSID = evt.Start.StreamID
			s.mu.Unlock()
			s.parent.attach(evt.Start.CallSID, s)
			s.logger.Info("twilio_stream_started",
				slog.String("call_sid", evt.Start.CallSID),
				slog.String("stream_sid", evt.Start.StreamID))
		case "media":
			if evt.Media == nil {
				continue
			}
			buf := frames.AcquireAudioBuf(base64.StdEncoding.DecodedLen(len(evt.Media.Payload)))
			n, err := base64.StdEncoding.Decode(buf, []byte(evt.Media.Payload))
			if err != nil || n == 0 {
				frames.ReleaseAudioBuf(buf)
				continue
			}
			af := frames.NewPooledAudioFrame(s.id, s.nextPTS(), buf[:n], audio.TelephonyInput.SampleRate,
				audio.TelephonyInput.Channels, s.meta(map[string]string{frames.MetaEncoding: "mulaw"}))
			if !s.deliver(af) {
				return
			}
		case "stop":
			reason := ""
			if evt.Stop != nil {
				reason = normalizeCallEndReason(evt.Stop.Reason)
			}
			if reason == "" {
				reason = "completed"
			}
			s.endOfAudio(reason)
			return
		}
	}
}

// requestEnd asks the read loop to finish with end of audio. Only the read
// loop sends on recvCh, so the pending read is interrupted via its deadline.
func (s *Source) requestEnd(reason string) {
	s.mu.Lock()
	if s.endReason == "" {
		s.endReason = reason
	}
	s.mu.Unlock()
	_ = s.conn.SetReadDeadline(time.Now())
}

func (s *Source) pendingEnd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

func (s *Source) endOfAudio(reason string) {
	s.deliver(frames.NewControlFrame(s.id, s.nextPTS(), frames.ControlEndOfAudio, s.meta(map[string]string{
		frames.MetaReason: reason,
	})))
}

func (s *Source) finish() {
	close(s.recvCh)
}

func (s *Source) deliver(f frames.Frame) bool {
	select {
	case s.recvCh <- f:
		return true
	case <-s.done:
		return false
	}
}

func (s *Source) writeLoop() {
	defer close(s.wDone)
	for b := range s.sendCh {
		_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			for range s.sendCh {
			}
			return
		}
	}
}

func (s *Source) meta(extra map[string]string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta := map[string]string{frames.MetaSource: "twilio"}
	if s.callSID != "" {
		meta[frames.MetaCallSID] = s.callSID
	}
	for k, v := range extra {
		meta[k] = v
	}
	return meta
}

func (s *Source) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Source) nextPTS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pts++
	return s.pts
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

type TwilioStart struct {
	CallSID  string `json:"callSid"`
	StreamID string `json:"streamSid"`
	From     string `json:"from"`
}

type TwilioMedia struct {
	Payload string `json:"payload"`
}

type TwilioStop struct {
	Reason string `json:"reason"`
}

type TwilioEvent struct {
	Event string       `json:"event"`
	Start *TwilioStart `json:"start,omitempty"`
	Media *TwilioMedia `json:"media,omitempty"`
	Stop  *TwilioStop  `json:"stop,omitempty"`
}

func normalizePublicURL(v string) string {
	if v == "" {
		return ""
	}
	if len(v) >= 8 && v[:8] == "https://" {
		v = v[8:]
	} else if len(v) >= 7 && v[:7] == "http://" {
		v = v[7:]
	}
	for len(v) > 0 && v[len(v)-1] == '/' {
		v = v[:len(v)-1]
	}
	return v
}

var _ transports.Source = (*Source)(nil)
