package browser

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/frames"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
	"github.com/harunnryd/scribe/pkg/transports"
)

const (
	defaultReadLimit    = 1 << 20
	defaultSendBuffer   = 32
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 20 * time.Second
	recvBuffer          = 256
)

type Config struct {
	ReadLimit      int64         `mapstructure:"read_limit_bytes"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	AllowAnyOrigin bool          `mapstructure:"allow_any_origin"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Upgrader accepts browser websocket connections carrying MediaRecorder
// chunks as binary messages and JSON control messages as text.
type Upgrader struct {
	cfg      Config
	upgrader websocket.Upgrader
	obs      metrics.Observer
	logger   *slog.Logger
}

func NewUpgrader(cfg Config, obs metrics.Observer) *Upgrader {
	cfg = cfg.withDefaults()
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Upgrader{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     transports.OriginChecker(cfg.AllowAnyOrigin, cfg.AllowedOrigins),
		},
		obs:    obs,
		logger: logging.NewComponentLogger(slog.Default(), "browser_transport"),
	}
}

// Accept upgrades the request. On failure the upgrader has already written
// an HTTP error response.
func (u *Upgrader) Accept(w http.ResponseWriter, r *http.Request, sessionID string) (*Source, error) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		u.logger.Warn("websocket_upgrade_failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return nil, errorsx.Wrap(err, errorsx.ReasonTransport)
	}
	conn.SetReadLimit(u.cfg.ReadLimit)
	return newSource(conn, sessionID, u.cfg, u.obs, u.logger.With(slog.String("session_id", sessionID))), nil
}

type Source struct {
	id     string
	cfg    Config
	conn   *websocket.Conn
	recvCh chan frames.Frame
	sendCh chan []byte
	done   chan struct{}
	wDone  chan struct{}
	obs    metrics.Observer
	logger *slog.Logger

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	pts       int64
}

func newSource(conn *websocket.Conn, id string, cfg Config, obs metrics.Observer, logger *slog.Logger) *Source {
	s := &Source{
		id:     id,
		cfg:    cfg,
		conn:   conn,
		recvCh: make(chan frames.Frame, recvBuffer),
		sendCh: make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
		wDone:  make(chan struct{}),
		obs:    obs,
		logger: logger,
	}
	go s.readLoop()
	go s.writeLoop()
	return s
}

func (s *Source) ID() string                { return s.id }
func (s *Source) Name() string              { return "browser" }
func (s *Source) Recv() <-chan frames.Frame { return s.recvCh }

// Send enqueues m for the writer. A full queue drops the message.
func (s *Source) Send(m transports.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transports.ErrClosed
	}
	select {
	case s.sendCh <- b:
		return nil
	default:
		s.logger.Warn("websocket_send_dropped",
			slog.String("type", string(m.Type)),
			slog.String("reason_code", string(errorsx.ReasonTransportSendDropped)))
		metrics.Record(s.obs, metrics.EventSendDropped, 1, map[string]string{
			metrics.TagSessionID: s.id,
			metrics.TagSource:    s.Name(),
		})
		return errorsx.New(errorsx.ReasonTransportSendDropped, "send queue full, dropped %s", m.Type)
	}
}

// Close flushes queued messages within the write timeout, sends a close
// frame and closes the socket.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.sendCh)
		s.mu.Unlock()

		select {
		case <-s.wDone:
		case <-time.After(s.cfg.WriteTimeout):
			s.logger.Warn("websocket_writer_drain_timeout")
		}
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = s.conn.Close()
		close(s.done)
	})
	return err
}

func (s *Source) readLoop() {
	defer close(s.recvCh)
	for {
		mt, msg, err := s.conn.ReadMessage()
		if err != nil {
			if s.isClosed() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.deliver(frames.NewControlFrame(s.id, s.nextPTS(), frames.ControlClose,
					map[string]string{frames.MetaReason: "client_closed"}))
				return
			}
			s.deliver(frames.NewErrorFrame(s.id, s.nextPTS(), errorsx.Wrap(err, errorsx.ReasonTransport), nil))
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			if len(msg) == 0 {
				continue
			}
			af := frames.NewAudioFrame(s.id, s.nextPTS(), msg, 0, 0, map[string]string{
				frames.MetaSource:   s.Name(),
				frames.MetaEncoding: "webm",
			})
			if !s.deliver(af) {
				return
			}
		case websocket.TextMessage:
			f, terminal := s.parseText(msg)
			if f == nil {
				continue
			}
			s.deliver(f)
			if terminal {
				return
			}
		}
	}
}

type inbound struct {
	Type transports.MessageType `json:"type"`
}

// parseText maps a client control message to a frame. Unknown types are
// ignored; malformed JSON is a terminal error.
func (s *Source) parseText(msg []byte) (frames.Frame, bool) {
	var in inbound
	if err := json.Unmarshal(msg, &in); err != nil {
		s.logger.Warn("websocket_malformed_message", slog.Int("size_bytes", len(msg)))
		return frames.NewErrorFrame(s.id, s.nextPTS(),
			errorsx.New(errorsx.ReasonTransportMalformed, "malformed control message: %v", err), nil), true
	}
	switch in.Type {
	case transports.MessageEndOfAudio:
		return frames.NewControlFrame(s.id, s.nextPTS(), frames.ControlEndOfAudio, nil), true
	case transports.MessageClose:
		return frames.NewControlFrame(s.id, s.nextPTS(), frames.ControlClose,
			map[string]string{frames.MetaReason: "client_requested"}), true
	default:
		s.logger.Debug("websocket_unknown_message", slog.String("type", string(in.Type)))
		return nil, false
	}
}

// deliver blocks until the consumer takes f or the source is closed, so a
// slow pipeline pushes back on the client's TCP window.
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
	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case b, ok := <-s.sendCh:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.logger.Debug("websocket_write_failed", slog.String("error", err.Error()))
				for range s.sendCh {
				}
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				if errors.Is(err, websocket.ErrCloseSent) {
					return
				}
				s.logger.Debug("websocket_ping_failed", slog.String("error", err.Error()))
			}
		}
	}
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

var _ transports.Source = (*Source)(nil)
