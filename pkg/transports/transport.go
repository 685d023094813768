package transports

import (
	"errors"
	"net/http"
	"strings"

	"github.com/harunnryd/scribe/pkg/frames"
)

// ErrClosed is returned by Send after the source has been closed.
var ErrClosed = errors.New("transport closed")

type MessageType string

const (
	MessageEndOfAudio      MessageType = "endOfAudio"
	MessageClose           MessageType = "close"
	MessageFinalTranscript MessageType = "finalTranscript"
	MessageError           MessageType = "error"
)

// Message is the JSON text message exchanged with clients.
type Message struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func FinalTranscript(text string) Message {
	return Message{Type: MessageFinalTranscript, Message: text}
}

func ErrorMessage(text string) Message {
	return Message{Type: MessageError, Message: text}
}

// Source is the per-connection duplex boundary. Recv yields, in order, audio
// frames followed by at most one terminal control or error frame, then
// closes. Send must not block on a slow client.
type Source interface {
	ID() string
	Name() string
	Recv() <-chan frames.Frame
	Send(Message) error
	// Close releases the connection. Safe to call more than once.
	Close() error
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}

// OriginChecker returns a websocket CheckOrigin func. Entries may be bare
// hosts or full origins; a missing Origin header is accepted.
func OriginChecker(allowAny bool, allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if allowAny {
			return true
		}
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		origin = strings.TrimRight(origin, "/")
		originHost := strings.TrimPrefix(origin, "https://")
		originHost = strings.TrimPrefix(originHost, "http://")
		for _, a := range allowed {
			a = strings.TrimRight(strings.TrimSpace(a), "/")
			if a == "" {
				continue
			}
			if a == "*" {
				return true
			}
			if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
				if strings.EqualFold(a, origin) {
					return true
				}
				continue
			}
			if strings.EqualFold(a, originHost) {
				return true
			}
		}
		return false
	}
}
