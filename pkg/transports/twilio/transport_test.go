package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/scribe/pkg/frames"
	"github.com/harunnryd/scribe/pkg/metrics"
	"github.com/harunnryd/scribe/pkg/transports"
)

func TestHandleVoiceSignatureValidation(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com"}
	tr := New(cfg, nil)

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("From", "+123")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/twilio/voice", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{"CallSid": "CA123", "From": "+123"}
	sig := computeSignature(cfg.AuthToken, tr.requestURL(req), params)
	req.Header.Set("X-Twilio-Signature", sig)

	w := httptest.NewRecorder()
	tr.HandleVoice(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `<Stream url="wss://example.com/twilio/stream"/>`) {
		t.Fatalf("unexpected twiml %s", w.Body.String())
	}

	reqInvalid := httptest.NewRequest(http.MethodPost, "https://example.com/twilio/voice", strings.NewReader(body))
	reqInvalid.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	reqInvalid.Header.Set("X-Twilio-Signature", "invalid")
	wInvalid := httptest.NewRecorder()
	tr.HandleVoice(wInvalid, reqInvalid)
	if wInvalid.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", wInvalid.Code)
	}
}

func TestHandleVoiceGreetingIsEscaped(t *testing.T) {
	tr := New(Config{VoiceGreeting: "Notes & <memos>"}, nil)
	req := httptest.NewRequest(http.MethodPost, "/twilio/voice", nil)
	req.Host = "scribe.local"
	w := httptest.NewRecorder()
	tr.HandleVoice(w, req)
	if !strings.Contains(w.Body.String(), "<Say>Notes &amp; &lt;memos&gt;</Say>") {
		t.Fatalf("expected escaped greeting, got %s", w.Body.String())
	}
}

func dialStream(t *testing.T, tr *Transport) (*Source, *websocket.Conn) {
	t.Helper()
	accepted := make(chan *Source, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		src, err := tr.Accept(w, r, "sess-tw")
		if err == nil {
			accepted <- src
		}
	}))
	t.Cleanup(srv.Close)
	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	src := <-accepted
	t.Cleanup(func() { _ = src.Close() })
	return src, client
}

func recvFrame(t *testing.T, src *Source) frames.Frame {
	t.Helper()
	select {
	case f := <-src.Recv():
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}
	return nil
}

func TestMediaStreamLifecycle(t *testing.T) {
	tr := New(Config{}, metrics.NewMemoryObserver())
	src, client := dialStream(t, tr)

	send := func(v any) {
		b, _ := json.Marshal(v)
		if err := client.WriteMessage(websocket.TextMessage, b); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	send(map[string]any{"event": "connected"})
	send(map[string]any{"event": "start", "start": map[string]string{"callSid": "CA1", "streamSid": "MZ1"}})
	send(map[string]any{"event": "media", "media": map[string]string{"payload": base64.StdEncoding.EncodeToString([]byte{0xff, 0x7f})}})
	send(map[string]any{"event": "stop", "stop": map[string]string{}})

	af, ok := recvFrame(t, src).(frames.AudioFrame)
	if !ok || af.Len() != 2 || af.Rate() != 8000 {
		t.Fatalf("expected 8 kHz mulaw audio frame")
	}
	if af.Meta()[frames.MetaCallSID] != "CA1" {
		t.Fatalf("expected call sid meta, got %v", af.Meta())
	}
	cf, ok := recvFrame(t, src).(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlEndOfAudio {
		t.Fatalf("expected end of audio on stop")
	}
	if cf.Meta()[frames.MetaReason] != "completed" {
		t.Fatalf("expected completed reason, got %q", cf.Meta()[frames.MetaReason])
	}

	if err := src.Send(transports.FinalTranscript("hi")); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read mark: %v", err)
	}
	var mark struct {
		Event     string            `json:"event"`
		StreamSID string            `json:"streamSid"`
		Mark      map[string]string `json:"mark"`
	}
	if err := json.Unmarshal(b, &mark); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if mark.Event != "mark" || mark.StreamSID != "MZ1" || mark.Mark["name"] != "finalTranscript" {
		t.Fatalf("unexpected mark %s", b)
	}
}

func TestStatusCallbackEndsStream(t *testing.T) {
	tr := New(Config{}, nil)
	src, client := dialStream(t, tr)
	start, _ := json.Marshal(map[string]any{"event": "start", "start": map[string]string{"callSid": "CA9", "streamSid": "MZ9"}})
	_ = client.WriteMessage(websocket.TextMessage, start)

	deadline := time.Now().Add(2 * time.Second)
	for src.CallSID() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	form := url.Values{"CallSid": {"CA9"}, "CallStatus": {"completed"}}
	req := httptest.NewRequest(http.MethodPost, "/twilio/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	tr.HandleStatusCallback(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	cf, ok := recvFrame(t, src).(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlEndOfAudio {
		t.Fatalf("expected end of audio after status callback")
	}
	if _, open := <-src.Recv(); open {
		t.Fatalf("expected recv closed")
	}
}

func TestNormalizeCallEndReason(t *testing.T) {
	cases := map[string]string{
		"":            "",
		"in-progress": "",
		"Completed":   "completed",
		"no-answer":   "no_answer",
		"canceled":    "failed",
		"weird":       "unknown",
	}
	for in, want := range cases {
		if got := normalizeCallEndReason(in); got != want {
			t.Fatalf("normalizeCallEndReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func computeSignature(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	base := url
	for _, k := range keys {
		base += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
