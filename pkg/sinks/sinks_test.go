package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type doneToken struct {
	err  error
	done chan struct{}
}

func newDoneToken(err error) *doneToken {
	t := &doneToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

type fakePublisher struct {
	topic   string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	f.topic = topic
	f.payload, _ = payload.([]byte)
	return newDoneToken(f.err)
}

func TestMQTTSinkPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	s := newMQTTSink(MQTTConfig{TopicPrefix: "notes/"}, pub, slog.Default())
	tr := Transcript{SessionID: "sess-1", Text: "foo bar", Reason: ReasonClose, At: time.Unix(0, 0).UTC()}
	if err := s.Deliver(context.Background(), tr); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if pub.topic != "notes/sessions/sess-1/transcript" {
		t.Fatalf("unexpected topic %q", pub.topic)
	}
	var got Transcript
	if err := json.Unmarshal(pub.payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Text != "foo bar" || got.Reason != ReasonClose {
		t.Fatalf("unexpected payload %+v", got)
	}
}

type failingSink struct{}

func (failingSink) Name() string { return "failing" }
func (failingSink) Deliver(context.Context, Transcript) error {
	return errors.New("down")
}

func TestMultiJoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	logSink := NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))
	m := NewMulti(logSink, nil, failingSink{})
	if m.Len() != 2 {
		t.Fatalf("expected nil sinks to be skipped")
	}
	err := m.Deliver(context.Background(), Transcript{SessionID: "sess-1", Text: "hello"})
	if err == nil || !strings.Contains(err.Error(), "failing: down") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if !strings.Contains(buf.String(), "transcript_flushed") {
		t.Fatalf("expected log sink output, got %q", buf.String())
	}
}
