package deepgram

import (
	"context"
	"testing"
	"time"

	"github.com/harunnryd/scribe/pkg/adapters/stt"
	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/errorsx"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
)

func newTestSession(t *testing.T) *session {
	t.Helper()
	f := New(Config{APIKey: "test-key", FinishGrace: time.Second})
	s, err := f.NewSession(context.Background(), stt.Config{SessionID: "sess-1", Format: audio.PipelineFormat})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s.(*session)
}

func TestNewSessionRequiresAPIKey(t *testing.T) {
	_, err := New(Config{}).NewSession(context.Background(), stt.Config{Format: audio.PipelineFormat})
	if !errorsx.HasReason(err, errorsx.ReasonSTTConnect) {
		t.Fatalf("expected stt_connect reason, got %v", err)
	}
}

func TestCallbackMapsFinality(t *testing.T) {
	s := newTestSession(t)
	cb := &callback{parent: s}

	partial := &msginterfaces.MessageResponse{}
	partial.Channel.Alternatives = []msginterfaces.Alternative{{Transcript: "hello"}}
	final := &msginterfaces.MessageResponse{IsFinal: true}
	final.Channel.Alternatives = []msginterfaces.Alternative{{Transcript: "hello world"}}
	empty := &msginterfaces.MessageResponse{IsFinal: true}

	for _, mr := range []*msginterfaces.MessageResponse{partial, empty, final} {
		if err := cb.Message(mr); err != nil {
			t.Fatalf("message: %v", err)
		}
	}
	s.base.Close()

	var got []stt.TranscriptEvent
	for ev := range s.base.Events() {
		got = append(got, ev.(stt.TranscriptEvent))
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if !got[0].IsPartial || got[1].IsPartial {
		t.Fatalf("unexpected finality: %+v", got)
	}
	if got[1].Text != "hello world" {
		t.Fatalf("unexpected text %q", got[1].Text)
	}
}

func TestCallbackErrorEndsStream(t *testing.T) {
	s := newTestSession(t)
	cb := &callback{parent: s}
	_ = cb.Error(&msginterfaces.ErrorResponse{ErrCode: "NET-0001", ErrMsg: "boom"})

	ev, ok := <-s.base.Events()
	if !ok {
		t.Fatalf("expected error event")
	}
	errEv, isErr := ev.(stt.ErrorEvent)
	if !isErr || !errorsx.HasReason(errEv.Err, errorsx.ReasonRecognition) {
		t.Fatalf("expected recognition error event, got %#v", ev)
	}
	if _, ok := <-s.base.Events(); ok {
		t.Fatalf("expected stream closed after error")
	}
	s.Abort()
	s.Abort()
}
