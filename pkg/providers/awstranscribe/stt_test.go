package awstranscribe

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
	"github.com/aws/smithy-go"

	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/resilience"
)

func TestTranscriptEventsMapsPartials(t *testing.T) {
	ev := types.TranscriptEvent{
		Transcript: &types.Transcript{
			Results: []types.Result{
				{IsPartial: true, Alternatives: []types.Alternative{{Transcript: aws.String("hello")}}},
				{IsPartial: false, Alternatives: []types.Alternative{{Transcript: aws.String(" hello world ")}}},
				{IsPartial: false, Alternatives: []types.Alternative{{Transcript: aws.String("   ")}}},
				{IsPartial: false},
			},
		},
	}
	got := transcriptEvents(ev)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if !got[0].IsPartial || got[0].Text != "hello" {
		t.Fatalf("unexpected first event %+v", got[0])
	}
	if got[1].IsPartial || got[1].Text != "hello world" {
		t.Fatalf("unexpected second event %+v", got[1])
	}
	if transcriptEvents(types.TranscriptEvent{}) != nil {
		t.Fatalf("expected nil for empty transcript")
	}
}

func TestClassifyStartError(t *testing.T) {
	throttled := &smithy.GenericAPIError{Code: "LimitExceededException", Message: "slow down"}
	if !resilience.IsRateLimit(classifyStartError(throttled)) {
		t.Fatalf("expected rate limit error")
	}
	bad := &smithy.GenericAPIError{Code: "BadRequestException", Message: "sample rate"}
	if !errorsx.HasReason(classifyStartError(bad), errorsx.ReasonFormatMismatch) {
		t.Fatalf("expected format mismatch")
	}
	if !errorsx.HasReason(classifyStartError(errors.New("dial tcp")), errorsx.ReasonSTTConnect) {
		t.Fatalf("expected stt_connect")
	}
}
