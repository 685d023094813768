package metrics

import "time"

// Event names recorded by the pipeline.
const (
	EventSessionOpened     = "session_opened"
	EventSessionClosed     = "session_closed"
	EventStateChange       = "state_change"
	EventAudioIn           = "audio_in"
	EventPCMOut            = "pcm_out"
	EventTranscriptPartial = "transcript_partial"
	EventTranscriptFinal   = "transcript_final"
	EventTranscriptFlushed = "transcript_flushed"
	EventFault             = "session_fault"
	EventFinishTimeout     = "stt_finish_timeout"
	EventSTTOpenRetry      = "stt_open_retry"
	EventSendDropped       = "transport_send_dropped"
	EventSinkError         = "sink_error"
)

// Tag keys shared by events.
const (
	TagSessionID = "session_id"
	TagTraceID   = "trace_id"
	TagSource    = "source"
	TagReason    = "reason"
	TagFrom      = "from"
	TagTo        = "to"
	TagProvider  = "provider"
	TagSink      = "sink"
)

// Record sends a named event to obs. A nil observer is ignored.
func Record(obs Observer, name string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: value,
		Tags:  tags,
	})
}
