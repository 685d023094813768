package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver maps pipeline events onto Prometheus collectors.
type PrometheusObserver struct {
	SessionsOpened   prometheus.Counter
	SessionsClosed   prometheus.Counter
	ActiveSessions   prometheus.Gauge
	SessionDuration  prometheus.Histogram
	StateChanges     *prometheus.CounterVec
	AudioBytes       prometheus.Counter
	PCMBytes         prometheus.Counter
	TranscriptEvents *prometheus.CounterVec
	Flushes          prometheus.Counter
	Faults           *prometheus.CounterVec
	FinishTimeouts   prometheus.Counter
	OpenRetries      prometheus.Counter
	SendDropped      prometheus.Counter
	SinkErrors       *prometheus.CounterVec
}

// NewPrometheusObserver registers collectors on reg, or on the default
// registry when reg is nil.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusObserver{
		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_sessions_opened_total",
			Help: "Total number of transcription sessions opened",
		}),
		SessionsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_sessions_closed_total",
			Help: "Total number of transcription sessions closed",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_active_sessions",
			Help: "Current number of live transcription sessions",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_session_duration_seconds",
			Help:    "Duration of transcription sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		StateChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_state_transitions_total",
			Help: "Session state machine transitions",
		}, []string{"to"}),
		AudioBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_audio_in_bytes_total",
			Help: "Encoded audio bytes received from clients",
		}),
		PCMBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_pcm_bytes_total",
			Help: "PCM bytes forwarded to recognition",
		}),
		TranscriptEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_transcript_events_total",
			Help: "Recognition events by finality",
		}, []string{"kind"}),
		Flushes: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_transcript_flushes_total",
			Help: "Transcripts flushed to clients",
		}),
		Faults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_session_faults_total",
			Help: "Session faults by reason",
		}, []string{"reason"}),
		FinishTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_stt_finish_timeouts_total",
			Help: "Recognition calls aborted after the finish grace period",
		}),
		OpenRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_stt_open_retries_total",
			Help: "Retried attempts to open a recognition call",
		}),
		SendDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_transport_send_dropped_total",
			Help: "Outbound client messages dropped on a full send queue",
		}),
		SinkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_sink_errors_total",
			Help: "Transcript sink delivery failures",
		}, []string{"sink"}),
	}
}

func (p *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	switch ev.Name {
	case EventSessionOpened:
		p.SessionsOpened.Inc()
		p.ActiveSessions.Inc()
	case EventSessionClosed:
		p.SessionsClosed.Inc()
		p.ActiveSessions.Dec()
		if ev.Value > 0 {
			p.SessionDuration.Observe(ev.Value)
		}
	case EventStateChange:
		p.StateChanges.WithLabelValues(tag(ev, TagTo)).Inc()
	case EventAudioIn:
		p.AudioBytes.Add(ev.Value)
	case EventPCMOut:
		p.PCMBytes.Add(ev.Value)
	case EventTranscriptPartial:
		p.TranscriptEvents.WithLabelValues("partial").Inc()
	case EventTranscriptFinal:
		p.TranscriptEvents.WithLabelValues("final").Inc()
	case EventTranscriptFlushed:
		p.Flushes.Inc()
	case EventFault:
		p.Faults.WithLabelValues(tag(ev, TagReason)).Inc()
	case EventFinishTimeout:
		p.FinishTimeouts.Inc()
	case EventSTTOpenRetry:
		p.OpenRetries.Inc()
	case EventSendDropped:
		p.SendDropped.Inc()
	case EventSinkError:
		p.SinkErrors.WithLabelValues(tag(ev, TagSink)).Inc()
	}
}

func tag(ev MetricsEvent, key string) string {
	if ev.Tags == nil || ev.Tags[key] == "" {
		return "unknown"
	}
	return ev.Tags[key]
}

var _ Observer = (*PrometheusObserver)(nil)
