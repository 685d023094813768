package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Connection-scoped faults. Each one terminates only the affected connection.
	ReasonTransport            ReasonCode = "transport"
	ReasonTransportMalformed   ReasonCode = "transport_malformed"
	ReasonTranscode            ReasonCode = "transcode"
	ReasonTranscoderStart      ReasonCode = "transcoder_start"
	ReasonTranscoderOverflow   ReasonCode = "transcoder_overflow"
	ReasonRecognition          ReasonCode = "recognition"
	ReasonRecognitionTimeout   ReasonCode = "recognition_timeout"
	ReasonProgramming          ReasonCode = "programming"
	ReasonFormatMismatch       ReasonCode = "format_mismatch"
	ReasonSinkDeliver          ReasonCode = "sink_deliver"
	ReasonTransportSendDropped ReasonCode = "transport_send_dropped"

	ReasonSTTConnect     ReasonCode = "stt_connect"
	ReasonSTTRateLimit   ReasonCode = "stt_rate_limit"
	ReasonSTTCircuitOpen ReasonCode = "stt_circuit_open"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
)

// Fatal reports whether a reason terminates the connection with an error
// notification instead of a transcript.
func (r ReasonCode) Fatal() bool {
	switch r {
	case ReasonTranscode, ReasonTranscoderStart, ReasonTranscoderOverflow,
		ReasonRecognition, ReasonProgramming, ReasonFormatMismatch,
		ReasonSTTConnect, ReasonSTTRateLimit, ReasonSTTCircuitOpen,
		ReasonTransportMalformed:
		return true
	default:
		return false
	}
}
