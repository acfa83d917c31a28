package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonInvalidMessage ReasonCode = "invalid_message"
	ReasonAudioDecode    ReasonCode = "audio_decode"

	ReasonUpstreamConnect     ReasonCode = "upstream_connect"
	ReasonUpstreamSend        ReasonCode = "upstream_send"
	ReasonUpstreamEvent       ReasonCode = "upstream_event"
	ReasonUpstreamRateLimit   ReasonCode = "upstream_rate_limit"
	ReasonUpstreamCircuitOpen ReasonCode = "upstream_circuit_open"

	ReasonToolNotFound ReasonCode = "tool_not_found"
	ReasonToolArgs     ReasonCode = "tool_args"
	ReasonToolExecute  ReasonCode = "tool_execute"
	ReasonToolTimeout  ReasonCode = "tool_timeout"

	ReasonSTTConnect ReasonCode = "stt_connect"
	ReasonSTTSend    ReasonCode = "stt_send"

	ReasonTTSConnect ReasonCode = "tts_connect"
	ReasonTTSSend    ReasonCode = "tts_send"

	ReasonLLMGenerate    ReasonCode = "llm_generate"
	ReasonLLMStream      ReasonCode = "llm_stream"
	ReasonLLMRateLimit   ReasonCode = "llm_rate_limit"
	ReasonLLMCircuitOpen ReasonCode = "llm_circuit_open"

	ReasonTransportSend   ReasonCode = "transport_send"
	ReasonTranscriptStore ReasonCode = "transcript_store"
)
