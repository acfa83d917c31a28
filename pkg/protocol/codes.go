package protocol

// Error codes carried by outbound error messages.
const (
	CodeInvalidMessage      = "INVALID_MESSAGE"
	CodeUpstreamError       = "UPSTREAM_ERROR"
	CodeResponseFailed      = "RESPONSE_FAILED"
	CodeTranscriptionFailed = "TRANSCRIPTION_FAILED"
	CodeSessionStartFailed  = "SESSION_START_FAILED"
	CodeInternalError       = "INTERNAL_ERROR"
)
