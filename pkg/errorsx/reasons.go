package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonCredentialFetch   ReasonCode = "credential_fetch"
	ReasonCredentialStatus  ReasonCode = "credential_status"
	ReasonCredentialDecode  ReasonCode = "credential_decode"
	ReasonCredentialTimeout ReasonCode = "credential_timeout"

	ReasonTransportCreate ReasonCode = "transport_create"
	ReasonTransportFailed ReasonCode = "transport_failed"
	ReasonProviderStart   ReasonCode = "provider_start"
	ReasonProviderTimeout ReasonCode = "provider_timeout"

	ReasonSpeechTimeout   ReasonCode = "speech_timeout"
	ReasonSpeechSynthesis ReasonCode = "speech_synthesis"
	ReasonSpeechCanceled  ReasonCode = "speech_canceled"

	ReasonRecognitionPermission ReasonCode = "recognition_permission"
	ReasonRecognitionStart      ReasonCode = "recognition_start"
	ReasonRecognitionStop       ReasonCode = "recognition_stop"
	ReasonRecognitionRuntime    ReasonCode = "recognition_runtime"

	ReasonBackendRequest     ReasonCode = "backend_request"
	ReasonBackendTimeout     ReasonCode = "backend_timeout"
	ReasonBackendUnavailable ReasonCode = "backend_unavailable"
	ReasonBackendStream      ReasonCode = "backend_stream"
	ReasonBackendRateLimit   ReasonCode = "backend_rate_limit"

	ReasonGatewaySend ReasonCode = "gateway_send"
)
