package errorsx

import (
	"errors"
	"fmt"
	"time"
)

// CredentialError reports a failed relay credential fetch.
type CredentialError struct {
	Reason     ReasonCode
	StatusCode int
	Err        error
}

func (e *CredentialError) Error() string {
	msg := "relay credentials: " + string(e.Reason)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CredentialError) Unwrap() error          { return e.Err }
func (e *CredentialError) ReasonCode() ReasonCode { return e.Reason }

// ConnectionError reports a failure to bring up or keep the avatar session.
// Attempt names the strategy that failed last ("primary" or "fallback").
type ConnectionError struct {
	Reason  ReasonCode
	Attempt string
	Err     error
}

func (e *ConnectionError) Error() string {
	msg := "connection: " + string(e.Reason)
	if e.Attempt != "" {
		msg += " [" + e.Attempt + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ReasonCode prefers the reason of a wrapped CredentialError so callers can
// tell credential failures apart from provider failures.
func (e *ConnectionError) ReasonCode() ReasonCode {
	var ce *CredentialError
	if errors.As(e.Err, &ce) {
		return ce.Reason
	}
	return e.Reason
}

// SpeechTimeoutError reports an utterance that did not finish in time.
type SpeechTimeoutError struct {
	SessionID string
	Timeout   time.Duration
}

func (e *SpeechTimeoutError) Error() string {
	return fmt.Sprintf("speech %s timed out after %s", e.SessionID, e.Timeout)
}

func (e *SpeechTimeoutError) ReasonCode() ReasonCode { return ReasonSpeechTimeout }

// SpeechSynthesisError reports a provider-side cancellation or failure.
type SpeechSynthesisError struct {
	SessionID string
	Reason    ReasonCode
	Err       error
}

func (e *SpeechSynthesisError) Error() string {
	msg := "speech " + e.SessionID + ": " + string(e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SpeechSynthesisError) Unwrap() error          { return e.Err }
func (e *SpeechSynthesisError) ReasonCode() ReasonCode { return e.Reason }

// Canceled reports whether the utterance was superseded or stopped rather than failed.
func (e *SpeechSynthesisError) Canceled() bool { return e.Reason == ReasonSpeechCanceled }

// RecognitionError reports microphone or recognizer failures.
type RecognitionError struct {
	Reason ReasonCode
	Err    error
}

func (e *RecognitionError) Error() string {
	msg := "recognition: " + string(e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RecognitionError) Unwrap() error          { return e.Err }
func (e *RecognitionError) ReasonCode() ReasonCode { return e.Reason }

// BackendError reports a conversation backend failure. It is logged and
// replaced by fallback text, never shown raw to the user.
type BackendError struct {
	Reason     ReasonCode
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	msg := "backend: " + string(e.Reason)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BackendError) Unwrap() error          { return e.Err }
func (e *BackendError) ReasonCode() ReasonCode { return e.Reason }

// UserMessage renders err as the short banner text shown to the user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var (
		credErr  *CredentialError
		connErr  *ConnectionError
		timeout  *SpeechTimeoutError
		synthErr *SpeechSynthesisError
		recErr   *RecognitionError
		backErr  *BackendError
	)
	switch {
	case errors.As(err, &connErr), errors.As(err, &credErr):
		return "Erro de conexão: " + err.Error()
	case errors.As(err, &timeout), errors.As(err, &synthErr):
		return "Erro na fala do avatar"
	case errors.As(err, &recErr):
		switch recErr.Reason {
		case ReasonRecognitionPermission:
			return "Erro ao acessar o microfone"
		case ReasonRecognitionStart:
			return "Não foi possível iniciar o reconhecimento de voz"
		default:
			return "Erro no reconhecimento de voz"
		}
	case errors.As(err, &backErr):
		return "Desculpe, ocorreu um erro. Pode tentar novamente?"
	default:
		return err.Error()
	}
}
