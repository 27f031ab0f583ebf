package conversation

import "github.com/harunnryd/avatar/pkg/errorsx"

// FallbackMessages are spoken instead of a backend reply when the backend fails.
type FallbackMessages struct {
	Error       string `mapstructure:"error"`
	Timeout     string `mapstructure:"timeout"`
	Unavailable string `mapstructure:"unavailable"`
	Generic     string `mapstructure:"generic"`
}

func DefaultFallbacks() FallbackMessages {
	return FallbackMessages{
		Error:       "Desculpe, não consegui processar sua solicitação. Pode tentar novamente?",
		Timeout:     "A resposta está demorando mais que o esperado. Pode reformular sua pergunta?",
		Unavailable: "O serviço está temporariamente indisponível. Tente novamente em alguns instantes.",
		Generic:     "Desculpe, ocorreu um erro. Pode tentar novamente?",
	}
}

// WithDefaults fills empty messages from DefaultFallbacks.
func (f FallbackMessages) WithDefaults() FallbackMessages {
	d := DefaultFallbacks()
	if f.Error == "" {
		f.Error = d.Error
	}
	if f.Timeout == "" {
		f.Timeout = d.Timeout
	}
	if f.Unavailable == "" {
		f.Unavailable = d.Unavailable
	}
	if f.Generic == "" {
		f.Generic = d.Generic
	}
	return f
}

// For picks the message matching a backend failure reason.
func (f FallbackMessages) For(reason errorsx.ReasonCode) string {
	switch reason {
	case errorsx.ReasonBackendTimeout:
		return f.Timeout
	case errorsx.ReasonBackendUnavailable, errorsx.ReasonBackendRateLimit:
		return f.Unavailable
	case errorsx.ReasonBackendRequest, errorsx.ReasonBackendStream:
		return f.Error
	default:
		return f.Generic
	}
}
