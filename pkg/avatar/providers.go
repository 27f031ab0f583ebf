package avatar

import (
	"time"

	"github.com/harunnryd/avatar/pkg/adapters/backend"
	"github.com/harunnryd/avatar/pkg/adapters/recognition"
	"github.com/harunnryd/avatar/pkg/adapters/synthesis"
	"github.com/harunnryd/avatar/pkg/configutil"
	"github.com/harunnryd/avatar/pkg/providers/agentapi"
	"github.com/harunnryd/avatar/pkg/providers/avatarws"
	"github.com/harunnryd/avatar/pkg/providers/deepgram"
	"github.com/harunnryd/avatar/pkg/providers/mock"
	"github.com/harunnryd/avatar/pkg/providers/openai"
	"github.com/harunnryd/avatar/pkg/relay"
	"github.com/harunnryd/avatar/pkg/transports"
)

type mockSynthesisSettings struct {
	AttachDelayMS   int `mapstructure:"attach_delay_ms"`
	SpeakDurationMS int `mapstructure:"speak_duration_ms"`
}

type mockRecognitionSettings struct {
	Transcript        string `mapstructure:"transcript"`
	InterimTranscript string `mapstructure:"interim_transcript"`
}

type mockBackendSettings struct {
	ResponseText string   `mapstructure:"response_text"`
	StreamChunks []string `mapstructure:"stream_chunks"`
}

type staticRelaySettings struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type httpRelaySettings struct {
	URL       string            `mapstructure:"url"`
	Headers   map[string]string `mapstructure:"headers"`
	TimeoutMS int               `mapstructure:"timeout_ms"`
}

type twilioRelaySettings struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// RegisterBuiltins wires every provider shipped with the module.
func RegisterBuiltins(reg *ProviderRegistry) {
	reg.RegisterSynthesis("avatarws", func(cfg Config) (synthesis.Factory, error) {
		var settings avatarws.Config
		if err := configutil.DecodeVendor("vendors.synthesis.settings", cfg.Vendors.Synthesis.Settings, configutil.Schema{
			Required: []string{"url"},
			Optional: []string{"api_key", "keepalive_ms"},
		}, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.URL, "vendors.synthesis.settings.url"); err != nil {
			return nil, err
		}
		return avatarws.NewFactory(settings), nil
	})

	reg.RegisterSynthesis("mock", func(cfg Config) (synthesis.Factory, error) {
		var settings mockSynthesisSettings
		if err := configutil.DecodeVendor("vendors.synthesis.settings", cfg.Vendors.Synthesis.Settings, configutil.Schema{
			Optional: []string{"attach_delay_ms", "speak_duration_ms"},
		}, &settings); err != nil {
			return nil, err
		}
		factory := &mock.SynthesisFactory{Default: mock.SynthesisConfig{
			AttachDelay:   configutil.Millis(settings.AttachDelayMS, 0),
			SpeakDuration: configutil.Millis(settings.SpeakDurationMS, 0),
		}}
		return factory.New, nil
	})

	reg.RegisterRecognition("deepgram", func(cfg Config) (recognition.Factory, error) {
		var settings deepgram.Config
		if err := configutil.DecodeVendor("vendors.recognition.settings", cfg.Vendors.Recognition.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "language", "encoding", "utterance_end_ms", "endpointing_ms", "mic_buffer"},
		}, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.recognition.settings.api_key"); err != nil {
			return nil, err
		}
		if settings.Language == "" {
			settings.Language = cfg.Voice().Locale()
		}
		return deepgram.NewFactory(settings), nil
	})

	reg.RegisterRecognition("mock", func(cfg Config) (recognition.Factory, error) {
		var settings mockRecognitionSettings
		if err := configutil.DecodeVendor("vendors.recognition.settings", cfg.Vendors.Recognition.Settings, configutil.Schema{
			Optional: []string{"transcript", "interim_transcript"},
		}, &settings); err != nil {
			return nil, err
		}
		return mock.RecognitionFactory(mock.RecognitionConfig{
			Transcript:        settings.Transcript,
			InterimTranscript: settings.InterimTranscript,
		}), nil
	})

	reg.RegisterBackend("agentapi", func(cfg Config) (backend.Backend, error) {
		var settings agentapi.Config
		if err := configutil.DecodeVendor("vendors.backend.settings", cfg.Vendors.Backend.Settings, configutil.Schema{
			Required: []string{"url"},
			Optional: []string{"headers", "timeout_ms", "max_tokens", "stream"},
		}, &settings); err != nil {
			return nil, err
		}
		if settings.TimeoutMS == 0 {
			settings.TimeoutMS = cfg.Conversation.TimeoutMS
		}
		if settings.MaxTokens == 0 {
			settings.MaxTokens = cfg.Conversation.MaxTokens
		}
		return agentapi.New(settings, cfg.Conversation.Fallback)
	})

	reg.RegisterBackend("openai", func(cfg Config) (backend.Backend, error) {
		var settings openai.Config
		if err := configutil.DecodeVendor("vendors.backend.settings", cfg.Vendors.Backend.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "base_url", "system_prompt", "max_tokens", "timeout_ms", "stream"},
		}, &settings); err != nil {
			return nil, err
		}
		if settings.SystemPrompt == "" {
			settings.SystemPrompt = cfg.Conversation.SystemPrompt
		}
		if settings.TimeoutMS == 0 {
			settings.TimeoutMS = cfg.Conversation.TimeoutMS
		}
		if settings.MaxTokens == 0 {
			settings.MaxTokens = cfg.Conversation.MaxTokens
		}
		return openai.New(settings, cfg.Conversation.Fallback)
	})

	reg.RegisterBackend("mock", func(cfg Config) (backend.Backend, error) {
		var settings mockBackendSettings
		if err := configutil.DecodeVendor("vendors.backend.settings", cfg.Vendors.Backend.Settings, configutil.Schema{
			Optional: []string{"response_text", "stream_chunks"},
		}, &settings); err != nil {
			return nil, err
		}
		return mock.NewBackend(mock.BackendConfig{
			ResponseText: settings.ResponseText,
			StreamChunks: settings.StreamChunks,
		}), nil
	})

	reg.RegisterRelay("static", func(cfg Config) (relay.Source, error) {
		var settings staticRelaySettings
		if err := configutil.DecodeVendor("vendors.relay.settings", cfg.Vendors.Relay.Settings, configutil.Schema{
			Optional: []string{"urls", "username", "credential"},
		}, &settings); err != nil {
			return nil, err
		}
		if len(settings.URLs) == 0 {
			return relay.Static(transports.DefaultSTUN()), nil
		}
		return relay.Static([]transports.ICEServer{{
			URLs:       settings.URLs,
			Username:   settings.Username,
			Credential: settings.Credential,
		}}), nil
	})

	reg.RegisterRelay("http", func(cfg Config) (relay.Source, error) {
		var settings httpRelaySettings
		if err := configutil.DecodeVendor("vendors.relay.settings", cfg.Vendors.Relay.Settings, configutil.Schema{
			Required: []string{"url"},
			Optional: []string{"headers", "timeout_ms"},
		}, &settings); err != nil {
			return nil, err
		}
		src := relay.NewHTTPSource(relay.HTTPConfig{
			URL:     settings.URL,
			Headers: settings.Headers,
			Timeout: configutil.Millis(settings.TimeoutMS, millis(cfg.Connection.CredentialTimeoutMS)),
		})
		return relay.NewCachedSource(src, millis(cfg.Connection.CredentialCacheTTLMS)), nil
	})

	reg.RegisterRelay("twilio", func(cfg Config) (relay.Source, error) {
		var settings twilioRelaySettings
		if err := configutil.DecodeVendor("vendors.relay.settings", cfg.Vendors.Relay.Settings, configutil.Schema{
			Required: []string{"account_sid", "auth_token"},
			Optional: []string{"ttl_seconds"},
		}, &settings); err != nil {
			return nil, err
		}
		src := relay.NewTwilioSource(relay.TwilioConfig{
			AccountSID: settings.AccountSID,
			AuthToken:  settings.AuthToken,
			TTL:        time.Duration(settings.TTLSeconds) * time.Second,
			Timeout:    millis(cfg.Connection.CredentialTimeoutMS),
		})
		return relay.NewCachedSource(src, millis(cfg.Connection.CredentialCacheTTLMS)), nil
	})
}
