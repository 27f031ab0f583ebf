package avatar

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/avatar/pkg/adapters/synthesis"
	"github.com/harunnryd/avatar/pkg/conversation"
	"github.com/harunnryd/avatar/pkg/speech"
	"github.com/spf13/viper"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
	Audio         AudioConfig         `mapstructure:"audio"`
	Connection    ConnectionConfig    `mapstructure:"connection"`
	Speech        SpeechConfig        `mapstructure:"speech"`
	Silence       SilenceConfig       `mapstructure:"silence"`
	Session       SessionConfig       `mapstructure:"session"`
	Avatar        AvatarConfig        `mapstructure:"avatar"`
	Conversation  ConversationConfig  `mapstructure:"conversation"`
	Backend       BackendConfig       `mapstructure:"backend"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	Synthesis   VendorConfig `mapstructure:"synthesis"`
	Recognition VendorConfig `mapstructure:"recognition"`
	Backend     VendorConfig `mapstructure:"backend"`
	Relay       VendorConfig `mapstructure:"relay"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type ObservabilityConfig struct {
	// EventsPath, when set, receives every metrics event as one JSON line.
	EventsPath   string `mapstructure:"events_path"`
	EventsBuffer int    `mapstructure:"events_buffer"`
}

type GatewayConfig struct {
	Addr           string   `mapstructure:"addr"`
	Path           string   `mapstructure:"path"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxClients     int      `mapstructure:"max_clients"`
	DrainTimeoutMS int      `mapstructure:"drain_timeout_ms"`
}

type AudioConfig struct {
	SampleRate int `mapstructure:"sample_rate"`
}

type ConnectionConfig struct {
	PrimaryTimeoutMS     int `mapstructure:"primary_timeout_ms"`
	FallbackTimeoutMS    int `mapstructure:"fallback_timeout_ms"`
	CredentialTimeoutMS  int `mapstructure:"credential_timeout_ms"`
	CredentialCacheTTLMS int `mapstructure:"credential_cache_ttl_ms"`
	DisconnectGraceMS    int `mapstructure:"disconnect_grace_ms"`
}

type SpeechConfig struct {
	TimeoutMS int    `mapstructure:"timeout_ms"`
	Voice     string `mapstructure:"voice"`
	Rate      string `mapstructure:"rate"`
	Pitch     string `mapstructure:"pitch"`
	Lang      string `mapstructure:"lang"`
}

type SilenceConfig struct {
	Threshold        float64 `mapstructure:"threshold"`
	WindowMS         int     `mapstructure:"window_ms"`
	SampleIntervalMS int     `mapstructure:"sample_interval_ms"`
}

type SessionConfig struct {
	ActivateDebounceMS int `mapstructure:"activate_debounce_ms"`
	ErrorClearMS       int `mapstructure:"error_clear_ms"`
	StopRetries        int `mapstructure:"stop_retries"`
	StopBackoffMS      int `mapstructure:"stop_backoff_ms"`
	StopTimeoutMS      int `mapstructure:"stop_timeout_ms"`
}

type AvatarConfig struct {
	Character       string                 `mapstructure:"character"`
	Style           string                 `mapstructure:"style"`
	BackgroundColor string                 `mapstructure:"background_color"`
	Video           synthesis.VideoFraming `mapstructure:"video"`
}

type ConversationConfig struct {
	SystemPrompt   string                        `mapstructure:"system_prompt"`
	Window         int                           `mapstructure:"window"`
	MaxTokens      int                           `mapstructure:"max_tokens"`
	TimeoutMS      int                           `mapstructure:"timeout_ms"`
	UserIDPath     string                        `mapstructure:"user_id_path"`
	Pronunciations []conversation.Replacement    `mapstructure:"pronunciations"`
	Fallback       conversation.FallbackMessages `mapstructure:"fallback"`
}

// BackendConfig wraps whichever backend vendor is configured.
type BackendConfig struct {
	RetryAttempts     int `mapstructure:"retry_attempts"`
	RetryBaseMS       int `mapstructure:"retry_base_ms"`
	CircuitThreshold  int `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int `mapstructure:"circuit_cooldown_ms"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	if len(cfg.Conversation.Pronunciations) == 0 {
		cfg.Conversation.Pronunciations = conversation.DefaultPronunciations()
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("observability.events_buffer", 2048)
	v.SetDefault("gateway.addr", ":8080")
	v.SetDefault("gateway.path", "/ws")
	v.SetDefault("gateway.max_clients", 0)
	v.SetDefault("gateway.drain_timeout_ms", 20000)
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("connection.primary_timeout_ms", 30000)
	v.SetDefault("connection.fallback_timeout_ms", 10000)
	v.SetDefault("connection.credential_timeout_ms", 10000)
	v.SetDefault("connection.credential_cache_ttl_ms", 300000)
	v.SetDefault("connection.disconnect_grace_ms", 5000)
	v.SetDefault("speech.timeout_ms", 30000)
	v.SetDefault("speech.voice", "pt-BR-FranciscaNeural")
	v.SetDefault("speech.rate", "0%")
	v.SetDefault("speech.pitch", "0%")
	v.SetDefault("silence.threshold", 20.0)
	v.SetDefault("silence.window_ms", 3000)
	v.SetDefault("silence.sample_interval_ms", 16)
	v.SetDefault("session.activate_debounce_ms", 500)
	v.SetDefault("session.error_clear_ms", 10000)
	v.SetDefault("session.stop_retries", 3)
	v.SetDefault("session.stop_backoff_ms", 100)
	v.SetDefault("session.stop_timeout_ms", 3000)
	v.SetDefault("avatar.character", "lisa")
	v.SetDefault("avatar.style", "casual-sitting")
	v.SetDefault("avatar.background_color", "#FFFFFFFF")
	v.SetDefault("avatar.video.width", 380)
	v.SetDefault("avatar.video.height", 240)
	v.SetDefault("conversation.system_prompt", conversation.DefaultSystemPrompt)
	v.SetDefault("conversation.window", conversation.DefaultWindow)
	v.SetDefault("conversation.max_tokens", 1000)
	v.SetDefault("conversation.timeout_ms", 30000)
	v.SetDefault("conversation.user_id_path", "data/user_id")
	v.SetDefault("backend.retry_attempts", 2)
	v.SetDefault("backend.retry_base_ms", 200)
	v.SetDefault("backend.circuit_threshold", 3)
	v.SetDefault("backend.circuit_cooldown_ms", 30000)
	v.SetDefault("vendors.relay.provider", "static")
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vendors.Synthesis.Provider) == "" {
		return fmt.Errorf("vendors.synthesis.provider is required")
	}
	if strings.TrimSpace(c.Vendors.Backend.Provider) == "" {
		return fmt.Errorf("vendors.backend.provider is required")
	}
	if strings.TrimSpace(c.Avatar.Character) == "" {
		return fmt.Errorf("avatar.character is required")
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive, got %d", c.Audio.SampleRate)
	}
	if c.Silence.Threshold < 0 || c.Silence.Threshold > 255 {
		return fmt.Errorf("silence.threshold must be between 0 and 255, got %v", c.Silence.Threshold)
	}
	if !strings.HasPrefix(c.Gateway.Path, "/") {
		return fmt.Errorf("gateway.path must start with /, got %q", c.Gateway.Path)
	}
	return nil
}

// Voice is the synthesis voice derived from the speech block.
func (c Config) Voice() speech.Voice {
	v := speech.DefaultVoice()
	if c.Speech.Voice != "" && c.Speech.Voice != v.Name {
		v.Name = c.Speech.Voice
		v.Lang = ""
	}
	if c.Speech.Lang != "" {
		v.Lang = c.Speech.Lang
	}
	if c.Speech.Rate != "" {
		v.Rate = c.Speech.Rate
	}
	if c.Speech.Pitch != "" {
		v.Pitch = c.Speech.Pitch
	}
	return v
}

// AvatarSettings is the provider-facing avatar configuration.
func (c Config) AvatarSettings() synthesis.AvatarConfig {
	return synthesis.AvatarConfig{
		Character:       c.Avatar.Character,
		Style:           c.Avatar.Style,
		Voice:           c.Voice().Name,
		BackgroundColor: c.Avatar.BackgroundColor,
		Video:           c.Avatar.Video,
	}
}

func millis(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.Synthesis.Settings = expandSettings(cfg.Vendors.Synthesis.Settings)
	cfg.Vendors.Recognition.Settings = expandSettings(cfg.Vendors.Recognition.Settings)
	cfg.Vendors.Backend.Settings = expandSettings(cfg.Vendors.Backend.Settings)
	cfg.Vendors.Relay.Settings = expandSettings(cfg.Vendors.Relay.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				v.SetMapIndex(key, reflect.ValueOf(os.ExpandEnv(val.String())))
			}
		}
	}
}
