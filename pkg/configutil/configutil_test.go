package configutil

import (
	"strings"
	"testing"
	"time"
)

type agentSettings struct {
	URL       string            `mapstructure:"url"`
	MaxTokens int               `mapstructure:"max_tokens"`
	Streaming *bool             `mapstructure:"streaming"`
	Headers   map[string]string `mapstructure:"headers"`
}

func TestDecodeVendorNormalizesKeys(t *testing.T) {
	in := map[string]any{
		"URL":        "https://agent.example/api",
		"max-tokens": "4000",
		"Streaming":  true,
		"headers":    map[string]any{"X-Api-Key": "k"},
	}
	var out agentSettings
	err := DecodeVendor("vendors.backend.settings", in, Schema{
		Required: []string{"url"},
		Optional: []string{"max_tokens", "streaming", "headers"},
	}, &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.URL != "https://agent.example/api" || out.MaxTokens != 4000 {
		t.Fatalf("unexpected decode result: %+v", out)
	}
	if !BoolValue(out.Streaming, false) {
		t.Fatalf("expected streaming true")
	}
	if out.Headers["X-Api-Key"] != "k" {
		t.Fatalf("expected header decoded, got %v", out.Headers)
	}
}

func TestValidateSettingsReportsMissingAndUnknown(t *testing.T) {
	err := ValidateSettings(map[string]any{"url": " ", "bogus": 1}, Schema{Required: []string{"url"}})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "missing: url") || !strings.Contains(msg, "unknown: bogus") {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestMillis(t *testing.T) {
	if Millis(0, time.Second) != time.Second {
		t.Fatalf("expected fallback")
	}
	if Millis(250, time.Second) != 250*time.Millisecond {
		t.Fatalf("expected 250ms")
	}
}
