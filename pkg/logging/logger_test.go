package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG") != slog.LevelDebug {
		t.Fatalf("expected debug level")
	}
	if ParseLevel("bogus") != slog.LevelInfo {
		t.Fatalf("expected info fallback")
	}
}

func TestComponentLoggerTagsRecords(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	base := initLogger(&buf, "info", "json")
	log := WithSession(NewComponentLogger(base, "speech_output"), "abc")
	log.Info("speech_started")

	out := buf.String()
	if !strings.Contains(out, `"component":"speech_output"`) {
		t.Fatalf("missing component attr: %s", out)
	}
	if !strings.Contains(out, `"session_id":"abc"`) {
		t.Fatalf("missing session attr: %s", out)
	}
}
