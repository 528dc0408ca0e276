package logger

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"Info", zerolog.InfoLevel},
		{"WARN", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestJSONFields(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter("debug", "json", &buf)
	defer Setup("info", "console")

	Log.Info("encoded", "images", 2, "stage", "encoder", 7, "non-string key", "err", errors.New("boom"))

	var event map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatalf("expected one JSON event, got %q: %v", buf.String(), err)
	}
	if event["message"] != "encoded" {
		t.Errorf("unexpected message %v", event["message"])
	}
	if event["images"] != float64(2) {
		t.Errorf("unexpected images field %v", event["images"])
	}
	if event["7"] != "non-string key" {
		t.Errorf("non-string key not stringified: %v", event)
	}
	if event["err"] != "boom" {
		t.Errorf("error field not rendered: %v", event["err"])
	}
}

func TestWithChildFields(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter("info", "json", &buf)
	defer Setup("info", "console")

	child := Log.With("component", "vit", "orphan")
	child.Info("built")

	if !strings.Contains(buf.String(), `"component":"vit"`) {
		t.Errorf("child field missing from %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter("error", "json", &buf)
	defer Setup("info", "console")

	Log.Debug("debug message should be filtered")
	Log.Info("info message should be filtered")
	Log.Warn("warn message should be filtered")
	if buf.Len() != 0 {
		t.Errorf("expected filtered output, got %q", buf.String())
	}
	if Log.Enabled(zerolog.DebugLevel) {
		t.Error("debug should be disabled at error level")
	}

	Log.Error("error message should appear")
	if buf.Len() == 0 {
		t.Error("expected error event to be written")
	}
}

func TestLoggerWithOddArgs(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter("info", "json", &buf)
	defer Setup("info", "console")

	Log.Info("odd args", "key1", "value1", "orphan_key")
	if strings.Contains(buf.String(), "orphan_key") {
		t.Errorf("orphan key should be dropped: %q", buf.String())
	}
}
