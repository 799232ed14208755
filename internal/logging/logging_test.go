package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input    string
		expected slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, testCase := range testCases {
		t.Run(testCase.input, func(t *testing.T) {
			if got := ParseLevel(testCase.input); got != testCase.expected {
				t.Fatalf("expected %v, got %v", testCase.expected, got)
			}
		})
	}
}

func TestNewWritesJSONToFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "planning-state.log")
	logger, closer, err := New(Options{Level: "DEBUG", File: logPath})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	logger.Debug("cascade finished", "entity_type", "top", "count", 4)
	if err := closer(); err != nil {
		t.Fatalf("failed to close logger: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	line := strings.TrimSpace(string(data))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", line, err)
	}
	if entry["msg"] != "cascade finished" {
		t.Fatalf("expected msg=cascade finished, got %v", entry["msg"])
	}
	if entry["component"] != "planning-state" {
		t.Fatalf("expected component attr, got %v", entry["component"])
	}
}
