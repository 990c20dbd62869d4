package ttypcm

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := NewLogger(LoggingConfig{Level: "warn"}, &buf)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("shown", "device", "/dev/ttyS0")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record written at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "device=/dev/ttyS0") {
		t.Errorf("warn record missing: %q", out)
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := NewLogger(LoggingConfig{Level: "debug", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Debug("transfer", "frames", 42)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "transfer" || rec["frames"] != float64(42) {
		t.Errorf("record = %v", rec)
	}
}

func TestNewLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ttypcm.log")
	logger, closer, err := NewLogger(LoggingConfig{Output: path}, nil)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Info("started")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "started") {
		t.Errorf("log file = %q", data)
	}

	if _, _, err := NewLogger(LoggingConfig{Output: filepath.Join(t.TempDir(), "no", "such", "dir.log")}, nil); err == nil {
		t.Error("expected error for unwritable log path")
	}
}
