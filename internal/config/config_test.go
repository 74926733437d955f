package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/kiln"
)

// isolate points every config source at the test.
func isolate(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, envPrefix) {
			key, _, _ := strings.Cut(kv, "=")
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
	}
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":8080")
	}
	if cfg.LogFormat != FormatAuto {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, FormatAuto)
	}
	if cfg.Level() != slog.LevelInfo {
		t.Errorf("Level() = %v, want %v", cfg.Level(), slog.LevelInfo)
	}
	if cfg.HTTPTimeout != 0 || cfg.MaxUploadBytes != 0 {
		t.Errorf("limits = %v/%d, want unlimited", cfg.HTTPTimeout, cfg.MaxUploadBytes)
	}
	if cfg.KilnVersion == "" {
		t.Error("KilnVersion is empty")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	isolate(t)
	path := writeConfig(t, `
api_endpoint: https://hub.example.com
api_key: from-file
namespace: acme
http_timeout: 30s
max_upload_bytes: 1048576
log_level: debug
`)
	t.Setenv("KILN_API_KEY", "from-env")
	t.Setenv("KILN_DB_PATH", "/tmp/test.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIEndpoint != "https://hub.example.com" {
		t.Errorf("APIEndpoint = %q", cfg.APIEndpoint)
	}
	if cfg.APIKey != "from-env" {
		t.Errorf("APIKey = %q, want env value", cfg.APIKey)
	}
	if cfg.Namespace != "acme" {
		t.Errorf("Namespace = %q, want acme", cfg.Namespace)
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.HTTPTimeout != 30*time.Second {
		t.Errorf("HTTPTimeout = %v, want 30s", cfg.HTTPTimeout)
	}
	if cfg.MaxUploadBytes != 1<<20 {
		t.Errorf("MaxUploadBytes = %d, want %d", cfg.MaxUploadBytes, 1<<20)
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("Level() = %v, want %v", cfg.Level(), slog.LevelDebug)
	}
}

func TestLoadConfigEnvVar(t *testing.T) {
	isolate(t)
	t.Setenv(envConfig, writeConfig(t, "listen_addr: \":9090\"\n"))

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
}

func TestLoadErrors(t *testing.T) {
	isolate(t)

	tests := []struct {
		name string
		path string
	}{
		{"missing explicit file", filepath.Join(t.TempDir(), "nope.yaml")},
		{"bad yaml", writeConfig(t, "api_key: [unterminated\n")},
		{"bad format", writeConfig(t, "log_format: xml\n")},
		{"negative timeout", writeConfig(t, "http_timeout: -1s\n")},
		{"negative upload limit", writeConfig(t, "max_upload_bytes: -5\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			if !errors.Is(err, kiln.ErrInvalidConfig) {
				t.Errorf("Load() error = %v, want invalid config", err)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	// A buffer is never a terminal, so auto means JSON.
	logger := NewLogger(&buf, slog.LevelInfo, FormatAuto)

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}
	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}

func TestNewLoggerText(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelWarn, FormatText)

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("output contains a record below the level: %s", out)
	}
	if !strings.Contains(out, "msg=shown") || !strings.Contains(out, "key=value") {
		t.Errorf("output = %q, want text record", out)
	}
}
