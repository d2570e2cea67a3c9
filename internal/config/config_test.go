package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q", path, got)
	}

	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("missing explicit path should error")
	}
}

func TestFindConfig_NoneFound(t *testing.T) {
	dir := t.TempDir()
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)
	t.Setenv("HOME", dir)

	if _, err := os.Stat("/etc/jenny/config.yaml"); err == nil {
		t.Skip("system config present")
	}
	if _, err := FindConfig(""); !errors.Is(err, ErrNoConfig) {
		t.Fatalf("err = %v, want ErrNoConfig", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "identity:\n  base_url: https://id.example.com/\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen.Port != 3001 {
		t.Errorf("port = %d, want 3001", cfg.Listen.Port)
	}
	if cfg.Models.Default != "gpt-4o" || cfg.Models.Temperature != 0.7 {
		t.Errorf("models = %+v", cfg.Models)
	}
	if cfg.Agent.InitTimeout != 120*time.Second {
		t.Errorf("init timeout = %v, want 120s", cfg.Agent.InitTimeout)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("max iterations = %d", cfg.Agent.MaxIterations)
	}
	if cfg.Identity.TokenURL != "https://id.example.com/oauth/token" {
		t.Errorf("token url = %q", cfg.Identity.TokenURL)
	}
	if cfg.CRM.LedgerPath != filepath.Join("./db", "commitments.db") {
		t.Errorf("ledger path = %q", cfg.CRM.LedgerPath)
	}
}

func TestLoad_ExpandAndOverride(t *testing.T) {
	t.Setenv("TEST_CLIENT_SECRET", "s3cret")
	t.Setenv("SERVER_PORT", "4100")
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg, err := Load(writeConfig(t, `
listen:
  port: 8080
openai:
  api_key: sk-file
identity:
  client_secret: ${TEST_CLIENT_SECRET}
agent:
  init_timeout: 45s
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity.ClientSecret != "s3cret" {
		t.Errorf("client secret = %q", cfg.Identity.ClientSecret)
	}
	if cfg.Listen.Port != 4100 {
		t.Errorf("port = %d, env should win", cfg.Listen.Port)
	}
	if cfg.OpenAI.APIKey != "sk-env" {
		t.Errorf("api key = %q, env should win", cfg.OpenAI.APIKey)
	}
	if cfg.Agent.InitTimeout != 45*time.Second {
		t.Errorf("init timeout = %v", cfg.Agent.InitTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad log level", "log_level: loud\n"},
		{"bad log format", "log_format: xml\n"},
		{"bad provider", "models:\n  available:\n    - name: x\n      provider: ollama\n"},
		{"mcp missing url", "mcp:\n  servers:\n    - name: a\n      integration: crm\n"},
		{"mcp missing integration", "mcp:\n  servers:\n    - name: a\n      url: http://x\n"},
		{"mcp duplicate", "mcp:\n  servers:\n    - {name: a, url: \"http://x\", integration: crm}\n    - {name: a, url: \"http://y\", integration: crm}\n"},
		{"bad repo", "tracker:\n  repo: justname\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestModelRoutes(t *testing.T) {
	cfg := &Config{Models: ModelsConfig{Available: []ModelConfig{
		{Name: "acme-tuned", Provider: "anthropic"},
		{Name: "gpt-4o-mini", Provider: "openai"},
	}}}
	routes := cfg.ModelRoutes()
	if len(routes) != 2 || routes["acme-tuned"] != "anthropic" || routes["gpt-4o-mini"] != "openai" {
		t.Errorf("ModelRoutes = %v", routes)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestReplaceLogAttrs(t *testing.T) {
	tests := []struct {
		attr slog.Attr
		want string
	}{
		{slog.Any(slog.LevelKey, LevelTrace), "TRACE"},
		{slog.Any(slog.LevelKey, slog.LevelInfo), "INFO"},
		{slog.String("token", "user-bearer"), "[redacted]"},
		{slog.String("Authorization", "Bearer abc"), "[redacted]"},
		{slog.String("token", ""), ""},
		{slog.String("subject", "u1"), "u1"},
		{slog.Int("api_key", 3), "3"},
	}
	for _, tt := range tests {
		if got := ReplaceLogAttrs(nil, tt.attr).Value.String(); got != tt.want {
			t.Errorf("ReplaceLogAttrs(%s) = %q, want %q", tt.attr.Key, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "json")
	logger.Log(context.Background(), LevelTrace, "request payload", "client_secret", "s3cret", "tenant", "acme-sales")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("json log line: %v (%s)", err, buf.String())
	}
	if line["level"] != "TRACE" || line["client_secret"] != "[redacted]" || line["tenant"] != "acme-sales" {
		t.Errorf("line = %v", line)
	}

	buf.Reset()
	NewLogger(&buf, slog.LevelInfo, "text").Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug line written at info level: %q", buf.String())
	}
}
