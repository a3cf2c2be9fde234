package config_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/verbly-ai/verbly/internal/config"
)

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":8080"
  log_level: info
upstream:
  api_key: "vendor-key"
  model: gemini-2.5-flash-native-audio-preview
  voice: Aoede
  breaker:
    max_failures: 3
    reset_timeout: 10s
session:
  provisioner_url: "https://api.verbly.app"
  subject_id: learner-7
  instructions: "You are a friendly English tutor."
  reconnect_delay: 2s
  state_path: /var/lib/verbly/session.json
usage:
  postgres_dsn: "postgres://localhost/verbly"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Upstream.Breaker.ResetTimeout != 10*time.Second {
		t.Errorf("Breaker.ResetTimeout = %v", cfg.Upstream.Breaker.ResetTimeout)
	}
	if cfg.Session.ReconnectDelay != 2*time.Second {
		t.Errorf("ReconnectDelay = %v", cfg.Session.ReconnectDelay)
	}
	if cfg.Session.SubjectID != "learner-7" {
		t.Errorf("SubjectID = %q", cfg.Session.SubjectID)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":8080"
  lstn_addr_typo: ":8081"
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  tls:
    cert_file: /etc/verbly/tls.crt
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for partial TLS config, got nil")
	}
	if !strings.Contains(err.Error(), "cert_file and key_file") {
		t.Errorf("error should mention both TLS files, got: %v", err)
	}
}

func TestValidate_RelativeProvisionerURL(t *testing.T) {
	t.Parallel()
	yaml := `
session:
  provisioner_url: "localhost:8080"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for non-absolute provisioner URL, got nil")
	}
	if !strings.Contains(err.Error(), "provisioner_url") {
		t.Errorf("error should mention provisioner_url, got: %v", err)
	}
}

func TestValidate_NegativeDurations(t *testing.T) {
	t.Parallel()
	yaml := `
session:
  provisioner_url: "https://api.verbly.app"
  subject_id: learner-7
  reconnect_delay: -1s
upstream:
  breaker:
    reset_timeout: -5s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "reconnect_delay") {
		t.Errorf("error should mention reconnect_delay, got: %v", err)
	}
	if !strings.Contains(errStr, "reset_timeout") {
		t.Errorf("error should mention reset_timeout, got: %v", err)
	}
}

func TestValidate_EmptyConfigIsValid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("empty config should validate, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("nil config")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/verbly.yaml"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_FromFile(t *testing.T) {
	t.Parallel()
	path := t.TempDir() + "/verbly.yaml"
	content := `
server:
  listen_addr: ":9090"
  log_level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("LogLevel = %q", cfg.Server.LogLevel)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	valid := []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError}
	for _, l := range valid {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("verbose").IsValid() {
		t.Error("\"verbose\" should be invalid")
	}
}
