package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Upstream
	if cfg.Upstream.BaseURL != "" {
		if _, err := url.Parse(cfg.Upstream.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("upstream.base_url %q is not a valid URL: %w", cfg.Upstream.BaseURL, err))
		}
	}
	if cfg.Upstream.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("upstream.breaker.max_failures %d must not be negative", cfg.Upstream.Breaker.MaxFailures))
	}
	if cfg.Upstream.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("upstream.breaker.reset_timeout %v must not be negative", cfg.Upstream.Breaker.ResetTimeout))
	}
	if cfg.Server.ListenAddr != "" && cfg.Upstream.APIKey == "" {
		slog.Warn("upstream.api_key is empty; the provisioning server will reject every mint")
	}

	// Session
	if cfg.Session.ProvisionerURL != "" {
		u, err := url.Parse(cfg.Session.ProvisionerURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("session.provisioner_url %q is not an absolute URL", cfg.Session.ProvisionerURL))
		}
	}
	if cfg.Session.ReconnectDelay < 0 {
		errs = append(errs, fmt.Errorf("session.reconnect_delay %v must not be negative", cfg.Session.ReconnectDelay))
	}
	if cfg.Session.ProvisionerURL != "" && cfg.Session.SubjectID == "" {
		slog.Warn("session.subject_id is empty; usage will not be attributable to a learner")
	}

	// Usage
	if cfg.Usage.PostgresDSN == "" && cfg.Server.ListenAddr != "" {
		slog.Warn("usage.postgres_dsn is empty; session usage will be kept in memory only")
	}

	return errors.Join(errs...)
}
