// Package config loads the bridge configuration: environment variables for
// process-level settings, plus an optional YAML file for sources and the
// ingest target.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/otbridge/otbridge/pkg/models"
)

// Config holds all configuration for the bridge process.
type Config struct {
	Port      int
	Version   string
	StatePath string
	Telemetry TelemetryConfig
	Auth      AuthConfig

	Sources   []models.SourceConfig
	Zerobus   models.ZerobusConfig
	Queue     models.QueueConfig
	RateLimit models.RateLimitConfig
	Breaker   models.BreakerConfig
	WebUI     WebUIConfig
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	APIKeyHeader string
	// APIKeys is the comma-separated OTBRIDGE_API_KEYS allow-list. Empty
	// disables API auth (local development).
	APIKeys []string
}

// WebUIConfig is parsed and exposed for external collaborators; the core
// only serves the API the UI consumes.
type WebUIConfig struct {
	Bind string    `yaml:"bind"`
	Auth WebUIAuth `yaml:"auth"`
}

type WebUIAuth struct {
	Enabled    bool     `yaml:"enabled"`
	Method     string   `yaml:"method"`
	RequireMFA bool     `yaml:"require_mfa"`
	RBACRoles  []string `yaml:"rbac_roles"`
}

// fileConfig is the YAML document shape.
type fileConfig struct {
	Sources   []models.SourceConfig  `yaml:"sources"`
	Zerobus   models.ZerobusConfig   `yaml:"zerobus"`
	Queue     models.QueueConfig     `yaml:"queue"`
	RateLimit models.RateLimitConfig `yaml:"rate_limit"`
	Breaker   models.BreakerConfig   `yaml:"breaker"`
	WebUI     WebUIConfig            `yaml:"web_ui"`
}

// Load reads environment variables and, when OTBRIDGE_CONFIG points to a
// file, overlays the YAML document. Environment wins for the ingest
// connection fields so deployments can override a shared file.
func Load() (*Config, error) {
	cfg := &Config{
		Port:      envInt("OTBRIDGE_PORT", 8090),
		Version:   envStr("OTBRIDGE_VERSION", "0.4.0"),
		StatePath: envStr("OTBRIDGE_STATE_PATH", ""),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "otbridge"),
		},
		Auth: AuthConfig{
			APIKeyHeader: envStr("OTBRIDGE_API_KEY_HEADER", "Authorization"),
			APIKeys:      splitNonEmpty(envStr("OTBRIDGE_API_KEYS", "")),
		},
	}

	if path := envStr("OTBRIDGE_CONFIG", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return models.WrapError(models.KindConfigInvalid, "read config file", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return models.WrapError(models.KindConfigInvalid, "parse config file", err)
	}
	c.Sources = fc.Sources
	c.Zerobus = fc.Zerobus
	c.Queue = fc.Queue
	c.RateLimit = fc.RateLimit
	c.Breaker = fc.Breaker
	c.WebUI = fc.WebUI
	return nil
}

// applyEnvOverrides maps the recognized connection environment variables
// onto the zerobus section. CLIENT_SECRET is not copied anywhere; the
// credential store resolves the reference at connect time.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("WORKSPACE_HOST"); v != "" {
		c.Zerobus.WorkspaceHost = v
		c.Zerobus.Enabled = true
	}
	if v := os.Getenv("INGEST_ENDPOINT"); v != "" {
		c.Zerobus.ZerobusEndpoint = v
	}
	if v := os.Getenv("CLIENT_ID"); v != "" {
		c.Zerobus.Auth.ClientID = v
	}
	if c.Zerobus.Auth.ClientSecretRef == "" && os.Getenv("CLIENT_SECRET") != "" {
		c.Zerobus.Auth.ClientSecretRef = "client_secret"
	}
}

// Validate checks the whole document. The first violation wins; the caller
// maps config_invalid to exit code 2.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		s := &c.Sources[i]
		if err := s.Validate(); err != nil {
			return err
		}
		if seen[s.Name] {
			return models.NewError(models.KindConfigInvalid,
				fmt.Sprintf("duplicate source name %q", s.Name))
		}
		seen[s.Name] = true
	}
	return c.Zerobus.Validate()
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
