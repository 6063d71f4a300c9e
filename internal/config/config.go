// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the compose server.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Upstream provider names.
const (
	ProviderRelay  = "relay"
	ProviderSES    = "ses"
	ProviderGraph  = "graph"
	ProviderResend = "resend"
	ProviderLog    = "log"
)

const (
	defaultListen             = ":3000"
	defaultRateLimitPerMinute = 30
	defaultUpstreamTimeout    = 15 * time.Second
)

// Config holds the complete application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	SES      SESConfig      `yaml:"ses"`
	Graph    GraphConfig    `yaml:"graph"`
	Resend   ResendConfig   `yaml:"resend"`
	TLS      TLSConfig      `yaml:"tls"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP listener configuration.
type ServerConfig struct {
	Listen             string `yaml:"listen"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

// UpstreamConfig selects the mail backend and configures the HTTP relay.
type UpstreamConfig struct {
	// Provider is one of relay, ses, graph, resend or log. Empty means
	// auto-detect from whichever credentials are present.
	Provider string        `yaml:"provider"`
	URL      string        `yaml:"url"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// ResendConfig holds Resend API configuration.
type ResendConfig struct {
	APIKey string `yaml:"api_key"`
	From   string `yaml:"from"`
}

// TLSConfig holds TLS settings for the HTTP listener.
// Hosts are extra names or IPs for a generated certificate.
type TLSConfig struct {
	CertFile   string   `yaml:"cert_file"`
	KeyFile    string   `yaml:"key_file"`
	SelfSigned bool     `yaml:"self_signed"`
	Hosts      []string `yaml:"hosts"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// LoadDotEnv loads .env.<ENV> and then .env from dir into the process
// environment. Variables already set are never overwritten, so the shell
// wins over .env.<ENV>, which wins over .env. Missing files are skipped.
// It returns the files that were loaded.
func LoadDotEnv(dir string) ([]string, error) {
	var candidates []string
	if env := os.Getenv("ENV"); env != "" {
		candidates = append(candidates, ".env."+env)
	}
	candidates = append(candidates, ".env")

	var loaded []string
	for _, name := range candidates {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return loaded, fmt.Errorf("failed to load %s: %w", path, err)
		}
		loaded = append(loaded, path)
	}
	return loaded, nil
}

// RelayConfigured returns true if the relay URL and API key are both set.
func (c *Config) RelayConfigured() bool {
	return c.Upstream.URL != "" && c.Upstream.APIKey != ""
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SESConfigured returns true if the SES region and sender are set. Static
// credentials are optional; the default AWS chain is used otherwise.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// ResendConfigured returns true if the Resend API key and sender are set.
func (c *Config) ResendConfigured() bool {
	return c.Resend.APIKey != "" && c.Resend.From != ""
}

// TLSEnabled returns true if the listener should serve HTTPS.
func (c *Config) TLSEnabled() bool {
	return c.TLS.SelfSigned || (c.TLS.CertFile != "" && c.TLS.KeyFile != "")
}

// ResolveProvider returns the upstream provider to use. An explicit
// provider is returned as is. Otherwise the first configured backend wins,
// in the order relay, graph, ses, resend, falling back to log.
func (c *Config) ResolveProvider() string {
	if c.Upstream.Provider != "" {
		return c.Upstream.Provider
	}
	switch {
	case c.RelayConfigured():
		return ProviderRelay
	case c.GraphConfigured():
		return ProviderGraph
	case c.SESConfigured():
		return ProviderSES
	case c.ResendConfigured():
		return ProviderResend
	default:
		return ProviderLog
	}
}

// Validate checks that the selected provider has everything it needs. It is
// meant to run once at startup.
func (c *Config) Validate() error {
	var problems []string

	switch p := c.ResolveProvider(); p {
	case ProviderRelay:
		if c.Upstream.URL == "" {
			problems = append(problems, "AXEMAIL_SERVER_URL is required for the relay provider")
		}
		if c.Upstream.APIKey == "" {
			problems = append(problems, "AXEMAIL_API_KEY is required for the relay provider")
		}
	case ProviderGraph:
		if !c.GraphConfigured() {
			problems = append(problems, "GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET and GRAPH_SENDER are required for the graph provider")
		}
	case ProviderSES:
		if !c.SESConfigured() {
			problems = append(problems, "SES_REGION and SES_SENDER are required for the ses provider")
		}
	case ProviderResend:
		if !c.ResendConfigured() {
			problems = append(problems, "RESEND_API_KEY and RESEND_FROM are required for the resend provider")
		}
	case ProviderLog:
	default:
		problems = append(problems, fmt.Sprintf("unknown upstream provider %q", p))
	}

	if c.Upstream.Timeout <= 0 {
		problems = append(problems, "upstream timeout must be positive")
	}
	if c.Server.RateLimitPerMinute < 0 {
		problems = append(problems, "rate limit must not be negative")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		problems = append(problems, "TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Server.Listen = defaultListen
	c.Server.RateLimitPerMinute = defaultRateLimitPerMinute
	c.Upstream.Timeout = defaultUpstreamTimeout
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("HTTP_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.RateLimitPerMinute = n
		}
	}

	if v := os.Getenv("UPSTREAM_PROVIDER"); v != "" {
		c.Upstream.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("AXEMAIL_SERVER_URL"); v != "" {
		c.Upstream.URL = v
	}
	if v := os.Getenv("AXEMAIL_API_KEY"); v != "" {
		c.Upstream.APIKey = v
	}
	if v := os.Getenv("UPSTREAM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Upstream.Timeout = d
		}
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}

	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Graph.ClientSecret = v
	}
	if v := os.Getenv("GRAPH_SENDER"); v != "" {
		c.Graph.Sender = v
	}

	if v := os.Getenv("RESEND_API_KEY"); v != "" {
		c.Resend.APIKey = v
	}
	if v := os.Getenv("RESEND_FROM"); v != "" {
		c.Resend.From = v
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}
	if v := os.Getenv("TLS_SELF_SIGNED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.TLS.SelfSigned = b
		}
	}
	if v := os.Getenv("TLS_HOSTS"); v != "" {
		c.TLS.Hosts = splitList(v)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
