// ABOUTME: Configuration loading and parsing for coven-vault
// ABOUTME: Supports an optional YAML file with env var expansion, duration parsing and VAULT_* overrides

package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Security modes for values returned to the agent.
const (
	ModeTokenized = "tokenized"
	ModeRedacted  = "redacted"
	ModePlaintext = "plaintext"
)

const (
	DefaultApprovalPort   = 8091
	DefaultApprovalDomain = "localhost"
	DefaultSessionTTL     = 2 * time.Hour
	DefaultVaultTimeout   = 10 * time.Second
)

// Config represents the complete coven-vault configuration
type Config struct {
	DataDir  string         `yaml:"data_dir"`
	Approval ApprovalConfig `yaml:"approval"`
	Vault    VaultConfig    `yaml:"vault"`
	Tokens   TokensConfig   `yaml:"tokens"`
	Security SecurityConfig `yaml:"security"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ApprovalConfig holds the loopback approval server settings
type ApprovalConfig struct {
	Listen string `yaml:"listen"`
	Port   int    `yaml:"port"`
	Domain string `yaml:"domain"`
	// Origin is the browser-facing URL base; the WebAuthn relying party is its host.
	Origin string `yaml:"origin"`
	// Embedded runs the approval server inside the mcp process.
	Embedded *bool `yaml:"embedded"`
}

// VaultConfig holds the secret-store connection
type VaultConfig struct {
	Addr       string        `yaml:"addr"`
	Token      string        `yaml:"token"`
	Namespace  string        `yaml:"namespace"`
	Mount      string        `yaml:"mount"`
	Prefix     string        `yaml:"prefix"`
	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// TokensConfig holds the token session settings
type TokensConfig struct {
	SessionTTL    time.Duration `yaml:"-"`
	SessionTTLRaw string        `yaml:"session_ttl"`
}

// SecurityConfig holds the disclosure and file access policy
type SecurityConfig struct {
	Mode         string   `yaml:"mode"`
	AllowedRoots []string `yaml:"allowed_roots"`
	// ServicesRoot is where <service>/.env and compose files live by default.
	ServicesRoot string `yaml:"services_root"`
	Allowlist    string `yaml:"allowlist"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads the configuration at path and applies defaults and environment
// overrides. An empty path, or a path that does not exist, yields the
// defaults. Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			expandedData := expandEnvVars(string(data))
			if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// DefaultPath returns the config file location: COVEN_VAULT_CONFIG, else
// ~/.config/coven/vault.yaml.
func DefaultPath() string {
	if p := os.Getenv("COVEN_VAULT_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "coven", "vault.yaml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnv overlays the VAULT_* variables on cfg. lookup is os.LookupEnv
// outside tests.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("VAULT_APPROVE_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VAULT_APPROVE_PORT %q: %w", v, err)
		}
		cfg.Approval.Port = port
	}
	if v, ok := lookup("VAULT_APPROVE_DOMAIN"); ok && v != "" {
		cfg.Approval.Domain = v
	}
	if v, ok := lookup("VAULT_APPROVE_ORIGIN"); ok && v != "" {
		cfg.Approval.Origin = v
	}
	if v, ok := lookup("VAULT_TOKEN_SESSION_TTL"); ok && v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VAULT_TOKEN_SESSION_TTL %q: %w", v, err)
		}
		cfg.Tokens.SessionTTL = time.Duration(secs) * time.Second
	}
	if v, ok := lookup("VAULT_SECURITY_MODE"); ok && v != "" {
		cfg.Security.Mode = v
	}
	if v, ok := lookup("VAULT_ADDR"); ok && v != "" {
		cfg.Vault.Addr = v
	}
	if v, ok := lookup("VAULT_TOKEN"); ok && v != "" {
		cfg.Vault.Token = v
	}
	if v, ok := lookup("VAULT_NAMESPACE"); ok && v != "" {
		cfg.Vault.Namespace = v
	}
	if v, ok := lookup("COVEN_VAULT_DIR"); ok && v != "" {
		cfg.DataDir = v
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, ".coven-vault")
		} else {
			cfg.DataDir = ".coven-vault"
		}
	}
	if cfg.Approval.Listen == "" {
		cfg.Approval.Listen = "127.0.0.1"
	}
	if cfg.Approval.Port == 0 {
		cfg.Approval.Port = DefaultApprovalPort
	}
	if cfg.Approval.Domain == "" {
		cfg.Approval.Domain = DefaultApprovalDomain
	}
	if cfg.Approval.Origin == "" {
		cfg.Approval.Origin = defaultOrigin(cfg.Approval.Domain, cfg.Approval.Port)
	}
	if cfg.Approval.Embedded == nil {
		embedded := true
		cfg.Approval.Embedded = &embedded
	}
	if cfg.Vault.Timeout == 0 {
		cfg.Vault.Timeout = DefaultVaultTimeout
	}
	if cfg.Tokens.SessionTTL == 0 {
		cfg.Tokens.SessionTTL = DefaultSessionTTL
	}
	if cfg.Security.Mode == "" {
		cfg.Security.Mode = ModeTokenized
	}
	if cfg.Security.ServicesRoot == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Security.ServicesRoot = wd
		}
	}
	if len(cfg.Security.AllowedRoots) == 0 && cfg.Security.ServicesRoot != "" {
		cfg.Security.AllowedRoots = []string{cfg.Security.ServicesRoot}
	}
	if cfg.Security.Allowlist == "" {
		cfg.Security.Allowlist = filepath.Join(cfg.DataDir, "allowlist.toml")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// defaultOrigin is plain http for localhost, which browsers treat as a secure
// context, and https for any other domain.
func defaultOrigin(domain string, port int) string {
	if domain == "localhost" {
		return fmt.Sprintf("http://localhost:%d", port)
	}
	return "https://" + domain
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Approval.Port <= 0 || c.Approval.Port > 65535 {
		return fmt.Errorf("approval.port %d is out of range", c.Approval.Port)
	}
	if !isLoopback(c.Approval.Listen) {
		return fmt.Errorf("approval.listen %q must be a loopback address", c.Approval.Listen)
	}

	origin, err := url.Parse(c.Approval.Origin)
	if err != nil || origin.Host == "" {
		return fmt.Errorf("approval.origin %q is not a valid URL", c.Approval.Origin)
	}
	if origin.Scheme != "https" && origin.Scheme != "http" {
		return fmt.Errorf("approval.origin %q must be http or https", c.Approval.Origin)
	}

	switch c.Security.Mode {
	case ModeTokenized, ModeRedacted, ModePlaintext:
	default:
		return fmt.Errorf("security.mode %q must be one of tokenized, redacted, plaintext", c.Security.Mode)
	}

	if c.Tokens.SessionTTL < 0 {
		return fmt.Errorf("tokens.session_ttl must be positive")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	return nil
}

// ApprovalAddr is the host:port the approval server binds.
func (c *Config) ApprovalAddr() string {
	return net.JoinHostPort(c.Approval.Listen, strconv.Itoa(c.Approval.Port))
}

// EmbeddedApproval reports whether the mcp process also serves approvals.
func (c *Config) EmbeddedApproval() bool {
	return c.Approval.Embedded == nil || *c.Approval.Embedded
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Vault.TimeoutRaw != "" {
		cfg.Vault.Timeout, err = time.ParseDuration(cfg.Vault.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing vault.timeout %q: %w", cfg.Vault.TimeoutRaw, err)
		}
	}

	if cfg.Tokens.SessionTTLRaw != "" {
		cfg.Tokens.SessionTTL, err = time.ParseDuration(cfg.Tokens.SessionTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing tokens.session_ttl %q: %w", cfg.Tokens.SessionTTLRaw, err)
		}
	}

	return nil
}
