// Package config handles TOML/YAML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/tareks-proxy/config.toml",
	"configs/config.toml",
}

// Environment names accepted by the environment setting.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Rewrite engine names.
const (
	EngineRegex = "regex"
	EngineDOM   = "dom"
)

// Built-in route paths. The proxy route itself is configurable.
const (
	HealthzPath = "/healthz"
	StatusPath  = "/status"
)

// DefaultAllowedHosts are the hosts the portal embeds when no allow-list is configured.
var DefaultAllowedHosts = []string{
	"eortak.dtm.gov.tr",
	"giris.turkiye.gov.tr",
}

// DefaultProbeURLs are fetched by the connectivity self-test.
var DefaultProbeURLs = []string{
	"https://example.com",
	"https://eortak.dtm.gov.tr",
	"https://giris.turkiye.gov.tr",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config           string `kong:"short='c',help='Path to TOML or YAML config file.',env='CONFIG_PATH'"`
	Host             string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port             int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel         string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Environment      string `kong:"help='Runtime environment: production|development (overrides config).',env='APP_ENV'"`
	AllowInsecureTLS bool   `kong:"name='allow-insecure-tls',help='Skip certificate verification in the native fallback client.',env='PROXY_ALLOW_INSECURE_TLS'"`
	AllowLegacyTLS   bool   `kong:"name='allow-legacy-tls',help='Allow TLS 1.0 and legacy renegotiation in the native fallback client.',env='PROXY_ALLOW_LEGACY_RENEGOTIATION'"`
}

// Config is the top-level application configuration.
type Config struct {
	Environment string        `toml:"environment" yaml:"environment"`
	Server      ServerConfig  `toml:"server" yaml:"server"`
	Proxy       ProxyConfig   `toml:"proxy" yaml:"proxy"`
	Native      NativeConfig  `toml:"native" yaml:"native"`
	Rewrite     RewriteConfig `toml:"rewrite" yaml:"rewrite"`
	Log         LogConfig     `toml:"log" yaml:"log"`
	Metrics     MetricsConfig `toml:"metrics" yaml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host" yaml:"host"`
	Port         int             `toml:"port" yaml:"port"` // 0 means "use default" (3000)
	BodyMaxBytes int64           `toml:"body_max_bytes" yaml:"body_max_bytes"`
	FrameOptions string          `toml:"frame_options" yaml:"frame_options"`
	RateLimit    RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second"`
}

// ProxyConfig describes what the gateway may fetch and where it is mounted.
type ProxyConfig struct {
	Route          string   `toml:"route" yaml:"route"`
	AllowedHosts   []string `toml:"allowed_hosts" yaml:"allowed_hosts"`
	ProbeURLs      []string `toml:"probe_urls" yaml:"probe_urls"`
	TimeoutSeconds int      `toml:"timeout_seconds" yaml:"timeout_seconds"`
}

// NativeConfig holds settings of the raw-socket fallback client.
type NativeConfig struct {
	TimeoutSeconds           int    `toml:"timeout_seconds" yaml:"timeout_seconds"`
	UserAgent                string `toml:"user_agent" yaml:"user_agent"`
	AllowInsecure            bool   `toml:"allow_insecure" yaml:"allow_insecure"`
	AllowLegacyRenegotiation bool   `toml:"allow_legacy_renegotiation" yaml:"allow_legacy_renegotiation"`
}

// RewriteConfig selects the HTML rewrite engine.
type RewriteConfig struct {
	Engine string `toml:"engine" yaml:"engine"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

// Load reads the config file (if any) and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/tareks-proxy/config.toml then configs/config.toml. When nothing is
// found the built-in defaults are used.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// decodeFile picks the decoder from the file extension.
func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// applyCLI overrides config values with non-zero CLI flags.
// The TLS toggles can only be switched on from the command line, never off.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.Environment != "" {
		c.Environment = cli.Environment
	}
	if cli.AllowInsecureTLS {
		c.Native.AllowInsecure = true
	}
	if cli.AllowLegacyTLS {
		c.Native.AllowLegacyRenegotiation = true
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Environment) {
	case EnvProduction, EnvDevelopment, "":
	default:
		return fmt.Errorf("environment must be one of: production, development; got %q", c.Environment)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Proxy.TimeoutSeconds < 0 {
		return fmt.Errorf("proxy.timeout_seconds must be non-negative; got %d", c.Proxy.TimeoutSeconds)
	}
	if c.Native.TimeoutSeconds < 0 {
		return fmt.Errorf("native.timeout_seconds must be non-negative; got %d", c.Native.TimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	switch strings.ToUpper(c.Server.FrameOptions) {
	case "DENY", "SAMEORIGIN", "":
	default:
		return fmt.Errorf("server.frame_options must be one of: DENY, SAMEORIGIN; got %q", c.Server.FrameOptions)
	}

	if r := c.Proxy.Route; r != "" && (r[0] != '/' || strings.HasSuffix(r, "/")) {
		return fmt.Errorf("proxy.route must start with '/' and not end with '/'; got %q", r)
	}
	for _, h := range c.Proxy.AllowedHosts {
		if err := validateHost(h); err != nil {
			return fmt.Errorf("proxy.allowed_hosts: %w", err)
		}
	}
	for _, raw := range c.Proxy.ProbeURLs {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("proxy.probe_urls: %q is not an absolute http(s) URL", raw)
		}
	}

	switch strings.ToLower(c.Rewrite.Engine) {
	case EngineRegex, EngineDOM, "":
	default:
		return fmt.Errorf("rewrite.engine must be one of: regex, dom; got %q", c.Rewrite.Engine)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		route := c.Proxy.Route
		if route == "" {
			route = "/api/proxy"
		}
		for _, reserved := range []string{route, HealthzPath, StatusPath} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// validateHost accepts bare hostnames only: no scheme, port, path or wildcard.
func validateHost(h string) error {
	if h == "" {
		return fmt.Errorf("empty host")
	}
	if strings.ContainsAny(h, "/:*? ") {
		return fmt.Errorf("%q must be a bare hostname", h)
	}
	if h != strings.ToLower(h) {
		return fmt.Errorf("%q must be lower-case", h)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
func (c *Config) setDefaults() {
	c.Environment = strings.ToLower(c.Environment)
	if c.Environment == "" {
		c.Environment = EnvProduction
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB; only GETs are served
	}
	c.Server.FrameOptions = strings.ToUpper(c.Server.FrameOptions)
	if c.Server.FrameOptions == "" {
		c.Server.FrameOptions = "SAMEORIGIN"
	}
	if c.Proxy.Route == "" {
		c.Proxy.Route = "/api/proxy"
	}
	if len(c.Proxy.AllowedHosts) == 0 {
		c.Proxy.AllowedHosts = append([]string(nil), DefaultAllowedHosts...)
	}
	if len(c.Proxy.ProbeURLs) == 0 {
		c.Proxy.ProbeURLs = append([]string(nil), DefaultProbeURLs...)
	}
	if c.Proxy.TimeoutSeconds == 0 {
		c.Proxy.TimeoutSeconds = 30
	}
	if c.Native.TimeoutSeconds == 0 {
		c.Native.TimeoutSeconds = 15
	}
	if c.Native.UserAgent == "" {
		c.Native.UserAgent = "node"
	}
	c.Rewrite.Engine = strings.ToLower(c.Rewrite.Engine)
	if c.Rewrite.Engine == "" {
		c.Rewrite.Engine = EngineRegex
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// IsProduction reports whether error detail must be withheld from responses.
func (c *Config) IsProduction() bool {
	return c.Environment != EnvDevelopment
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
