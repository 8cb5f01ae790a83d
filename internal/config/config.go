// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	humanize "github.com/dustin/go-humanize"
	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"

	"policy-proxy-go/internal/hostname"
	"policy-proxy-go/internal/model"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/policy-proxy/config.toml",
	"configs/config.toml",
}

// Default listen addresses for modes that have rules but no explicit listener.
const (
	DefaultReverseListen = "0.0.0.0:8080"
	DefaultForwardListen = "0.0.0.0:3128"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	ReverseListen string `kong:"help='Reverse-mode listen address (overrides config).',env='REVERSE_LISTEN'"`
	ForwardListen string `kong:"help='Forward-mode listen address (overrides config).',env='FORWARD_LISTEN'"`
	AdminListen   string `kong:"help='Admin listen address for health and metrics (overrides config).',env='ADMIN_LISTEN'"`
	LogLevel      string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Reverse  ListenerConfig `toml:"reverse"`
	Forward  ListenerConfig `toml:"forward"`
	Admin    ListenerConfig `toml:"admin"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Policies []PolicyConfig `toml:"policy"`

	filePath string // resolved config file path (unexported)
}

// ListenerConfig describes one inbound listener. An empty Listen disables it.
type ListenerConfig struct {
	Listen        string `toml:"listen"`
	ProxyProtocol bool   `toml:"proxy_protocol"`
}

// Enabled reports whether the listener has an address.
func (l ListenerConfig) Enabled() bool {
	return l.Listen != ""
}

// ProxyConfig holds settings that shape what this hop adds to requests.
type ProxyConfig struct {
	HopName string `toml:"hop_name"`
	MaxBody string `toml:"max_body"` // human-readable, e.g. "10MB"

	maxBodyBytes int64
}

// MaxBodyBytes returns the parsed max_body value.
func (p *ProxyConfig) MaxBodyBytes() int64 {
	return p.maxBodyBytes
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	ConnectTimeoutSeconds        int `toml:"connect_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `toml:"response_header_timeout_seconds"`
	RequestTimeoutSeconds        int `toml:"request_timeout_seconds"`
	TunnelTimeoutSeconds         int `toml:"tunnel_timeout_seconds"`
	IdleConnections              int `toml:"idle_connections"` // per upstream target
	MaxConnections               int `toml:"max_connections"`  // per upstream target, 0 = unbounded
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// PolicyConfig is one [[policy]] entry.
type PolicyConfig struct {
	Mode     string `toml:"mode"`
	Match    string `toml:"match"`
	Action   string `toml:"action"`
	Upstream string `toml:"upstream"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/policy-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.ReverseListen != "" {
		c.Reverse.Listen = cli.ReverseListen
	}
	if cli.ForwardListen != "" {
		c.Forward.Listen = cli.ForwardListen
	}
	if cli.AdminListen != "" {
		c.Admin.Listen = cli.AdminListen
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// validate reports every problem found rather than stopping at the first.
func (c *Config) validate() error {
	var errs error

	for name, l := range map[string]ListenerConfig{"reverse": c.Reverse, "forward": c.Forward, "admin": c.Admin} {
		if l.Listen == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(l.Listen); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s.listen %q is not host:port: %w", name, l.Listen, err))
		}
	}

	if c.Proxy.MaxBody != "" {
		n, err := humanize.ParseBytes(c.Proxy.MaxBody)
		switch {
		case err != nil:
			errs = multierr.Append(errs, fmt.Errorf("proxy.max_body %q: %w", c.Proxy.MaxBody, err))
		case n == 0:
			errs = multierr.Append(errs, fmt.Errorf("proxy.max_body must be greater than zero"))
		default:
			c.Proxy.maxBodyBytes = int64(n)
		}
	}
	if strings.ContainsAny(c.Proxy.HopName, " ,;\t\r\n") {
		errs = multierr.Append(errs, fmt.Errorf("proxy.hop_name must be a single token; got %q", c.Proxy.HopName))
	}

	// Numeric bounds.
	for name, v := range map[string]int{
		"upstream.connect_timeout_seconds":         c.Upstream.ConnectTimeoutSeconds,
		"upstream.response_header_timeout_seconds": c.Upstream.ResponseHeaderTimeoutSeconds,
		"upstream.request_timeout_seconds":         c.Upstream.RequestTimeoutSeconds,
		"upstream.tunnel_timeout_seconds":          c.Upstream.TunnelTimeoutSeconds,
		"upstream.idle_connections":                c.Upstream.IdleConnections,
		"upstream.max_connections":                 c.Upstream.MaxConnections,
	} {
		if v < 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s must be non-negative; got %d", name, v))
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format))
	}

	if c.Metrics.Enabled && c.Metrics.Path != "" && c.Metrics.Path[0] != '/' {
		errs = multierr.Append(errs, fmt.Errorf("metrics.path must start with '/'; got %q", c.Metrics.Path))
	}

	for i, p := range c.Policies {
		errs = multierr.Append(errs, p.validate(i))
	}

	if !c.Reverse.Enabled() && !c.Forward.Enabled() &&
		c.countRules(model.ModeReverse) == 0 && c.countRules(model.ModeForward) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("no reverse or forward listener configured and no policy rules to infer one from"))
	}

	return errs
}

func (p PolicyConfig) validate(i int) error {
	var errs error

	mode, err := model.ParseMode(p.Mode)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("policy[%d].mode: %w", i, err))
	}
	action, err := model.ParseAction(p.Action)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("policy[%d].action: %w", i, err))
	}

	switch mode {
	case model.ModeReverse:
		if !strings.HasPrefix(p.Match, "/") {
			errs = multierr.Append(errs, fmt.Errorf("policy[%d].match must be a path starting with '/'; got %q", i, p.Match))
		}
	case model.ModeForward:
		if _, err := hostname.Normalize(p.Match); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("policy[%d].match: %w", i, err))
		}
	}

	switch action {
	case model.ActionAllow:
		if p.Upstream == "" {
			errs = multierr.Append(errs, fmt.Errorf("policy[%d].upstream is required for allow rules", i))
		} else if p.Upstream == model.Passthrough {
			if mode == model.ModeReverse {
				errs = multierr.Append(errs, fmt.Errorf("policy[%d].upstream %q is only valid in forward mode", i, p.Upstream))
			}
		} else if _, _, err := hostname.SplitAuthority(p.Upstream); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("policy[%d].upstream %q is not host:port: %w", i, p.Upstream, err))
		}
	case model.ActionDeny:
		if p.Upstream != "" {
			errs = multierr.Append(errs, fmt.Errorf("policy[%d].upstream must be empty for deny rules", i))
		}
	}

	return errs
}

func (c *Config) countRules(mode model.Mode) int {
	n := 0
	for _, p := range c.Policies {
		if m, err := model.ParseMode(p.Mode); err == nil && m == mode {
			n++
		}
	}
	return n
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Reverse.Listen == "" && c.countRules(model.ModeReverse) > 0 {
		c.Reverse.Listen = DefaultReverseListen
	}
	if c.Forward.Listen == "" && c.countRules(model.ModeForward) > 0 {
		c.Forward.Listen = DefaultForwardListen
	}
	if c.Proxy.HopName == "" {
		c.Proxy.HopName = "policy-proxy"
	}
	if c.Proxy.maxBodyBytes == 0 {
		c.Proxy.MaxBody = "10MB"
		c.Proxy.maxBodyBytes = 10 * 1000 * 1000
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 5
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		c.Upstream.ResponseHeaderTimeoutSeconds = 30
	}
	if c.Upstream.RequestTimeoutSeconds == 0 {
		c.Upstream.RequestTimeoutSeconds = 300
	}
	if c.Upstream.TunnelTimeoutSeconds == 0 {
		c.Upstream.TunnelTimeoutSeconds = 3600
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 16
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
