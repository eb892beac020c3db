// Package config provides configuration parsing and validation for pfd-agent.
package config

import (
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

	"github.com/postalsys/pfd-agent/internal/overlay"
)

// Config represents the complete agent configuration.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Overlay    OverlayConfig    `yaml:"overlay"`
	Forwarding ForwardingConfig `yaml:"forwarding"`
	Serving    ServingConfig    `yaml:"serving"`
	Health     HealthConfig     `yaml:"health"`
	Control    ControlConfig    `yaml:"control"`
}

// AgentConfig contains agent identity settings.
type AgentConfig struct {
	DataDir     string `yaml:"data_dir"`     // Directory for persistent state
	DisplayName string `yaml:"display_name"` // Self name; empty = derived from host
	Description string `yaml:"description"`
	LogLevel    string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat   string `yaml:"log_format"` // text, json
}

// OverlayConfig defines how the node joins the overlay.
type OverlayConfig struct {
	Listen        string            `yaml:"listen"`         // UDP address for inbound links
	UDPEnabled    bool              `yaml:"udp_enabled"`    // Accept inbound links
	RetryInterval time.Duration     `yaml:"retry_interval"` // Redial interval for dropped links
	DialTimeout   time.Duration     `yaml:"dial_timeout"`
	WSListen      string            `yaml:"ws_listen"` // TCP address for WebSocket links; empty = off
	ProxyURL      string            `yaml:"proxy_url"` // HTTP proxy for wss:// dials
	Bootstraps    []BootstrapConfig `yaml:"bootstraps"`

	warnings []string
}

// BootstrapConfig defines one bootstrap node. Either Address or an IPv4/IPv6
// host plus Port must be given.
type BootstrapConfig struct {
	Address   string `yaml:"address"` // host:port or wss:// URL
	IPv4      string `yaml:"ipv4"`
	IPv6      string `yaml:"ipv6"`
	Port      string `yaml:"port"`
	PublicKey string `yaml:"public_key"` // Expected overlay id, optional
}

// ForwardingConfig defines the client side tunnel.
type ForwardingConfig struct {
	Service string            `yaml:"service"` // Remote service name
	Ports   map[string]string `yaml:"ports"`   // Peer id -> pinned local port
}

// ServingConfig defines the serving role.
type ServingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	SecretHash  string            `yaml:"secret_hash"` // bcrypt hash from "pfd-agent hash-secret"
	Services    map[string]string `yaml:"services"`    // Service name -> host:port
	DialTimeout time.Duration     `yaml:"dial_timeout"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Pprof        bool          `yaml:"pprof"` // Mount /debug/pprof; off by default
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// DefaultService is the remote service forwarded when none is configured.
const DefaultService = "hivenode"

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Overlay: defaultOverlay(),
		Forwarding: ForwardingConfig{
			Service: DefaultService,
			Ports:   map[string]string{},
		},
		Serving: ServingConfig{
			Enabled:     false,
			Services:    map[string]string{},
			DialTimeout: 10 * time.Second,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			Pprof:        false,
		},
		Control: ControlConfig{
			Enabled:    true,
			SocketPath: "./data/control.sock",
		},
	}
}

func defaultOverlay() OverlayConfig {
	return OverlayConfig{
		Listen:        "0.0.0.0:33445",
		UDPEnabled:    true,
		RetryInterval: 5 * time.Second,
		DialTimeout:   10 * time.Second,
		Bootstraps:    []BootstrapConfig{},
	}
}

// UnmarshalYAML decodes the overlay section. A bootstraps list that cannot be
// decoded degrades to an empty list with default transport flags; individual
// malformed entries are dropped. Both cases are reported by Warnings.
func (o *OverlayConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Listen        *string        `yaml:"listen"`
		UDPEnabled    yaml.Node      `yaml:"udp_enabled"`
		RetryInterval *time.Duration `yaml:"retry_interval"`
		DialTimeout   *time.Duration `yaml:"dial_timeout"`
		WSListen      *string        `yaml:"ws_listen"`
		ProxyURL      *string        `yaml:"proxy_url"`
		Bootstraps    yaml.Node      `yaml:"bootstraps"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	if raw.Listen != nil {
		o.Listen = *raw.Listen
	}
	if raw.UDPEnabled.Kind != 0 {
		var udp bool
		if err := raw.UDPEnabled.Decode(&udp); err != nil {
			o.UDPEnabled = defaultOverlay().UDPEnabled
			o.warnings = append(o.warnings, fmt.Sprintf("overlay.udp_enabled (line %d) is not a boolean; using default", raw.UDPEnabled.Line))
		} else {
			o.UDPEnabled = udp
		}
	}
	if raw.RetryInterval != nil {
		o.RetryInterval = *raw.RetryInterval
	}
	if raw.DialTimeout != nil {
		o.DialTimeout = *raw.DialTimeout
	}
	if raw.WSListen != nil {
		o.WSListen = *raw.WSListen
	}
	if raw.ProxyURL != nil {
		o.ProxyURL = *raw.ProxyURL
	}

	if raw.Bootstraps.Kind == 0 {
		return nil
	}
	if raw.Bootstraps.Kind == yaml.ScalarNode && raw.Bootstraps.Tag == "!!null" {
		o.Bootstraps = []BootstrapConfig{}
		return nil
	}

	var entries []yaml.Node
	if raw.Bootstraps.Kind != yaml.SequenceNode || raw.Bootstraps.Decode(&entries) != nil {
		o.Bootstraps = []BootstrapConfig{}
		o.UDPEnabled = defaultOverlay().UDPEnabled
		o.warnings = append(o.warnings, fmt.Sprintf("overlay.bootstraps (line %d) is not a list; using no bootstrap nodes", raw.Bootstraps.Line))
		return nil
	}

	o.Bootstraps = make([]BootstrapConfig, 0, len(entries))
	for i := range entries {
		var b BootstrapConfig
		if err := entries[i].Decode(&b); err != nil {
			o.warnings = append(o.warnings, fmt.Sprintf("overlay.bootstraps[%d]: %v; entry dropped", i, err))
			continue
		}
		if err := b.validate(); err != nil {
			o.warnings = append(o.warnings, fmt.Sprintf("overlay.bootstraps[%d]: %v; entry dropped", i, err))
			continue
		}
		o.Bootstraps = append(o.Bootstraps, b)
	}
	return nil
}

// Node converts the entry to the overlay's bootstrap description.
func (b BootstrapConfig) Node() overlay.BootstrapNode {
	return overlay.BootstrapNode{
		Address:   b.Address,
		IPv4:      b.IPv4,
		IPv6:      b.IPv6,
		Port:      b.Port,
		PublicKey: b.PublicKey,
	}
}

// Addresses returns every dialable address of the bootstrap node.
func (b BootstrapConfig) Addresses() []string {
	return b.Node().Addresses()
}

// BootstrapNodes returns the configured bootstrap nodes.
func (o OverlayConfig) BootstrapNodes() []overlay.BootstrapNode {
	nodes := make([]overlay.BootstrapNode, 0, len(o.Bootstraps))
	for _, b := range o.Bootstraps {
		nodes = append(nodes, b.Node())
	}
	return nodes
}

func (b BootstrapConfig) validate() error {
	if strings.HasPrefix(b.Address, "ws://") || strings.HasPrefix(b.Address, "wss://") {
		u, err := url.Parse(b.Address)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", b.Address, err)
		}
		if u.Hostname() == "" {
			return fmt.Errorf("address %q has no host", b.Address)
		}
		return nil
	}
	if b.Address != "" {
		host, port, err := net.SplitHostPort(b.Address)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", b.Address, err)
		}
		if host == "" {
			return fmt.Errorf("address %q has no host", b.Address)
		}
		return validatePort(port)
	}
	if b.IPv4 == "" && b.IPv6 == "" {
		return fmt.Errorf("address, ipv4 or ipv6 is required")
	}
	if b.IPv4 != "" {
		if ip := net.ParseIP(b.IPv4); ip == nil || ip.To4() == nil {
			return fmt.Errorf("invalid ipv4 %q", b.IPv4)
		}
	}
	if b.IPv6 != "" {
		if ip := net.ParseIP(b.IPv6); ip == nil {
			return fmt.Errorf("invalid ipv6 %q", b.IPv6)
		}
	}
	return validatePort(b.Port)
}

func validatePort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

// Warnings returns problems that were tolerated while parsing.
func (c *Config) Warnings() []string {
	return append([]string(nil), c.Overlay.warnings...)
}

// OverlayDir is where the overlay node keeps its id, certificate and roster.
func (c *Config) OverlayDir() string {
	return filepath.Join(c.Agent.DataDir, "overlay")
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default; unknown variables are kept as is.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.DataDir == "" {
		errs = append(errs, "agent.data_dir is required")
	}
	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	if c.Overlay.UDPEnabled {
		if _, _, err := net.SplitHostPort(c.Overlay.Listen); err != nil {
			errs = append(errs, fmt.Sprintf("overlay.listen: invalid address %q", c.Overlay.Listen))
		}
	}
	if c.Overlay.WSListen != "" {
		if _, _, err := net.SplitHostPort(c.Overlay.WSListen); err != nil {
			errs = append(errs, fmt.Sprintf("overlay.ws_listen: invalid address %q", c.Overlay.WSListen))
		}
	}
	if c.Overlay.RetryInterval <= 0 {
		errs = append(errs, "overlay.retry_interval must be positive")
	}
	if c.Overlay.ProxyURL != "" {
		if u, err := url.Parse(c.Overlay.ProxyURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Sprintf("overlay.proxy_url: invalid URL %q", c.Overlay.ProxyURL))
		}
	}

	if c.Forwarding.Service == "" {
		errs = append(errs, "forwarding.service is required")
	}
	for id, port := range c.Forwarding.Ports {
		if err := validatePort(port); err != nil {
			errs = append(errs, fmt.Sprintf("forwarding.ports[%s]: %v", id, err))
		}
	}

	if c.Serving.Enabled {
		if c.Serving.SecretHash == "" {
			errs = append(errs, "serving.secret_hash is required when enabled")
		}
		if len(c.Serving.Services) == 0 {
			errs = append(errs, "serving.services must list at least one service when enabled")
		}
		if !c.Overlay.UDPEnabled && c.Overlay.WSListen == "" {
			errs = append(errs, "serving requires overlay.udp_enabled or overlay.ws_listen")
		}
	}
	for name, addr := range c.Serving.Services {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("serving.services[%s]: invalid address %q", name, addr))
		}
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// String returns the config as YAML with sensitive values redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Overlay.Bootstraps = append([]BootstrapConfig(nil), c.Overlay.Bootstraps...)
	cp.Overlay.warnings = nil
	if cp.Serving.SecretHash != "" {
		cp.Serving.SecretHash = redactedValue
	}
	return &cp
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	return c.Serving.SecretHash != ""
}

// Marshal encodes the config as YAML, including sensitive values.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
