// Package config loads and validates the top-level wmproxy configuration
// record (spec.md §6), the "external config collaborator" the tunnel core
// is handed a validated snapshot of. It is built on viper exactly as the
// teacher's host-agent internal/config package is: defaults, a file
// source whose extension selects the decoder, and environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/wmproxy/wmproxy/internal/frame"
)

// Credentials is the optional Token{user,pass} a tunnel authenticates with.
type Credentials struct {
	User string `mapstructure:"user"`
	Pass string `mapstructure:"pass"`
}

// TLSConfig describes an optional TLS transport for a tunnel or listener.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	SNI      string `mapstructure:"sni"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	// CAFile, when set, is used to build the client-side root trust store.
	CAFile string `mapstructure:"ca_file"`
}

// SNICert is one entry in a multi-SNI certificate resolver list
// (spec.md §4.8: "a resolver built from a [(sni, cert_path, key_path)] list").
type SNICert struct {
	SNI      string `mapstructure:"sni"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// MappingConfig is the on-disk shape of a frame.MappingEntry.
type MappingConfig struct {
	Name      string `mapstructure:"name"`
	Domain    string `mapstructure:"domain"`
	LocalAddr string `mapstructure:"local_addr"`
	Mode      string `mapstructure:"mode"`
}

// ToEntry converts a MappingConfig into the wire-level frame.MappingEntry.
func (m MappingConfig) ToEntry() frame.MappingEntry {
	mode := frame.ModeTCP
	switch strings.ToLower(m.Mode) {
	case "http":
		mode = frame.ModeHTTP
	case "proxy":
		mode = frame.ModeProxy
	}
	return frame.MappingEntry{
		Name:      m.Name,
		Domain:    m.Domain,
		LocalAddr: m.LocalAddr,
		Mode:      mode,
	}
}

// PublicListenerConfig is one external-facing port the center server
// exposes to route inbound connections onto a tunnel (spec.md §4.5
// "Inbound request routing", §4.8 listener fan-in). MappingName pins the
// listener to a single mapping by "listener port → mapping name"; when
// empty, the server instead sniffs the HTTP Host header (plaintext) or
// the TLS SNI name (when TLS is enabled) to resolve the owning tunnel.
type PublicListenerConfig struct {
	Listen      string    `mapstructure:"listen"`
	MappingName string    `mapstructure:"mapping_name"`
	TLS         TLSConfig `mapstructure:"tls"`
	SNICerts    []SNICert `mapstructure:"sni_certs"`
}

// StreamConfig configures the intranet tunnel subsystem. Exactly one role
// is active per process: ServerAddr set means "act as center client";
// Listen set (with no ServerAddr) means "act as center server".
type StreamConfig struct {
	// Center client fields.
	ServerAddr string          `mapstructure:"server_addr"`
	Mappings   []MappingConfig `mapstructure:"mappings"`

	// Center server fields.
	Listen          string                 `mapstructure:"listen"`
	SNICerts        []SNICert              `mapstructure:"sni_certs"`
	ServerID        uint8                  `mapstructure:"server_id"`
	RequireAuth     bool                   `mapstructure:"require_auth"`
	PublicListeners []PublicListenerConfig `mapstructure:"public_listeners"`

	TLS         TLSConfig   `mapstructure:"tls"`
	Credentials Credentials `mapstructure:"credentials"`
}

// ProxyConfig configures the embedded SOCKS5/HTTP-CONNECT forward proxy
// used by proxy-mode mappings and the standalone `proxy` subcommand.
type ProxyConfig struct {
	Listen string `mapstructure:"listen"`
}

// HTTPConfig configures the reverse-proxy and static file-server handlers.
type HTTPConfig struct {
	Listen     string `mapstructure:"listen"`
	Upstream   string `mapstructure:"upstream"`   // reverse-proxy target
	Root       string `mapstructure:"root"`        // file-server document root
}

// ControlConfig configures the loopback control plane (spec.md §4.7).
type ControlConfig struct {
	Addr string `mapstructure:"addr"`
}

// Config is the top-level validated configuration record (spec.md §6).
type Config struct {
	Proxy  ProxyConfig   `mapstructure:"proxy"`
	HTTP   HTTPConfig    `mapstructure:"http"`
	Stream StreamConfig  `mapstructure:"stream"`
	Control ControlConfig `mapstructure:"control"`

	Pidfile        string `mapstructure:"pidfile"`
	DefaultLevel   string `mapstructure:"default_level"`
	DisableControl bool   `mapstructure:"disable_control"`
	DisableStdout  bool   `mapstructure:"disable_stdout"`
}

// Load reads and validates the config file at path, whose extension
// (.yaml/.yml or .toml) selects the decoder, with WMPROXY_-prefixed
// environment variables overriding file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		v.SetConfigType("yaml")
	case ".toml":
		v.SetConfigType("toml")
	default:
		return nil, fmt.Errorf("config: unsupported file extension %q (want .yaml or .toml)", ext)
	}

	v.SetEnvPrefix("WMPROXY")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("control.addr", "127.0.0.1:8837")
	v.SetDefault("pidfile", "wmproxy.pid")
	v.SetDefault("default_level", "info")
	v.SetDefault("stream.server_id", 0)
}

// Validate checks the record for internal consistency, mirroring the
// teacher's cfg.Validate()/validateConfig convention.
func (c *Config) Validate() error {
	if c.Stream.ServerAddr != "" && c.Stream.Listen != "" {
		return fmt.Errorf("stream: server_addr and listen are mutually exclusive (client xor server role)")
	}
	if c.Stream.TLS.Enabled && c.Stream.Listen != "" && len(c.Stream.SNICerts) == 0 && c.Stream.TLS.CertFile == "" {
		return fmt.Errorf("stream.tls: enabled with no cert_file or sni_certs")
	}
	for i, m := range c.Stream.Mappings {
		if m.Name == "" {
			return fmt.Errorf("stream.mappings[%d]: name is required", i)
		}
		switch strings.ToLower(m.Mode) {
		case "", "tcp", "http", "proxy":
		default:
			return fmt.Errorf("stream.mappings[%d]: unknown mode %q", i, m.Mode)
		}
	}
	for i, pl := range c.Stream.PublicListeners {
		if pl.Listen == "" {
			return fmt.Errorf("stream.public_listeners[%d]: listen is required", i)
		}
	}
	switch strings.ToLower(c.DefaultLevel) {
	case "", "error", "warn", "info", "debug", "trace":
	default:
		return fmt.Errorf("default_level: unknown level %q", c.DefaultLevel)
	}
	return nil
}

// IsClient reports whether this config plays the center-client role.
func (c *Config) IsClient() bool {
	return c.Stream.ServerAddr != ""
}

// IsServer reports whether this config plays the center-server role.
func (c *Config) IsServer() bool {
	return c.Stream.Listen != ""
}
