// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/paylink/internal/audit"
	"github.com/jeranaias/paylink/internal/logging"
	"github.com/jeranaias/paylink/internal/security"
	"github.com/jeranaias/paylink/internal/transport"
	"github.com/jeranaias/paylink/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete paylink configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Payroll is the endpoint the HR side notifies.
	Payroll PayrollConfig `toml:"payroll" json:"payroll"`

	// Server is the payroll-side listener.
	Server ServerConfig `toml:"server" json:"server"`

	TLS     TLSConfig     `toml:"tls" json:"tls"`
	Crypto  CryptoConfig  `toml:"crypto" json:"crypto"`
	Audit   AuditConfig   `toml:"audit" json:"audit"`
	Ops     OpsConfig     `toml:"ops" json:"ops"`
	Logging LoggingConfig `toml:"logging" json:"logging"`
}

// PayrollConfig describes how the client reaches the payroll endpoint.
type PayrollConfig struct {
	Host string `toml:"host" json:"host"`
	Port int    `toml:"port" json:"port"`
	// ServerName is checked against the pinned certificate. Empty means Host.
	ServerName          string `toml:"server_name" json:"server_name"`
	ConnectTimeoutSecs  int    `toml:"connect_timeout_secs" json:"connect_timeout_secs"`
	ResponseTimeoutSecs int    `toml:"response_timeout_secs" json:"response_timeout_secs"`
	// ConnectRetries is how many extra dial attempts are made. 0 disables.
	ConnectRetries  int `toml:"connect_retries" json:"connect_retries"`
	RetryIntervalMs int `toml:"retry_interval_ms" json:"retry_interval_ms"`
}

// ServerConfig tunes the payroll-side listener.
type ServerConfig struct {
	ListenAddr      string `toml:"listen_addr" json:"listen_addr"`
	ReadTimeoutSecs int    `toml:"read_timeout_secs" json:"read_timeout_secs"`
	MaxConnections  int    `toml:"max_connections" json:"max_connections"`
	// AcceptRate is accepted connections per second. 0 = unlimited.
	AcceptRate  float64 `toml:"accept_rate" json:"accept_rate"`
	AcceptBurst int     `toml:"accept_burst" json:"accept_burst"`
}

// TLSConfig holds the pinned keystore and allow-lists.
type TLSConfig struct {
	// Enabled turns TLS on. Plain TCP is for local testing only.
	Enabled           bool     `toml:"enabled" json:"enabled"`
	KeyStorePath      string   `toml:"keystore_path" json:"keystore_path"`
	KeyStorePassword  string   `toml:"keystore_password" json:"keystore_password"`
	Protocols         []string `toml:"protocols" json:"protocols"`
	CipherSuites      []string `toml:"cipher_suites" json:"cipher_suites"`
	RequireClientCert bool     `toml:"require_client_cert" json:"require_client_cert"`
	// WatchKeyStore reloads the TLS context when the keystore file changes.
	WatchKeyStore bool `toml:"watch_keystore" json:"watch_keystore"`
}

// CryptoConfig holds the payload encryption settings.
type CryptoConfig struct {
	MasterSecret string `toml:"master_secret" json:"master_secret"`
	KeyCacheSize int    `toml:"key_cache_size" json:"key_cache_size"`
}

// AuditConfig selects the audit sink.
type AuditConfig struct {
	Enabled bool `toml:"enabled" json:"enabled"`
	// Backend is "file" or "sqlite".
	Backend   string `toml:"backend" json:"backend"`
	Path      string `toml:"path" json:"path"`
	MaxSizeMB int    `toml:"max_size_mb" json:"max_size_mb"`
}

// OpsConfig controls the local health and metrics endpoint.
type OpsConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr"`
	// Token protects the POST endpoints. Empty disables auth.
	Token string `toml:"token" json:"token"`
}

// LoggingConfig selects level and format.
type LoggingConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// CurrentVersion is written into new configuration files.
const CurrentVersion = "1"

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Payroll: PayrollConfig{
			Host:                "localhost",
			Port:                7443,
			ConnectTimeoutSecs:  5,
			ResponseTimeoutSecs: 5,
			ConnectRetries:      2,
			RetryIntervalMs:     500,
		},
		Server: ServerConfig{
			ListenAddr:      ":7443",
			ReadTimeoutSecs: 30,
			MaxConnections:  64,
		},
		TLS: TLSConfig{
			Enabled:           true,
			Protocols:         append([]string(nil), security.DefaultProtocols...),
			CipherSuites:      append([]string(nil), security.DefaultCipherSuites...),
			RequireClientCert: true,
			WatchKeyStore:     true,
		},
		Crypto: CryptoConfig{
			KeyCacheSize: security.DefaultKeyCacheSize,
		},
		Audit: AuditConfig{
			Enabled:   true,
			Backend:   audit.BackendFile,
			MaxSizeMB: 10,
		},
		Ops: OpsConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:9464",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logging.FormatText,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the paylink configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".paylink"), nil
}

// ConfigPath returns the default config file path. PAYLINK_CONFIG overrides it.
func ConfigPath() (string, error) {
	if p := os.Getenv("PAYLINK_CONFIG"); p != "" {
		return p, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads the default config file if it exists, otherwise starts from
// defaults. Environment overrides are applied last, then the result is
// validated.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); statErr == nil {
		return LoadFromPath(path)
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads a TOML file on top of the defaults, applies environment
// overrides and validates.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := LoadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes path into cfg. Keys missing from the file keep whatever
// value cfg already has. Unknown keys are an error so typos do not silently
// fall back to defaults.
func LoadTOML(cfg *Config, path string) error {
	if _, err := util.EnsurePrivate(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// SetDefaults fills zero values that have a sensible default.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Version == "" {
		c.Version = d.Version
	}
	if c.Payroll.ConnectTimeoutSecs <= 0 {
		c.Payroll.ConnectTimeoutSecs = d.Payroll.ConnectTimeoutSecs
	}
	if c.Payroll.ResponseTimeoutSecs <= 0 {
		c.Payroll.ResponseTimeoutSecs = d.Payroll.ResponseTimeoutSecs
	}
	if c.Payroll.RetryIntervalMs <= 0 {
		c.Payroll.RetryIntervalMs = d.Payroll.RetryIntervalMs
	}
	if c.Server.ReadTimeoutSecs <= 0 {
		c.Server.ReadTimeoutSecs = d.Server.ReadTimeoutSecs
	}
	if c.Server.MaxConnections <= 0 {
		c.Server.MaxConnections = d.Server.MaxConnections
	}
	if len(c.TLS.Protocols) == 0 {
		c.TLS.Protocols = d.TLS.Protocols
	}
	if len(c.TLS.CipherSuites) == 0 {
		c.TLS.CipherSuites = d.TLS.CipherSuites
	}
	if c.Crypto.KeyCacheSize <= 0 {
		c.Crypto.KeyCacheSize = d.Crypto.KeyCacheSize
	}
	if c.Audit.Backend == "" {
		c.Audit.Backend = d.Audit.Backend
	}
	if c.Audit.Path == "" {
		if dir, err := ConfigDir(); err == nil {
			name := "audit.log"
			if c.Audit.Backend == audit.BackendSQLite {
				name = "audit.db"
			}
			c.Audit.Path = filepath.Join(dir, name)
		}
	}
	if c.Ops.ListenAddr == "" {
		c.Ops.ListenAddr = d.Ops.ListenAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes cfg to the default config path.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes cfg to path with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# paylink configuration file")
	fmt.Fprintln(&buf, "# Holds the master secret and keystore password - keep it private.")
	fmt.Fprintln(&buf, "")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, buf.Bytes(), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every section and returns all problems at once as
// ValidateErrors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Payroll
	if strings.TrimSpace(c.Payroll.Host) == "" {
		add("payroll.host", "must not be empty")
	}
	if c.Payroll.Port <= 0 || c.Payroll.Port > 65535 {
		add("payroll.port", "must be between 1 and 65535, got %d", c.Payroll.Port)
	}
	if c.Payroll.ConnectRetries < 0 || c.Payroll.ConnectRetries > 10 {
		add("payroll.connect_retries", "must be between 0 and 10, got %d", c.Payroll.ConnectRetries)
	}

	// Server
	if _, _, err := net.SplitHostPort(c.Server.ListenAddr); err != nil {
		add("server.listen_addr", "invalid address %q: %v", c.Server.ListenAddr, err)
	}
	if c.Server.AcceptRate < 0 {
		add("server.accept_rate", "must not be negative")
	}
	if c.Server.AcceptBurst < 0 {
		add("server.accept_burst", "must not be negative")
	}

	// TLS
	if c.TLS.Enabled {
		if strings.TrimSpace(c.TLS.KeyStorePath) == "" {
			add("tls.keystore_path", "required when TLS is enabled")
		}
		if c.TLS.KeyStorePassword == "" {
			add("tls.keystore_password", "required when TLS is enabled")
		}
		if _, _, err := security.ParseProtocols(c.TLS.Protocols); err != nil {
			add("tls.protocols", "%v", configReason(err))
		}
		if _, err := security.ParseCipherSuites(c.TLS.CipherSuites); err != nil {
			add("tls.cipher_suites", "%v", configReason(err))
		}
	}

	// Crypto
	if c.Crypto.MasterSecret == "" {
		add("crypto.master_secret", "must not be empty")
	}
	if c.Crypto.KeyCacheSize <= 0 {
		add("crypto.key_cache_size", "must be positive")
	}

	// Audit
	if c.Audit.Enabled {
		switch c.Audit.Backend {
		case audit.BackendFile, audit.BackendSQLite:
		default:
			add("audit.backend", "invalid backend %q, must be one of: file, sqlite", c.Audit.Backend)
		}
		if c.Audit.MaxSizeMB < 0 {
			add("audit.max_size_mb", "must not be negative")
		}
	}

	// Ops
	if c.Ops.Enabled {
		if _, _, err := net.SplitHostPort(c.Ops.ListenAddr); err != nil {
			add("ops.listen_addr", "invalid address %q: %v", c.Ops.ListenAddr, err)
		}
	}

	// Logging
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "%v", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case logging.FormatText, logging.FormatJSON:
	default:
		add("logging.format", "invalid format %q, must be one of: text, json", c.Logging.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func configReason(err error) string {
	var ce *security.ConfigError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return err.Error()
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies PAYLINK_* environment variables:
//   - PAYLINK_PAYROLL_HOST: overrides payroll.host
//   - PAYLINK_PAYROLL_PORT: overrides payroll.port
//   - PAYLINK_LISTEN_ADDR: overrides server.listen_addr
//   - PAYLINK_TLS_ENABLED: overrides tls.enabled
//   - PAYLINK_KEYSTORE_PATH: overrides tls.keystore_path
//   - PAYLINK_KEYSTORE_PASSWORD: overrides tls.keystore_password
//   - PAYLINK_MASTER_SECRET: overrides crypto.master_secret
//   - PAYLINK_OPS_TOKEN: overrides ops.token
//   - PAYLINK_LOG_LEVEL: overrides logging.level
func (c *Config) ApplyEnvOverrides() {
	if host := os.Getenv("PAYLINK_PAYROLL_HOST"); host != "" {
		c.Payroll.Host = host
	}
	if port := os.Getenv("PAYLINK_PAYROLL_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Payroll.Port = p
		} else {
			// Leave an invalid value for Validate to report.
			c.Payroll.Port = -1
		}
	}
	if addr := os.Getenv("PAYLINK_LISTEN_ADDR"); addr != "" {
		c.Server.ListenAddr = addr
	}
	if enabled := os.Getenv("PAYLINK_TLS_ENABLED"); enabled != "" {
		c.TLS.Enabled = enabled == "1" || strings.ToLower(enabled) == "true"
	}
	if path := os.Getenv("PAYLINK_KEYSTORE_PATH"); path != "" {
		c.TLS.KeyStorePath = path
	}
	if pw := os.Getenv("PAYLINK_KEYSTORE_PASSWORD"); pw != "" {
		c.TLS.KeyStorePassword = pw
	}
	if secret := os.Getenv("PAYLINK_MASTER_SECRET"); secret != "" {
		c.Crypto.MasterSecret = secret
	}
	if token := os.Getenv("PAYLINK_OPS_TOKEN"); token != "" {
		c.Ops.Token = token
	}
	if level := os.Getenv("PAYLINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// =============================================================================
// COMPONENT SETTINGS
// =============================================================================

// SecureChannel is the resolved, immutable settings set handed to the
// channel components at startup.
type SecureChannel struct {
	MasterSecret string
	KeyCacheSize int

	TLSEnabled    bool
	TLS           security.TLSSettings
	WatchKeyStore bool

	ListenAddr string
	Server     transport.ServerConfig
	Payroll    transport.ClientConfig

	Audit audit.Options
}

// SecureChannel resolves the configuration into component settings.
func (c *Config) SecureChannel() SecureChannel {
	return SecureChannel{
		MasterSecret: c.Crypto.MasterSecret,
		KeyCacheSize: c.Crypto.KeyCacheSize,
		TLSEnabled:   c.TLS.Enabled,
		TLS: security.TLSSettings{
			KeyStorePath:      c.TLS.KeyStorePath,
			KeyStorePassword:  c.TLS.KeyStorePassword,
			Protocols:         append([]string(nil), c.TLS.Protocols...),
			CipherSuites:      append([]string(nil), c.TLS.CipherSuites...),
			RequireClientCert: c.TLS.RequireClientCert,
		},
		WatchKeyStore: c.TLS.Enabled && c.TLS.WatchKeyStore,
		ListenAddr:    c.Server.ListenAddr,
		Server: transport.ServerConfig{
			ReadTimeout:    time.Duration(c.Server.ReadTimeoutSecs) * time.Second,
			MaxConnections: c.Server.MaxConnections,
			AcceptRate:     c.Server.AcceptRate,
			AcceptBurst:    c.Server.AcceptBurst,
		},
		Payroll: transport.ClientConfig{
			Host:           c.Payroll.Host,
			Port:           c.Payroll.Port,
			ServerName:     c.Payroll.ServerName,
			ConnectTimeout: time.Duration(c.Payroll.ConnectTimeoutSecs) * time.Second,
			ReadTimeout:    time.Duration(c.Payroll.ResponseTimeoutSecs) * time.Second,
			ConnectRetries: c.Payroll.ConnectRetries,
			RetryInterval:  time.Duration(c.Payroll.RetryIntervalMs) * time.Millisecond,
		},
		Audit: audit.Options{
			Enabled:   c.Audit.Enabled,
			Backend:   c.Audit.Backend,
			Path:      c.Audit.Path,
			MaxSizeMB: c.Audit.MaxSizeMB,
		},
	}
}

// =============================================================================
// GET HELPER (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g. "payroll.port").
// Secrets are returned redacted.
func (c *Config) Get(key string) (interface{}, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c.Redacted()).Elem()
	for i, part := range parts {
		field, ok := fieldByTag(v, part)
		if !ok {
			return nil, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field.Interface(), nil
		}
		if field.Kind() != reflect.Struct {
			return nil, fmt.Errorf("field '%s' is not a section", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return nil, fmt.Errorf("invalid key: %s", key)
}

// fieldByTag finds the struct field whose toml tag matches name.
func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("toml"), ",")[0]
		if strings.EqualFold(tag, name) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// =============================================================================
// CLONE AND REDACTION
// =============================================================================

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.TLS.Protocols = append([]string(nil), c.TLS.Protocols...)
	clone.TLS.CipherSuites = append([]string(nil), c.TLS.CipherSuites...)
	return &clone
}

// Redacted returns a copy with every secret replaced by a marker.
func (c *Config) Redacted() *Config {
	safe := c.Clone()
	redact := func(s *string) {
		if *s != "" {
			*s = "[REDACTED]"
		}
	}
	redact(&safe.Crypto.MasterSecret)
	redact(&safe.TLS.KeyStorePassword)
	redact(&safe.Ops.Token)
	return safe
}

// String renders the config as JSON with secrets redacted.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}
