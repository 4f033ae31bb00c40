// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jeranaias/paylink/internal/logging"
)

// =============================================================================
// ALLOW-LIST DEFAULTS
// =============================================================================

// DefaultProtocols is the protocol allow-list used when none is configured.
// TLS 1.3 is preferred; TLS 1.2 remains as a fallback.
var DefaultProtocols = []string{"TLSv1.3", "TLSv1.2"}

// DefaultCipherSuites is the AEAD-only suite allow-list used when none is
// configured. TLS 1.3 suites are listed for completeness; crypto/tls always
// negotiates its own fixed TLS 1.3 set, all of which are AEAD.
var DefaultCipherSuites = []string{
	"TLS_AES_256_GCM_SHA384",
	"TLS_AES_128_GCM_SHA256",
	"TLS_CHACHA20_POLY1305_SHA256",
	"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
	"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
	"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
	"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
	"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
	"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
}

// =============================================================================
// SETTINGS
// =============================================================================

// TLSSettings is the TLS portion of the channel configuration.
type TLSSettings struct {
	KeyStorePath     string
	KeyStorePassword string

	// Protocols is the protocol allow-list ("TLSv1.3", "TLSv1.2").
	// Empty means DefaultProtocols.
	Protocols []string

	// CipherSuites is the suite allow-list by IANA name.
	// Empty means DefaultCipherSuites.
	CipherSuites []string

	// RequireClientCert makes the server demand and verify a client
	// certificate from the same pinned trust pool.
	RequireClientCert bool
}

// =============================================================================
// CONTEXT FACTORY
// =============================================================================

// ContextFactory builds the channel's *tls.Config from a pinned keystore and
// memoizes it. It is safe for concurrent use.
type ContextFactory struct {
	settings TLSSettings
	logger   *slog.Logger

	mu     sync.Mutex
	cached *tls.Config
	builds int
}

// ContextOption configures a ContextFactory.
type ContextOption func(*ContextFactory)

// WithContextLogger sets the logger for build events.
func WithContextLogger(logger *slog.Logger) ContextOption {
	return func(f *ContextFactory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewContextFactory creates a factory. Nothing is loaded until the first
// Build or Context call.
func NewContextFactory(settings TLSSettings, opts ...ContextOption) *ContextFactory {
	f := &ContextFactory{
		settings: settings,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Build validates the settings, loads the keystore and returns a fresh
// *tls.Config. It does not touch the memoized context.
func (f *ContextFactory) Build() (*tls.Config, error) {
	s := f.settings
	if strings.TrimSpace(s.KeyStorePath) == "" {
		return nil, &ConfigError{Field: "keystore_path", Reason: "not configured"}
	}
	if s.KeyStorePassword == "" {
		return nil, &ConfigError{Field: "keystore_password", Reason: "not configured"}
	}

	minVersion, maxVersion, err := ParseProtocols(s.Protocols)
	if err != nil {
		return nil, err
	}
	suites, err := ParseCipherSuites(s.CipherSuites)
	if err != nil {
		return nil, err
	}
	if minVersion == tls.VersionTLS12 && len(suites) == 0 {
		if maxVersion == tls.VersionTLS12 {
			return nil, &ConfigError{Field: "cipher_suites", Reason: "no TLS 1.2 suite allowed for TLSv1.2-only protocol list"}
		}
		// Only TLS 1.3 suites were allowed, so a TLS 1.2 fallback would fall
		// back to the library default list. Refuse 1.2 instead.
		minVersion = tls.VersionTLS13
	}

	ks, err := LoadKeyStore(s.KeyStorePath, s.KeyStorePassword)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{ks.Certificate},
		RootCAs:      ks.Pool,
		ClientCAs:    ks.Pool,
		MinVersion:   minVersion,
		MaxVersion:   maxVersion,
		CipherSuites: suites,
	}

	f.logger.Info("tls context built",
		"min_version", VersionName(minVersion),
		"max_version", VersionName(maxVersion),
		"suites", len(suites),
		"subject", ks.Leaf.Subject.CommonName,
		"not_after", ks.Leaf.NotAfter,
	)
	return cfg, nil
}

// Context returns the memoized configuration, building it on first use. The
// returned value is a clone and may be modified by the caller.
func (f *ContextFactory) Context() (*tls.Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cached == nil {
		cfg, err := f.Build()
		if err != nil {
			return nil, err
		}
		f.cached = cfg
		f.builds++
	}
	return f.cached.Clone(), nil
}

// ServerConfig returns a clone configured for the accepting side.
func (f *ContextFactory) ServerConfig() (*tls.Config, error) {
	cfg, err := f.Context()
	if err != nil {
		return nil, err
	}
	if f.settings.RequireClientCert {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		cfg.ClientAuth = tls.NoClientCert
	}
	return cfg, nil
}

// ClientConfig returns a clone configured for the dialing side. serverName
// must match a SAN in the pinned certificate.
func (f *ContextFactory) ClientConfig(serverName string) (*tls.Config, error) {
	cfg, err := f.Context()
	if err != nil {
		return nil, err
	}
	cfg.ServerName = serverName
	cfg.ClientCAs = nil
	return cfg, nil
}

// ClearCache drops the memoized configuration so the next Context call
// reloads the keystore.
func (f *ContextFactory) ClearCache() {
	f.mu.Lock()
	f.cached = nil
	f.mu.Unlock()
	f.logger.Info("tls context invalidated")
}

// Reload rebuilds the configuration from the keystore and swaps it in only if
// the build succeeds. On failure the previous context keeps serving.
func (f *ContextFactory) Reload() error {
	cfg, err := f.Build()
	if err != nil {
		f.logger.Warn("tls reload failed, keeping previous context", "error", err)
		return err
	}

	f.mu.Lock()
	f.cached = cfg
	f.builds++
	f.mu.Unlock()
	return nil
}

// Builds returns how many times a configuration has been built and installed.
func (f *ContextFactory) Builds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

// =============================================================================
// ALLOW-LIST PARSING
// =============================================================================

// ParseProtocols maps a protocol allow-list to a version range. Only TLS 1.2
// and TLS 1.3 are accepted.
func ParseProtocols(names []string) (minVersion, maxVersion uint16, err error) {
	if len(names) == 0 {
		names = DefaultProtocols
	}
	for _, name := range names {
		v, ok := protocolVersion(name)
		if !ok {
			return 0, 0, &ConfigError{Field: "protocols", Reason: fmt.Sprintf("unsupported protocol %q", name)}
		}
		if minVersion == 0 || v < minVersion {
			minVersion = v
		}
		if v > maxVersion {
			maxVersion = v
		}
	}
	return minVersion, maxVersion, nil
}

func protocolVersion(name string) (uint16, bool) {
	n := strings.ToUpper(strings.Join(strings.Fields(name), ""))
	n = strings.TrimPrefix(n, "TLS")
	n = strings.TrimPrefix(n, "V")
	switch n {
	case "1.3":
		return tls.VersionTLS13, true
	case "1.2":
		return tls.VersionTLS12, true
	}
	return 0, false
}

// ParseCipherSuites validates a suite allow-list and returns the TLS 1.2 suite
// IDs for tls.Config.CipherSuites. Every name must be a known AEAD suite.
// TLS 1.3 suites are validated but not returned; crypto/tls does not make them
// configurable.
func ParseCipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		names = DefaultCipherSuites
	}

	known := make(map[string]*tls.CipherSuite)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s
	}
	insecure := make(map[string]bool)
	for _, s := range tls.InsecureCipherSuites() {
		insecure[s.Name] = true
	}

	var ids []uint16
	for _, raw := range names {
		name := strings.ToUpper(strings.TrimSpace(raw))
		suite, ok := known[name]
		if !ok {
			if insecure[name] {
				return nil, &ConfigError{Field: "cipher_suites", Reason: fmt.Sprintf("%s is insecure", name)}
			}
			return nil, &ConfigError{Field: "cipher_suites", Reason: fmt.Sprintf("unknown suite %q", raw)}
		}
		if !isAEAD(name) {
			return nil, &ConfigError{Field: "cipher_suites", Reason: fmt.Sprintf("%s is not an AEAD suite", name)}
		}
		if supportsTLS12(suite) {
			ids = append(ids, suite.ID)
		}
	}
	return ids, nil
}

func isAEAD(name string) bool {
	return strings.Contains(name, "_GCM_") || strings.Contains(name, "CHACHA20_POLY1305")
}

func supportsTLS12(s *tls.CipherSuite) bool {
	for _, v := range s.SupportedVersions {
		if v == tls.VersionTLS12 {
			return true
		}
	}
	return false
}

// =============================================================================
// HELPERS
// =============================================================================

// VersionName returns a human-readable TLS version.
func VersionName(version uint16) string {
	switch version {
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS13:
		return "TLSv1.3"
	default:
		return fmt.Sprintf("unknown (0x%04x)", version)
	}
}

// CipherSuiteName returns the IANA name of a negotiated suite.
func CipherSuiteName(id uint16) string {
	for _, suite := range tls.CipherSuites() {
		if suite.ID == id {
			return suite.Name
		}
	}
	for _, suite := range tls.InsecureCipherSuites() {
		if suite.ID == id {
			return suite.Name + " (insecure)"
		}
	}
	return fmt.Sprintf("unknown (0x%04x)", id)
}
