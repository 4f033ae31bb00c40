// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrEmptyPlaintext indicates Encrypt was called with nothing to protect.
	ErrEmptyPlaintext = errors.New("plaintext must not be empty")
	// ErrMalformedEnvelope indicates the envelope is not base64 or is too short
	// to contain salt, IV and tag.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrAuthenticationFailed indicates the GCM tag did not verify. Tampering,
	// corruption and a wrong master secret all surface as this error.
	ErrAuthenticationFailed = errors.New("decryption failed: authentication tag mismatch")

	// ErrKeyStoreUnreadable indicates the keystore file could not be read.
	ErrKeyStoreUnreadable = errors.New("keystore unreadable")
	// ErrKeyStorePassword indicates the keystore password is wrong.
	ErrKeyStorePassword = errors.New("keystore password incorrect")
	// ErrKeyStoreFormat indicates the file is not a supported PKCS#12 store.
	ErrKeyStoreFormat = errors.New("unsupported keystore format")
)

// ConfigError reports a missing or invalid channel setting. It is always fatal
// at startup: a process holding a ConfigError must not accept traffic.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("channel configuration: %s: %s", e.Field, e.Reason)
}

// IsConfigError reports whether err is, or wraps, a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
