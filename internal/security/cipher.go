// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/bluele/gcache"
	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// SaltSize is the per-envelope PBKDF2 salt length (16 bytes).
	SaltSize = 16

	// IVSize is the AES-GCM nonce length (12 bytes / 96 bits).
	IVSize = 12

	// TagSize is the GCM authentication tag length (16 bytes / 128 bits).
	TagSize = 16

	// KeySize is the AES-256 key length (32 bytes / 256 bits).
	KeySize = 32

	// PBKDF2Iterations is the PBKDF2-HMAC-SHA-256 work factor. Both ends of the
	// channel must use the same value or every envelope fails to authenticate.
	PBKDF2Iterations = 65536

	// MinEnvelopeSize is the smallest decoded envelope that can be well formed.
	MinEnvelopeSize = SaltSize + IVSize + TagSize

	// DefaultKeyCacheSize bounds the derived-key cache.
	DefaultKeyCacheSize = 10
)

// =============================================================================
// KEY DERIVATION
// =============================================================================

// ZeroBytes overwrites b with zeros.
// SECURITY: Zero key material to prevent memory disclosure via crash dumps.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// DeriveKey derives an AES-256 key from the master secret and salt using
// PBKDF2-HMAC-SHA-256.
func DeriveKey(secret, salt []byte, iterations int) []byte {
	return pbkdf2.Key(secret, salt, iterations, KeySize, sha256.New)
}

// =============================================================================
// CIPHER ENGINE
// =============================================================================

// CipherEngine seals and opens channel envelopes under a shared master secret.
// It is safe for concurrent use; one engine is shared by every handler.
type CipherEngine struct {
	secret     []byte
	iterations int
	cacheSize  int
	random     io.Reader

	// keys maps string(salt) to a derived key. gcache serializes access and
	// collapses concurrent loads of the same salt into one derivation.
	keys gcache.Cache

	derivations atomic.Int64
}

// CipherOption configures a CipherEngine.
type CipherOption func(*CipherEngine)

// WithKeyCacheSize bounds the number of cached derived keys.
func WithKeyCacheSize(n int) CipherOption {
	return func(e *CipherEngine) {
		e.cacheSize = n
	}
}

// WithIterations overrides the PBKDF2 work factor. Both ends must agree.
func WithIterations(n int) CipherOption {
	return func(e *CipherEngine) {
		e.iterations = n
	}
}

// WithRandom replaces the salt/IV source. Only tests should need this.
func WithRandom(r io.Reader) CipherOption {
	return func(e *CipherEngine) {
		e.random = r
	}
}

// NewCipherEngine creates an engine for the given master secret.
func NewCipherEngine(masterSecret string, opts ...CipherOption) (*CipherEngine, error) {
	if masterSecret == "" {
		return nil, &ConfigError{Field: "master_secret", Reason: "not configured"}
	}

	e := &CipherEngine{
		secret:     []byte(masterSecret),
		iterations: PBKDF2Iterations,
		cacheSize:  DefaultKeyCacheSize,
		random:     rand.Reader,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.cacheSize <= 0 {
		return nil, &ConfigError{Field: "key_cache_size", Reason: "must be positive"}
	}
	if e.iterations <= 0 {
		return nil, &ConfigError{Field: "pbkdf2_iterations", Reason: "must be positive"}
	}

	e.keys = gcache.New(e.cacheSize).
		LRU().
		LoaderFunc(func(k interface{}) (interface{}, error) {
			e.derivations.Add(1)
			return DeriveKey(e.secret, []byte(k.(string)), e.iterations), nil
		}).
		Build()

	return e, nil
}

// Encrypt seals plaintext into a base64 envelope. Every call draws a fresh
// salt and IV; GCM nonce reuse under one key would be catastrophic.
//
// Encryption keys are single-use (the salt is new) so they bypass the cache
// and are zeroed once the AEAD is built.
func (e *CipherEngine) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPlaintext
	}

	buf := make([]byte, SaltSize+IVSize, SaltSize+IVSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(e.random, buf); err != nil {
		return "", fmt.Errorf("failed to generate salt and iv: %w", err)
	}
	salt := buf[:SaltSize]
	iv := buf[SaltSize:]

	key := DeriveKey(e.secret, salt, e.iterations)
	aead, err := newGCM(key)
	ZeroBytes(key)
	if err != nil {
		return "", err
	}

	sealed := aead.Seal(buf, iv, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a base64 envelope produced by Encrypt.
func (e *CipherEngine) Decrypt(envelope string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(envelope))
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrMalformedEnvelope)
	}
	if len(raw) < MinEnvelopeSize {
		return "", fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedEnvelope, len(raw), MinEnvelopeSize)
	}

	salt := raw[:SaltSize]
	iv := raw[SaltSize : SaltSize+IVSize]
	sealed := raw[SaltSize+IVSize:]

	key, err := e.key(salt)
	if err != nil {
		return "", err
	}
	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrAuthenticationFailed
	}
	return string(plaintext), nil
}

// ClearCache drops every cached derived key.
func (e *CipherEngine) ClearCache() {
	e.keys.Purge()
}

// CacheLen returns the number of cached derived keys.
func (e *CipherEngine) CacheLen() int {
	return e.keys.Len(false)
}

// CacheCapacity returns the configured cache bound.
func (e *CipherEngine) CacheCapacity() int {
	return e.cacheSize
}

// key returns the derived key for salt, deriving and caching it on a miss.
// The returned slice is shared with the cache and must not be modified.
func (e *CipherEngine) key(salt []byte) ([]byte, error) {
	v, err := e.keys.Get(string(salt))
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return v.([]byte), nil
}

// newGCM builds an AES-GCM AEAD with the standard 12-byte nonce and 16-byte tag.
func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return gcm, nil
}
