// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security provides the cryptographic core of the HR → Payroll channel.
//
// # Components
//
//   - CipherEngine: AES-256-GCM envelopes keyed by PBKDF2-SHA-256 over a shared
//     master secret, with a bounded LRU cache of derived keys.
//   - ContextFactory: builds and memoizes a *tls.Config from a pinned PKCS#12
//     keystore, enforcing protocol and AEAD cipher-suite allow-lists.
//   - KeyStoreWatcher: invalidates the memoized TLS context when the keystore
//     file changes on disk.
//
// # Envelope Format
//
//	base64( salt[16] || iv[12] || ciphertext[N] || tag[16] )
//
// A fresh salt and IV are drawn from crypto/rand for every Encrypt call. The
// tag is the trailing 16 bytes of the GCM output and is not framed separately.
//
// # Failure Kinds
//
//   - ConfigError: missing or invalid channel configuration (fatal at startup)
//   - ErrEmptyPlaintext, ErrMalformedEnvelope, ErrAuthenticationFailed: per-message
//     crypto failures, contained at the connection boundary
//   - ErrKeyStoreUnreadable, ErrKeyStorePassword, ErrKeyStoreFormat: keystore
//     failures, fatal at startup
//
// Nothing in this package logs plaintext, envelopes, passwords or key material.
package security
