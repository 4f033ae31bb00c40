// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates the paylink configuration.
//
// The configuration is read once at startup, validated as a whole, and
// resolved into a SecureChannel value that every component receives. It is
// never reloaded in place; keystore rotation is handled by the TLS context
// factory instead.
//
// # Key Types
//
//   - Config: the TOML file layout, one struct per section
//   - SecureChannel: resolved settings for cipher, TLS, transport and audit
//   - ValidateErrors: every validation problem found, reported together
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (PAYLINK_*)
//   - $PAYLINK_CONFIG or ~/.paylink/config.toml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	channel := cfg.SecureChannel()
package config
