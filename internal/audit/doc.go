// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit records channel outcomes: connections accepted, responses
// sent, notifications delivered, TLS reloads and key cache purges.
//
// Two durable backends are provided. FileSink appends pipe-separated lines
// to a 0600 file with size-based rotation. SQLiteSink writes to the
// channel_events table of a local SQLite database and supports simple
// queries for the CLI. Nop is used when auditing is disabled.
//
// Events never carry instruction contents, envelopes or key material.
package audit
