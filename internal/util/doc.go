// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small file and string helpers shared by the paylink
// packages.
//
//   - AtomicWriteFile, AtomicWriteFileWithDir: crash-safe writes for the
//     config file and keystores (temp file, fsync, rename)
//   - EnsurePrivate: tighten a secret-bearing file to owner-only access
//   - TruncateRunes: UTF-8 safe truncation for echoing untrusted input
//
// # Usage
//
//	if err := util.AtomicWriteFileWithDir(path, data, 0600, 0700); err != nil {
//	    return err
//	}
package util
