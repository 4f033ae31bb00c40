// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package instruction encodes and parses the plaintext personnel-event line
// carried inside a channel envelope.
//
// # Format
//
//	ACTION=<str>;ID=<int>;FIRST_NAME=<str>;LAST_NAME=<str>;IC=<str>;TIMESTAMP=<unix seconds>
//
// An instruction is valid when all six keys are present with non-blank
// values. Unknown keys are carried but ignored, and ID and TIMESTAMP are not
// format-checked on the wire. Use ParseEvent for typed, strict decoding.
//
// # Usage
//
//	line, err := instruction.NewHire(42, "Jane", "Doe", "S1234567A", time.Now()).Encode()
//
//	f := instruction.Parse(line)
//	if !instruction.IsValid(f) {
//	    // reject
//	}
package instruction
