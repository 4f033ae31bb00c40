// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

// ConnState is a stage of the per-connection state machine.
//
//	Accepted -> Handshaking -> Reading -> Decrypting -> Processing -> Responding -> Closed
//
// Handshaking is skipped on plain TCP. Any stage may jump to Responding with
// an error line (Reading, Decrypting, Processing) or straight to Closed
// (Handshaking or an I/O failure, where no response can be delivered).
type ConnState int

const (
	StateAccepted ConnState = iota
	StateHandshaking
	StateReading
	StateDecrypting
	StateProcessing
	StateResponding
	StateClosed
)

var stateNames = [...]string{
	StateAccepted:    "accepted",
	StateHandshaking: "handshaking",
	StateReading:     "reading",
	StateDecrypting:  "decrypting",
	StateProcessing:  "processing",
	StateResponding:  "responding",
	StateClosed:      "closed",
}

func (s ConnState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
