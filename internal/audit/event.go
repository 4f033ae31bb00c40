// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types.
const (
	EventStartup     = "STARTUP"
	EventShutdown    = "SHUTDOWN"
	EventConnection  = "CONNECTION"
	EventNotify      = "NOTIFY"
	EventTLSReload   = "TLS_RELOAD"
	EventCacheClear  = "KEY_CACHE_CLEAR"
	EventConfigError = "CONFIG_ERROR"
)

// =============================================================================
// AUDIT EVENT
// =============================================================================

// Event is one audit record. There is deliberately no payload field: the
// channel records outcomes, never instruction contents.
type Event struct {
	Timestamp   time.Time     `json:"timestamp"`
	Type        string        `json:"event_type"`
	ConnID      string        `json:"conn_id,omitempty"`
	Remote      string        `json:"remote,omitempty"`
	TLSVersion  string        `json:"tls_version,omitempty"`
	CipherSuite string        `json:"cipher_suite,omitempty"`
	Outcome     string        `json:"outcome,omitempty"`
	Success     bool          `json:"success"`
	Duration    time.Duration `json:"duration_ns,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// ToLogLine formats the event as a single pipe-separated line.
func (e *Event) ToLogLine() string {
	status := "SUCCESS"
	if !e.Success {
		if e.Error != "" {
			status = fmt.Sprintf("ERROR: %s", e.Error)
		} else {
			status = "FAILURE"
		}
	}

	duration := ""
	if e.Duration > 0 {
		duration = e.Duration.Round(time.Microsecond).String()
	}

	return fmt.Sprintf("%s | %s | %s | %s | %s | %s | %s | %s",
		e.Timestamp.Format("2006-01-02 15:04:05"),
		e.Type,
		e.ConnID,
		e.Remote,
		e.TLSVersion,
		e.Outcome,
		duration,
		status,
	)
}

// ToJSON formats the event as JSON.
func (e *Event) ToJSON() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
