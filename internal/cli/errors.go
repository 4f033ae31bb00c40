// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - Error types, exit codes and display for paylink commands.
//
// Handlers always return errors; main decides how to display them and which
// exit code to use.

package cli

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/jeranaias/paylink/internal/config"
	"github.com/jeranaias/paylink/internal/security"
	"github.com/jeranaias/paylink/internal/transport"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	ExitSuccess       = 0
	ExitGeneralError  = 1
	ExitUsageError    = 2
	ExitConfigError   = 3
	ExitNetworkError  = 5
	ExitSecurityError = 6
	// ExitRejected means the payroll side answered with an error line.
	ExitRejected = 9
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// UsageError reports a malformed command line.
type UsageError struct {
	Message string
	Usage   string
}

func (e *UsageError) Error() string {
	if e.Usage != "" {
		return fmt.Sprintf("%s\nUsage: %s", e.Message, e.Usage)
	}
	return e.Message
}

// ValidationError reports a flag value that failed validation.
type ValidationError struct {
	Field   string
	Value   string
	Reason  string
	Example string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	if e.Value != "" {
		msg += fmt.Sprintf(" (got: %s)", e.Value)
	}
	if e.Example != "" {
		msg += fmt.Sprintf("\nExample: %s", e.Example)
	}
	return msg
}

// RejectedError is returned by "send --await" when the instruction was
// delivered but not accepted.
type RejectedError struct {
	Response transport.Response
}

func (e *RejectedError) Error() string {
	return "payroll rejected instruction: " + e.Response.String()
}

// =============================================================================
// EXIT CODE MAPPING
// =============================================================================

// GetExitCode maps an error to a process exit code.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var usageErr *UsageError
	var validationErr *ValidationError
	if errors.As(err, &usageErr) || errors.As(err, &validationErr) {
		return ExitUsageError
	}

	var verrs config.ValidateErrors
	if errors.As(err, &verrs) || security.IsConfigError(err) {
		return ExitConfigError
	}

	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return ExitRejected
	}

	if errors.Is(err, transport.ErrHandshake) ||
		errors.Is(err, security.ErrKeyStorePassword) ||
		errors.Is(err, security.ErrKeyStoreFormat) {
		return ExitSecurityError
	}
	if errors.Is(err, security.ErrKeyStoreUnreadable) {
		return ExitConfigError
	}

	var netErr net.Error
	var opErr *net.OpError
	if errors.As(err, &netErr) || errors.As(err, &opErr) {
		return ExitNetworkError
	}

	return ExitGeneralError
}

// =============================================================================
// DISPLAY
// =============================================================================

// DisplayError writes err to w, as JSON when jsonMode is set.
func DisplayError(w io.Writer, command string, err error, jsonMode bool) {
	if err == nil {
		return
	}
	if jsonMode {
		_ = NewJSONErrorResponse(command, err).Print(w)
		return
	}
	fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render("[ERROR]"), err.Error())
}
