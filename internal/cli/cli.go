// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Command parsing and dispatch for paylink.

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"

	"github.com/jeranaias/paylink/internal/config"
	"github.com/jeranaias/paylink/internal/logging"
)

// Version information, set at build time.
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command is the top-level command to execute.
type Command int

const (
	CmdHelp Command = iota
	CmdServe
	CmdSend
	CmdKeystore
	CmdConfig
	CmdAudit
	CmdVersion
	CmdUnknown
)

var commandNames = map[string]Command{
	"serve":    CmdServe,
	"send":     CmdSend,
	"notify":   CmdSend,
	"keystore": CmdKeystore,
	"config":   CmdConfig,
	"audit":    CmdAudit,
	"version":  CmdVersion,
	"help":     CmdHelp,
}

// Args holds the global flags and the arguments left for the command.
type Args struct {
	// ConfigPath overrides the config file location.
	ConfigPath string
	JSON       bool
	Verbose    bool

	// Name is the command word as typed.
	Name string
	// Raw is everything after the command word.
	Raw []string
}

const usageText = `paylink - secure HR to payroll notification channel

Usage:
  paylink serve [--listen ADDR] [--strict]
                                   Run the payroll-side channel server
  paylink send --id N --first NAME --last NAME --ic IC [--action A] [--await]
                                   Encrypt and send one instruction
  paylink keystore generate --out FILE [--cn NAME] [--hosts H1,H2] [--days N] [--force]
  paylink keystore inspect --path FILE
  paylink config check             Validate configuration and credentials
  paylink config show              Print configuration (secrets redacted)
  paylink config get KEY           Print one value (e.g. payroll.port)
  paylink config init [--force]    Write a default configuration file
  paylink audit tail [--lines N]   Show recent audit records
  paylink audit stats              Connection outcomes (sqlite backend)
  paylink version                  Show version information

Global flags:
  --config FILE    Config file (default: $PAYLINK_CONFIG or ~/.paylink/config.toml)
  --json           Machine-readable output
  -v, --verbose    Debug logging

Version: %s
`

// PrintUsage writes the help text.
func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, usageText, Version)
}

// PrintVersion writes version information.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "paylink version %s\n", Version)
	fmt.Fprintf(w, "  Git commit: %s\n", GitCommit)
	fmt.Fprintf(w, "  Build date: %s\n", BuildDate)
	fmt.Fprintf(w, "  Go version: %s\n", runtime.Version())
}

// Parse splits argv (without the program name) into a command and its args.
func Parse(argv []string) (Command, Args) {
	remaining, args := parseGlobalFlags(argv)
	if len(remaining) == 0 {
		return CmdHelp, args
	}

	args.Raw = remaining[1:]
	switch remaining[0] {
	case "-h", "--help":
		args.Name = "help"
		return CmdHelp, args
	case "-V", "--version":
		args.Name = "version"
		return CmdVersion, args
	}

	args.Name = strings.ToLower(remaining[0])
	if cmd, ok := commandNames[args.Name]; ok {
		return cmd, args
	}
	return CmdUnknown, args
}

// parseGlobalFlags extracts global flags that appear before or after the
// command word.
func parseGlobalFlags(argv []string) ([]string, Args) {
	var remaining []string
	var args Args

	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		switch {
		case arg == "--json":
			args.JSON = true
		case arg == "-v" || arg == "--verbose":
			args.Verbose = true
		case arg == "--config" && i+1 < len(argv):
			i++
			args.ConfigPath = argv[i]
		case strings.HasPrefix(arg, "--config="):
			args.ConfigPath = strings.TrimPrefix(arg, "--config=")
		default:
			remaining = append(remaining, arg)
		}
	}
	return remaining, args
}

// Run executes cmd. Output goes to stdout; logs and prompts go to stderr.
func Run(ctx context.Context, cmd Command, args Args, stdout, stderr io.Writer) error {
	switch cmd {
	case CmdServe:
		return HandleServe(ctx, args, stdout, stderr)
	case CmdSend:
		return HandleSend(ctx, args, stdout, stderr)
	case CmdKeystore:
		return HandleKeystore(args, stdout, stderr)
	case CmdConfig:
		return HandleConfig(args, stdout)
	case CmdAudit:
		return HandleAudit(args, stdout)
	case CmdVersion:
		return HandleVersion(args, stdout)
	case CmdUnknown:
		return &UsageError{Message: fmt.Sprintf("unknown command %q", args.Name), Usage: "paylink help"}
	default:
		PrintUsage(stdout)
		return nil
	}
}

// =============================================================================
// SHARED COMMAND HELPERS
// =============================================================================

// VersionData is the --json payload of "version".
type VersionData struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// HandleVersion handles the "version" command.
func HandleVersion(args Args, w io.Writer) error {
	if args.JSON {
		return NewJSONResponse("version", VersionData{
			Version:   Version,
			GitCommit: GitCommit,
			BuildDate: BuildDate,
			GoVersion: runtime.Version(),
		}).Print(w)
	}
	PrintVersion(w)
	return nil
}

// loadConfig loads from --config when given, otherwise the default location.
func loadConfig(args Args) (*config.Config, error) {
	if args.ConfigPath != "" {
		return config.LoadFromPath(args.ConfigPath)
	}
	return config.Load()
}

// newLogger builds the process logger. --verbose forces debug level.
func newLogger(cfg *config.Config, args Args, w io.Writer) (*slog.Logger, error) {
	level := cfg.Logging.Level
	if args.Verbose {
		level = "debug"
	}
	format := cfg.Logging.Format
	if args.JSON {
		format = logging.FormatJSON
	}
	return logging.New(level, format, w)
}
