// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// args.go - Unified argument parsing for paylink subcommands.

package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// ARG PARSER
// =============================================================================

// ArgParser handles the flag formats every subcommand accepts:
//
//	--flag value     long flag with a value
//	--flag=value     long flag with equals sign
//	-f value         short flag with a value
//	--flag           boolean flag
//	--               everything after is positional
//
// The first positional argument is the subcommand.
type ArgParser struct {
	subcommand string
	flags      map[string]string
	boolFlags  map[string]bool
	positional []string
}

// NewArgParser parses raw. Names listed in boolNames never consume the
// following argument, so "--await 42" keeps 42 positional.
func NewArgParser(raw []string, boolNames ...string) *ArgParser {
	p := &ArgParser{
		flags:     make(map[string]string),
		boolFlags: make(map[string]bool),
	}
	isBool := make(map[string]bool, len(boolNames))
	for _, n := range boolNames {
		isBool[n] = true
	}

	for i := 0; i < len(raw); i++ {
		arg := raw[i]
		if arg == "--" {
			p.positional = append(p.positional, raw[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			p.positional = append(p.positional, arg)
			continue
		}

		name := strings.TrimLeft(arg, "-")
		if k, v, ok := strings.Cut(name, "="); ok {
			if v == "true" || v == "false" {
				p.boolFlags[k] = v == "true"
			} else {
				p.flags[k] = v
			}
			continue
		}
		if !isBool[name] && i+1 < len(raw) && !strings.HasPrefix(raw[i+1], "-") {
			p.flags[name] = raw[i+1]
			i++
			continue
		}
		p.boolFlags[name] = true
	}

	if len(p.positional) > 0 {
		p.subcommand = p.positional[0]
	}
	return p
}

// Subcommand returns the first positional argument.
func (p *ArgParser) Subcommand() string {
	return p.subcommand
}

// Flag returns a string flag, or "" if absent.
func (p *ArgParser) Flag(name string) string {
	return p.flags[strings.TrimLeft(name, "-")]
}

// FlagOrDefault returns the flag value or def.
func (p *ArgParser) FlagOrDefault(name, def string) string {
	if v := p.Flag(name); v != "" {
		return v
	}
	return def
}

// FlagInt parses an integer flag. ok is false when the flag is absent.
func (p *ArgParser) FlagInt(name string) (n int, ok bool, err error) {
	v := p.Flag(name)
	if v == "" {
		return 0, false, nil
	}
	n, err = strconv.Atoi(v)
	if err != nil {
		return 0, true, &ValidationError{Field: "--" + name, Value: v, Reason: "must be an integer"}
	}
	return n, true, nil
}

// FlagIntOrDefault returns the integer flag or def when absent or invalid.
func (p *ArgParser) FlagIntOrDefault(name string, def int) int {
	n, ok, err := p.FlagInt(name)
	if !ok || err != nil {
		return def
	}
	return n
}

// FlagDuration parses a duration flag ("90s", "24h") or a bare number of days.
func (p *ArgParser) FlagDuration(name string, def time.Duration) (time.Duration, error) {
	v := p.Flag(name)
	if v == "" {
		return def, nil
	}
	if days, err := strconv.Atoi(v); err == nil {
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, &ValidationError{Field: "--" + name, Value: v, Reason: "must be a duration or a number of days", Example: "--" + name + " 365"}
	}
	return d, nil
}

// BoolFlag reports whether a boolean flag was set.
func (p *ArgParser) BoolFlag(name string) bool {
	return p.boolFlags[strings.TrimLeft(name, "-")]
}

// Positional returns the positional argument at index, or "".
// Index 0 is the subcommand.
func (p *ArgParser) Positional(index int) string {
	if index < 0 || index >= len(p.positional) {
		return ""
	}
	return p.positional[index]
}

// PositionalCount returns the number of positional arguments.
func (p *ArgParser) PositionalCount() int {
	return len(p.positional)
}

// HasFlag reports whether name was given in either form.
func (p *ArgParser) HasFlag(name string) bool {
	name = strings.TrimLeft(name, "-")
	_, s := p.flags[name]
	_, b := p.boolFlags[name]
	return s || b
}

// splitList splits a comma-separated flag value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// requireFlag returns a usage error when name is missing.
func requireFlag(p *ArgParser, name, usage string) (string, error) {
	v := p.Flag(name)
	if v == "" {
		return "", &UsageError{Message: fmt.Sprintf("missing required flag --%s", name), Usage: usage}
	}
	return v, nil
}
