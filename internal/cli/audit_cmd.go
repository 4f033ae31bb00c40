// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// audit_cmd.go - The "audit" command: read back the channel audit trail.

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/jeranaias/paylink/internal/audit"
)

const auditUsage = "paylink audit <tail [--lines N]|stats>"

// HandleAudit handles "paylink audit".
func HandleAudit(args Args, w io.Writer) error {
	p := NewArgParser(args.Raw)

	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	if !cfg.Audit.Enabled {
		return errors.New("audit logging is disabled in the configuration")
	}

	switch p.Subcommand() {
	case "tail", "show", "":
		n := p.FlagIntOrDefault("lines", 50)
		if n <= 0 {
			return &ValidationError{Field: "--lines", Reason: "must be positive"}
		}
		if cfg.Audit.Backend == audit.BackendSQLite {
			return auditTailSQLite(cfg.Audit.Path, n, args, w)
		}
		return auditTailFile(cfg.Audit.Path, n, args, w)
	case "stats":
		if cfg.Audit.Backend != audit.BackendSQLite {
			return fmt.Errorf("audit stats requires the %s backend", audit.BackendSQLite)
		}
		return auditStats(cfg.Audit.Path, args, w)
	default:
		return &UsageError{Message: fmt.Sprintf("unknown audit subcommand %q", p.Subcommand()), Usage: auditUsage}
	}
}

func auditTailSQLite(path string, n int, args Args, w io.Writer) error {
	sink, err := audit.NewSQLiteSink(path)
	if err != nil {
		return err
	}
	defer sink.Close()

	events, err := sink.Recent(n)
	if err != nil {
		return err
	}
	if args.JSON {
		return NewJSONResponse("audit tail", events).Print(w)
	}
	// Recent is newest first; print oldest first like a log.
	for i := len(events) - 1; i >= 0; i-- {
		fmt.Fprintln(w, events[i].ToLogLine())
	}
	return nil
}

func auditTailFile(path string, n int, args Args, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no audit log at %s yet", path)
		}
		return err
	}
	defer f.Close()

	// Keep the last n lines in a ring.
	ring := make([]string, 0, n)
	start := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if len(ring) < n {
			ring = append(ring, sc.Text())
			continue
		}
		ring[start] = sc.Text()
		start = (start + 1) % n
	}
	if err := sc.Err(); err != nil {
		return err
	}
	lines := append(ring[start:], ring[:start]...)

	if args.JSON {
		return NewJSONResponse("audit tail", lines).Print(w)
	}
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
	return nil
}

func auditStats(path string, args Args, w io.Writer) error {
	sink, err := audit.NewSQLiteSink(path)
	if err != nil {
		return err
	}
	defer sink.Close()

	counts, err := sink.CountByOutcome(audit.EventConnection)
	if err != nil {
		return err
	}
	if args.JSON {
		return NewJSONResponse("audit stats", counts).Print(w)
	}

	outcomes := make([]string, 0, len(counts))
	for o := range counts {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)

	fmt.Fprintln(w, TitleStyle.Render("Connection outcomes"))
	fmt.Fprintln(w, RenderSeparator(40))
	for _, o := range outcomes {
		fmt.Fprintln(w, renderField(o, fmt.Sprintf("%d", counts[o])))
	}
	if len(outcomes) == 0 {
		fmt.Fprintln(w, DimStyle.Render("no connections recorded"))
	}
	return nil
}
