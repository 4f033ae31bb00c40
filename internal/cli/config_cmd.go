// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config_cmd.go - The "config" command.

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jeranaias/paylink/internal/config"
	"github.com/jeranaias/paylink/internal/security"
)

const configUsage = "paylink config <check|show|get KEY|init>"

// CheckResult is one line of "config check".
type CheckResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HandleConfig handles "paylink config".
func HandleConfig(args Args, w io.Writer) error {
	p := NewArgParser(args.Raw, "force")
	switch p.Subcommand() {
	case "check", "validate":
		return configCheck(args, w)
	case "show", "":
		cfg, err := loadConfig(args)
		if err != nil {
			return err
		}
		if args.JSON {
			return NewJSONResponse("config show", cfg.Redacted()).Print(w)
		}
		fmt.Fprintln(w, cfg.String())
		return nil
	case "get":
		key := p.Positional(1)
		if key == "" {
			return &UsageError{Message: "missing key", Usage: "paylink config get KEY"}
		}
		cfg, err := loadConfig(args)
		if err != nil {
			return err
		}
		v, err := cfg.Get(key)
		if err != nil {
			return &ValidationError{Field: "key", Value: key, Reason: err.Error(), Example: "payroll.port"}
		}
		if args.JSON {
			return NewJSONResponse("config get", map[string]interface{}{key: v}).Print(w)
		}
		fmt.Fprintln(w, v)
		return nil
	case "init":
		return configInit(p, args, w)
	default:
		return &UsageError{Message: fmt.Sprintf("unknown config subcommand %q", p.Subcommand()), Usage: configUsage}
	}
}

// configCheck loads the configuration and exercises every credential the
// server needs at startup.
func configCheck(args Args, w io.Writer) error {
	var results []CheckResult
	add := func(name string, err error, okDetail string) {
		if err != nil {
			results = append(results, CheckResult{Name: name, Status: "fail", Detail: err.Error()})
			return
		}
		results = append(results, CheckResult{Name: name, Status: "ok", Detail: okDetail})
	}

	cfg, err := loadConfig(args)
	if err != nil {
		var verrs config.ValidateErrors
		if errors.As(err, &verrs) {
			for _, v := range verrs {
				results = append(results, CheckResult{Name: v.Field, Status: "fail", Detail: v.Message})
			}
		} else {
			add("config", err, "")
		}
		printChecks(w, args, results)
		return err
	}
	add("config", nil, "valid")

	ch := cfg.SecureChannel()
	_, cerr := security.NewCipherEngine(ch.MasterSecret, security.WithKeyCacheSize(ch.KeyCacheSize))
	add("cipher", cerr, "AES-256-GCM, PBKDF2-HMAC-SHA256")

	var firstErr error = cerr
	if ch.TLSEnabled {
		tlsCfg, terr := security.NewContextFactory(ch.TLS).Build()
		detail := ""
		if terr == nil {
			detail = fmt.Sprintf("%s..%s, %d TLS 1.2 suites",
				security.VersionName(tlsCfg.MinVersion), security.VersionName(tlsCfg.MaxVersion), len(tlsCfg.CipherSuites))
		}
		add("tls", terr, detail)
		if firstErr == nil {
			firstErr = terr
		}
	} else {
		results = append(results, CheckResult{Name: "tls", Status: "warn", Detail: "disabled"})
	}

	printChecks(w, args, results)
	return firstErr
}

func printChecks(w io.Writer, args Args, results []CheckResult) {
	if args.JSON {
		_ = NewJSONResponse("config check", results).Print(w)
		return
	}
	fmt.Fprintln(w, TitleStyle.Render("Configuration check"))
	fmt.Fprintln(w, RenderSeparator())
	for _, r := range results {
		line := RenderStatus(r.Status) + " " + RenderLabel(r.Name)
		if r.Detail != "" {
			line += DimStyle.Render(r.Detail)
		}
		fmt.Fprintln(w, line)
	}
}

func configInit(p *ArgParser, args Args, w io.Writer) error {
	path := args.ConfigPath
	if path == "" {
		var err error
		if path, err = config.ConfigPath(); err != nil {
			return err
		}
	}
	if _, err := os.Stat(path); err == nil && !p.BoolFlag("force") {
		return &ValidationError{Field: "config", Value: path, Reason: "file exists (use --force to replace it)"}
	}

	if err := config.SaveTOML(config.Default(), path); err != nil {
		return err
	}
	if args.JSON {
		return NewJSONResponse("config init", map[string]string{"path": path}).Print(w)
	}
	fmt.Fprintf(w, "%s wrote %s\n", RenderStatus("ok"), path)
	fmt.Fprintln(w, DimStyle.Render("Set crypto.master_secret and the tls.keystore_* values before running serve."))
	return nil
}
