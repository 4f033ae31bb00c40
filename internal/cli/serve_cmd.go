// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// serve_cmd.go - The "serve" command: payroll-side channel server.

package cli

import (
	"context"
	"fmt"
	"io"
	"net"
)

// HandleServe handles "paylink serve". It returns when ctx is cancelled
// (SIGINT/SIGTERM in main) after in-flight connections drain.
func HandleServe(ctx context.Context, args Args, stdout, stderr io.Writer) error {
	p := NewArgParser(args.Raw, "strict")

	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	if addr := p.Flag("listen"); addr != "" {
		cfg.Server.ListenAddr = addr
	}

	logger, err := newLogger(cfg, args, stderr)
	if err != nil {
		return err
	}
	ch := cfg.SecureChannel()

	rt, err := newRuntime(ch, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ln, err := net.Listen("tcp", ch.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", ch.ListenAddr, err)
	}

	so := serveOptions{opsToken: cfg.Ops.Token}
	if cfg.Ops.Enabled {
		opsLn, err := net.Listen("tcp", cfg.Ops.ListenAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("listen ops %s: %w", cfg.Ops.ListenAddr, err)
		}
		so.ops = opsLn
	}
	if p.BoolFlag("strict") {
		so.processor = strictProcessor(logger)
	}

	if !args.JSON {
		fmt.Fprintln(stdout, TitleStyle.Render("paylink channel server"))
		fmt.Fprintln(stdout, renderField("Listening", ln.Addr().String()))
		fmt.Fprintln(stdout, renderField("TLS", onOff(rt.tls != nil)))
		if so.ops != nil {
			fmt.Fprintln(stdout, renderField("Ops endpoint", so.ops.Addr().String()))
		}
		fmt.Fprintln(stdout, DimStyle.Render("Press Ctrl+C to stop"))
	}

	return rt.serve(ctx, ln, so)
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
