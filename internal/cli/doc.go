// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the paylink command line.
//
// Handlers return errors and never exit; main maps the error to an exit code
// with GetExitCode and prints it with DisplayError.
//
// # Commands
//
//   - serve: run the payroll-side channel server (plus the ops endpoint)
//   - send: encrypt one instruction and deliver it to payroll
//   - keystore: generate or inspect the shared PKCS#12 store
//   - config: check, show, get or initialise the configuration
//   - audit: read back the audit trail
//   - version
//
// # Usage
//
//	cmd, args := cli.Parse(os.Args[1:])
//	if err := cli.Run(ctx, cmd, args, os.Stdout, os.Stderr); err != nil {
//	    cli.DisplayError(os.Stderr, args.Name, err, args.JSON)
//	    os.Exit(cli.GetExitCode(err))
//	}
//
// Every command accepts --json and then writes a single JSONResponse.
package cli
