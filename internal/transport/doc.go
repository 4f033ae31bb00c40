// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport carries encrypted instructions from the HR side to the
// payroll side over a single-line protocol.
//
// # Protocol
//
// The client opens a connection (TLS when configured), writes one base64
// envelope terminated by a newline, and the server answers with one line:
//
//	ACK:SUCCESS
//	ERROR:EMPTY_PAYLOAD
//	ERROR:DECRYPTION_FAILED
//	ERROR:PROCESSING_FAILED
//
// The connection is then closed. Handshake and I/O failures produce no
// response line.
//
// # Usage
//
//	srv, err := transport.NewServer(transport.ServerConfig{}, engine,
//	    transport.WithServerTLS(factory),
//	    transport.WithProcessor(payroll),
//	)
//	go srv.Serve(ctx, ln)
//
//	client, err := transport.NewClient(transport.ClientConfig{Host: "payroll", Port: 7443}, engine,
//	    transport.WithClientTLS(factory),
//	)
//	ok := client.Notify(ctx, instruction.NewHire(42, "Jane", "Doe", "S1234567A", time.Now()))
package transport
