// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// send_cmd.go - The "send" command: HR-side notification.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jeranaias/paylink/internal/instruction"
)

const sendUsage = "paylink send --id N --first NAME --last NAME --ic IC [--action A] [--at UNIX] [--await]"

// SendResult is the --json payload of "send".
type SendResult struct {
	Delivered bool   `json:"delivered"`
	Response  string `json:"response,omitempty"`
	Target    string `json:"target"`
}

// HandleSend handles "paylink send".
func HandleSend(ctx context.Context, args Args, stdout, stderr io.Writer) error {
	p := NewArgParser(args.Raw, "await")

	ev, err := eventFromFlags(p, time.Now)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	if host := p.Flag("host"); host != "" {
		cfg.Payroll.Host = host
	}
	if port, ok, err := p.FlagInt("port"); err != nil {
		return err
	} else if ok {
		cfg.Payroll.Port = port
	}

	logger, err := newLogger(cfg, args, stderr)
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg.SecureChannel(), logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	client, err := rt.client()
	if err != nil {
		return err
	}
	result := SendResult{Target: rt.channel.Payroll.Addr()}

	if p.BoolFlag("await") {
		resp, err := client.Deliver(ctx, ev)
		if err != nil {
			return fmt.Errorf("send to %s: %w", result.Target, err)
		}
		result.Delivered = true
		result.Response = resp.String()
		if !resp.OK() {
			return &RejectedError{Response: resp}
		}
	} else {
		if !client.Notify(ctx, ev) {
			return fmt.Errorf("send to %s: %w", result.Target, errNotDelivered)
		}
		result.Delivered = true
	}

	if args.JSON {
		return NewJSONResponse("send", result).Print(stdout)
	}
	fmt.Fprintf(stdout, "%s instruction %s for ID %d sent to %s\n",
		RenderStatus("ok"), ev.Action, ev.ID, result.Target)
	if result.Response != "" {
		fmt.Fprintln(stdout, renderField("Response", result.Response))
	}
	return nil
}

var errNotDelivered = errors.New("notification not delivered; see log for the cause")

// eventFromFlags builds the instruction from command-line flags.
func eventFromFlags(p *ArgParser, now func() time.Time) (instruction.Event, error) {
	idStr, err := requireFlag(p, "id", sendUsage)
	if err != nil {
		return instruction.Event{}, err
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return instruction.Event{}, &ValidationError{Field: "--id", Value: idStr, Reason: "must be an integer", Example: "--id 42"}
	}

	var names [3]string
	for i, flag := range []string{"first", "last", "ic"} {
		if names[i], err = requireFlag(p, flag, sendUsage); err != nil {
			return instruction.Event{}, err
		}
	}

	at := now()
	if v := p.Flag("at"); v != "" {
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return instruction.Event{}, &ValidationError{Field: "--at", Value: v, Reason: "must be Unix seconds"}
		}
		at = time.Unix(secs, 0)
	}

	ev := instruction.NewHire(id, names[0], names[1], names[2], at)
	ev.Action = p.FlagOrDefault("action", instruction.ActionNewHire)

	// Catch unframeable values before touching the network.
	if _, err := ev.Encode(); err != nil {
		return instruction.Event{}, &ValidationError{Field: "instruction", Reason: err.Error()}
	}
	return ev, nil
}
