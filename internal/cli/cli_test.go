// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jeranaias/paylink/internal/audit"
	"github.com/jeranaias/paylink/internal/config"
	"github.com/jeranaias/paylink/internal/instruction"
	"github.com/jeranaias/paylink/internal/logging"
	"github.com/jeranaias/paylink/internal/security"
	"github.com/jeranaias/paylink/internal/transport"
)

// clearEnv keeps ambient PAYLINK_* variables out of a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if k, _, _ := strings.Cut(kv, "="); strings.HasPrefix(k, "PAYLINK_") {
			t.Setenv(k, "")
			os.Unsetenv(k)
		}
	}
}

// writeConfig saves a loadable configuration under t.TempDir and returns its path.
func writeConfig(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Crypto.MasterSecret = "test-master-secret"
	cfg.TLS.Enabled = false
	cfg.Ops.Enabled = false
	cfg.Audit.Path = filepath.Join(dir, "audit.log")
	if mutate != nil {
		mutate(cfg)
	}
	path := filepath.Join(dir, "config.toml")
	if err := config.SaveTOML(cfg, path); err != nil {
		t.Fatalf("SaveTOML: %v", err)
	}
	return path
}

// decodeJSON decodes a JSONResponse and its data into data.
func decodeJSON(t *testing.T, out []byte, data interface{}) JSONResponse {
	t.Helper()
	var raw struct {
		JSONResponse
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		t.Fatalf("invalid JSON output %q: %v", out, err)
	}
	if data != nil {
		if err := json.Unmarshal(raw.Data, data); err != nil {
			t.Fatalf("invalid data %q: %v", raw.Data, err)
		}
	}
	return raw.JSONResponse
}

// =============================================================================
// ARG PARSER TESTS
// =============================================================================

func TestArgParser_BasicParsing(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		bools    []string
		wantSub  string
		validate func(*testing.T, *ArgParser)
	}{
		{
			name:    "simple subcommand",
			args:    []string{"tail"},
			wantSub: "tail",
		},
		{
			name:    "flag with value",
			args:    []string{"tail", "--lines", "50"},
			wantSub: "tail",
			validate: func(t *testing.T, p *ArgParser) {
				if p.Flag("lines") != "50" {
					t.Errorf("Flag(lines) = %q, want %q", p.Flag("lines"), "50")
				}
			},
		},
		{
			name:    "equals form",
			args:    []string{"generate", "--out=ks.p12", "--force=true"},
			wantSub: "generate",
			validate: func(t *testing.T, p *ArgParser) {
				if p.Flag("out") != "ks.p12" {
					t.Errorf("Flag(out) = %q", p.Flag("out"))
				}
				if !p.BoolFlag("force") {
					t.Error("BoolFlag(force) = false")
				}
			},
		},
		{
			name:  "declared bool does not consume next argument",
			args:  []string{"--await", "extra"},
			bools: []string{"await"},
			validate: func(t *testing.T, p *ArgParser) {
				if !p.BoolFlag("await") {
					t.Error("BoolFlag(await) = false")
				}
				if p.Positional(0) != "extra" {
					t.Errorf("Positional(0) = %q, want extra", p.Positional(0))
				}
			},
			wantSub: "extra",
		},
		{
			name:    "terminator keeps dashes positional",
			args:    []string{"get", "--", "--not-a-flag"},
			wantSub: "get",
			validate: func(t *testing.T, p *ArgParser) {
				if p.Positional(1) != "--not-a-flag" {
					t.Errorf("Positional(1) = %q", p.Positional(1))
				}
				if p.HasFlag("not-a-flag") {
					t.Error("flag after -- was parsed")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewArgParser(tt.args, tt.bools...)
			if got := p.Subcommand(); got != tt.wantSub {
				t.Errorf("Subcommand() = %q, want %q", got, tt.wantSub)
			}
			if tt.validate != nil {
				tt.validate(t, p)
			}
		})
	}
}

func TestArgParser_FlagInt(t *testing.T) {
	p := NewArgParser([]string{"--port", "8443", "--bad", "x"})

	n, ok, err := p.FlagInt("port")
	if err != nil || !ok || n != 8443 {
		t.Errorf("FlagInt(port) = %d, %v, %v", n, ok, err)
	}
	if _, ok, _ := p.FlagInt("missing"); ok {
		t.Error("FlagInt(missing) reported ok")
	}
	if _, _, err := p.FlagInt("bad"); err == nil {
		t.Error("FlagInt(bad) returned no error")
	}
	if got := p.FlagIntOrDefault("bad", 7); got != 7 {
		t.Errorf("FlagIntOrDefault(bad) = %d, want 7", got)
	}
}

func TestArgParser_FlagDuration(t *testing.T) {
	tests := []struct {
		value   string
		want    time.Duration
		wantErr bool
	}{
		{"", time.Hour, false},
		{"30", 30 * 24 * time.Hour, false},
		{"90m", 90 * time.Minute, false},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		raw := []string{}
		if tt.value != "" {
			raw = []string{"--days", tt.value}
		}
		got, err := NewArgParser(raw).FlagDuration("days", time.Hour)
		if (err != nil) != tt.wantErr {
			t.Errorf("FlagDuration(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("FlagDuration(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a, ,b,c ")
	if strings.Join(got, "|") != "a|b|c" {
		t.Errorf("splitList = %q", got)
	}
}

// =============================================================================
// COMMAND PARSING TESTS
// =============================================================================

func TestParse_Commands(t *testing.T) {
	tests := []struct {
		argv     []string
		wantCmd  Command
		wantRaw  []string
		wantJSON bool
		wantPath string
	}{
		{nil, CmdHelp, nil, false, ""},
		{[]string{"serve", "--listen", ":9000"}, CmdServe, []string{"--listen", ":9000"}, false, ""},
		{[]string{"notify", "--id", "1"}, CmdSend, []string{"--id", "1"}, false, ""},
		{[]string{"--json", "version"}, CmdVersion, []string{}, true, ""},
		{[]string{"config", "show", "--config", "/tmp/c.toml"}, CmdConfig, []string{"show"}, false, "/tmp/c.toml"},
		{[]string{"--config=/etc/p.toml", "audit", "tail"}, CmdAudit, []string{"tail"}, false, "/etc/p.toml"},
		{[]string{"--version"}, CmdVersion, []string{}, false, ""},
		{[]string{"bogus"}, CmdUnknown, []string{}, false, ""},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.argv, " "), func(t *testing.T) {
			cmd, args := Parse(tt.argv)
			if cmd != tt.wantCmd {
				t.Errorf("command = %v, want %v", cmd, tt.wantCmd)
			}
			if len(args.Raw) != len(tt.wantRaw) || strings.Join(args.Raw, " ") != strings.Join(tt.wantRaw, " ") {
				t.Errorf("raw = %q, want %q", args.Raw, tt.wantRaw)
			}
			if args.JSON != tt.wantJSON {
				t.Errorf("JSON = %v, want %v", args.JSON, tt.wantJSON)
			}
			if args.ConfigPath != tt.wantPath {
				t.Errorf("ConfigPath = %q, want %q", args.ConfigPath, tt.wantPath)
			}
		})
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	cmd, args := Parse([]string{"frobnicate"})
	err := Run(context.Background(), cmd, args, &bytes.Buffer{}, &bytes.Buffer{})
	if GetExitCode(err) != ExitUsageError {
		t.Errorf("exit code = %d, want %d (err %v)", GetExitCode(err), ExitUsageError, err)
	}
}

func TestRun_HelpPrintsUsage(t *testing.T) {
	var out bytes.Buffer
	if err := Run(context.Background(), CmdHelp, Args{}, &out, &bytes.Buffer{}); err != nil {
		t.Fatalf("Run(help): %v", err)
	}
	if !strings.Contains(out.String(), "paylink send") {
		t.Errorf("usage missing send command:\n%s", out.String())
	}
}

func TestHandleVersion_JSON(t *testing.T) {
	var out bytes.Buffer
	if err := HandleVersion(Args{JSON: true}, &out); err != nil {
		t.Fatalf("HandleVersion: %v", err)
	}
	var data VersionData
	resp := decodeJSON(t, out.Bytes(), &data)
	if !resp.Success || data.Version != Version {
		t.Errorf("response = %+v, data = %+v", resp, data)
	}
}

// =============================================================================
// EXIT CODE TESTS
// =============================================================================

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"usage", &UsageError{Message: "x"}, ExitUsageError},
		{"validation", fmt.Errorf("wrap: %w", &ValidationError{Field: "--id"}), ExitUsageError},
		{"config", fmt.Errorf("invalid config: %w", config.ValidateErrors{{Field: "a", Message: "b"}}), ExitConfigError},
		{"security config", &security.ConfigError{Field: "protocols", Reason: "bad"}, ExitConfigError},
		{"rejected", &RejectedError{Response: transport.RespDecryptionFailed}, ExitRejected},
		{"handshake", fmt.Errorf("dial: %w", transport.ErrHandshake), ExitSecurityError},
		{"keystore password", security.ErrKeyStorePassword, ExitSecurityError},
		{"keystore unreadable", security.ErrKeyStoreUnreadable, ExitConfigError},
		{"network", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, ExitNetworkError},
		{"other", errors.New("boom"), ExitGeneralError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetExitCode(tt.err); got != tt.want {
				t.Errorf("GetExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestDisplayError_JSON(t *testing.T) {
	var out bytes.Buffer
	DisplayError(&out, "send", errors.New("boom"), true)
	resp := decodeJSON(t, out.Bytes(), nil)
	if resp.Success || resp.Error == nil || *resp.Error != "boom" {
		t.Errorf("response = %+v", resp)
	}
}

// =============================================================================
// SEND TESTS
// =============================================================================

func TestEventFromFlags(t *testing.T) {
	now := func() time.Time { return time.Unix(1700000000, 0) }

	p := NewArgParser([]string{"--id", "42", "--first", "Jane", "--last", "Doe", "--ic", "S1234567A"})
	ev, err := eventFromFlags(p, now)
	if err != nil {
		t.Fatalf("eventFromFlags: %v", err)
	}
	line, _ := ev.Encode()
	want := "ACTION=NEW_HIRE;ID=42;FIRST_NAME=Jane;LAST_NAME=Doe;IC=S1234567A;TIMESTAMP=1700000000"
	if line != want {
		t.Errorf("line = %q, want %q", line, want)
	}

	p = NewArgParser([]string{"--id", "7", "--first", "A", "--last", "B", "--ic", "C", "--action", "TRANSFER", "--at", "5"})
	ev, err = eventFromFlags(p, now)
	if err != nil {
		t.Fatalf("eventFromFlags: %v", err)
	}
	if ev.Action != "TRANSFER" || ev.Timestamp.Unix() != 5 {
		t.Errorf("event = %+v", ev)
	}
}

func TestEventFromFlags_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing id", []string{"--first", "A", "--last", "B", "--ic", "C"}},
		{"non-numeric id", []string{"--id", "x", "--first", "A", "--last", "B", "--ic", "C"}},
		{"missing ic", []string{"--id", "1", "--first", "A", "--last", "B"}},
		{"bad timestamp", []string{"--id", "1", "--first", "A", "--last", "B", "--ic", "C", "--at", "noon"}},
		{"unframeable", []string{"--id", "1", "--first", "A;ID=2", "--last", "B", "--ic", "C"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eventFromFlags(NewArgParser(tt.args), time.Now)
			if err == nil {
				t.Fatal("expected an error")
			}
			if GetExitCode(err) != ExitUsageError {
				t.Errorf("exit code = %d, want %d", GetExitCode(err), ExitUsageError)
			}
		})
	}
}

func TestHandleSend_DeliversOverPlainTCP(t *testing.T) {
	clearEnv(t)

	engine, err := security.NewCipherEngine("test-master-secret")
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan instruction.Fields, 1)
	srv, err := transport.NewServer(transport.ServerConfig{}, engine,
		transport.WithProcessor(transport.ProcessorFunc(func(_ context.Context, f instruction.Fields) error {
			got <- f
			return nil
		})))
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, ln)

	port := ln.Addr().(*net.TCPAddr).Port
	path := writeConfig(t, func(c *config.Config) {
		c.Payroll.Host = "127.0.0.1"
		c.Payroll.Port = port
	})

	cmd, args := Parse([]string{"--json", "--config", path, "send",
		"--id", "42", "--first", "Jane", "--last", "Doe", "--ic", "S1", "--await"})
	var out bytes.Buffer
	if err := Run(ctx, cmd, args, &out, &bytes.Buffer{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	var result SendResult
	decodeJSON(t, out.Bytes(), &result)
	if !result.Delivered || result.Response != transport.RespSuccess.String() {
		t.Errorf("result = %+v", result)
	}
	select {
	case f := <-got:
		if f[instruction.KeyID] != "42" || f[instruction.KeyIC] != "S1" {
			t.Errorf("processor saw %v", f)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("processor never ran")
	}
}

func TestHandleSend_RejectedByWrongSecret(t *testing.T) {
	clearEnv(t)

	engine, err := security.NewCipherEngine("some-other-secret", security.WithIterations(1000))
	if err != nil {
		t.Fatal(err)
	}
	srv, err := transport.NewServer(transport.ServerConfig{}, engine)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, ln)

	path := writeConfig(t, func(c *config.Config) {
		c.Payroll.Host = "127.0.0.1"
		c.Payroll.Port = ln.Addr().(*net.TCPAddr).Port
	})
	cmd, args := Parse([]string{"--config", path, "send",
		"--id", "42", "--first", "Jane", "--last", "Doe", "--ic", "S1", "--await"})
	err = Run(ctx, cmd, args, &bytes.Buffer{}, &bytes.Buffer{})

	var rejected *RejectedError
	if !errors.As(err, &rejected) || rejected.Response != transport.RespDecryptionFailed {
		t.Fatalf("err = %v, want rejection with %s", err, transport.RespDecryptionFailed)
	}
	if GetExitCode(err) != ExitRejected {
		t.Errorf("exit code = %d, want %d", GetExitCode(err), ExitRejected)
	}
}

func TestHandleSend_NotifyFailsWhenRefused(t *testing.T) {
	clearEnv(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	path := writeConfig(t, func(c *config.Config) {
		c.Payroll.Host = "127.0.0.1"
		c.Payroll.Port = port
		c.Payroll.ConnectRetries = 0
	})
	cmd, args := Parse([]string{"--config", path, "send", "--id", "1", "--first", "A", "--last", "B", "--ic", "C"})
	err = Run(context.Background(), cmd, args, &bytes.Buffer{}, &bytes.Buffer{})
	if !errors.Is(err, errNotDelivered) {
		t.Errorf("err = %v, want errNotDelivered", err)
	}
}

// =============================================================================
// KEYSTORE TESTS
// =============================================================================

func TestHandleKeystore_GenerateAndInspect(t *testing.T) {
	clearEnv(t)
	t.Setenv("PAYLINK_KEYSTORE_PASSWORD", "changeit")
	path := filepath.Join(t.TempDir(), "channel.p12")

	var out bytes.Buffer
	err := HandleKeystore(Args{JSON: true, Raw: []string{"generate", "--out", path, "--cn", "payroll", "--hosts", "payroll.local,127.0.0.1", "--days", "10"}}, &out, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	// A second generate without --force must not clobber the store.
	err = HandleKeystore(Args{Raw: []string{"generate", "--out", path}}, &bytes.Buffer{}, &bytes.Buffer{})
	if GetExitCode(err) != ExitUsageError {
		t.Errorf("regenerate without --force: err = %v", err)
	}

	out.Reset()
	if err := HandleKeystore(Args{JSON: true, Raw: []string{"inspect", "--path", path}}, &out, &bytes.Buffer{}); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	var info KeyStoreInfo
	decodeJSON(t, out.Bytes(), &info)
	if info.Subject != "payroll" {
		t.Errorf("subject = %q, want payroll", info.Subject)
	}
	if len(info.DNSNames) != 1 || info.DNSNames[0] != "payroll.local" {
		t.Errorf("DNS names = %v", info.DNSNames)
	}
	if len(info.IPAddresses) != 1 || info.IPAddresses[0] != "127.0.0.1" {
		t.Errorf("IP addresses = %v", info.IPAddresses)
	}
	if d := info.NotAfter.Sub(info.NotBefore); d < 9*24*time.Hour || d > 11*24*time.Hour {
		t.Errorf("validity = %v, want about 10 days", d)
	}
	if len(info.SHA256) != 64 {
		t.Errorf("fingerprint = %q", info.SHA256)
	}
}

func TestHandleKeystore_WrongPassword(t *testing.T) {
	clearEnv(t)
	t.Setenv("PAYLINK_KEYSTORE_PASSWORD", "changeit")
	path := filepath.Join(t.TempDir(), "channel.p12")
	if err := HandleKeystore(Args{Raw: []string{"generate", "--out", path}}, &bytes.Buffer{}, &bytes.Buffer{}); err != nil {
		t.Fatalf("generate: %v", err)
	}

	t.Setenv("PAYLINK_KEYSTORE_PASSWORD", "wrong")
	err := HandleKeystore(Args{Raw: []string{"inspect", "--path", path}}, &bytes.Buffer{}, &bytes.Buffer{})
	if GetExitCode(err) != ExitSecurityError {
		t.Errorf("exit code = %d, want %d (err %v)", GetExitCode(err), ExitSecurityError, err)
	}
}

func TestHandleKeystore_Usage(t *testing.T) {
	for _, raw := range [][]string{nil, {"rotate"}, {"generate"}} {
		err := HandleKeystore(Args{Raw: raw}, &bytes.Buffer{}, &bytes.Buffer{})
		if GetExitCode(err) != ExitUsageError {
			t.Errorf("%q: exit code = %d, want %d", raw, GetExitCode(err), ExitUsageError)
		}
	}
}

// =============================================================================
// CONFIG COMMAND TESTS
// =============================================================================

func TestHandleConfig_InitThenCheckFails(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "paylink", "config.toml")
	args := Args{ConfigPath: path, Raw: []string{"init"}}

	if err := HandleConfig(args, &bytes.Buffer{}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := HandleConfig(args, &bytes.Buffer{}); GetExitCode(err) != ExitUsageError {
		t.Errorf("second init without --force: err = %v", err)
	}
	args.Raw = []string{"init", "--force"}
	if err := HandleConfig(args, &bytes.Buffer{}); err != nil {
		t.Errorf("init --force: %v", err)
	}

	// The default file has no master secret or keystore yet.
	var out bytes.Buffer
	args = Args{ConfigPath: path, JSON: true, Raw: []string{"check"}}
	err := HandleConfig(args, &out)
	if GetExitCode(err) != ExitConfigError {
		t.Fatalf("check exit code = %d, want %d (err %v)", GetExitCode(err), ExitConfigError, err)
	}
	var results []CheckResult
	decodeJSON(t, out.Bytes(), &results)
	fields := map[string]bool{}
	for _, r := range results {
		fields[r.Name] = r.Status == "fail"
	}
	for _, want := range []string{"crypto.master_secret", "tls.keystore_path", "tls.keystore_password"} {
		if !fields[want] {
			t.Errorf("check did not flag %s: %+v", want, results)
		}
	}
}

func TestHandleConfig_CheckWithKeyStore(t *testing.T) {
	clearEnv(t)
	ksPath := filepath.Join(t.TempDir(), "channel.p12")
	pfx, err := security.GenerateKeyStore(security.KeyStoreOptions{
		CommonName: "paylink",
		Hosts:      []string{"localhost"},
		ValidFor:   time.Hour,
		Password:   "changeit",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := security.WriteKeyStore(ksPath, pfx); err != nil {
		t.Fatal(err)
	}

	path := writeConfig(t, func(c *config.Config) {
		c.TLS.Enabled = true
		c.TLS.KeyStorePath = ksPath
		c.TLS.KeyStorePassword = "changeit"
	})

	var out bytes.Buffer
	if err := HandleConfig(Args{ConfigPath: path, JSON: true, Raw: []string{"check"}}, &out); err != nil {
		t.Fatalf("check: %v\n%s", err, out.String())
	}
	var results []CheckResult
	decodeJSON(t, out.Bytes(), &results)
	for _, r := range results {
		if r.Status != "ok" {
			t.Errorf("%s = %s (%s)", r.Name, r.Status, r.Detail)
		}
	}
}

func TestHandleConfig_GetAndShow(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, func(c *config.Config) { c.Payroll.Port = 8443 })

	var out bytes.Buffer
	if err := HandleConfig(Args{ConfigPath: path, Raw: []string{"get", "payroll.port"}}, &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if strings.TrimSpace(out.String()) != "8443" {
		t.Errorf("get payroll.port = %q", out.String())
	}

	err := HandleConfig(Args{ConfigPath: path, Raw: []string{"get", "payroll.nope"}}, &bytes.Buffer{})
	if GetExitCode(err) != ExitUsageError {
		t.Errorf("get unknown key: err = %v", err)
	}

	out.Reset()
	if err := HandleConfig(Args{ConfigPath: path, Raw: []string{"show"}}, &out); err != nil {
		t.Fatalf("show: %v", err)
	}
	if strings.Contains(out.String(), "test-master-secret") {
		t.Error("show leaked the master secret")
	}
}

// =============================================================================
// AUDIT COMMAND TESTS
// =============================================================================

func TestHandleAudit_SQLiteTailAndStats(t *testing.T) {
	clearEnv(t)
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	path := writeConfig(t, func(c *config.Config) {
		c.Audit.Backend = audit.BackendSQLite
		c.Audit.Path = dbPath
	})

	sink, err := audit.NewSQLiteSink(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	outcomes := []string{"ACK:SUCCESS", "ACK:SUCCESS", "ERROR:DECRYPTION_FAILED"}
	for i, o := range outcomes {
		if err := sink.Record(audit.Event{
			Timestamp: time.Unix(int64(1700000000+i), 0),
			Type:      audit.EventConnection,
			ConnID:    fmt.Sprintf("conn-%d", i),
			Outcome:   o,
			Success:   o == "ACK:SUCCESS",
		}); err != nil {
			t.Fatal(err)
		}
	}
	sink.Close()

	var out bytes.Buffer
	if err := HandleAudit(Args{ConfigPath: path, Raw: []string{"tail", "--lines", "2"}}, &out); err != nil {
		t.Fatalf("tail: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("tail printed %d lines:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[0], "conn-1") || !strings.Contains(lines[1], "conn-2") {
		t.Errorf("tail order wrong:\n%s", out.String())
	}

	out.Reset()
	if err := HandleAudit(Args{ConfigPath: path, JSON: true, Raw: []string{"stats"}}, &out); err != nil {
		t.Fatalf("stats: %v", err)
	}
	var counts map[string]int
	decodeJSON(t, out.Bytes(), &counts)
	if counts["ACK:SUCCESS"] != 2 || counts["ERROR:DECRYPTION_FAILED"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestHandleAudit_FileTail(t *testing.T) {
	clearEnv(t)
	logPath := filepath.Join(t.TempDir(), "audit.log")
	path := writeConfig(t, func(c *config.Config) { c.Audit.Path = logPath })

	var content strings.Builder
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(&content, "line %d\n", i)
	}
	if err := os.WriteFile(logPath, []byte(content.String()), 0600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := HandleAudit(Args{ConfigPath: path, Raw: []string{"tail", "--lines", "3"}}, &out); err != nil {
		t.Fatalf("tail: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "line 3\nline 4\nline 5" {
		t.Errorf("tail = %q", got)
	}

	// Asking for more lines than exist prints everything.
	out.Reset()
	if err := HandleAudit(Args{ConfigPath: path, Raw: []string{"tail"}}, &out); err != nil {
		t.Fatalf("tail: %v", err)
	}
	if strings.Count(out.String(), "\n") != 5 {
		t.Errorf("tail = %q", out.String())
	}

	if err := HandleAudit(Args{ConfigPath: path, Raw: []string{"stats"}}, &bytes.Buffer{}); err == nil {
		t.Error("stats on the file backend should fail")
	}
}

// =============================================================================
// RUNTIME TESTS
// =============================================================================

func TestRuntime_ServeDeliverAndStop(t *testing.T) {
	clearEnv(t)
	cfg := config.Default()
	cfg.Crypto.MasterSecret = "test-master-secret"
	cfg.TLS.Enabled = false
	cfg.Audit.Backend = audit.BackendSQLite
	cfg.Audit.Path = filepath.Join(t.TempDir(), "audit.db")
	cfg.Payroll.Host = "127.0.0.1"

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	opsLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Payroll.Port = ln.Addr().(*net.TCPAddr).Port

	rt, err := newRuntime(cfg.SecureChannel(), logging.Discard())
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- rt.serve(ctx, ln, serveOptions{ops: opsLn, processor: strictProcessor(logging.Discard())})
	}()

	client, err := rt.client()
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Deliver(context.Background(), instruction.NewHire(42, "Jane", "Doe", "S1", time.Now()))
	if err != nil || !resp.OK() {
		t.Fatalf("Deliver = %v, %v", resp, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop")
	}
	rt.Close()

	sink, err := audit.NewSQLiteSink(cfg.Audit.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()
	events, err := sink.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, e := range events {
		seen[e.Type] = true
	}
	for _, want := range []string{audit.EventStartup, audit.EventConnection, audit.EventNotify, audit.EventShutdown} {
		if !seen[want] {
			t.Errorf("missing %s audit record in %+v", want, events)
		}
	}
}
