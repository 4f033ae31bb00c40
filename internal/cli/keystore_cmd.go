// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// keystore_cmd.go - The "keystore" command: create and inspect the pinned
// PKCS#12 store both channel ends share.

package cli

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jeranaias/paylink/internal/security"
)

const (
	keystoreGenerateUsage = "paylink keystore generate --out FILE [--cn NAME] [--hosts H1,H2] [--days N] [--force]"
	keystoreInspectUsage  = "paylink keystore inspect --path FILE"
)

// KeyStoreInfo is the --json payload of "keystore inspect".
type KeyStoreInfo struct {
	Path        string    `json:"path"`
	Subject     string    `json:"subject"`
	DNSNames    []string  `json:"dns_names"`
	IPAddresses []string  `json:"ip_addresses"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	SHA256      string    `json:"sha256"`
}

// HandleKeystore handles "paylink keystore <generate|inspect>".
func HandleKeystore(args Args, stdout, stderr io.Writer) error {
	p := NewArgParser(args.Raw, "force")
	switch p.Subcommand() {
	case "generate", "gen":
		return keystoreGenerate(p, args, stdout, stderr)
	case "inspect", "show":
		return keystoreInspect(p, args, stdout, stderr)
	case "":
		return &UsageError{Message: "missing keystore subcommand", Usage: keystoreGenerateUsage}
	default:
		return &UsageError{Message: fmt.Sprintf("unknown keystore subcommand %q", p.Subcommand()), Usage: keystoreGenerateUsage}
	}
}

func keystoreGenerate(p *ArgParser, args Args, stdout, stderr io.Writer) error {
	out, err := requireFlag(p, "out", keystoreGenerateUsage)
	if err != nil {
		return err
	}
	if _, err := os.Stat(out); err == nil && !p.BoolFlag("force") {
		return &ValidationError{Field: "--out", Value: out, Reason: "file exists (use --force to replace it)"}
	}

	validFor, err := p.FlagDuration("days", 365*24*time.Hour)
	if err != nil {
		return err
	}
	hosts := splitList(p.FlagOrDefault("hosts", "localhost"))

	password, err := keystorePassword(stderr, true)
	if err != nil {
		return err
	}

	pfx, err := security.GenerateKeyStore(security.KeyStoreOptions{
		CommonName: p.FlagOrDefault("cn", "paylink"),
		Hosts:      hosts,
		ValidFor:   validFor,
		Password:   password,
	})
	if err != nil {
		return err
	}
	if err := security.WriteKeyStore(out, pfx); err != nil {
		return err
	}

	if args.JSON {
		return NewJSONResponse("keystore generate", map[string]interface{}{
			"path":  out,
			"hosts": hosts,
		}).Print(stdout)
	}
	fmt.Fprintf(stdout, "%s keystore written to %s\n", RenderStatus("ok"), out)
	fmt.Fprintln(stdout, renderField("Hosts", strings.Join(hosts, ", ")))
	fmt.Fprintln(stdout, DimStyle.Render("Copy the same file to both the HR and payroll hosts."))
	return nil
}

func keystoreInspect(p *ArgParser, args Args, stdout, stderr io.Writer) error {
	path, err := requireFlag(p, "path", keystoreInspectUsage)
	if err != nil {
		return err
	}
	password, err := keystorePassword(stderr, false)
	if err != nil {
		return err
	}
	ks, err := security.LoadKeyStore(path, password)
	if err != nil {
		return err
	}

	leaf := ks.Leaf
	sum := sha256.Sum256(leaf.Raw)
	info := KeyStoreInfo{
		Path:      path,
		Subject:   leaf.Subject.CommonName,
		DNSNames:  leaf.DNSNames,
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
		SHA256:    hex.EncodeToString(sum[:]),
	}
	for _, ip := range leaf.IPAddresses {
		info.IPAddresses = append(info.IPAddresses, ip.String())
	}

	if args.JSON {
		return NewJSONResponse("keystore inspect", info).Print(stdout)
	}
	fmt.Fprintln(stdout, TitleStyle.Render("Keystore "+path))
	fmt.Fprintln(stdout, renderField("Subject", info.Subject))
	fmt.Fprintln(stdout, renderField("DNS names", strings.Join(info.DNSNames, ", ")))
	fmt.Fprintln(stdout, renderField("IP addresses", strings.Join(info.IPAddresses, ", ")))
	fmt.Fprintln(stdout, renderField("Valid from", info.NotBefore.Format(time.RFC3339)))
	fmt.Fprintln(stdout, renderField("Valid until", info.NotAfter.Format(time.RFC3339)))
	fmt.Fprintln(stdout, renderField("SHA-256", info.SHA256))
	if remaining := time.Until(info.NotAfter); remaining < 30*24*time.Hour {
		fmt.Fprintln(stdout, WarningStyle.Render(fmt.Sprintf("Certificate expires in %s", remaining.Round(time.Hour))))
	}
	return nil
}

// keystorePassword reads PAYLINK_KEYSTORE_PASSWORD, falling back to an
// interactive prompt.
func keystorePassword(w io.Writer, confirm bool) (string, error) {
	if pw := os.Getenv("PAYLINK_KEYSTORE_PASSWORD"); pw != "" {
		return pw, nil
	}
	return promptPassword(w, "Keystore password: ", confirm)
}
