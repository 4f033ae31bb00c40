// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package instruction

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// WIRE FORMAT
// =============================================================================

// Required keys, in canonical encoding order.
const (
	KeyAction    = "ACTION"
	KeyID        = "ID"
	KeyFirstName = "FIRST_NAME"
	KeyLastName  = "LAST_NAME"
	KeyIC        = "IC"
	KeyTimestamp = "TIMESTAMP"
)

// RequiredKeys lists every key a valid instruction must carry.
var RequiredKeys = []string{KeyAction, KeyID, KeyFirstName, KeyLastName, KeyIC, KeyTimestamp}

const (
	pairSeparator = ";"
	keySeparator  = "="
)

var (
	// ErrUnframeable indicates a key or value contains a separator or line
	// break and cannot be carried on a single instruction line.
	ErrUnframeable = errors.New("instruction: value cannot be framed")

	// ErrIncomplete indicates one or more required keys are missing or blank.
	ErrIncomplete = errors.New("instruction: required field missing")
)

// Fields is a decoded instruction line. Keys are case-sensitive.
type Fields map[string]string

// Missing returns the required keys that are absent or blank, in canonical order.
func (f Fields) Missing() []string {
	var missing []string
	for _, k := range RequiredKeys {
		if strings.TrimSpace(f[k]) == "" {
			missing = append(missing, k)
		}
	}
	return missing
}

// IsValid reports whether all six required keys are present with non-blank
// values. Unknown keys are ignored.
func IsValid(f Fields) bool {
	return len(f.Missing()) == 0
}

// Encode renders f as a single instruction line: the required keys in
// canonical order, then any extra keys sorted by name. Values are trimmed and
// NFC-normalized so both ends agree on the bytes that get encrypted.
func Encode(f Fields) (string, error) {
	if missing := f.Missing(); len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrIncomplete, strings.Join(missing, ", "))
	}

	var extra []string
	for k := range f {
		if !isRequired(k) {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)

	var b strings.Builder
	for i, k := range append(append([]string{}, RequiredKeys...), extra...) {
		v := norm.NFC.String(strings.TrimSpace(f[k]))
		if err := checkFramable(k, v); err != nil {
			return "", err
		}
		if i > 0 {
			b.WriteString(pairSeparator)
		}
		b.WriteString(k)
		b.WriteString(keySeparator)
		b.WriteString(v)
	}
	return b.String(), nil
}

// Parse decodes an instruction line. Segments without "=" and segments with a
// blank value are dropped; if a key repeats, the last occurrence wins.
// Parse never fails: use IsValid or Missing to judge the result.
func Parse(line string) Fields {
	f := make(Fields)
	for _, seg := range strings.Split(line, pairSeparator) {
		k, v, ok := strings.Cut(seg, keySeparator)
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		f[k] = v
	}
	return f
}

func isRequired(k string) bool {
	for _, r := range RequiredKeys {
		if r == k {
			return true
		}
	}
	return false
}

func checkFramable(k, v string) error {
	if k == "" || strings.ContainsAny(k, pairSeparator+keySeparator+"\r\n") {
		return fmt.Errorf("%w: key %q", ErrUnframeable, k)
	}
	if strings.ContainsAny(v, pairSeparator+"\r\n") {
		return fmt.Errorf("%w: value of %s", ErrUnframeable, k)
	}
	return nil
}
