// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package instruction

import (
	"fmt"
	"strconv"
	"time"
)

// ActionNewHire announces a newly registered employee to payroll.
const ActionNewHire = "NEW_HIRE"

// Event is the typed form of a personnel instruction.
type Event struct {
	Action    string
	ID        int64
	FirstName string
	LastName  string
	// IC is the national identity card number. Treat as sensitive.
	IC        string
	Timestamp time.Time
}

// NewHire builds a NEW_HIRE event.
func NewHire(id int64, firstName, lastName, ic string, at time.Time) Event {
	return Event{
		Action:    ActionNewHire,
		ID:        id,
		FirstName: firstName,
		LastName:  lastName,
		IC:        ic,
		Timestamp: at,
	}
}

// Fields returns the wire fields for e. TIMESTAMP is Unix seconds.
func (e Event) Fields() Fields {
	return Fields{
		KeyAction:    e.Action,
		KeyID:        strconv.FormatInt(e.ID, 10),
		KeyFirstName: e.FirstName,
		KeyLastName:  e.LastName,
		KeyIC:        e.IC,
		KeyTimestamp: strconv.FormatInt(e.Timestamp.Unix(), 10),
	}
}

// Encode renders e as an instruction line.
func (e Event) Encode() (string, error) {
	return Encode(e.Fields())
}

// ParseEvent converts wire fields into an Event, additionally requiring ID and
// TIMESTAMP to be base-10 integers. Wire validation (IsValid) does not check
// these formats; ParseEvent is for consumers that need typed values.
func ParseEvent(f Fields) (Event, error) {
	if missing := f.Missing(); len(missing) > 0 {
		return Event{}, fmt.Errorf("%w: %v", ErrIncomplete, missing)
	}

	id, err := strconv.ParseInt(f[KeyID], 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("instruction: invalid %s: %w", KeyID, err)
	}
	ts, err := strconv.ParseInt(f[KeyTimestamp], 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("instruction: invalid %s: %w", KeyTimestamp, err)
	}

	return Event{
		Action:    f[KeyAction],
		ID:        id,
		FirstName: f[KeyFirstName],
		LastName:  f[KeyLastName],
		IC:        f[KeyIC],
		Timestamp: time.Unix(ts, 0).UTC(),
	}, nil
}
