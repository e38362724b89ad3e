// Package models defines the record model shared by the local store, the
// snapshot codec and the merge logic.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is one entity instance in a journal table. The sync engine only
// interprets the envelope fields below; entity-specific fields (calories,
// grams, bpm, ...) travel in Payload and are opaque to the engine.
//
// Invariants:
//   - a soft-deleted record always has DeletedAt set, a live record never;
//   - UpdatedAt never decreases across successive mutations of the same ID.
type Record struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
	Deleted   bool
	DeletedAt *time.Time
	Payload   map[string]json.RawMessage
}

// envelope field names reserved in the wire document. Payload keys are
// flattened next to them, so these names are not allowed as entity fields.
var envelopeFields = map[string]struct{}{
	"id":         {},
	"created_at": {},
	"updated_at": {},
	"deleted":    {},
	"deleted_at": {},
}

// MarshalJSON flattens the record into a single JSON object: envelope fields
// plus payload fields side by side, as the snapshot document requires.
// encoding/json sorts map keys, which keeps the output canonical.
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(r.Payload)+5)
	for k, v := range r.Payload {
		if _, reserved := envelopeFields[k]; reserved {
			return nil, fmt.Errorf("payload field %q collides with an envelope field", k)
		}
		m[k] = v
	}

	put := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		m[key] = b
		return nil
	}

	if err := put("id", r.ID); err != nil {
		return nil, err
	}
	if err := put("created_at", FormatTime(r.CreatedAt)); err != nil {
		return nil, err
	}
	if err := put("updated_at", FormatTime(r.UpdatedAt)); err != nil {
		return nil, err
	}
	if r.Deleted {
		if err := put("deleted", true); err != nil {
			return nil, err
		}
	}
	if r.DeletedAt != nil {
		if err := put("deleted_at", FormatTime(*r.DeletedAt)); err != nil {
			return nil, err
		}
	}

	return json.Marshal(m)
}

// UnmarshalJSON restores envelope fields and collects the remaining keys
// into Payload. Snapshots written by older engine versions may omit the
// deleted flag entirely; absence means "not deleted".
func (r *Record) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	var err error
	if raw, ok := m["id"]; ok {
		if err = json.Unmarshal(raw, &r.ID); err != nil {
			return fmt.Errorf("invalid record id: %w", err)
		}
	}
	if r.CreatedAt, err = timeField(m, "created_at"); err != nil {
		return err
	}
	if r.UpdatedAt, err = timeField(m, "updated_at"); err != nil {
		return err
	}
	if raw, ok := m["deleted"]; ok {
		if err = json.Unmarshal(raw, &r.Deleted); err != nil {
			return fmt.Errorf("invalid deleted flag: %w", err)
		}
	}
	if raw, ok := m["deleted_at"]; ok {
		t, err := parseTimeRaw(raw)
		if err != nil {
			return fmt.Errorf("invalid deleted_at: %w", err)
		}
		r.DeletedAt = &t
	}

	r.Payload = make(map[string]json.RawMessage)
	for k, v := range m {
		if _, reserved := envelopeFields[k]; reserved {
			continue
		}
		r.Payload[k] = v
	}
	return nil
}

func timeField(m map[string]json.RawMessage, key string) (time.Time, error) {
	raw, ok := m[key]
	if !ok {
		return time.Time{}, nil
	}
	t, err := parseTimeRaw(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return t, nil
}

func parseTimeRaw(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, err
	}
	return ParseTime(s)
}

// FormatTime renders a timestamp in the canonical wire form: RFC 3339 with
// millisecond precision, UTC. Keeping one precision everywhere is what makes
// exported snapshots byte-reproducible.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// ParseTime parses a canonical wire timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		out.DeletedAt = &t
	}
	if r.Payload != nil {
		out.Payload = make(map[string]json.RawMessage, len(r.Payload))
		for k, v := range r.Payload {
			out.Payload[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// Validate checks the record invariants.
func (r Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record without id")
	}
	if r.Deleted && r.DeletedAt == nil {
		return fmt.Errorf("record %s: deleted without deleted_at", r.ID)
	}
	if !r.Deleted && r.DeletedAt != nil {
		return fmt.Errorf("record %s: deleted_at set on a live record", r.ID)
	}
	return nil
}
