// Package snapshot captures JSON-safe, flat views of entity state.
//
// A Snapshot is what the change detector diffs and what the event store
// persists as previous_state and current_state. Capture never fails: values
// that cannot be encoded are coerced to their string form, and values whose
// string form cannot be produced either are dropped and logged.
//
// # Canonical form
//
// Every value in a captured snapshot is one of nil, bool, string,
// json.Number, []any, or map[string]any. This is exactly what a JSON decoder
// produces with UseNumber, so a snapshot written to a store and read back is
// Equal to the original.
//
// # Field rules
//
//   - References (types implementing Ref) become their ID.
//   - Slices of references become ordered ID lists.
//   - Money becomes {"amount": "<decimal>", "currency": "<code>"}.
//   - GenericRef becomes {"kind": "<kind>", "id": <id>}.
//   - time.Time becomes an RFC 3339 string in UTC.
//   - Fields whose type is a pointer to the entity's own type are excluded.
//   - Fields tagged `snapshot:"-"` are excluded.
package snapshot

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Snapshot is a flat field-name to value mapping for one entity at one point
// in time.
type Snapshot map[string]any

// Keys returns the field names in lexicographic order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

// Has reports whether field is present.
func (s Snapshot) Has(field string) bool {
	_, ok := s[field]
	return ok
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}

// MarshalJSON encodes a nil snapshot as {} so stored state columns are never null.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(s))
}

// UnmarshalJSON decodes numbers as json.Number to keep the canonical form.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return err
	}
	if m == nil {
		m = map[string]any{}
	}
	*s = m
	return nil
}

// Decode parses a JSON object into a canonical Snapshot.
func Decode(data []byte) (Snapshot, error) {
	var s Snapshot
	if len(data) == 0 {
		return Snapshot{}, nil
	}
	if err := s.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return s, nil
}
