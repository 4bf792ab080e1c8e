package event

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/randalmurphal/changeflow/pkg/changeflow/snapshot"
)

// encoded holds the JSON columns of a stored event.
type encoded struct {
	previous []byte
	current  []byte
	changed  []byte
	results  []byte
}

func encode(ev *Event) (encoded, error) {
	var out encoded
	var err error
	if out.previous, err = json.Marshal(ev.PreviousState); err != nil {
		return out, fmt.Errorf("encode previous state: %w", err)
	}
	if out.current, err = json.Marshal(ev.CurrentState); err != nil {
		return out, fmt.Errorf("encode current state: %w", err)
	}
	changed := ev.ChangedFields
	if changed == nil {
		changed = []string{}
	}
	if out.changed, err = json.Marshal(changed); err != nil {
		return out, fmt.Errorf("encode changed fields: %w", err)
	}
	results := ev.HandlerResults
	if results == nil {
		results = map[string]HandlerResult{}
	}
	if out.results, err = json.Marshal(results); err != nil {
		return out, fmt.Errorf("encode handler results: %w", err)
	}
	return out, nil
}

func (c encoded) decodeInto(ev *Event) error {
	var err error
	if ev.PreviousState, err = snapshot.Decode(c.previous); err != nil {
		return fmt.Errorf("decode previous state: %w", err)
	}
	if ev.CurrentState, err = snapshot.Decode(c.current); err != nil {
		return fmt.Errorf("decode current state: %w", err)
	}
	ev.ChangedFields = []string{}
	if len(c.changed) > 0 {
		if err := json.Unmarshal(c.changed, &ev.ChangedFields); err != nil {
			return fmt.Errorf("decode changed fields: %w", err)
		}
	}
	if len(c.results) > 0 {
		dec := json.NewDecoder(bytes.NewReader(c.results))
		dec.UseNumber()
		var results map[string]HandlerResult
		if err := dec.Decode(&results); err != nil {
			return fmt.Errorf("decode handler results: %w", err)
		}
		if len(results) > 0 {
			ev.HandlerResults = results
		}
	}
	return nil
}
