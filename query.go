package ralph

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Query selects the records a Read call returns. Exactly one of Text or
// Value may be set; setting both is an error. The zero Query matches
// everything a backend would return by default.
//
// Text is free-form and backend specific: a glob pattern for file
// backends, an archive name for log archives, a JSON query document for
// document stores. Value carries the same query documents in structured
// form, skipping a serialization round trip for programmatic callers.
type Query struct {
	Text  string
	Value any
}

// IsZero returns true if the query selects the backend default.
func (q Query) IsZero() bool {
	return q.Text == "" && q.Value == nil
}

// Decode unmarshals the query document into dst, which must be a
// pointer to the backend's query struct. Unknown fields are rejected so
// that typos fail loudly instead of silently matching everything.
//
// A zero query leaves dst untouched. Both forms populated, malformed
// JSON, unknown fields or trailing data return an error wrapping
// ErrParameter.
func (q Query) Decode(dst any) error {
	if q.Text != "" && q.Value != nil {
		return fmt.Errorf("%w: query text and query value are mutually exclusive", ErrParameter)
	}

	raw := []byte(q.Text)
	if q.Value != nil {
		var err error
		raw, err = json.Marshal(q.Value)
		if err != nil {
			return fmt.Errorf("%w: encoding query value: %w", ErrParameter, err)
		}
	}
	if len(raw) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid query: %w", ErrParameter, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: invalid query: trailing data after query document", ErrParameter)
	}
	return nil
}
