package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/formsync/internal/record"
)

// marshalRecord converts a row to JSON TEXT, preserving field order.
func marshalRecord(r *record.Record) (string, error) {
	if r == nil {
		return "{}", nil
	}
	data, err := r.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	return string(data), nil
}

// unmarshalRecord parses JSON TEXT into a row. Integers stay Int.
func unmarshalRecord(data string) (*record.Record, error) {
	rec, err := record.ParseJSON([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}

// marshalJSON encodes audit columns (lists, refs, metadata) with HTML
// escaping disabled. nil slices and maps are stored as their empty form.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	// Encoder adds a trailing newline
	out := strings.TrimSpace(buf.String())
	if out == "null" {
		switch v.(type) {
		case map[string]string:
			return "{}", nil
		default:
			return "[]", nil
		}
	}
	return out, nil
}

func unmarshalJSON(data string, v any) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}
