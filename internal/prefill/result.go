package prefill

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/roach88/formsync/internal/record"
)

// Result is the outcome of GetPrefillData.
type Result struct {
	Success       bool           `json:"success"`
	Data          *record.Record `json:"prefill_data"`
	LinkedRecords []LinkedRecord `json:"linked_records"`

	// Suggestions are below AutoApplyConfidence and wait for Accept or
	// Reject.
	Suggestions []Suggestion `json:"suggestions"`

	// Applied are the suggestions already folded into Data.
	Applied []Suggestion `json:"applied_suggestions"`
}

// LinkedRecord is a row related to the source record.
type LinkedRecord struct {
	Table string         `json:"table"`
	ID    string         `json:"id"`
	Data  *record.Record `json:"data"`
}

// Suggestion is a proposed value for one target field.
type Suggestion struct {
	Field      string
	Value      record.Value
	Confidence float64
	Source     string
}

type suggestionJSON struct {
	Field      string          `json:"field"`
	Value      json.RawMessage `json:"suggested_value"`
	Confidence float64         `json:"confidence"`
	Source     string          `json:"source"`
}

// MarshalJSON encodes the value with the record codec.
func (s Suggestion) MarshalJSON() ([]byte, error) {
	value, err := record.MarshalValue(s.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(suggestionJSON{
		Field:      s.Field,
		Value:      value,
		Confidence: s.Confidence,
		Source:     s.Source,
	})
}

// UnmarshalJSON decodes the value with the record codec.
func (s *Suggestion) UnmarshalJSON(data []byte) error {
	var raw suggestionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	value, err := record.UnmarshalValue(raw.Value)
	if err != nil {
		return err
	}
	*s = Suggestion{Field: raw.Field, Value: value, Confidence: raw.Confidence, Source: raw.Source}
	return nil
}

// Accept writes the pending suggestion for field into Data and moves it to
// Applied. It reports whether a suggestion was pending.
func (r *Result) Accept(field string) bool {
	i := r.pending(field)
	if i < 0 {
		return false
	}
	s := r.Suggestions[i]
	r.Data.Set(s.Field, s.Value)
	r.Suggestions = slices.Delete(r.Suggestions, i, i+1)
	r.Applied = append(r.Applied, s)
	return true
}

// Reject discards the pending suggestion for field. It reports whether a
// suggestion was pending.
func (r *Result) Reject(field string) bool {
	i := r.pending(field)
	if i < 0 {
		return false
	}
	r.Suggestions = slices.Delete(r.Suggestions, i, i+1)
	return true
}

func (r *Result) pending(field string) int {
	return slices.IndexFunc(r.Suggestions, func(s Suggestion) bool { return s.Field == field })
}

func (r *Result) clone() *Result {
	out := &Result{
		Success:       r.Success,
		Data:          r.Data.Clone(),
		LinkedRecords: make([]LinkedRecord, len(r.LinkedRecords)),
		Suggestions:   slices.Clone(r.Suggestions),
		Applied:       slices.Clone(r.Applied),
	}
	for i, lr := range r.LinkedRecords {
		out.LinkedRecords[i] = LinkedRecord{Table: lr.Table, ID: lr.ID, Data: lr.Data.Clone()}
	}
	return out
}

func emptyResult() *Result {
	return &Result{
		Data:          record.New(),
		LinkedRecords: []LinkedRecord{},
		Suggestions:   []Suggestion{},
		Applied:       []Suggestion{},
	}
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
