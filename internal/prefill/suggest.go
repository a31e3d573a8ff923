package prefill

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/formsync/internal/audit"
	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/registry"
)

// Suggestion sources.
const (
	SourceHistory = "history"
	SourceDefault = "default"
)

// FallbackStatus is suggested for status fields of forms that declare no
// default status.
const FallbackStatus = "pending"

// linkedSource names a suggestion taken from a row of table.
func linkedSource(table string) string {
	return "linked:" + table
}

// suggest proposes a value for every target field not covered by base,
// taking the first of: a linked row's value, the historical majority, a
// rule default.
func (e *Engine) suggest(ctx context.Context, pc Context, target registry.FormSchema, base *record.Record, linked []LinkedRecord) ([]Suggestion, error) {
	patterns, err := e.historicalPatterns(ctx, pc)
	if err != nil {
		return nil, err
	}

	var out []Suggestion
	for _, field := range targetFields(target) {
		if covered(base, field) {
			continue
		}

		if v, table, ok := linkedValue(field, linked); ok {
			out = append(out, Suggestion{Field: field, Value: v, Confidence: LinkedConfidence, Source: linkedSource(table)})
			continue
		}

		if p, ok := patterns[field]; ok {
			out = append(out, Suggestion{Field: field, Value: p.value, Confidence: p.confidence, Source: SourceHistory})
			continue
		}

		if v, ok := e.defaultValue(field, target); ok {
			out = append(out, Suggestion{Field: field, Value: v, Confidence: DefaultConfidence, Source: SourceDefault})
		}
	}
	return out, nil
}

// targetFields lists the distinct target fields of the form's mappings in
// declaration order.
func targetFields(form registry.FormSchema) []string {
	var out []string
	for _, m := range form.FieldMappings {
		if !slices.Contains(out, m.TargetField) {
			out = append(out, m.TargetField)
		}
	}
	return out
}

// linkedValue returns the first non-null value of field across linked.
func linkedValue(field string, linked []LinkedRecord) (record.Value, string, bool) {
	for _, lr := range linked {
		if v, ok := lr.Data.Get(field); ok && !record.IsNull(v) {
			return v, lr.Table, true
		}
	}
	return nil, "", false
}

type pattern struct {
	value      record.Value
	confidence float64
}

// historicalPatterns finds, per field, the most frequent value in the
// original data of the last HistorySample successful submissions of the
// target form. A value qualifies when it occurs more than
// HistoryMinOccurrences times; confidence is its share of the sample,
// capped at HistoryMaxConfidence. Ties go to the value seen first (newest).
func (e *Engine) historicalPatterns(ctx context.Context, pc Context) (map[string]pattern, error) {
	entries, err := e.history.List(ctx, audit.Filter{
		TenantID: pc.TenantID,
		FormID:   pc.TargetFormID,
		Status:   audit.StatusSuccess,
		Limit:    HistorySample,
	})
	if err != nil {
		return nil, fmt.Errorf("historical patterns for %s: %w", pc.TargetFormID, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	type tally struct {
		value record.Value
		count int
		order int
	}
	byField := make(map[string]map[string]*tally)
	seen := 0
	for _, entry := range entries {
		if entry.OriginalData == nil {
			continue
		}
		entry.OriginalData.Range(func(field string, v record.Value) bool {
			if record.IsNull(v) {
				return true
			}
			if byField[field] == nil {
				byField[field] = make(map[string]*tally)
			}
			key := record.Kind(v) + ":" + record.Display(v)
			t := byField[field][key]
			if t == nil {
				seen++
				t = &tally{value: v, order: seen}
				byField[field][key] = t
			}
			t.count++
			return true
		})
	}

	out := make(map[string]pattern)
	for _, field := range slices.Sorted(maps.Keys(byField)) {
		var best *tally
		for _, t := range byField[field] {
			if best == nil || t.count > best.count || (t.count == best.count && t.order < best.order) {
				best = t
			}
		}
		if best.count <= HistoryMinOccurrences {
			continue
		}
		out[field] = pattern{
			value:      best.value,
			confidence: min(float64(best.count)/float64(len(entries)), HistoryMaxConfidence),
		}
	}
	return out, nil
}

// defaultValue applies the naming rules:
//   - "*date*" (not birth dates) containing start/begin: today
//   - "*date*" containing due/end: today + 7 days
//   - "status": the form's default status
//   - "*priority*": "medium"
//   - "is_*", "has_*": false
func (e *Engine) defaultValue(field string, form registry.FormSchema) (record.Value, bool) {
	name := strings.ToLower(field)

	if strings.Contains(name, "date") && !strings.Contains(name, "birth") {
		today := e.now()
		switch {
		case strings.Contains(name, "start"), strings.Contains(name, "begin"):
			return record.String(today.Format(dateLayout)), true
		case strings.Contains(name, "due"), strings.Contains(name, "end"):
			return record.String(today.AddDate(0, 0, 7).Format(dateLayout)), true
		}
	}

	if name == "status" {
		if form.DefaultStatus != "" {
			return record.String(form.DefaultStatus), true
		}
		return record.String(FallbackStatus), true
	}

	if strings.Contains(name, "priority") {
		return record.String("medium"), true
	}

	if strings.HasPrefix(name, "is_") || strings.HasPrefix(name, "has_") {
		return record.Bool(false), true
	}

	return nil, false
}

const dateLayout = "2006-01-02"
