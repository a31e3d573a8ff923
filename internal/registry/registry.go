// Package registry holds the static form configuration: forms, their field
// mappings, linked forms and sync rules.
//
// A Registry is built once (from CUE configuration or Go values) and never
// mutated afterwards. Every lookup returns a copy, so callers may modify
// what they receive and concurrent readers need no locking.
package registry

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/formsync/internal/record"
)

// Registry is an immutable index of FormSchemas keyed by form id.
type Registry struct {
	forms map[string]FormSchema
	order []string
}

// New indexes forms in the given order. Form ids must be non-empty and
// unique. The registry keeps its own copies of forms.
func New(forms []FormSchema) (*Registry, error) {
	r := &Registry{
		forms: make(map[string]FormSchema, len(forms)),
		order: make([]string, 0, len(forms)),
	}
	for i, f := range forms {
		if f.FormID == "" {
			return nil, fmt.Errorf("form[%d]: form_id is required", i)
		}
		if _, dup := r.forms[f.FormID]; dup {
			return nil, fmt.Errorf("form %q: duplicate form_id", f.FormID)
		}
		r.forms[f.FormID] = cloneForm(f)
		r.order = append(r.order, f.FormID)
	}
	return r, nil
}

// Forms returns every form in registration order.
func (r *Registry) Forms() []FormSchema {
	out := make([]FormSchema, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, cloneForm(r.forms[id]))
	}
	return out
}

// FormIDs returns the registered form ids in registration order.
func (r *Registry) FormIDs() []string {
	return slices.Clone(r.order)
}

// FormSchema returns the form with the given id.
func (r *Registry) FormSchema(id string) (FormSchema, bool) {
	f, ok := r.forms[id]
	if !ok {
		return FormSchema{}, false
	}
	return cloneForm(f), true
}

// SyncRules returns the form's rules triggered by event, in declared order.
// Unknown forms have no rules.
func (r *Registry) SyncRules(formID string, event Event) []SyncRule {
	f, ok := r.forms[formID]
	if !ok {
		return nil
	}
	var out []SyncRule
	for _, rule := range f.SyncRules {
		if rule.TriggerEvent == event {
			out = append(out, cloneRule(rule))
		}
	}
	return out
}

// LinkedForms returns the downstream forms of formID.
func (r *Registry) LinkedForms(formID string) []LinkedForm {
	f, ok := r.forms[formID]
	if !ok {
		return nil
	}
	out := make([]LinkedForm, len(f.LinkedForms))
	for i, lf := range f.LinkedForms {
		out[i] = cloneLinkedForm(lf)
	}
	return out
}

// LinkedForm returns the link from sourceID to targetID, if declared.
func (r *Registry) LinkedForm(sourceID, targetID string) (LinkedForm, bool) {
	f, ok := r.forms[sourceID]
	if !ok {
		return LinkedForm{}, false
	}
	for _, lf := range f.LinkedForms {
		if lf.FormID == targetID {
			return cloneLinkedForm(lf), true
		}
	}
	return LinkedForm{}, false
}

// FieldMappings returns the form-level mappings that target table.
func (r *Registry) FieldMappings(formID, table string) []FieldMapping {
	f, ok := r.forms[formID]
	if !ok {
		return nil
	}
	var out []FieldMapping
	for _, m := range f.FieldMappings {
		if m.TargetTable == table {
			out = append(out, cloneMapping(m))
		}
	}
	return out
}

// LinkField returns the column on table that refers back to a record of
// formID, as declared by the form's link_fields.
func (r *Registry) LinkField(formID, table string) (string, bool) {
	f, ok := r.forms[formID]
	if !ok {
		return "", false
	}
	field, ok := f.LinkFields[table]
	return field, ok && field != ""
}

// ValidateRequiredFields checks every required form-level mapping against
// data. A source value is missing when absent, null or the empty string.
// MissingFields lists each missing source field once, in mapping order.
// Unknown forms have no required fields.
func (r *Registry) ValidateRequiredFields(formID string, data *record.Record) ValidationResult {
	missing := []string{}
	if f, ok := r.forms[formID]; ok {
		for _, m := range f.FieldMappings {
			if !m.Required || slices.Contains(missing, m.SourceField) {
				continue
			}
			if record.IsEmpty(data.Value(m.SourceField)) {
				missing = append(missing, m.SourceField)
			}
		}
	}
	return ValidationResult{
		IsValid:       len(missing) == 0,
		MissingFields: missing,
	}
}

func cloneForm(f FormSchema) FormSchema {
	out := f
	out.AssociatedTables = slices.Clone(f.AssociatedTables)
	out.Metadata = maps.Clone(f.Metadata)
	out.LinkFields = maps.Clone(f.LinkFields)
	if f.LinkedForms != nil {
		out.LinkedForms = make([]LinkedForm, len(f.LinkedForms))
		for i, lf := range f.LinkedForms {
			out.LinkedForms[i] = cloneLinkedForm(lf)
		}
	}
	out.FieldMappings = cloneMappings(f.FieldMappings)
	if f.SyncRules != nil {
		out.SyncRules = make([]SyncRule, len(f.SyncRules))
		for i, rule := range f.SyncRules {
			out.SyncRules[i] = cloneRule(rule)
		}
	}
	return out
}

func cloneLinkedForm(lf LinkedForm) LinkedForm {
	out := lf
	out.PrefillMapping = maps.Clone(lf.PrefillMapping)
	return out
}

func cloneRule(rule SyncRule) SyncRule {
	out := rule
	out.Conditions = slices.Clone(rule.Conditions)
	if rule.Actions != nil {
		out.Actions = make([]Action, len(rule.Actions))
		for i, a := range rule.Actions {
			ac := a
			ac.FieldMappings = cloneMappings(a.FieldMappings)
			if a.Notification != nil {
				n := *a.Notification
				ac.Notification = &n
			}
			out.Actions[i] = ac
		}
	}
	return out
}

func cloneMappings(ms []FieldMapping) []FieldMapping {
	if ms == nil {
		return nil
	}
	out := make([]FieldMapping, len(ms))
	for i, m := range ms {
		out[i] = cloneMapping(m)
	}
	return out
}

func cloneMapping(m FieldMapping) FieldMapping {
	out := m
	if m.Transform != nil {
		t := *m.Transform
		out.Transform = &t
	}
	return out
}
