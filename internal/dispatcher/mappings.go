package dispatcher

import (
	"slices"

	"github.com/roach88/formsync/internal/changefeed"
	"github.com/roach88/formsync/internal/registry"
)

// TableMapping is a form interested in changes to a table.
type TableMapping struct {
	FormID string            `json:"form_id"`
	Types  []changefeed.Type `json:"types"`
}

// Wants reports whether the form is interested in change type t.
func (m TableMapping) Wants(t changefeed.Type) bool {
	return slices.Contains(m.Types, t)
}

// BuildTableMappings inverts the registry into table -> interested forms.
//
// A form's primary table is watched for INSERT, UPDATE and DELETE; its
// associated tables for UPDATE only. Forms appear in registration order.
func BuildTableMappings(reg *registry.Registry) map[string][]TableMapping {
	out := make(map[string][]TableMapping)
	for _, form := range reg.Forms() {
		for _, table := range form.Tables() {
			events := registry.WatchedEvents(form, table)
			if len(events) == 0 || hasForm(out[table], form.FormID) {
				continue
			}
			types := make([]changefeed.Type, 0, len(events))
			for _, e := range events {
				types = append(types, changeType(e))
			}
			out[table] = append(out[table], TableMapping{FormID: form.FormID, Types: types})
		}
	}
	return out
}

func hasForm(ms []TableMapping, formID string) bool {
	return slices.ContainsFunc(ms, func(m TableMapping) bool { return m.FormID == formID })
}

// subscribedTypes is the union of change types the mappings want, in
// INSERT, UPDATE, DELETE order.
func subscribedTypes(ms []TableMapping) []changefeed.Type {
	var out []changefeed.Type
	for _, t := range changefeed.AllTypes {
		if slices.ContainsFunc(ms, func(m TableMapping) bool { return m.Wants(t) }) {
			out = append(out, t)
		}
	}
	return out
}

func changeType(e registry.Event) changefeed.Type {
	switch e {
	case registry.EventCreate:
		return changefeed.Insert
	case registry.EventDelete:
		return changefeed.Delete
	default:
		return changefeed.Update
	}
}

// formEvent maps a change type to the form event it triggers.
func formEvent(t changefeed.Type) registry.Event {
	switch t {
	case changefeed.Insert:
		return registry.EventCreate
	case changefeed.Delete:
		return registry.EventDelete
	default:
		return registry.EventUpdate
	}
}
