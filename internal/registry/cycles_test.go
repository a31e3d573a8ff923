package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchedEvents(t *testing.T) {
	f := FormSchema{PrimaryTable: "jobs", AssociatedTables: []string{"invoices"}}

	assert.Equal(t, []Event{EventCreate, EventUpdate, EventDelete}, WatchedEvents(f, "jobs"))
	assert.Equal(t, []Event{EventUpdate}, WatchedEvents(f, "invoices"))
	assert.Nil(t, WatchedEvents(f, "payments"))
}

func TestAnalyzeCyclesEmpty(t *testing.T) {
	reg, err := New(nil)
	require.NoError(t, err)
	assert.Empty(t, reg.AnalyzeCycles())
}

func TestAnalyzeCyclesDAG(t *testing.T) {
	reg, err := New([]FormSchema{
		{
			FormID:       "a",
			PrimaryTable: "a_rows",
			SyncRules: []SyncRule{{
				ID: "a-creates-b", TriggerEvent: EventCreate,
				Actions: []Action{{Type: ActionCreate, TargetTable: "b_rows"}},
			}},
		},
		{
			FormID:       "b",
			PrimaryTable: "b_rows",
			SyncRules: []SyncRule{{
				ID: "b-notifies", TriggerEvent: EventCreate,
				Actions: []Action{{Type: ActionNotify}},
			}},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, reg.AnalyzeCycles())
}

func TestAnalyzeCyclesSelfLoop(t *testing.T) {
	reg, err := New([]FormSchema{{
		FormID:       "a",
		PrimaryTable: "a_rows",
		SyncRules: []SyncRule{{
			ID: "touch-self", TriggerEvent: EventUpdate,
			Actions: []Action{{Type: ActionUpdate, TargetTable: "a_rows"}},
		}},
	}})
	require.NoError(t, err)

	warnings := reg.AnalyzeCycles()
	require.Len(t, warnings, 1)
	assert.Equal(t, []string{"a/touch-self", "a/touch-self"}, warnings[0].Path)
	assert.Equal(t, "warning", warnings[0].Level)
	assert.Contains(t, warnings[0].Message, "Self-triggering")
}

func TestAnalyzeCyclesAssociatedTableOnlyReentersOnUpdate(t *testing.T) {
	// b watches a_rows as an associated table, so a create there does not
	// re-enter b.
	reg, err := New([]FormSchema{
		{
			FormID:       "a",
			PrimaryTable: "a_rows",
			SyncRules: []SyncRule{{
				ID: "a-create", TriggerEvent: EventCreate,
				Actions: []Action{{Type: ActionCreate, TargetTable: "b_rows"}},
			}},
		},
		{
			FormID:           "b",
			PrimaryTable:     "b_rows",
			AssociatedTables: []string{"a_rows"},
			SyncRules: []SyncRule{{
				ID: "b-create", TriggerEvent: EventCreate,
				Actions: []Action{{Type: ActionCreate, TargetTable: "a_rows"}},
			}},
		},
	})
	require.NoError(t, err)

	// a-create -> b-create (b_rows INSERT), b-create -> a-create (a_rows INSERT, primary of a)
	warnings := reg.AnalyzeCycles()
	require.Len(t, warnings, 1)
	assert.Equal(t, []string{"a/a-create", "b/b-create", "a/a-create"}, warnings[0].Path)
}

func TestAnalyzeCyclesDefaultForms(t *testing.T) {
	warnings := loadDefault(t).AnalyzeCycles()
	require.Len(t, warnings, 2)

	// Invoicing a job updates the job, which re-enters the completion rule.
	assert.Equal(t, []string{
		"invoice-creation/update-job-billing-status",
		"job-creation/trigger-invoice-on-completion",
		"invoice-creation/update-job-billing-status",
	}, warnings[0].Path)
	assert.Contains(t, warnings[0].Message, "Potential cycle detected")

	// Upserting a calendar event re-enters the lead update rule.
	assert.Equal(t, []string{
		"lead-creation/sync-site-visit-to-calendar",
		"lead-creation/sync-site-visit-to-calendar",
	}, warnings[1].Path)
}
