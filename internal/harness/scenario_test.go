package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, `
name: test_scenario
description: "Test scenario for validation"
forms: forms
setup:
  - table: leads
    row:
      id: L1
flow:
  - sync:
      form: lead-creation
      event: create
      data:
        name: Jane Roe
    expect:
      success: true
      created: 1
assertions:
  - type: trace_contains
    event: invoke
    target: lead-creation
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, "Test scenario for validation", scenario.Description)
	assert.Equal(t, DefaultTenant, scenario.TenantID())
	assert.Equal(t, filepath.Join(filepath.Dir(path), "forms"), scenario.FormsDir())
	require.Len(t, scenario.Setup, 1)
	require.Len(t, scenario.Flow, 1)
	assert.Equal(t, "sync", scenario.Flow[0].kind())
	assert.Equal(t, "Jane Roe", scenario.Flow[0].Sync.Data["name"])
	require.NotNil(t, scenario.Flow[0].Expect.Created)
	assert.Equal(t, 1, *scenario.Flow[0].Expect.Created)
	assert.Len(t, scenario.Assertions, 1)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, `
name: typo
description: unknown key
flow:
  - sync:
      form: lead-creation
      event: create
      data: {}
      user_id: nobody
assertions:
  - type: audit
`)

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name: "missing name",
			content: `
description: d
flow: [{advance: 1s}]
assertions: [{type: audit}]
`,
			want: "name is required",
		},
		{
			name: "missing description",
			content: `
name: n
flow: [{advance: 1s}]
assertions: [{type: audit}]
`,
			want: "description is required",
		},
		{
			name: "empty flow",
			content: `
name: n
description: d
flow: []
assertions: [{type: audit}]
`,
			want: "flow list is required",
		},
		{
			name: "no assertions",
			content: `
name: n
description: d
flow: [{advance: 1s}]
`,
			want: "assertions list is required",
		},
		{
			name: "two actions in one step",
			content: `
name: n
description: d
flow: [{advance: 1s, pause: leads}]
assertions: [{type: audit}]
`,
			want: "flow[0]: exactly one of",
		},
		{
			name: "sync without data",
			content: `
name: n
description: d
flow: [{sync: {form: f, event: create}}]
assertions: [{type: audit}]
`,
			want: "data is required",
		},
		{
			name: "retry of a later step",
			content: `
name: n
description: d
flow: [{retry: {step: 0}}]
assertions: [{type: audit}]
`,
			want: "flow[0].retry: step must name an earlier step",
		},
		{
			name: "update without id",
			content: `
name: n
description: d
flow: [{write: {table: leads, op: update, row: {a: 1}}}]
assertions: [{type: audit}]
`,
			want: "id and row are required for update",
		},
		{
			name: "unknown write op",
			content: `
name: n
description: d
flow: [{write: {table: leads, op: upsert, row: {a: 1}}}]
assertions: [{type: audit}]
`,
			want: `unknown op "upsert"`,
		},
		{
			name: "bad duration",
			content: `
name: n
description: d
flow: [{advance: soon}]
assertions: [{type: audit}]
`,
			want: "flow[0].advance",
		},
		{
			name: "expect on a pause step",
			content: `
name: n
description: d
flow: [{pause: leads, expect: {success: true}}]
assertions: [{type: audit}]
`,
			want: "expect only applies to sync and retry steps",
		},
		{
			name: "setup without table",
			content: `
name: n
description: d
setup: [{row: {id: L1}}]
flow: [{advance: 1s}]
assertions: [{type: audit}]
`,
			want: "setup[0]: table is required",
		},
		{
			name: "unknown assertion type",
			content: `
name: n
description: d
flow: [{advance: 1s}]
assertions: [{type: eventually}]
`,
			want: `unknown assertion type "eventually"`,
		},
		{
			name: "final_state without expect",
			content: `
name: n
description: d
flow: [{advance: 1s}]
assertions: [{type: final_state, table: leads}]
`,
			want: "expect is required for final_state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid scenario")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenarios_SortedByName(t *testing.T) {
	scenarios, err := LoadScenarios("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)

	for i := 1; i < len(scenarios); i++ {
		assert.NotEqual(t, scenarios[i-1].Name, scenarios[i].Name)
	}
	assert.Equal(t, "estimate_accepted_creates_job", scenarios[0].Name)
}

func TestLoadScenarios_EmptyDir(t *testing.T) {
	_, err := LoadScenarios(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no scenario files found")
}

func TestScenario_TenantOverride(t *testing.T) {
	s := &Scenario{Tenant: "acme"}
	assert.Equal(t, "acme", s.TenantID())
	assert.Empty(t, s.FormsDir())

	s.Forms = "/abs/forms"
	assert.Equal(t, "/abs/forms", s.FormsDir())
}
