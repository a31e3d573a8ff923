package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTenant is the tenant a scenario runs as when none is given.
const DefaultTenant = "tenant-1"

// Scenario is a conformance test: setup rows, a flow of steps and
// assertions over the resulting trace and state.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Tenant scopes every run, row and query. Default: DefaultTenant.
	Tenant string `yaml:"tenant,omitempty"`

	// Forms is a CUE directory with the form configuration, relative to
	// the scenario file. Empty means the built-in forms.
	Forms string `yaml:"forms,omitempty"`

	// Dispatcher starts the change dispatcher before the flow runs.
	Dispatcher bool `yaml:"dispatcher,omitempty"`

	// Setup rows are inserted before the flow. They trigger nothing.
	Setup []SetupRow `yaml:"setup,omitempty"`

	// Flow is executed in order.
	Flow []Step `yaml:"flow"`

	// Assertions are evaluated after the flow.
	Assertions []Assertion `yaml:"assertions"`

	// dir is the directory of the scenario file.
	dir string
}

// SetupRow is a row inserted before the flow.
type SetupRow struct {
	Table string         `yaml:"table"`
	Row   map[string]any `yaml:"row"`
}

// Step is one flow step. Exactly one of the action fields is set.
type Step struct {
	Sync    *SyncStep    `yaml:"sync,omitempty"`
	Retry   *RetryStep   `yaml:"retry,omitempty"`
	Write   *WriteStep   `yaml:"write,omitempty"`
	Prefill *PrefillStep `yaml:"prefill,omitempty"`
	Pause   string       `yaml:"pause,omitempty"`
	Resume  string       `yaml:"resume,omitempty"`
	Advance string       `yaml:"advance,omitempty"`

	// Expect checks the result of a sync or retry step.
	Expect *SyncExpect `yaml:"expect,omitempty"`

	// ExpectPrefill checks the result of a prefill step.
	ExpectPrefill *PrefillExpect `yaml:"expect_prefill,omitempty"`
}

// kind names the action of the step.
func (s Step) kind() string {
	var kinds []string
	if s.Sync != nil {
		kinds = append(kinds, "sync")
	}
	if s.Retry != nil {
		kinds = append(kinds, "retry")
	}
	if s.Write != nil {
		kinds = append(kinds, "write")
	}
	if s.Prefill != nil {
		kinds = append(kinds, "prefill")
	}
	if s.Pause != "" {
		kinds = append(kinds, "pause")
	}
	if s.Resume != "" {
		kinds = append(kinds, "resume")
	}
	if s.Advance != "" {
		kinds = append(kinds, "advance")
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// SyncStep invokes the orchestrator directly.
type SyncStep struct {
	Form     string            `yaml:"form"`
	Event    string            `yaml:"event"`
	User     string            `yaml:"user,omitempty"`
	Data     map[string]any    `yaml:"data"`
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

// RetryStep retries the run started by an earlier sync or retry step.
type RetryStep struct {
	Step int `yaml:"step"`
}

// WriteStep writes a row through the store, as another client would. With
// the dispatcher running, the harness waits for Syncs runs to finish.
type WriteStep struct {
	Table string         `yaml:"table"`
	Op    string         `yaml:"op"` // insert | update | delete
	ID    string         `yaml:"id,omitempty"`
	Row   map[string]any `yaml:"row,omitempty"`
	Syncs int            `yaml:"syncs,omitempty"`
}

// PrefillStep computes prefill data for a target form.
type PrefillStep struct {
	Source string         `yaml:"source"`
	Target string         `yaml:"target"`
	Record string         `yaml:"record,omitempty"`
	User   string         `yaml:"user,omitempty"`
	Data   map[string]any `yaml:"data"`
}

// SyncExpect is the expected outcome of a sync or retry step. Nil and
// empty fields are not checked.
type SyncExpect struct {
	Success      *bool    `yaml:"success,omitempty"`
	Error        string   `yaml:"error,omitempty"`  // substring of the returned error
	Errors       []string `yaml:"errors,omitempty"` // substrings of result errors, in order
	SyncedTables []string `yaml:"synced_tables,omitempty"`
	Created      *int     `yaml:"created,omitempty"`
	Updated      *int     `yaml:"updated,omitempty"`
	Replayed     *int     `yaml:"replayed,omitempty"`
}

// PrefillExpect is the expected prefill result. Data is a subset match.
type PrefillExpect struct {
	Success     *bool          `yaml:"success,omitempty"`
	Data        map[string]any `yaml:"data,omitempty"`
	Absent      []string       `yaml:"absent,omitempty"`
	Applied     []string       `yaml:"applied,omitempty"`
	Suggestions []string       `yaml:"suggestions,omitempty"`
	Linked      *int           `yaml:"linked,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Event, Target and Op select trace events (trace_contains,
	// trace_count). Empty Target or Op match any.
	Event  string `yaml:"event,omitempty"`
	Target string `yaml:"target,omitempty"`
	Op     string `yaml:"op,omitempty"`

	// Fields is a subset of the event's fields (trace_contains).
	Fields map[string]any `yaml:"fields,omitempty"`

	// Events is the expected order of "kind:target" names (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Count is the expected number of matches (trace_count, audit).
	Count int `yaml:"count,omitempty"`

	// Table, Where and Expect select and check a stored row
	// (final_state).
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`

	// Form and Status filter audit entries (audit).
	Form   string `yaml:"form,omitempty"`
	Status string `yaml:"status,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertAudit         = "audit"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	scenario.dir = filepath.Dir(path)

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml file in dir, in name order.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenario files found in %s", dir)
	}

	scenarios := make([]*Scenario, 0, len(paths))
	for _, path := range paths {
		s, err := LoadScenario(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// FormsDir resolves Forms against the scenario file location.
func (s *Scenario) FormsDir() string {
	if s.Forms == "" || filepath.IsAbs(s.Forms) {
		return s.Forms
	}
	return filepath.Join(s.dir, s.Forms)
}

// TenantID is Tenant or DefaultTenant.
func (s *Scenario) TenantID() string {
	if s.Tenant == "" {
		return DefaultTenant
	}
	return s.Tenant
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, row := range s.Setup {
		if row.Table == "" {
			return fmt.Errorf("setup[%d]: table is required", i)
		}
		if row.Row == nil {
			return fmt.Errorf("setup[%d]: row is required", i)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step) error {
	kind := step.kind()
	switch kind {
	case "":
		return fmt.Errorf("flow[%d]: exactly one of sync, retry, write, prefill, pause, resume or advance is required", i)
	case "sync":
		if step.Sync.Form == "" {
			return fmt.Errorf("flow[%d].sync: form is required", i)
		}
		if step.Sync.Event == "" {
			return fmt.Errorf("flow[%d].sync: event is required", i)
		}
		if step.Sync.Data == nil {
			return fmt.Errorf("flow[%d].sync: data is required (use empty map if no data)", i)
		}
	case "retry":
		if step.Retry.Step < 0 || step.Retry.Step >= i {
			return fmt.Errorf("flow[%d].retry: step must name an earlier step", i)
		}
	case "write":
		w := step.Write
		if w.Table == "" {
			return fmt.Errorf("flow[%d].write: table is required", i)
		}
		switch w.Op {
		case "insert":
			if w.Row == nil {
				return fmt.Errorf("flow[%d].write: row is required for insert", i)
			}
		case "update":
			if w.ID == "" || w.Row == nil {
				return fmt.Errorf("flow[%d].write: id and row are required for update", i)
			}
		case "delete":
			if w.ID == "" {
				return fmt.Errorf("flow[%d].write: id is required for delete", i)
			}
		default:
			return fmt.Errorf("flow[%d].write: unknown op %q", i, w.Op)
		}
		if w.Syncs < 0 {
			return fmt.Errorf("flow[%d].write: syncs must be non-negative", i)
		}
	case "prefill":
		if step.Prefill.Source == "" || step.Prefill.Target == "" {
			return fmt.Errorf("flow[%d].prefill: source and target are required", i)
		}
	case "advance":
		if _, err := time.ParseDuration(step.Advance); err != nil {
			return fmt.Errorf("flow[%d].advance: %w", i, err)
		}
	}

	if step.Expect != nil && kind != "sync" && kind != "retry" {
		return fmt.Errorf("flow[%d]: expect only applies to sync and retry steps", i)
	}
	if step.ExpectPrefill != nil && kind != "prefill" {
		return fmt.Errorf("flow[%d]: expect_prefill only applies to prefill steps", i)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertAudit:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for audit", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
