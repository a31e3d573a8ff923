package registry

// SyncBehavior controls how a mapped value is written to its target field.
type SyncBehavior string

const (
	BehaviorOverwrite SyncBehavior = "overwrite"
	BehaviorAppend    SyncBehavior = "append"
	BehaviorIgnore    SyncBehavior = "ignore"
	BehaviorCreateNew SyncBehavior = "create_new"
)

// Event is the form lifecycle event a rule triggers on.
type Event string

const (
	EventCreate Event = "create"
	EventUpdate Event = "update"
	EventDelete Event = "delete"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
)

// ActionType tags the kind of work an action performs.
type ActionType string

const (
	ActionSync   ActionType = "sync"
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
	ActionNotify ActionType = "notify"
)

// Writes reports whether the action writes rows to a target table.
func (t ActionType) Writes() bool {
	return t == ActionSync || t == ActionCreate || t == ActionUpdate || t == ActionDelete
}

// ValidSyncBehaviors, ValidEvents, ValidOperators and ValidActionTypes are
// the accepted enum values.
var (
	ValidSyncBehaviors = map[SyncBehavior]bool{
		BehaviorOverwrite: true, BehaviorAppend: true, BehaviorIgnore: true, BehaviorCreateNew: true,
	}
	ValidEvents = map[Event]bool{
		EventCreate: true, EventUpdate: true, EventDelete: true,
	}
	ValidOperators = map[Operator]bool{
		OpEquals: true, OpNotEquals: true, OpContains: true, OpGreaterThan: true, OpLessThan: true,
	}
	ValidActionTypes = map[ActionType]bool{
		ActionSync: true, ActionCreate: true, ActionUpdate: true, ActionDelete: true, ActionNotify: true,
	}
)

// TransformRef names a transform from the transform registry plus an
// optional literal argument (string, number or bool).
type TransformRef struct {
	Name string `json:"name" validate:"required"`
	Arg  any    `json:"arg,omitempty"`
}

// FieldMapping translates one source field into one target field.
type FieldMapping struct {
	SourceField  string        `json:"source_field" validate:"required"`
	TargetTable  string        `json:"target_table,omitempty"`
	TargetField  string        `json:"target_field" validate:"required"`
	SyncBehavior SyncBehavior  `json:"sync_behavior" validate:"required"`
	Transform    *TransformRef `json:"transform,omitempty"`
	Required     bool          `json:"required,omitempty"`
}

// LinkedForm describes a downstream form and how to prefill it.
// PrefillMapping maps a source field of this form to a target field of
// the linked form.
type LinkedForm struct {
	FormID         string            `json:"form_id" validate:"required"`
	TriggerField   string            `json:"trigger_field,omitempty"`
	PrefillMapping map[string]string `json:"prefill_mapping,omitempty"`
}

// Condition is a single predicate over a record field. A nil Value means
// null.
type Condition struct {
	Field    string   `json:"field" validate:"required"`
	Operator Operator `json:"operator" validate:"required"`
	Value    any      `json:"value"`
}

// NotificationConfig is passed through to the notification sink unchanged.
type NotificationConfig struct {
	Type      string `json:"type" validate:"required,oneof=email sms in_app"`
	Recipient string `json:"recipient,omitempty"`
	Template  string `json:"template" validate:"required"`
	Timing    string `json:"timing,omitempty"`
}

// Action is one step of a sync rule.
type Action struct {
	Type          ActionType          `json:"type" validate:"required"`
	TargetTable   string              `json:"target_table,omitempty"`
	TargetForm    string              `json:"target_form,omitempty"`
	FieldMappings []FieldMapping      `json:"field_mappings,omitempty" validate:"dive"`
	Notification  *NotificationConfig `json:"notification,omitempty"`
}

// SyncRule is a declarative (event + conditions) -> ordered actions mapping.
type SyncRule struct {
	ID           string      `json:"id" validate:"required"`
	Name         string      `json:"name"`
	TriggerEvent Event       `json:"trigger_event" validate:"required"`
	Conditions   []Condition `json:"conditions,omitempty" validate:"dive"`
	Actions      []Action    `json:"actions" validate:"min=1,dive"`
}

// FormSchema describes one business form and how it relates to the rest
// of the system.
//
// DefaultStatus and LinkFields feed the prefill engine: DefaultStatus is the
// status suggested for a new record of this form, LinkFields names the
// column on an associated table that refers back to a record of this form.
type FormSchema struct {
	FormID           string            `json:"form_id" validate:"required"`
	Name             string            `json:"name" validate:"required"`
	Description      string            `json:"description,omitempty"`
	PrimaryTable     string            `json:"primary_table" validate:"required"`
	AssociatedTables []string          `json:"associated_tables,omitempty"`
	LinkedForms      []LinkedForm      `json:"linked_forms,omitempty" validate:"dive"`
	FieldMappings    []FieldMapping    `json:"field_mappings,omitempty" validate:"dive"`
	SyncRules        []SyncRule        `json:"sync_rules,omitempty" validate:"dive"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	DefaultStatus    string            `json:"default_status,omitempty"`
	LinkFields       map[string]string `json:"link_fields,omitempty"`
}

// Tables returns the primary table followed by the associated tables.
func (f FormSchema) Tables() []string {
	out := make([]string, 0, 1+len(f.AssociatedTables))
	out = append(out, f.PrimaryTable)
	return append(out, f.AssociatedTables...)
}

// ValidationResult reports the outcome of a required-field check.
type ValidationResult struct {
	IsValid       bool     `json:"is_valid"`
	MissingFields []string `json:"missing_fields"`
}
