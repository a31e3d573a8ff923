package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/transform"
)

func loadDefault(t *testing.T) *Registry {
	t.Helper()
	reg, err := LoadDefault(transform.NewRegistry())
	require.NoError(t, err)
	return reg
}

func TestLoadDefaultForms(t *testing.T) {
	reg := loadDefault(t)

	assert.Equal(t, []string{
		"lead-creation",
		"site-visit-scheduling",
		"estimate-creation",
		"job-creation",
		"invoice-creation",
		"payment-recording",
	}, reg.FormIDs())

	lead, ok := reg.FormSchema("lead-creation")
	require.True(t, ok)
	assert.Equal(t, "leads", lead.PrimaryTable)
	assert.Equal(t, []string{"contacts", "accounts", "calendar_events", "lead_sources"}, lead.AssociatedTables)
	assert.Equal(t, "new", lead.DefaultStatus)
	assert.Equal(t, "1.0.0", lead.Metadata["version"])
	assert.Equal(t, "system", lead.Metadata["created_by"])
}

func TestFormSchemaUnknown(t *testing.T) {
	_, ok := loadDefault(t).FormSchema("nope")
	assert.False(t, ok)
}

func TestSyncRulesFiltersByEvent(t *testing.T) {
	reg := loadDefault(t)

	create := reg.SyncRules("invoice-creation", EventCreate)
	require.Len(t, create, 2)
	assert.Equal(t, "update-job-billing-status", create[0].ID)
	assert.Equal(t, "notify-payment-due", create[1].ID)

	update := reg.SyncRules("estimate-creation", EventUpdate)
	require.Len(t, update, 1)
	assert.Equal(t, "convert-to-job", update[0].ID)
	assert.Equal(t, []Condition{{Field: "status", Operator: OpEquals, Value: "accepted"}}, update[0].Conditions)

	assert.Empty(t, reg.SyncRules("invoice-creation", EventDelete))
	assert.Empty(t, reg.SyncRules("nope", EventCreate))
}

func TestSyncRulesNullCondition(t *testing.T) {
	rules := loadDefault(t).SyncRules("lead-creation", EventUpdate)
	require.Len(t, rules, 1)
	require.Len(t, rules[0].Conditions, 1)
	assert.Equal(t, OpNotEquals, rules[0].Conditions[0].Operator)
	assert.Nil(t, rules[0].Conditions[0].Value)
}

func TestTransformRefsCompiled(t *testing.T) {
	rules := loadDefault(t).SyncRules("lead-creation", EventCreate)
	require.Len(t, rules, 1)
	action := rules[0].Actions[0]
	assert.Equal(t, ActionCreate, action.Type)
	assert.Equal(t, "contacts", action.TargetTable)
	require.Len(t, action.FieldMappings, 2)
	assert.Equal(t, BehaviorCreateNew, action.FieldMappings[0].SyncBehavior)
	assert.Equal(t, BehaviorOverwrite, action.FieldMappings[1].SyncBehavior, "sync_behavior defaults to overwrite")
	assert.Equal(t, &TransformRef{Name: "digits_only"}, action.FieldMappings[1].Transform)

	jobRules := loadDefault(t).SyncRules("job-creation", EventCreate)
	require.Len(t, jobRules, 1)
	assert.Equal(t, &TransformRef{Name: "prefix", Arg: "Job: "}, jobRules[0].Actions[0].FieldMappings[1].Transform)
}

func TestNotificationCompiled(t *testing.T) {
	rules := loadDefault(t).SyncRules("invoice-creation", EventCreate)
	n := rules[1].Actions[0].Notification
	require.NotNil(t, n)
	assert.Equal(t, NotificationConfig{Type: "email", Recipient: "customer", Template: "invoice_created", Timing: "immediate"}, *n)
}

func TestLinkedForms(t *testing.T) {
	reg := loadDefault(t)

	linked := reg.LinkedForms("lead-creation")
	require.Len(t, linked, 2)
	assert.Equal(t, "site-visit-scheduling", linked[0].FormID)
	assert.Equal(t, "customer_phone", linked[0].PrefillMapping["phone_number"])

	lf, ok := reg.LinkedForm("estimate-creation", "job-creation")
	require.True(t, ok)
	assert.Equal(t, "estimate_accepted", lf.TriggerField)
	assert.Equal(t, "job_value", lf.PrefillMapping["estimate_total"])

	_, ok = reg.LinkedForm("payment-recording", "lead-creation")
	assert.False(t, ok)
	assert.Empty(t, reg.LinkedForms("payment-recording"))
}

func TestFieldMappingsByTable(t *testing.T) {
	reg := loadDefault(t)

	contacts := reg.FieldMappings("lead-creation", "contacts")
	require.Len(t, contacts, 3)
	assert.Equal(t, "name", contacts[0].SourceField)
	assert.Equal(t, "phone_number", contacts[1].SourceField)
	assert.Equal(t, "email", contacts[2].SourceField)

	accounts := reg.FieldMappings("lead-creation", "accounts")
	require.Len(t, accounts, 1)
	assert.Equal(t, "company_name", accounts[0].SourceField)

	assert.Empty(t, reg.FieldMappings("lead-creation", "jobs"))
}

func TestLinkField(t *testing.T) {
	reg := loadDefault(t)

	field, ok := reg.LinkField("lead-creation", "contacts")
	assert.True(t, ok)
	assert.Equal(t, "contact_id", field)

	field, ok = reg.LinkField("invoice-creation", "jobs")
	assert.True(t, ok)
	assert.Equal(t, "job_id", field)

	_, ok = reg.LinkField("lead-creation", "jobs")
	assert.False(t, ok)
	_, ok = reg.LinkField("nope", "jobs")
	assert.False(t, ok)
}

func TestValidateRequiredFields(t *testing.T) {
	reg := loadDefault(t)

	tests := []struct {
		name    string
		formID  string
		data    *record.Record
		valid   bool
		missing []string
	}{
		{
			name:    "present",
			formID:  "lead-creation",
			data:    record.New(record.P("name", record.String("Jane Roe"))),
			valid:   true,
			missing: []string{},
		},
		{
			name:    "absent",
			formID:  "lead-creation",
			data:    record.New(record.P("phone_number", record.String("555"))),
			valid:   false,
			missing: []string{"name"},
		},
		{
			name:    "empty string",
			formID:  "lead-creation",
			data:    record.New(record.P("name", record.String(""))),
			valid:   false,
			missing: []string{"name"},
		},
		{
			name:    "null",
			formID:  "site-visit-scheduling",
			data:    record.New(record.P("site_visit_date", record.Null{})),
			valid:   false,
			missing: []string{"site_visit_date"},
		},
		{
			name:    "nil record",
			formID:  "site-visit-scheduling",
			data:    nil,
			valid:   false,
			missing: []string{"site_visit_date"},
		},
		{
			name:    "form without required mappings",
			formID:  "job-creation",
			data:    record.New(),
			valid:   true,
			missing: []string{},
		},
		{
			name:    "unknown form",
			formID:  "nope",
			data:    record.New(),
			valid:   true,
			missing: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := reg.ValidateRequiredFields(tt.formID, tt.data)
			assert.Equal(t, tt.valid, res.IsValid)
			assert.Equal(t, tt.missing, res.MissingFields)
		})
	}
}

func TestValidateRequiredFieldsReportsEachFieldOnce(t *testing.T) {
	reg, err := New([]FormSchema{{
		FormID:       "f",
		Name:         "F",
		PrimaryTable: "t",
		FieldMappings: []FieldMapping{
			{SourceField: "a", TargetTable: "x", TargetField: "a", SyncBehavior: BehaviorOverwrite, Required: true},
			{SourceField: "b", TargetTable: "x", TargetField: "b", SyncBehavior: BehaviorOverwrite, Required: true},
			{SourceField: "a", TargetTable: "y", TargetField: "a", SyncBehavior: BehaviorOverwrite, Required: true},
		},
	}})
	require.NoError(t, err)

	res := reg.ValidateRequiredFields("f", record.New())
	assert.Equal(t, []string{"a", "b"}, res.MissingFields)
}

func TestLookupsReturnCopies(t *testing.T) {
	reg := loadDefault(t)

	f, _ := reg.FormSchema("lead-creation")
	f.AssociatedTables[0] = "mutated"
	f.LinkedForms[0].PrefillMapping["name"] = "mutated"
	f.SyncRules[0].Actions[0].FieldMappings[1].Transform.Name = "mutated"
	f.LinkFields["contacts"] = "mutated"

	rules := reg.SyncRules("lead-creation", EventCreate)
	rules[0].Actions[0].TargetTable = "mutated"

	again, _ := reg.FormSchema("lead-creation")
	assert.Equal(t, "contacts", again.AssociatedTables[0])
	assert.Equal(t, "customer_name", again.LinkedForms[0].PrefillMapping["name"])
	assert.Equal(t, "digits_only", again.SyncRules[0].Actions[0].FieldMappings[1].Transform.Name)
	assert.Equal(t, "contact_id", again.LinkFields["contacts"])
	assert.Equal(t, "contacts", again.SyncRules[0].Actions[0].TargetTable)
}

func TestNewRejectsDuplicateAndEmptyIDs(t *testing.T) {
	_, err := New([]FormSchema{{FormID: "a"}, {FormID: "a"}})
	assert.ErrorContains(t, err, "duplicate")

	_, err = New([]FormSchema{{FormID: ""}})
	assert.ErrorContains(t, err, "form_id is required")
}

func TestFormTables(t *testing.T) {
	f := FormSchema{PrimaryTable: "jobs", AssociatedTables: []string{"invoices", "payments"}}
	assert.Equal(t, []string{"jobs", "invoices", "payments"}, f.Tables())
}

func TestActionTypeWrites(t *testing.T) {
	assert.True(t, ActionCreate.Writes())
	assert.True(t, ActionSync.Writes())
	assert.True(t, ActionUpdate.Writes())
	assert.True(t, ActionDelete.Writes())
	assert.False(t, ActionNotify.Writes())
}
