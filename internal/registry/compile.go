package registry

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// CompileError reports a configuration problem at a CUE source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(field string, err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &CompileError{Field: field, Message: err.Error()}
	}
	first := errs[0]
	ce := &CompileError{Field: field, Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		ce.Pos = positions[0]
	}
	return ce
}

// CompileForms compiles every entry of the top-level `form` struct of v.
// Forms that fail to compile are reported and skipped; the returned forms
// are in declaration order.
//
//	form: "lead-creation": {
//		name:          "Lead Creation"
//		primary_table: "leads"
//		...
//	}
func CompileForms(v cue.Value) ([]FormSchema, []error) {
	if err := v.Err(); err != nil {
		return nil, []error{formatCUEError("cue", err)}
	}

	formsVal := v.LookupPath(cue.ParsePath("form"))
	if !formsVal.Exists() {
		return nil, []error{&CompileError{Field: "form", Message: "no forms defined", Pos: v.Pos()}}
	}

	iter, err := formsVal.Fields()
	if err != nil {
		return nil, []error{formatCUEError("form", err)}
	}

	var (
		forms []FormSchema
		errs  []error
	)
	for iter.Next() {
		f, err := CompileForm(iter.Value())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		forms = append(forms, *f)
	}
	return forms, errs
}

// CompileForm parses one form struct. The form id is the struct label.
func CompileForm(v cue.Value) (*FormSchema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError("form", err)
	}

	f := &FormSchema{}
	if labels := v.Path().Selectors(); len(labels) > 0 {
		f.FormID = strings.Trim(labels[len(labels)-1].String(), `"`)
	}
	p := parser{prefix: "form." + f.FormID}

	var err error
	if f.Name, err = p.str(v, "name", true); err != nil {
		return nil, err
	}
	if f.Description, err = p.str(v, "description", false); err != nil {
		return nil, err
	}
	if f.PrimaryTable, err = p.str(v, "primary_table", true); err != nil {
		return nil, err
	}
	if f.AssociatedTables, err = p.strList(v, "associated_tables"); err != nil {
		return nil, err
	}
	if f.DefaultStatus, err = p.str(v, "default_status", false); err != nil {
		return nil, err
	}
	if f.LinkFields, err = p.strMap(v, "link_fields"); err != nil {
		return nil, err
	}
	if f.Metadata, err = p.strMap(v, "metadata"); err != nil {
		return nil, err
	}

	if err := p.each(v, "linked_forms", func(ip parser, item cue.Value) error {
		lf, err := ip.linkedForm(item)
		if err != nil {
			return err
		}
		f.LinkedForms = append(f.LinkedForms, lf)
		return nil
	}); err != nil {
		return nil, err
	}

	if f.FieldMappings, err = p.mappings(v, "field_mappings"); err != nil {
		return nil, err
	}

	if err := p.each(v, "sync_rules", func(ip parser, item cue.Value) error {
		rule, err := ip.rule(item)
		if err != nil {
			return err
		}
		f.SyncRules = append(f.SyncRules, rule)
		return nil
	}); err != nil {
		return nil, err
	}

	return f, nil
}

// parser carries the dotted field prefix used in error messages.
type parser struct {
	prefix string
}

func (p parser) field(name string) string {
	return p.prefix + "." + name
}

func (p parser) sub(name string) parser {
	return parser{prefix: p.field(name)}
}

// lookup resolves defaults and reports whether the field holds a concrete
// value. Unset optional fields and bare type constraints are not concrete.
func lookup(v cue.Value, name string) (cue.Value, bool) {
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		return fv, false
	}
	if d, ok := fv.Default(); ok {
		fv = d
	}
	return fv, fv.IsConcrete()
}

func (p parser) str(v cue.Value, name string, required bool) (string, error) {
	fv, ok := lookup(v, name)
	if !ok {
		if required {
			return "", &CompileError{Field: p.field(name), Message: name + " is required", Pos: v.Pos()}
		}
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(p.field(name), err)
	}
	return s, nil
}

func (p parser) boolean(v cue.Value, name string) (bool, error) {
	fv, ok := lookup(v, name)
	if !ok {
		return false, nil
	}
	b, err := fv.Bool()
	if err != nil {
		return false, formatCUEError(p.field(name), err)
	}
	return b, nil
}

func (p parser) strList(v cue.Value, name string) ([]string, error) {
	var out []string
	err := p.each(v, name, func(ip parser, item cue.Value) error {
		s, err := item.String()
		if err != nil {
			return formatCUEError(ip.prefix, err)
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

func (p parser) strMap(v cue.Value, name string) (map[string]string, error) {
	fv, ok := lookup(v, name)
	if !ok {
		return nil, nil
	}
	iter, err := fv.Fields()
	if err != nil {
		return nil, formatCUEError(p.field(name), err)
	}
	out := make(map[string]string)
	for iter.Next() {
		item := iter.Value()
		if d, ok := item.Default(); ok {
			item = d
		}
		s, err := item.String()
		if err != nil {
			return nil, &CompileError{
				Field:   p.field(name + "." + iter.Label()),
				Message: "value must be a string",
				Pos:     iter.Value().Pos(),
			}
		}
		out[iter.Label()] = s
	}
	return out, nil
}

// each calls fn for every element of the list at name. A missing list is
// not an error.
func (p parser) each(v cue.Value, name string, fn func(parser, cue.Value) error) error {
	fv, ok := lookup(v, name)
	if !ok {
		return nil
	}
	iter, err := fv.List()
	if err != nil {
		return formatCUEError(p.field(name), err)
	}
	for i := 0; iter.Next(); i++ {
		if err := fn(parser{prefix: fmt.Sprintf("%s[%d]", p.field(name), i)}, iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

func (p parser) linkedForm(v cue.Value) (LinkedForm, error) {
	var (
		lf  LinkedForm
		err error
	)
	if lf.FormID, err = p.str(v, "form_id", true); err != nil {
		return lf, err
	}
	if lf.TriggerField, err = p.str(v, "trigger_field", false); err != nil {
		return lf, err
	}
	if lf.PrefillMapping, err = p.strMap(v, "prefill_mapping"); err != nil {
		return lf, err
	}
	return lf, nil
}

func (p parser) mappings(v cue.Value, name string) ([]FieldMapping, error) {
	var out []FieldMapping
	err := p.each(v, name, func(ip parser, item cue.Value) error {
		m, err := ip.mapping(item)
		if err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

func (p parser) mapping(v cue.Value) (FieldMapping, error) {
	var (
		m   FieldMapping
		err error
	)
	if m.SourceField, err = p.str(v, "source_field", true); err != nil {
		return m, err
	}
	if m.TargetTable, err = p.str(v, "target_table", false); err != nil {
		return m, err
	}
	if m.TargetField, err = p.str(v, "target_field", true); err != nil {
		return m, err
	}

	behavior, err := p.str(v, "sync_behavior", false)
	if err != nil {
		return m, err
	}
	if behavior == "" {
		behavior = string(BehaviorOverwrite)
	}
	m.SyncBehavior = SyncBehavior(behavior)
	if !ValidSyncBehaviors[m.SyncBehavior] {
		return m, &CompileError{
			Field:   p.field("sync_behavior"),
			Message: fmt.Sprintf("invalid sync_behavior %q, must be overwrite, append, ignore or create_new", behavior),
			Pos:     v.LookupPath(cue.ParsePath("sync_behavior")).Pos(),
		}
	}

	if m.Required, err = p.boolean(v, "required"); err != nil {
		return m, err
	}

	if tv, ok := lookup(v, "transform"); ok {
		tp := p.sub("transform")
		ref := &TransformRef{}
		if ref.Name, err = tp.str(tv, "name", true); err != nil {
			return m, err
		}
		if av, ok := lookup(tv, "arg"); ok {
			if ref.Arg, err = literal(tp.field("arg"), av); err != nil {
				return m, err
			}
		}
		m.Transform = ref
	}
	return m, nil
}

func (p parser) rule(v cue.Value) (SyncRule, error) {
	var (
		rule SyncRule
		err  error
	)
	if rule.ID, err = p.str(v, "id", true); err != nil {
		return rule, err
	}
	if rule.Name, err = p.str(v, "name", false); err != nil {
		return rule, err
	}

	event, err := p.str(v, "trigger_event", true)
	if err != nil {
		return rule, err
	}
	rule.TriggerEvent = Event(event)
	if !ValidEvents[rule.TriggerEvent] {
		return rule, &CompileError{
			Field:   p.field("trigger_event"),
			Message: fmt.Sprintf("invalid trigger_event %q, must be create, update or delete", event),
			Pos:     v.LookupPath(cue.ParsePath("trigger_event")).Pos(),
		}
	}

	if err := p.each(v, "conditions", func(ip parser, item cue.Value) error {
		cond, err := ip.condition(item)
		if err != nil {
			return err
		}
		rule.Conditions = append(rule.Conditions, cond)
		return nil
	}); err != nil {
		return rule, err
	}

	if err := p.each(v, "actions", func(ip parser, item cue.Value) error {
		action, err := ip.action(item)
		if err != nil {
			return err
		}
		rule.Actions = append(rule.Actions, action)
		return nil
	}); err != nil {
		return rule, err
	}
	if len(rule.Actions) == 0 {
		return rule, &CompileError{
			Field:   p.field("actions"),
			Message: "at least one action is required",
			Pos:     v.Pos(),
		}
	}
	return rule, nil
}

func (p parser) condition(v cue.Value) (Condition, error) {
	var (
		cond Condition
		err  error
	)
	if cond.Field, err = p.str(v, "field", true); err != nil {
		return cond, err
	}
	op, err := p.str(v, "operator", true)
	if err != nil {
		return cond, err
	}
	cond.Operator = Operator(op)

	vv, ok := lookup(v, "value")
	if !ok {
		return cond, &CompileError{Field: p.field("value"), Message: "value is required (use null to compare against null)", Pos: v.Pos()}
	}
	if cond.Value, err = literal(p.field("value"), vv); err != nil {
		return cond, err
	}
	return cond, nil
}

func (p parser) action(v cue.Value) (Action, error) {
	var (
		a   Action
		err error
	)
	typ, err := p.str(v, "type", true)
	if err != nil {
		return a, err
	}
	a.Type = ActionType(typ)
	if !ValidActionTypes[a.Type] {
		return a, &CompileError{
			Field:   p.field("type"),
			Message: fmt.Sprintf("invalid action type %q, must be sync, create, update, delete or notify", typ),
			Pos:     v.LookupPath(cue.ParsePath("type")).Pos(),
		}
	}
	if a.TargetTable, err = p.str(v, "target_table", false); err != nil {
		return a, err
	}
	if a.TargetForm, err = p.str(v, "target_form", false); err != nil {
		return a, err
	}
	if a.FieldMappings, err = p.mappings(v, "field_mappings"); err != nil {
		return a, err
	}

	if nv, ok := lookup(v, "notification"); ok {
		np := p.sub("notification")
		n := &NotificationConfig{}
		if n.Type, err = np.str(nv, "type", true); err != nil {
			return a, err
		}
		if n.Recipient, err = np.str(nv, "recipient", false); err != nil {
			return a, err
		}
		if n.Template, err = np.str(nv, "template", true); err != nil {
			return a, err
		}
		if n.Timing, err = np.str(nv, "timing", false); err != nil {
			return a, err
		}
		a.Notification = n
	}
	return a, nil
}

// literal converts a concrete scalar CUE value into nil, bool, int64,
// float64 or string.
func literal(field string, v cue.Value) (any, error) {
	switch v.IncompleteKind() {
	case cue.NullKind:
		return nil, nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(field, err)
		}
		return b, nil
	case cue.IntKind:
		i, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(field, err)
		}
		return i, nil
	case cue.FloatKind, cue.NumberKind:
		f, err := v.Float64()
		if err != nil {
			return nil, formatCUEError(field, err)
		}
		return f, nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(field, err)
		}
		return s, nil
	}
	return nil, &CompileError{
		Field:   field,
		Message: fmt.Sprintf("must be a string, number, bool or null, got %v", v.IncompleteKind()),
		Pos:     v.Pos(),
	}
}
