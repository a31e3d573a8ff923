package registry

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/formsync/internal/transform"
)

// Validation error codes (E200-E299)
const (
	ErrStructTag           = "E200" // struct tag constraint failed
	ErrDuplicateRuleID     = "E201" // rule id repeated within a form
	ErrInvalidBehavior     = "E202" // unknown sync behavior
	ErrInvalidEvent        = "E203" // unknown trigger event
	ErrInvalidOperator     = "E204" // unknown condition operator
	ErrInvalidActionType   = "E205" // unknown action type
	ErrUnknownTransform    = "E206" // transform name not registered
	ErrMissingTargetTable  = "E207" // writing action or form mapping without a table
	ErrMissingMappings     = "E208" // create/sync/update action without field mappings
	ErrMissingNotification = "E209" // notify action without notification config
	ErrDuplicateLinkedForm = "E210" // linked form declared twice
)

// ValidationError is a single structural problem in the configuration.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every form and returns all problems found (it does not
// fail fast). When transforms is non-nil, transform names are resolved
// against it.
func (r *Registry) Validate(transforms *transform.Registry) []ValidationError {
	var errs []ValidationError
	for _, id := range r.order {
		errs = append(errs, validateForm(r.forms[id], transforms)...)
	}
	return errs
}

func validateForm(f FormSchema, transforms *transform.Registry) []ValidationError {
	var errs []ValidationError
	prefix := "form." + f.FormID

	if err := structValidator.Struct(f); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				errs = append(errs, ValidationError{
					Field:   prefix + ":" + fe.Namespace(),
					Message: fmt.Sprintf("failed %q constraint", fe.Tag()),
					Code:    ErrStructTag,
				})
			}
		} else {
			errs = append(errs, ValidationError{Field: prefix, Message: err.Error(), Code: ErrStructTag})
		}
	}

	seenLinks := make(map[string]bool)
	for i, lf := range f.LinkedForms {
		if seenLinks[lf.FormID] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s.linked_forms[%d]", prefix, i),
				Message: fmt.Sprintf("linked form %q declared more than once", lf.FormID),
				Code:    ErrDuplicateLinkedForm,
			})
		}
		seenLinks[lf.FormID] = true
	}

	for i, m := range f.FieldMappings {
		field := fmt.Sprintf("%s.field_mappings[%d]", prefix, i)
		if m.TargetTable == "" {
			errs = append(errs, ValidationError{Field: field, Message: "target_table is required", Code: ErrMissingTargetTable})
		}
		errs = append(errs, validateMapping(field, m, transforms)...)
	}

	seenRules := make(map[string]bool)
	for i, rule := range f.SyncRules {
		field := fmt.Sprintf("%s.sync_rules[%d]", prefix, i)
		if seenRules[rule.ID] {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("rule id %q is not unique", rule.ID),
				Code:    ErrDuplicateRuleID,
			})
		}
		seenRules[rule.ID] = true
		errs = append(errs, validateRule(field, rule, transforms)...)
	}
	return errs
}

func validateRule(field string, rule SyncRule, transforms *transform.Registry) []ValidationError {
	var errs []ValidationError

	if !ValidEvents[rule.TriggerEvent] {
		errs = append(errs, ValidationError{
			Field:   field + ".trigger_event",
			Message: fmt.Sprintf("invalid trigger_event %q", rule.TriggerEvent),
			Code:    ErrInvalidEvent,
		})
	}

	for i, c := range rule.Conditions {
		if !ValidOperators[c.Operator] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s.conditions[%d].operator", field, i),
				Message: fmt.Sprintf("invalid operator %q", c.Operator),
				Code:    ErrInvalidOperator,
			})
		}
	}

	for i, a := range rule.Actions {
		af := fmt.Sprintf("%s.actions[%d]", field, i)
		if !ValidActionTypes[a.Type] {
			errs = append(errs, ValidationError{
				Field:   af + ".type",
				Message: fmt.Sprintf("invalid action type %q", a.Type),
				Code:    ErrInvalidActionType,
			})
			continue
		}
		if a.Type.Writes() && a.TargetTable == "" {
			errs = append(errs, ValidationError{
				Field:   af + ".target_table",
				Message: fmt.Sprintf("%s action requires target_table", a.Type),
				Code:    ErrMissingTargetTable,
			})
		}
		if a.Type.Writes() && a.Type != ActionDelete && len(a.FieldMappings) == 0 {
			errs = append(errs, ValidationError{
				Field:   af + ".field_mappings",
				Message: fmt.Sprintf("%s action requires field_mappings", a.Type),
				Code:    ErrMissingMappings,
			})
		}
		if a.Type == ActionNotify && a.Notification == nil {
			errs = append(errs, ValidationError{
				Field:   af + ".notification",
				Message: "notify action requires notification config",
				Code:    ErrMissingNotification,
			})
		}
		for j, m := range a.FieldMappings {
			errs = append(errs, validateMapping(fmt.Sprintf("%s.field_mappings[%d]", af, j), m, transforms)...)
		}
	}
	return errs
}

func validateMapping(field string, m FieldMapping, transforms *transform.Registry) []ValidationError {
	var errs []ValidationError
	if !ValidSyncBehaviors[m.SyncBehavior] {
		errs = append(errs, ValidationError{
			Field:   field + ".sync_behavior",
			Message: fmt.Sprintf("invalid sync_behavior %q", m.SyncBehavior),
			Code:    ErrInvalidBehavior,
		})
	}
	if m.Transform != nil && transforms != nil && !transforms.Has(m.Transform.Name) {
		errs = append(errs, ValidationError{
			Field:   field + ".transform",
			Message: fmt.Sprintf("unknown transform %q", m.Transform.Name),
			Code:    ErrUnknownTransform,
		})
	}
	return errs
}
