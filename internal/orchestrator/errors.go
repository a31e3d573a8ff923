package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/formsync/internal/registry"
)

// ErrMissingID is reported by update and delete actions when the form
// data carries no row id.
var ErrMissingID = errors.New("no record id")

// ErrNotRetryable is returned by RetryFailedSync for a sync that did not
// fail.
var ErrNotRetryable = errors.New("sync not in failed state")

// ErrTenantMismatch is returned when a run or audit entry belongs to a
// tenant other than the orchestrator's.
var ErrTenantMismatch = errors.New("belongs to another tenant")

// ValidationError aborts a sync run before any action executes.
type ValidationError struct {
	// FormID identifies the form whose data failed validation.
	FormID string

	// MissingFields lists the required source fields with no value, in
	// mapping declaration order.
	MissingFields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("Missing required fields: %s", strings.Join(e.MissingFields, ", "))
}

// IsValidationError returns true if err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ActionError describes one failed action. Action errors are collected
// into SyncResult.Errors and never abort the run.
type ActionError struct {
	RuleID      string
	RuleName    string
	ActionIndex int
	Type        registry.ActionType
	Table       string
	Err         error
}

// Error implements the error interface.
func (e *ActionError) Error() string {
	switch e.Type {
	case registry.ActionUpdate:
		return fmt.Sprintf("Failed to update %s: %v", e.Table, e.Err)
	case registry.ActionDelete:
		return fmt.Sprintf("Failed to delete from %s: %v", e.Table, e.Err)
	default:
		return fmt.Sprintf("Failed to %s in %s: %v", e.Type, e.Table, e.Err)
	}
}

// Unwrap returns the underlying storage or mapping error.
func (e *ActionError) Unwrap() error {
	return e.Err
}

// ruleMessage formats an action error as reported in SyncResult.Errors.
func ruleMessage(rule registry.SyncRule, err error) string {
	name := rule.Name
	if name == "" {
		name = rule.ID
	}
	return fmt.Sprintf("Rule %s: %v", name, err)
}
