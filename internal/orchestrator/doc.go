// Package orchestrator executes form sync rules against tenant storage.
//
// A sync run takes a form event (create, update or delete) and the
// submitted data, and:
//
//  1. Publishes pending then in_progress status to listeners
//  2. Validates required fields, failing fast with *ValidationError
//  3. Resolves the form's rules for the event
//  4. Skips rules whose conditions do not hold
//  5. Executes each matched rule's actions in declared order
//  6. Appends an audit entry and publishes the final status
//
// # Partial Failure
//
// Actions are independent writes with no transaction across tables. A
// failed action is recorded in SyncResult.Errors as
// "Rule <name>: <error>" and the run continues with the next action. The
// run finishes as failed and may be retried.
//
// # Retry
//
// RetryFailedSync replays the full rule set as an update event. With a
// firing log configured, each successful create is keyed by
// (origin sync id, rule id, action index) and skipped on replay.
//
// # Write Origin
//
// Action writes carry the sync id in their context (changefeed.WithOrigin)
// so change-feed consumers can tell engine writes from external ones.
package orchestrator
