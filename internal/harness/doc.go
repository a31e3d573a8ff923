// Package harness runs formsync conformance scenarios.
//
// A scenario drives the real orchestrator, change dispatcher and prefill
// engine over a fresh SQLite store, records everything they do as a trace
// and checks the trace and the final rows against assertions.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: lead_creates_contact
//	description: "A new lead creates its contact"
//	tenant: tenant-1          # optional, default "tenant-1"
//	forms: forms/             # optional CUE directory, default built-in forms
//	dispatcher: true          # start the change dispatcher
//	setup:
//	  - table: leads
//	    row: { id: L1, name: "Jane Roe" }
//	flow:
//	  - sync:
//	      form: lead-creation
//	      event: create
//	      data: { name: "Jane Roe" }
//	    expect:
//	      success: true
//	      synced_tables: [contacts]
//	  - write:
//	      table: estimates
//	      op: insert
//	      row: { id: E1, lead_id: L1 }
//	      syncs: 1
//	  - pause: estimates
//	  - resume: estimates
//	  - retry: { step: 0 }
//	  - prefill:
//	      source: lead-creation
//	      target: estimate-creation
//	      data: { name: "Jane Roe" }
//	    expect_prefill:
//	      data: { client_name: "Jane Roe" }
//	  - advance: 6m
//	assertions:
//	  - type: trace_contains
//	    event: write
//	    target: contacts
//	    op: insert
//	    fields: { phone: "5550102020" }
//	  - type: final_state
//	    table: contacts
//	    where: { name: "Jane Roe" }
//	    expect: { phone: "5550102020" }
//
// # Trace Events
//
// Every trace event has a kind:
//
//   - invoke: an orchestrator invocation (op is the form event)
//   - write: a row written by an action (op is insert, upsert, update or delete)
//   - notify: a notification fired by a notify action
//   - sync: a finished run (op is completed or failed)
//   - change: a row written by a write step
//   - prefill: a prefill computation
//
// # Assertion Types
//
//   - trace_contains: an event with the kind, target, op and a subset of fields
//   - trace_order: events named "kind:target" appear in order
//   - trace_count: events matching kind, target and op appear exactly count times
//   - final_state: the row matching where holds the expected values
//   - audit: the audit log holds count entries for a form and status
//
// # Deterministic Runs
//
// Runs use a fake clock that ticks one second per reading and sequential
// ids ("sync-0001", "row-0001"), so the same scenario always produces the
// same trace. RunWithGolden compares that trace with a golden file.
package harness
