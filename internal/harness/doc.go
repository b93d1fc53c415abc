// Package harness provides scenario-driven conformance testing for the
// sync pipeline.
//
// A scenario scripts the HR provider's responses over a sequence of sync
// runs, advances a frozen clock between them, and asserts on the resulting
// ledger state: session outcomes, open conflicts, resolved values, and
// timeline shape.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: salary_raise
//	description: "A raise lands as one significant change"
//	start: "2025-03-01T09:00:00Z"
//	steps:
//	  - sync:
//	      responses:
//	        - employee: emp-1
//	          endpoint: employment
//	          payload:
//	            salary: { gross_monthly: 4200 }
//	  - advance: 24h
//	  - sync:
//	      responses:
//	        - employee: emp-1
//	          endpoint: employment
//	          payload:
//	            salary: { gross_monthly: 4600 }
//	expect:
//	  last_session: completed
//	  open_conflicts: 0
//	  values:
//	    - employee: emp-1
//	      field: salary.gross_monthly
//	      value: "4600"
//	  timeline_events:
//	    emp-1: 1
//
// A response may carry `error: transient` or `error: permanent` instead of
// a payload, and `status: 206` marks a partial body. Listing the same
// (employee, endpoint) pair twice in one sync step scripts consecutive
// outcomes, so a transient failure followed by a success exercises the
// retry path.
//
// # Deterministic Execution
//
// Every run uses a frozen clock seeded from the scenario's start instant;
// only `advance` steps and retry backoff move it. Combined with canonical
// JSON serialization this makes runs byte-identical, which golden snapshot
// tests rely on.
package harness
