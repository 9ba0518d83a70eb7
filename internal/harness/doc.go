// Package harness runs multi-replica synchronization scenarios against an
// in-process hub.
//
// A scenario creates a set of replicas of one repository, drives them
// through a flow of local edits, pushes and pulls, and then asserts on the
// final state of the replicas and the hub.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: optimistic_stale_push
//	description: "A replica behind the hub must pull before it can push"
//	schemas:
//	  - fixture.cue
//	replicas:
//	  - name: a
//	  - name: b
//	    policy: pessimistic
//	flow:
//	  - replica: a
//	    action: insert
//	    args: { class: "Test:Widget", label: pump }
//	  - replica: a
//	    action: push
//	    expect:
//	      result: { index: 1 }
//	  - replica: b
//	    action: push
//	    expect:
//	      outcome: STALE_REPLICA
//	assertions:
//	  - type: element
//	    replica: b
//	    label: pump
//	  - type: changesets
//	    count: 1
//
// Schema paths are relative to the scenario file.
//
// # Actions
//
//   - codespec: insert a code spec { name }
//   - insert: insert an element into the dictionary model
//     { class, label, parent, code_spec, code, properties }
//   - update: change an element found by label { label, set_label, code, properties }
//   - delete: delete an element found by label { label }
//   - save, abandon: commit or roll back the open transaction { message }
//   - push, pull: synchronize with the hub { message }
//   - import_schema: import the schemas of a CUE file { path }
//   - policy: switch the concurrency policy { policy }
//
// A step's outcome is "ok" or the error code of its failure. A step without
// an expect clause must succeed.
//
// # Assertion Types
//
//   - element: an element with the label exists (or not) with the given class and code
//   - count: the number of elements of a class in a replica
//   - index: the changeset index a replica is at
//   - locks: how many locks a replica holds, checked against the hub too
//   - changesets: how many changesets the hub has
//
// # Deterministic Traces
//
// The trace records labels, indexes and outcomes but never ids or changeset
// hashes, so it can be compared against a golden file.
package harness
