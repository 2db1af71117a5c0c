// Package engine wires the orchestration core together: it dispatches
// step jobs through the ledger, advances workflow instances one
// transition at a time under the per-workflow row lock, applies failure
// policies and success criteria, and drives compensation, triggers, and
// operator resolutions.
//
// The engine package sits above workflow, job, definition, and output,
// which never import it. All advancement funnels through
// Advancer.Evaluate; nothing else mutates a workflow instance while it
// is running.
package engine
