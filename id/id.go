// Package id defines TypeID-based identity types for all Maestro entities.
//
// Every entity uses a single ID struct with a prefix that identifies the
// entity type. IDs are K-sortable (UUIDv7-based), globally unique, and
// URL-safe in the format "prefix_suffix". Time-ordering makes them usable
// directly as idempotency keys for job dispatch.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefix constants for all Maestro entity types.
const (
	PrefixWorkflow     Prefix = "wf"
	PrefixStepRun      Prefix = "step"
	PrefixJob          Prefix = "job"
	PrefixDispatch     Prefix = "jobu"
	PrefixCompensation Prefix = "comp"
	PrefixBranch       Prefix = "branch"
	PrefixPoll         Prefix = "poll"
	PrefixResolution   Prefix = "res"
	PrefixTrigger      Prefix = "trig"
	PrefixOutput       Prefix = "out"
	PrefixWorker       Prefix = "wkr"
)

// ID is the primary identifier type for all Maestro entities.
// It wraps a TypeID providing a prefix-qualified, globally unique,
// sortable, URL-safe identifier in the format "prefix_suffix".
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new globally unique ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string (e.g., "wf_01h2xcejqtf2nbrexx3vqjhp41")
// into an ID. Returns an error if the string is not valid.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses a TypeID string and validates that its prefix
// matches the expected value.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}

	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}

	return parsed, nil
}

// MustParse is like Parse but panics on error. Use for hardcoded ID values.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}

	return parsed
}

// ──────────────────────────────────────────────────
// Type aliases per entity
// ──────────────────────────────────────────────────

// WorkflowID identifies a workflow instance (prefix: "wf").
type WorkflowID = ID

// StepRunID identifies one attempt of one step (prefix: "step").
type StepRunID = ID

// JobID identifies a job ledger record (prefix: "job").
type JobID = ID

// DispatchID is the caller-visible correlation id for one job dispatch
// (prefix: "jobu"). It is globally unique and used for idempotent dispatch.
type DispatchID = ID

// CompensationID identifies a compensation run (prefix: "comp").
type CompensationID = ID

// BranchDecisionID identifies a branch decision record (prefix: "branch").
type BranchDecisionID = ID

// PollAttemptID identifies a poll attempt record (prefix: "poll").
type PollAttemptID = ID

// ResolutionID identifies a resolution decision record (prefix: "res").
type ResolutionID = ID

// TriggerPayloadID identifies a trigger payload record (prefix: "trig").
type TriggerPayloadID = ID

// OutputID identifies a stored step output row (prefix: "out").
type OutputID = ID

// WorkerID identifies a worker pool instance (prefix: "wkr").
type WorkerID = ID

// ──────────────────────────────────────────────────
// Convenience constructors
// ──────────────────────────────────────────────────

// NewWorkflowID generates a new unique workflow instance ID.
func NewWorkflowID() ID { return New(PrefixWorkflow) }

// NewStepRunID generates a new unique step run ID.
func NewStepRunID() ID { return New(PrefixStepRun) }

// NewJobID generates a new unique job record ID.
func NewJobID() ID { return New(PrefixJob) }

// NewDispatchID generates a new unique dispatch correlation ID.
func NewDispatchID() ID { return New(PrefixDispatch) }

// NewCompensationID generates a new unique compensation run ID.
func NewCompensationID() ID { return New(PrefixCompensation) }

// NewBranchDecisionID generates a new unique branch decision ID.
func NewBranchDecisionID() ID { return New(PrefixBranch) }

// NewPollAttemptID generates a new unique poll attempt ID.
func NewPollAttemptID() ID { return New(PrefixPoll) }

// NewResolutionID generates a new unique resolution decision ID.
func NewResolutionID() ID { return New(PrefixResolution) }

// NewTriggerPayloadID generates a new unique trigger payload ID.
func NewTriggerPayloadID() ID { return New(PrefixTrigger) }

// NewOutputID generates a new unique output row ID.
func NewOutputID() ID { return New(PrefixOutput) }

// NewWorkerID generates a new unique worker ID.
func NewWorkerID() ID { return New(PrefixWorker) }

// ──────────────────────────────────────────────────
// Convenience parsers
// ──────────────────────────────────────────────────

// ParseWorkflowID parses a string and validates the "wf" prefix.
func ParseWorkflowID(s string) (ID, error) { return ParseWithPrefix(s, PrefixWorkflow) }

// ParseStepRunID parses a string and validates the "step" prefix.
func ParseStepRunID(s string) (ID, error) { return ParseWithPrefix(s, PrefixStepRun) }

// ParseJobID parses a string and validates the "job" prefix.
func ParseJobID(s string) (ID, error) { return ParseWithPrefix(s, PrefixJob) }

// ParseDispatchID parses a string and validates the "jobu" prefix.
func ParseDispatchID(s string) (ID, error) { return ParseWithPrefix(s, PrefixDispatch) }

// ParseCompensationID parses a string and validates the "comp" prefix.
func ParseCompensationID(s string) (ID, error) { return ParseWithPrefix(s, PrefixCompensation) }

// ParseAny parses a string into an ID without checking the prefix.
func ParseAny(s string) (ID, error) { return Parse(s) }

// ──────────────────────────────────────────────────
// ID methods
// ──────────────────────────────────────────────────

// String returns the full TypeID string representation (prefix_suffix).
// Returns an empty string for the Nil ID.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}

	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil

		return nil
	}

	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}

	*i = parsed

	return nil
}

// Value implements driver.Valuer for database storage.
// Returns nil for the Nil ID so that optional foreign key columns store NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}

	return i.inner.String(), nil
}

// Scan implements sql.Scanner for database retrieval.
func (i *ID) Scan(src any) error {
	if src == nil {
		*i = Nil

		return nil
	}

	switch v := src.(type) {
	case string:
		if v == "" {
			*i = Nil

			return nil
		}

		return i.UnmarshalText([]byte(v))
	case []byte:
		if len(v) == 0 {
			*i = Nil

			return nil
		}

		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
