package id_test

import (
	"sort"
	"strings"
	"testing"

	"github.com/noatudor/maestro/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"WorkflowID", id.NewWorkflowID, "wf_"},
		{"StepRunID", id.NewStepRunID, "step_"},
		{"JobID", id.NewJobID, "job_"},
		{"DispatchID", id.NewDispatchID, "jobu_"},
		{"CompensationID", id.NewCompensationID, "comp_"},
		{"BranchDecisionID", id.NewBranchDecisionID, "branch_"},
		{"PollAttemptID", id.NewPollAttemptID, "poll_"},
		{"ResolutionID", id.NewResolutionID, "res_"},
		{"TriggerPayloadID", id.NewTriggerPayloadID, "trig_"},
		{"OutputID", id.NewOutputID, "out_"},
		{"WorkerID", id.NewWorkerID, "wkr_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"WorkflowID", id.NewWorkflowID, id.ParseWorkflowID},
		{"StepRunID", id.NewStepRunID, id.ParseStepRunID},
		{"JobID", id.NewJobID, id.ParseJobID},
		{"DispatchID", id.NewDispatchID, id.ParseDispatchID},
		{"CompensationID", id.NewCompensationID, id.ParseCompensationID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		parseFn func(string) (id.ID, error)
	}{
		{"ParseWorkflowID rejects step_", id.NewStepRunID().String(), id.ParseWorkflowID},
		{"ParseStepRunID rejects job_", id.NewJobID().String(), id.ParseStepRunID},
		{"ParseJobID rejects jobu_", id.NewDispatchID().String(), id.ParseJobID},
		{"ParseDispatchID rejects wf_", id.NewWorkflowID().String(), id.ParseDispatchID},
		{"ParseCompensationID rejects wf_", id.NewWorkflowID().String(), id.ParseCompensationID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.parseFn(tt.input)
			if err == nil {
				t.Errorf("expected error for cross-type parse of %q, got nil", tt.input)
			}
		})
	}
}

func TestParseEmptyString(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Fatal("expected error for empty string")
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("nil ID string = %q, want empty", i.String())
	}
	if i.Prefix() != "" {
		t.Errorf("nil ID prefix = %q, want empty", i.Prefix())
	}
}

func TestTextMarshalRoundTrip(t *testing.T) {
	original := id.NewWorkflowID()
	data, err := original.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}

	var parsed id.ID
	if err := parsed.UnmarshalText(data); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if parsed.String() != original.String() {
		t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
	}
}

func TestScanVariants(t *testing.T) {
	original := id.NewJobID()

	var fromString id.ID
	if err := fromString.Scan(original.String()); err != nil {
		t.Fatalf("Scan(string): %v", err)
	}
	if fromString.String() != original.String() {
		t.Errorf("Scan(string) = %q, want %q", fromString.String(), original.String())
	}

	var fromBytes id.ID
	if err := fromBytes.Scan([]byte(original.String())); err != nil {
		t.Fatalf("Scan([]byte): %v", err)
	}
	if fromBytes.String() != original.String() {
		t.Errorf("Scan([]byte) = %q, want %q", fromBytes.String(), original.String())
	}

	var fromNil id.ID
	if err := fromNil.Scan(nil); err != nil {
		t.Fatalf("Scan(nil): %v", err)
	}
	if !fromNil.IsNil() {
		t.Error("Scan(nil) should produce nil ID")
	}

	var fromInt id.ID
	if err := fromInt.Scan(42); err == nil {
		t.Error("Scan(int) should fail")
	}
}

// IDs generated later must sort after IDs generated earlier — the ledger
// and retry machinery rely on K-sortable dispatch ids.
func TestKSortable(t *testing.T) {
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = id.NewDispatchID().String()
	}

	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	for i := range ids {
		if ids[i] != sorted[i] {
			t.Fatalf("ids not generated in sort order: got %v", ids)
		}
	}
}
