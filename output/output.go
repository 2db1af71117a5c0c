// Package output stores named step outputs per workflow instance and
// resolves them for dependent steps. Writes go through registered merge
// functions so fan-out jobs can fold partial results into one value.
package output

import (
	"context"
	"sync"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/id"
)

// Record is one named output value of a workflow instance.
type Record struct {
	maestro.Entity

	ID         id.OutputID   `json:"id"`
	WorkflowID id.WorkflowID `json:"workflow_id"`
	Name       string        `json:"name"`
	// StepKey is the step that last wrote the value.
	StepKey string `json:"step_key"`
	Value   []byte `json:"value"`
}

// NewRecord creates an output record.
func NewRecord(workflowID id.WorkflowID, stepKey, name string, value []byte) *Record {
	return &Record{
		Entity:     maestro.NewEntity(),
		ID:         id.NewOutputID(),
		WorkflowID: workflowID,
		Name:       name,
		StepKey:    stepKey,
		Value:      value,
	}
}

// MergeFunc folds an incoming value into an existing one. It runs inside
// the store's upsert, so concurrent writers of the same output never lose
// updates.
type MergeFunc func(existing, incoming []byte) ([]byte, error)

// Replace is the default merge: the incoming value wins.
func Replace(existing, incoming []byte) ([]byte, error) {
	return incoming, nil
}

// Store is the persistence contract for outputs.
type Store interface {
	// UpsertOutput writes a named output atomically. When the output
	// already exists, merge is applied to the stored and incoming values
	// under the store's write lock and the merged value is kept; rec's
	// Value carries the incoming value.
	UpsertOutput(ctx context.Context, rec *Record, merge MergeFunc) error

	// GetOutput retrieves an output by name. Returns
	// maestro.ErrOutputMissing if absent.
	GetOutput(ctx context.Context, workflowID id.WorkflowID, name string) (*Record, error)

	// ListOutputs returns every output of the instance.
	ListOutputs(ctx context.Context, workflowID id.WorkflowID) ([]*Record, error)

	// DeleteOutput removes a named output. Deleting an absent output is
	// a no-op.
	DeleteOutput(ctx context.Context, workflowID id.WorkflowID, name string) error
}

// Service writes and reads outputs, applying per-name merge functions.
// Safe for concurrent use.
type Service struct {
	store   Store
	mu      sync.RWMutex
	mergers map[string]MergeFunc
}

// NewService creates a Service over a store.
func NewService(store Store) *Service {
	return &Service{
		store:   store,
		mergers: make(map[string]MergeFunc),
	}
}

// RegisterMerge sets the merge function for an output name. Outputs
// without one use Replace.
func (s *Service) RegisterMerge(name string, merge MergeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergers[name] = merge
}

func (s *Service) merger(name string) MergeFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.mergers[name]; ok {
		return m
	}
	return Replace
}

// Write stores a named output produced by a step.
func (s *Service) Write(ctx context.Context, workflowID id.WorkflowID, stepKey, name string, value []byte) error {
	rec := NewRecord(workflowID, stepKey, name, value)
	return s.store.UpsertOutput(ctx, rec, s.merger(name))
}

// Read returns an output's value. Returns maestro.ErrOutputMissing if the
// output has not been produced.
func (s *Service) Read(ctx context.Context, workflowID id.WorkflowID, name string) ([]byte, error) {
	rec, err := s.store.GetOutput(ctx, workflowID, name)
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

// Has reports whether an output has been produced.
func (s *Service) Has(ctx context.Context, workflowID id.WorkflowID, name string) (bool, error) {
	_, err := s.store.GetOutput(ctx, workflowID, name)
	if err == nil {
		return true, nil
	}
	if maestro.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// All returns every output of the instance keyed by name.
func (s *Service) All(ctx context.Context, workflowID id.WorkflowID) (map[string][]byte, error) {
	recs, err := s.store.ListOutputs(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(recs))
	for _, rec := range recs {
		out[rec.Name] = rec.Value
	}
	return out, nil
}

// Missing returns the subset of names that have no stored output, in the
// order given. Used to check step requirements before dispatch.
func (s *Service) Missing(ctx context.Context, workflowID id.WorkflowID, names []string) ([]string, error) {
	var missing []string
	for _, name := range names {
		ok, err := s.Has(ctx, workflowID, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

// Clear removes the named outputs. Absent names are skipped. Used when a
// workflow is retried from an earlier step and the downstream outputs
// must not leak into the new run.
func (s *Service) Clear(ctx context.Context, workflowID id.WorkflowID, names []string) error {
	for _, name := range names {
		if err := s.store.DeleteOutput(ctx, workflowID, name); err != nil {
			return err
		}
	}
	return nil
}

// Reader binds the service to one instance, satisfying the read-only
// view condition and argument-builder code evaluates against.
func (s *Service) Reader(workflowID id.WorkflowID) *Reader {
	return &Reader{service: s, workflowID: workflowID}
}

// Reader is a Service scoped to a single workflow instance.
type Reader struct {
	service    *Service
	workflowID id.WorkflowID
}

// Read returns the named output's value.
func (r *Reader) Read(ctx context.Context, name string) ([]byte, error) {
	return r.service.Read(ctx, r.workflowID, name)
}

// Has reports whether the named output exists.
func (r *Reader) Has(ctx context.Context, name string) (bool, error) {
	return r.service.Has(ctx, r.workflowID, name)
}
