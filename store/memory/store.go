// Package memory provides a fully in-memory store implementation.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/id"
	"github.com/noatudor/maestro/job"
	"github.com/noatudor/maestro/output"
	"github.com/noatudor/maestro/workflow"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ workflow.Store = (*Store)(nil)
	_ job.Store      = (*Store)(nil)
	_ output.Store   = (*Store)(nil)
)

// seq hands out insertion order so list queries are deterministic even
// when entities share a creation timestamp.
type seq struct{ n int64 }

func (s *seq) next() int64 {
	s.n++
	return s.n
}

type instanceRow struct {
	inst *workflow.Instance
	ord  int64
}

type stepRunRow struct {
	run *workflow.StepRun
	ord int64
}

type compRow struct {
	comp *workflow.CompensationRun
	ord  int64
}

type recordRow struct {
	rec *job.Record
	ord int64
}

type outputRow struct {
	rec *output.Record
	ord int64
}

type pollRow struct {
	att *workflow.PollAttempt
	ord int64
}

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu  sync.RWMutex
	seq seq

	instances     map[string]*instanceRow            // workflow id
	instanceLocks map[string]*sync.Mutex             // workflow id -> row lock
	stepRuns      map[string]*stepRunRow             // step run id
	compensations map[string]*compRow                // "workflowID:stepKey"
	records       map[string]*recordRow              // job id
	byDispatch    map[string]string                  // dispatch id -> job id
	outputs       map[string]*outputRow              // "workflowID:name"
	branches      map[string][]*workflow.BranchDecision
	polls         map[string][]*pollRow              // step run id
	resolutions   map[string][]*workflow.ResolutionDecision
	triggers      map[string][]*workflow.TriggerPayload // "workflowID:key"
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		instances:     make(map[string]*instanceRow),
		instanceLocks: make(map[string]*sync.Mutex),
		stepRuns:      make(map[string]*stepRunRow),
		compensations: make(map[string]*compRow),
		records:       make(map[string]*recordRow),
		byDispatch:    make(map[string]string),
		outputs:       make(map[string]*outputRow),
		branches:      make(map[string][]*workflow.BranchDecision),
		polls:         make(map[string][]*pollRow),
		resolutions:   make(map[string][]*workflow.ResolutionDecision),
		triggers:      make(map[string][]*workflow.TriggerPayload),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Workflow instances
// ──────────────────────────────────────────────────

// CreateInstance persists a new workflow instance.
func (m *Store) CreateInstance(_ context.Context, w *workflow.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *w
	m.instances[w.ID.String()] = &instanceRow{inst: &cp, ord: m.seq.next()}
	return nil
}

// GetInstance retrieves an instance by ID.
func (m *Store) GetInstance(_ context.Context, workflowID id.WorkflowID) (*workflow.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.instances[workflowID.String()]
	if !ok {
		return nil, maestro.ErrWorkflowNotFound
	}
	cp := *row.inst
	return &cp, nil
}

// UpdateInstance persists changes to an existing instance.
func (m *Store) UpdateInstance(_ context.Context, w *workflow.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.instances[w.ID.String()]
	if !ok {
		return maestro.ErrWorkflowNotFound
	}
	cp := *w
	row.inst = &cp
	return nil
}

// ListInstances returns instances matching the given options, ordered by
// creation.
func (m *Store) ListInstances(_ context.Context, opts workflow.ListOpts) ([]*workflow.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make([]*instanceRow, 0, len(m.instances))
	for _, row := range m.instances {
		w := row.inst
		if opts.State != "" && w.State != opts.State {
			continue
		}
		if opts.DefinitionKey != "" && w.DefinitionKey != opts.DefinitionKey {
			continue
		}
		if !opts.UpdatedBefore.IsZero() && !w.UpdatedAt.Before(opts.UpdatedBefore) {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ord < rows[j].ord })

	return paginate(rows, opts.Offset, opts.Limit, func(r *instanceRow) *workflow.Instance {
		cp := *r.inst
		return &cp
	}), nil
}

// WithLockedInstance runs fn holding the instance's exclusive lock.
func (m *Store) WithLockedInstance(ctx context.Context, workflowID id.WorkflowID, fn func(ctx context.Context, w *workflow.Instance) error) error {
	key := workflowID.String()

	m.mu.Lock()
	if _, ok := m.instances[key]; !ok {
		m.mu.Unlock()
		return maestro.ErrWorkflowNotFound
	}
	rowLock, ok := m.instanceLocks[key]
	if !ok {
		rowLock = &sync.Mutex{}
		m.instanceLocks[key] = rowLock
	}
	m.mu.Unlock()

	if !rowLock.TryLock() {
		return maestro.ErrWorkflowLocked
	}
	defer rowLock.Unlock()

	w, err := m.GetInstance(ctx, workflowID)
	if err != nil {
		return err
	}
	if err := fn(ctx, w); err != nil {
		return err
	}
	return m.UpdateInstance(ctx, w)
}

// ──────────────────────────────────────────────────
// Step runs
// ──────────────────────────────────────────────────

// CreateStepRun persists a new step run.
func (m *Store) CreateStepRun(_ context.Context, r *workflow.StepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.stepRuns[r.ID.String()] = &stepRunRow{run: &cp, ord: m.seq.next()}
	return nil
}

// GetStepRun retrieves a step run by ID.
func (m *Store) GetStepRun(_ context.Context, stepRunID id.StepRunID) (*workflow.StepRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.stepRuns[stepRunID.String()]
	if !ok {
		return nil, maestro.ErrStepRunNotFound
	}
	cp := *row.run
	return &cp, nil
}

// UpdateStepRun persists changes to an existing step run.
func (m *Store) UpdateStepRun(_ context.Context, r *workflow.StepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.stepRuns[r.ID.String()]
	if !ok {
		return maestro.ErrStepRunNotFound
	}
	cp := *r
	row.run = &cp
	return nil
}

// ActiveStepRun returns the newest non-superseded run for a step.
func (m *Store) ActiveStepRun(_ context.Context, workflowID id.WorkflowID, stepKey string) (*workflow.StepRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *stepRunRow
	for _, row := range m.stepRuns {
		r := row.run
		if r.WorkflowID != workflowID || r.StepKey != stepKey {
			continue
		}
		if r.State == workflow.StepSuperseded {
			continue
		}
		if best == nil || row.ord > best.ord {
			best = row
		}
	}
	if best == nil {
		return nil, maestro.ErrStepRunNotFound
	}
	cp := *best.run
	return &cp, nil
}

// ListStepRuns returns every run of the instance in creation order.
func (m *Store) ListStepRuns(_ context.Context, workflowID id.WorkflowID) ([]*workflow.StepRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make([]*stepRunRow, 0)
	for _, row := range m.stepRuns {
		if row.run.WorkflowID == workflowID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ord < rows[j].ord })

	out := make([]*workflow.StepRun, len(rows))
	for i, row := range rows {
		cp := *row.run
		out[i] = &cp
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Compensation runs
// ──────────────────────────────────────────────────

func compKey(workflowID id.WorkflowID, stepKey string) string {
	return workflowID.String() + ":" + stepKey
}

// CreateCompensationRun persists a new compensation run, enforcing at
// most one per (workflow, step key).
func (m *Store) CreateCompensationRun(_ context.Context, c *workflow.CompensationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := compKey(c.WorkflowID, c.StepKey)
	if _, exists := m.compensations[key]; exists {
		return maestro.ErrDuplicateCompensation
	}
	cp := *c
	m.compensations[key] = &compRow{comp: &cp, ord: m.seq.next()}
	return nil
}

// GetCompensationRun retrieves the compensation run for a step.
func (m *Store) GetCompensationRun(_ context.Context, workflowID id.WorkflowID, stepKey string) (*workflow.CompensationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.compensations[compKey(workflowID, stepKey)]
	if !ok {
		return nil, maestro.ErrCompensationNotFound
	}
	cp := *row.comp
	return &cp, nil
}

// UpdateCompensationRun persists changes to a compensation run.
func (m *Store) UpdateCompensationRun(_ context.Context, c *workflow.CompensationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.compensations[compKey(c.WorkflowID, c.StepKey)]
	if !ok {
		return maestro.ErrCompensationNotFound
	}
	cp := *c
	row.comp = &cp
	return nil
}

// ListCompensationRuns returns the instance's compensation runs in
// creation order.
func (m *Store) ListCompensationRuns(_ context.Context, workflowID id.WorkflowID) ([]*workflow.CompensationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make([]*compRow, 0)
	for _, row := range m.compensations {
		if row.comp.WorkflowID == workflowID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ord < rows[j].ord })

	out := make([]*workflow.CompensationRun, len(rows))
	for i, row := range rows {
		cp := *row.comp
		out[i] = &cp
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Decision records
// ──────────────────────────────────────────────────

// AppendBranchDecision records a branch pick.
func (m *Store) AppendBranchDecision(_ context.Context, d *workflow.BranchDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	key := d.WorkflowID.String()
	m.branches[key] = append(m.branches[key], &cp)
	return nil
}

// ListBranchDecisions returns the instance's branch decisions in creation
// order.
func (m *Store) ListBranchDecisions(_ context.Context, workflowID id.WorkflowID) ([]*workflow.BranchDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.branches[workflowID.String()]
	out := make([]*workflow.BranchDecision, len(src))
	for i, d := range src {
		cp := *d
		out[i] = &cp
	}
	return out, nil
}

// AppendPollAttempt records a probe execution.
func (m *Store) AppendPollAttempt(_ context.Context, a *workflow.PollAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	key := a.StepRunID.String()
	m.polls[key] = append(m.polls[key], &pollRow{att: &cp, ord: m.seq.next()})
	return nil
}

// LatestPollAttempt returns the newest attempt of a step run, nil if
// none.
func (m *Store) LatestPollAttempt(_ context.Context, stepRunID id.StepRunID) (*workflow.PollAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.polls[stepRunID.String()]
	if len(rows) == 0 {
		return nil, nil
	}
	cp := *rows[len(rows)-1].att
	return &cp, nil
}

// AppendResolution records an operator resolution.
func (m *Store) AppendResolution(_ context.Context, d *workflow.ResolutionDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	key := d.WorkflowID.String()
	m.resolutions[key] = append(m.resolutions[key], &cp)
	return nil
}

// ListResolutions returns the instance's resolutions in creation order.
func (m *Store) ListResolutions(_ context.Context, workflowID id.WorkflowID) ([]*workflow.ResolutionDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.resolutions[workflowID.String()]
	out := make([]*workflow.ResolutionDecision, len(src))
	for i, d := range src {
		cp := *d
		out[i] = &cp
	}
	return out, nil
}

// AppendTriggerPayload records a delivered trigger payload.
func (m *Store) AppendTriggerPayload(_ context.Context, p *workflow.TriggerPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	key := p.WorkflowID.String() + ":" + p.Key
	m.triggers[key] = append(m.triggers[key], &cp)
	return nil
}

// LatestTriggerPayload returns the newest payload for a trigger key, nil
// if none.
func (m *Store) LatestTriggerPayload(_ context.Context, workflowID id.WorkflowID, key string) (*workflow.TriggerPayload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.triggers[workflowID.String()+":"+key]
	if len(src) == 0 {
		return nil, nil
	}
	cp := *src[len(src)-1]
	return &cp, nil
}

// ListAwaitingTriggerPastDeadline returns paused instances whose trigger
// deadline is at or before now.
func (m *Store) ListAwaitingTriggerPastDeadline(_ context.Context, now time.Time) ([]*workflow.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make([]*instanceRow, 0)
	for _, row := range m.instances {
		w := row.inst
		if w.State != workflow.StatePaused || w.AwaitingTrigger == "" {
			continue
		}
		if w.TriggerDeadline == nil || w.TriggerDeadline.After(now) {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ord < rows[j].ord })

	out := make([]*workflow.Instance, len(rows))
	for i, row := range rows {
		cp := *row.inst
		out[i] = &cp
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Dispatch ledger
// ──────────────────────────────────────────────────

// CreateRecord persists a new ledger record, idempotent on DispatchID.
func (m *Store) CreateRecord(_ context.Context, r *job.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byDispatch[r.DispatchID.String()]; exists {
		return nil
	}
	cp := *r
	m.records[r.ID.String()] = &recordRow{rec: &cp, ord: m.seq.next()}
	m.byDispatch[r.DispatchID.String()] = r.ID.String()
	return nil
}

// GetRecord retrieves a record by ID.
func (m *Store) GetRecord(_ context.Context, jobID id.JobID) (*job.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.records[jobID.String()]
	if !ok {
		return nil, maestro.ErrJobNotFound
	}
	cp := *row.rec
	return &cp, nil
}

// GetRecordByDispatchID retrieves a record by its idempotency key.
func (m *Store) GetRecordByDispatchID(ctx context.Context, dispatchID id.DispatchID) (*job.Record, error) {
	m.mu.RLock()
	jobID, ok := m.byDispatch[dispatchID.String()]
	m.mu.RUnlock()
	if !ok {
		return nil, maestro.ErrJobNotFound
	}
	return m.GetRecord(ctx, id.MustParse(jobID))
}

// UpdateRecord persists changes to an existing record.
func (m *Store) UpdateRecord(_ context.Context, r *job.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.records[r.ID.String()]
	if !ok {
		return maestro.ErrJobNotFound
	}
	cp := *r
	row.rec = &cp
	return nil
}

// DequeueRecords atomically claims up to limit runnable records.
func (m *Store) DequeueRecords(_ context.Context, queues []string, limit int, workerID id.WorkerID) ([]*job.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queueSet := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		queueSet[q] = struct{}{}
	}
	now := time.Now().UTC()

	candidates := make([]*recordRow, 0)
	for _, row := range m.records {
		r := row.rec
		if r.State != job.StateDispatched {
			continue
		}
		if r.RunAt.After(now) {
			continue
		}
		if len(queueSet) > 0 {
			if _, ok := queueSet[r.Queue]; !ok {
				continue
			}
		}
		candidates = append(candidates, row)
	}
	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := candidates[i].rec, candidates[j].rec
		if !ri.RunAt.Equal(rj.RunAt) {
			return ri.RunAt.Before(rj.RunAt)
		}
		return candidates[i].ord < candidates[j].ord
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]*job.Record, 0, len(candidates))
	for _, row := range candidates {
		if err := row.rec.Claim(workerID); err != nil {
			return nil, err
		}
		cp := *row.rec
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

// ListRecordsForStepRun returns every record of a step run.
func (m *Store) ListRecordsForStepRun(_ context.Context, stepRunID id.StepRunID) ([]*job.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make([]*recordRow, 0)
	for _, row := range m.records {
		if row.rec.StepRunID == stepRunID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		ri, rj := rows[i].rec, rows[j].rec
		if ri.ItemIndex != rj.ItemIndex {
			return ri.ItemIndex < rj.ItemIndex
		}
		return rows[i].ord < rows[j].ord
	})

	out := make([]*job.Record, len(rows))
	for i, row := range rows {
		cp := *row.rec
		out[i] = &cp
	}
	return out, nil
}

// ListRecordsByState returns records in the given state.
func (m *Store) ListRecordsByState(_ context.Context, state job.State, opts job.ListOpts) ([]*job.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make([]*recordRow, 0)
	for _, row := range m.records {
		r := row.rec
		if r.State != state {
			continue
		}
		if opts.Queue != "" && r.Queue != opts.Queue {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ord < rows[j].ord })

	return paginate(rows, opts.Offset, opts.Limit, func(r *recordRow) *job.Record {
		cp := *r.rec
		return &cp
	}), nil
}

// HeartbeatRecord refreshes the liveness timestamp of a running record.
func (m *Store) HeartbeatRecord(_ context.Context, jobID id.JobID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.records[jobID.String()]
	if !ok {
		return maestro.ErrJobNotFound
	}
	if row.rec.State != job.StateRunning || row.rec.WorkerID != workerID {
		return maestro.ErrJobNotFound
	}
	row.rec.Heartbeat()
	return nil
}

// ListZombieRecords returns running records with stale heartbeats.
func (m *Store) ListZombieRecords(_ context.Context, threshold time.Duration) ([]*job.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-threshold)
	out := make([]*job.Record, 0)
	for _, row := range m.records {
		r := row.rec
		if r.State != job.StateRunning {
			continue
		}
		if r.HeartbeatAt != nil && r.HeartbeatAt.After(cutoff) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// ListStaleDispatched returns dispatched records sitting unclaimed past
// their RunAt for longer than threshold.
func (m *Store) ListStaleDispatched(_ context.Context, threshold time.Duration) ([]*job.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-threshold)
	out := make([]*job.Record, 0)
	for _, row := range m.records {
		r := row.rec
		if r.State != job.StateDispatched {
			continue
		}
		if r.RunAt.After(cutoff) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// CountRecords returns the number of records matching the options.
func (m *Store) CountRecords(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, row := range m.records {
		r := row.rec
		if opts.Queue != "" && r.Queue != opts.Queue {
			continue
		}
		if opts.State != "" && r.State != opts.State {
			continue
		}
		n++
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Outputs
// ──────────────────────────────────────────────────

func outputKey(workflowID id.WorkflowID, name string) string {
	return workflowID.String() + ":" + name
}

// UpsertOutput writes a named output, applying merge under the store
// lock when it already exists.
func (m *Store) UpsertOutput(_ context.Context, rec *output.Record, merge output.MergeFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := outputKey(rec.WorkflowID, rec.Name)
	existing, ok := m.outputs[key]
	if !ok {
		cp := *rec
		m.outputs[key] = &outputRow{rec: &cp, ord: m.seq.next()}
		return nil
	}

	merged, err := merge(existing.rec.Value, rec.Value)
	if err != nil {
		return err
	}
	cp := *rec
	cp.Value = merged
	cp.ID = existing.rec.ID
	existing.rec = &cp
	return nil
}

// GetOutput retrieves an output by name.
func (m *Store) GetOutput(_ context.Context, workflowID id.WorkflowID, name string) (*output.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.outputs[outputKey(workflowID, name)]
	if !ok {
		return nil, maestro.ErrOutputMissing
	}
	cp := *row.rec
	return &cp, nil
}

// ListOutputs returns every output of the instance.
func (m *Store) ListOutputs(_ context.Context, workflowID id.WorkflowID) ([]*output.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make([]*outputRow, 0)
	for _, row := range m.outputs {
		if row.rec.WorkflowID == workflowID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ord < rows[j].ord })

	out := make([]*output.Record, len(rows))
	for i, row := range rows {
		cp := *row.rec
		out[i] = &cp
	}
	return out, nil
}

// DeleteOutput removes an output by name. Absent outputs are a no-op.
func (m *Store) DeleteOutput(_ context.Context, workflowID id.WorkflowID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.outputs, outputKey(workflowID, name))
	return nil
}

// paginate applies offset and limit to sorted rows and copies them out.
func paginate[R any, T any](rows []R, offset, limit int, copyFn func(R) T) []T {
	if offset > len(rows) {
		offset = len(rows)
	}
	rows = rows[offset:]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]T, len(rows))
	for i, row := range rows {
		out[i] = copyFn(row)
	}
	return out
}
