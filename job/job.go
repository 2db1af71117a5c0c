// Package job defines the dispatch ledger entry, its state machine, the
// typed handler registry, and the job store interface.
//
// # Ledger
//
// A [Record] is one dispatched unit of work, written to the store BEFORE
// the job becomes runnable. Every record carries a unique DispatchID that
// doubles as the idempotency key: re-dispatching with the same DispatchID
// is a no-op, so a crash between writing the ledger entry and anything
// downstream never duplicates work.
//
// Records progress through a deliberately small state machine:
//
//	dispatched → running → succeeded
//	dispatched → running → failed
//	dispatched → failed            (systemic: no handler, bad args)
//
// Retries never reuse a record; the engine writes a fresh one with a new
// DispatchID and links it to the same step run.
//
// # Handlers
//
// Handlers are registered by job class with typed payloads. The generic
// [Register] wrapper JSON-unmarshals arguments into T before calling the
// typed function:
//
//	job.Register(registry, "jobs.ChargeCard",
//	    func(ctx context.Context, args ChargeArgs, inv *job.Invocation) ([]byte, error) {
//	        return gateway.Charge(ctx, args)
//	    },
//	)
//
// Polling steps use a [Probe] instead of a handler; its result says
// whether the observed operation completed.
package job

import (
	"time"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/id"
)

// State is the lifecycle state of a ledger record.
type State string

const (
	// StateDispatched means the record is written and waiting for a
	// worker. Future-dated records wait for their RunAt.
	StateDispatched State = "dispatched"
	// StateRunning means a worker is executing the job.
	StateRunning State = "running"
	// StateSucceeded means the job finished. Terminal.
	StateSucceeded State = "succeeded"
	// StateFailed means the job failed and will not run again under this
	// record. Terminal.
	StateFailed State = "failed"
)

var jobTransitions = map[State][]State{
	StateDispatched: {StateRunning, StateFailed},
	StateRunning:    {StateSucceeded, StateFailed},
}

// CanTransitionTo reports whether the transition s -> to is legal.
func (s State) CanTransitionTo(to State) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Purpose says what a record was dispatched for.
type Purpose string

const (
	// PurposeStep executes a step's job class.
	PurposeStep Purpose = "step"
	// PurposePoll executes a polling step's probe.
	PurposePoll Purpose = "poll"
	// PurposeCompensation executes a rollback job.
	PurposeCompensation Purpose = "compensation"
)

// Failure classification, used to pick between retrying and failing fast.
const (
	// FailureTransient marks failures worth retrying (timeouts, remote
	// errors).
	FailureTransient = "transient"
	// FailureSystemic marks failures retrying cannot fix (no handler,
	// unmarshalable args, panics).
	FailureSystemic = "systemic"
)

// maxFailureDetail caps the stored failure message and trace so a noisy
// error cannot bloat the ledger row.
const (
	maxFailureMessage = 1024
	maxFailureTrace   = 8192
)

// Record is one dispatch ledger entry.
type Record struct {
	maestro.Entity

	ID id.JobID `json:"id"`
	// DispatchID is the idempotency key: at most one record per value.
	DispatchID id.DispatchID `json:"dispatch_id"`

	WorkflowID id.WorkflowID `json:"workflow_id"`
	StepRunID  id.StepRunID  `json:"step_run_id"`
	// CompensationID links compensation records to their run.
	CompensationID *id.CompensationID `json:"compensation_id,omitempty"`

	JobClass string  `json:"job_class"`
	Purpose  Purpose `json:"purpose"`
	Queue    string  `json:"queue"`
	State    State   `json:"state"`

	// Args is the serialized handler payload.
	Args []byte `json:"args,omitempty"`
	// ItemIndex positions fan-out records within their step, from 0.
	ItemIndex int `json:"item_index,omitempty"`
	// Parallelism caps how many records of the same step run may execute
	// at once. Zero means uncapped.
	Parallelism int `json:"parallelism,omitempty"`
	// Result is the handler's output, set on success. For probe records
	// it is the probe's observation payload.
	Result []byte `json:"result,omitempty"`

	// FailureClass, FailureMessage, and FailureTrace describe a terminal
	// failure. Message and trace are truncated at storage bounds.
	FailureClass   string `json:"failure_class,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
	FailureTrace   string `json:"failure_trace,omitempty"`

	// RunAt is the earliest time a worker may claim the record. Poll
	// re-dispatches and delayed retries are future-dated here.
	RunAt time.Time `json:"run_at"`

	Timeout     time.Duration `json:"timeout,omitempty"`
	WorkerID    id.WorkerID   `json:"worker_id,omitempty"`
	HeartbeatAt *time.Time    `json:"heartbeat_at,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// NewRecord creates a dispatched ledger entry runnable immediately.
func NewRecord(workflowID id.WorkflowID, stepRunID id.StepRunID, jobClass string, purpose Purpose, queue string, args []byte) *Record {
	return &Record{
		Entity:     maestro.NewEntity(),
		ID:         id.NewJobID(),
		DispatchID: id.NewDispatchID(),
		WorkflowID: workflowID,
		StepRunID:  stepRunID,
		JobClass:   jobClass,
		Purpose:    purpose,
		Queue:      queue,
		State:      StateDispatched,
		Args:       args,
		RunAt:      time.Now().UTC(),
	}
}

func (r *Record) transition(to State) error {
	if !r.State.CanTransitionTo(to) {
		return &maestro.InvalidTransitionError{
			Entity: "job",
			From:   string(r.State),
			To:     string(to),
		}
	}
	r.State = to
	r.Touch()
	return nil
}

// Claim moves a dispatched record to running under a worker.
func (r *Record) Claim(workerID id.WorkerID) error {
	if err := r.transition(StateRunning); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.WorkerID = workerID
	r.StartedAt = &now
	r.HeartbeatAt = &now
	return nil
}

// Succeed completes the record with the handler's output.
func (r *Record) Succeed(result []byte) error {
	if err := r.transition(StateSucceeded); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.Result = result
	r.CompletedAt = &now
	return nil
}

// Fail terminates the record with a classified failure. Message and
// trace are truncated to storage bounds.
func (r *Record) Fail(class, message, trace string) error {
	if err := r.transition(StateFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.FailureClass = class
	r.FailureMessage = truncate(message, maxFailureMessage)
	r.FailureTrace = truncate(trace, maxFailureTrace)
	r.CompletedAt = &now
	return nil
}

// Requeue returns a claimed record to the queue without recording a
// failure, runnable again at runAt. Used when queue limits defer
// execution after dequeue.
func (r *Record) Requeue(runAt time.Time) {
	r.State = StateDispatched
	r.WorkerID = id.Nil
	r.HeartbeatAt = nil
	r.StartedAt = nil
	r.RunAt = runAt
	r.Touch()
}

// Heartbeat refreshes the liveness timestamp of a running record.
func (r *Record) Heartbeat() {
	now := time.Now().UTC()
	r.HeartbeatAt = &now
	r.Touch()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
