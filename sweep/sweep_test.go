package sweep_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/definition"
	"github.com/noatudor/maestro/event"
	"github.com/noatudor/maestro/id"
	"github.com/noatudor/maestro/job"
	"github.com/noatudor/maestro/store/memory"
	"github.com/noatudor/maestro/sweep"
	"github.com/noatudor/maestro/workflow"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type advanceRecorder struct {
	mu    sync.Mutex
	calls []id.WorkflowID
}

func (a *advanceRecorder) Run(_ context.Context, workflowID id.WorkflowID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, workflowID)
	return nil
}

func (a *advanceRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

var _ sweep.Advancer = (*advanceRecorder)(nil)

type emitRecorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *emitRecorder) Emit(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *emitRecorder) byType(t event.Type) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func TestZombieSweepFailsSilentRunners(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	rec := job.NewRecord(id.NewWorkflowID(), id.NewStepRunID(), "jobs.Work", job.PurposeStep, "default", nil)
	if err := rec.Claim(id.NewWorkerID()); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := st.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	adv := &advanceRecorder{}
	sw := sweep.NewZombieSweep(st, adv, 0, discardLogger())
	if err := sw.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := st.GetRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.State != job.StateFailed {
		t.Errorf("record state = %q, want %q", got.State, job.StateFailed)
	}
	if got.FailureClass != sweep.FailureZombie {
		t.Errorf("FailureClass = %q, want %q", got.FailureClass, sweep.FailureZombie)
	}
	if adv.count() != 1 {
		t.Errorf("advancer calls = %d, want 1", adv.count())
	}
}

func TestZombieSweepIgnoresFreshHeartbeat(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	rec := job.NewRecord(id.NewWorkflowID(), id.NewStepRunID(), "jobs.Work", job.PurposeStep, "default", nil)
	if err := rec.Claim(id.NewWorkerID()); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := st.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	adv := &advanceRecorder{}
	sw := sweep.NewZombieSweep(st, adv, time.Hour, discardLogger())
	if err := sw.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := st.GetRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.State != job.StateRunning {
		t.Errorf("record state = %q, want %q", got.State, job.StateRunning)
	}
	if adv.count() != 0 {
		t.Errorf("advancer calls = %d, want 0", adv.count())
	}
}

func TestStaleDispatchSweep(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	stale := job.NewRecord(id.NewWorkflowID(), id.NewStepRunID(), "jobs.Work", job.PurposeStep, "default", nil)
	if err := st.CreateRecord(ctx, stale); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	future := job.NewRecord(id.NewWorkflowID(), id.NewStepRunID(), "jobs.Later", job.PurposeStep, "default", nil)
	future.RunAt = time.Now().UTC().Add(time.Hour)
	if err := st.CreateRecord(ctx, future); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	adv := &advanceRecorder{}
	sw := sweep.NewStaleDispatchSweep(st, adv, 0, discardLogger())
	if err := sw.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := st.GetRecord(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.State != job.StateFailed || got.FailureClass != sweep.FailureStaleDispatch {
		t.Errorf("stale record = %q/%q, want %q/%q",
			got.State, got.FailureClass, job.StateFailed, sweep.FailureStaleDispatch)
	}

	untouched, err := st.GetRecord(ctx, future.ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if untouched.State != job.StateDispatched {
		t.Errorf("future record state = %q, want %q", untouched.State, job.StateDispatched)
	}
	if adv.count() != 1 {
		t.Errorf("advancer calls = %d, want 1", adv.count())
	}
}

func triggerDef(t *testing.T, policy definition.TriggerTimeoutPolicy) *definition.Definition {
	t.Helper()
	return definition.New("approval-flow", "1.0.0").
		SingleJob("approve", "jobs.Approve", definition.AwaitTrigger(definition.TriggerConfig{
			Key:           "manager-approval",
			Timeout:       time.Hour,
			TimeoutPolicy: policy,
			Extension:     30 * time.Minute,
		})).
		MustBuild()
}

// expiredTriggerInstance seeds a paused instance whose trigger deadline
// passed a minute ago.
func expiredTriggerInstance(t *testing.T, st *memory.Store, def *definition.Definition) *workflow.Instance {
	t.Helper()
	ctx := context.Background()

	w := workflow.NewInstance(def)
	if err := w.Start("approve"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	if err := w.AwaitTrigger("manager-approval", &past); err != nil {
		t.Fatalf("AwaitTrigger: %v", err)
	}
	if err := st.CreateInstance(ctx, w); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	return w
}

func TestTriggerTimeoutSweepFailPolicy(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	defs := definition.NewRegistry()
	def := triggerDef(t, definition.TriggerTimeoutFail)
	if err := defs.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}
	w := expiredTriggerInstance(t, st, def)

	adv := &advanceRecorder{}
	em := &emitRecorder{}
	sw := sweep.NewTriggerTimeoutSweep(st, defs, adv, em, discardLogger())
	if err := sw.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := st.GetInstance(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.State != workflow.StateFailed {
		t.Errorf("state = %q, want %q", got.State, workflow.StateFailed)
	}
	if got.FailedStepKey != "approve" {
		t.Errorf("FailedStepKey = %q, want approve", got.FailedStepKey)
	}
	if len(em.byType(event.WorkflowFailed)) != 1 {
		t.Errorf("WorkflowFailed events = %d, want 1", len(em.byType(event.WorkflowFailed)))
	}
}

func TestTriggerTimeoutSweepRemindPolicy(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	defs := definition.NewRegistry()
	def := triggerDef(t, definition.TriggerTimeoutRemind)
	if err := defs.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}
	w := expiredTriggerInstance(t, st, def)

	adv := &advanceRecorder{}
	em := &emitRecorder{}
	sw := sweep.NewTriggerTimeoutSweep(st, defs, adv, em, discardLogger())
	if err := sw.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := st.GetInstance(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.State != workflow.StatePaused {
		t.Errorf("state = %q, want %q", got.State, workflow.StatePaused)
	}
	if got.TriggerDeadline == nil || !got.TriggerDeadline.After(time.Now().UTC()) {
		t.Errorf("TriggerDeadline = %v, want pushed past now", got.TriggerDeadline)
	}
	reminders := em.byType(event.TriggerReminder)
	if len(reminders) != 1 {
		t.Fatalf("TriggerReminder events = %d, want 1", len(reminders))
	}
	if reminders[0].Detail["trigger_key"] != "manager-approval" {
		t.Errorf("reminder trigger_key = %v, want manager-approval", reminders[0].Detail["trigger_key"])
	}

	// The pushed-out deadline keeps a second pass quiet.
	if err := sw.Run(ctx); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(em.byType(event.TriggerReminder)) != 1 {
		t.Errorf("reminders after second pass = %d, want 1", len(em.byType(event.TriggerReminder)))
	}
}

func TestTriggerTimeoutSweepAutoResumePolicy(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	defs := definition.NewRegistry()
	def := triggerDef(t, definition.TriggerTimeoutAutoResume)
	if err := defs.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}
	w := expiredTriggerInstance(t, st, def)

	adv := &advanceRecorder{}
	em := &emitRecorder{}
	sw := sweep.NewTriggerTimeoutSweep(st, defs, adv, em, discardLogger())
	if err := sw.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := st.GetInstance(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.State != workflow.StateRunning {
		t.Errorf("state = %q, want %q", got.State, workflow.StateRunning)
	}
	if got.AwaitingTrigger != "" || got.TriggerDeadline != nil {
		t.Errorf("trigger wait not cleared: %q %v", got.AwaitingTrigger, got.TriggerDeadline)
	}

	p, err := st.LatestTriggerPayload(ctx, w.ID, "manager-approval")
	if err != nil {
		t.Fatalf("LatestTriggerPayload: %v", err)
	}
	if p == nil {
		t.Fatal("no trigger payload appended")
	}
	if len(p.Payload) != 0 {
		t.Errorf("payload = %q, want empty", p.Payload)
	}
	if adv.count() != 1 {
		t.Errorf("advancer calls = %d, want 1", adv.count())
	}
}

func TestTriggerTimeoutSweepExtendPolicy(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	defs := definition.NewRegistry()
	def := triggerDef(t, definition.TriggerTimeoutExtend)
	if err := defs.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}
	w := expiredTriggerInstance(t, st, def)
	before := *w.TriggerDeadline

	sw := sweep.NewTriggerTimeoutSweep(st, defs, &advanceRecorder{}, nil, discardLogger())
	if err := sw.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := st.GetInstance(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.State != workflow.StatePaused {
		t.Errorf("state = %q, want %q", got.State, workflow.StatePaused)
	}
	want := before.Add(30 * time.Minute)
	if got.TriggerDeadline == nil || !got.TriggerDeadline.Equal(want) {
		t.Errorf("TriggerDeadline = %v, want %v", got.TriggerDeadline, want)
	}
}

func TestAutoRetrySweep(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	defs := definition.NewRegistry()
	def := definition.New("retry-flow", "1.0.0").
		AutoRetry(1, 0).
		SingleJob("work", "jobs.Work").
		MustBuild()
	if err := defs.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	w := workflow.NewInstance(def)
	if err := w.Start("work"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Fail("work", "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if err := st.CreateInstance(ctx, w); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	var (
		mu      sync.Mutex
		retried []string
	)
	retry := func(_ context.Context, workflowID id.WorkflowID, stepKey string) error {
		mu.Lock()
		defer mu.Unlock()
		if workflowID != w.ID {
			t.Errorf("retry workflow = %s, want %s", workflowID, w.ID)
		}
		retried = append(retried, stepKey)
		return nil
	}

	sw := sweep.NewAutoRetrySweep(st, defs, retry, discardLogger())
	if err := sw.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(retried) != 1 || retried[0] != "work" {
		t.Fatalf("retried = %v, want [work]", retried)
	}
	got, err := st.GetInstance(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.AutoRetryCount != 1 {
		t.Errorf("AutoRetryCount = %d, want 1", got.AutoRetryCount)
	}

	// The budget of one attempt is spent.
	if err := sw.Run(ctx); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(retried) != 1 {
		t.Errorf("retries after second pass = %d, want 1", len(retried))
	}
}

func TestAutoRetrySweepWaitsForDelay(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	defs := definition.NewRegistry()
	def := definition.New("slow-retry", "1.0.0").
		AutoRetry(3, time.Hour).
		SingleJob("work", "jobs.Work").
		MustBuild()
	if err := defs.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	w := workflow.NewInstance(def)
	if err := w.Start("work"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Fail("work", "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if err := st.CreateInstance(ctx, w); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	calls := 0
	retry := func(context.Context, id.WorkflowID, string) error {
		calls++
		return nil
	}
	sw := sweep.NewAutoRetrySweep(st, defs, retry, discardLogger())
	if err := sw.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 0 {
		t.Errorf("retry calls = %d, want 0 before delay elapses", calls)
	}
}

func TestLockSweepRemovesExpired(t *testing.T) {
	ctx := context.Background()
	locker := memory.NewLocker()

	if _, err := locker.Acquire(ctx, "expired", 0); err != nil {
		t.Fatalf("Acquire expired: %v", err)
	}
	if _, err := locker.Acquire(ctx, "live", time.Hour); err != nil {
		t.Fatalf("Acquire live: %v", err)
	}

	sw := sweep.NewLockSweep(locker, discardLogger())
	if err := sw.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := locker.Acquire(ctx, "expired", time.Hour); err != nil {
		t.Errorf("re-acquire expired lock: %v", err)
	}
	if _, err := locker.Acquire(ctx, "live", time.Hour); !errors.Is(err, maestro.ErrLockHeld) {
		t.Errorf("live lock acquire err = %v, want ErrLockHeld", err)
	}
}
