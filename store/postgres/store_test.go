//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/definition"
	"github.com/noatudor/maestro/id"
	"github.com/noatudor/maestro/job"
	"github.com/noatudor/maestro/output"
	"github.com/noatudor/maestro/store/postgres"
	"github.com/noatudor/maestro/workflow"
)

// setupTestStore starts a Postgres container and returns a migrated
// store.
func setupTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("maestro_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	s, err := postgres.New(ctx, connStr)
	if err != nil {
		t.Fatalf("postgres.New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if migErr := s.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}

	return s
}

func testDefinition(t *testing.T) *definition.Definition {
	t.Helper()
	return definition.New("pg-flow", "1.2.0").
		SingleJob("work", "jobs.Work").
		MustBuild()
}

func seedInstance(t *testing.T, s *postgres.Store) *workflow.Instance {
	t.Helper()
	w := workflow.NewInstance(testDefinition(t))
	if err := w.Start("work"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.CreateInstance(context.Background(), w); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	return w
}

func TestStorePing(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestStoreMigrateIdempotent(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestInstanceRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	w := seedInstance(t, s)

	got, err := s.GetInstance(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.DefinitionKey != "pg-flow" {
		t.Errorf("DefinitionKey = %q, want pg-flow", got.DefinitionKey)
	}
	if got.DefinitionVersion.String() != "1.2.0" {
		t.Errorf("DefinitionVersion = %q, want 1.2.0", got.DefinitionVersion)
	}
	if got.State != workflow.StateRunning {
		t.Errorf("State = %q, want %q", got.State, workflow.StateRunning)
	}
	if got.CurrentStepKey != "work" {
		t.Errorf("CurrentStepKey = %q, want work", got.CurrentStepKey)
	}

	if _, err := s.GetInstance(ctx, id.NewWorkflowID()); !errors.Is(err, maestro.ErrWorkflowNotFound) {
		t.Errorf("missing instance err = %v, want ErrWorkflowNotFound", err)
	}
}

func TestInstanceUpdatePersistsScope(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	w := seedInstance(t, s)

	if err := w.BeginScopedCompensation(workflow.CompensateFromStep, []string{"work"}, "work"); err != nil {
		t.Fatalf("BeginScopedCompensation: %v", err)
	}
	if err := s.UpdateInstance(ctx, w); err != nil {
		t.Fatalf("UpdateInstance: %v", err)
	}

	got, err := s.GetInstance(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.State != workflow.StateCompensating {
		t.Errorf("State = %q, want %q", got.State, workflow.StateCompensating)
	}
	if got.CompensationScope != workflow.CompensateFromStep {
		t.Errorf("CompensationScope = %q, want %q", got.CompensationScope, workflow.CompensateFromStep)
	}
	if len(got.CompensationSteps) != 1 || got.CompensationSteps[0] != "work" {
		t.Errorf("CompensationSteps = %v, want [work]", got.CompensationSteps)
	}
	if got.PendingRetryStep != "work" {
		t.Errorf("PendingRetryStep = %q, want work", got.PendingRetryStep)
	}
}

func TestWithLockedInstanceContention(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	w := seedInstance(t, s)

	inFn := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- s.WithLockedInstance(ctx, w.ID, func(context.Context, *workflow.Instance) error {
			close(inFn)
			<-release
			return nil
		})
	}()

	<-inFn
	err := s.WithLockedInstance(ctx, w.ID, func(context.Context, *workflow.Instance) error {
		return nil
	})
	if !errors.Is(err, maestro.ErrWorkflowLocked) {
		t.Errorf("second lock err = %v, want ErrWorkflowLocked", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("locked update: %v", err)
	}
}

func TestWithLockedInstancePersistsMutation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	w := seedInstance(t, s)

	err := s.WithLockedInstance(ctx, w.ID, func(_ context.Context, inst *workflow.Instance) error {
		return inst.Pause("manual hold")
	})
	if err != nil {
		t.Fatalf("WithLockedInstance: %v", err)
	}

	got, err := s.GetInstance(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.State != workflow.StatePaused || got.PauseReason != "manual hold" {
		t.Errorf("instance = %q/%q, want paused/manual hold", got.State, got.PauseReason)
	}
}

func TestStepRunActiveSelection(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	w := seedInstance(t, s)

	first := workflow.NewStepRun(w.ID, "work", 1)
	if err := s.CreateStepRun(ctx, first); err != nil {
		t.Fatalf("CreateStepRun: %v", err)
	}

	second := workflow.NewStepRun(w.ID, "work", 2)
	if err := s.CreateStepRun(ctx, second); err != nil {
		t.Fatalf("CreateStepRun: %v", err)
	}

	if err := first.Supersede(second.ID); err != nil {
		t.Fatalf("Supersede: %v", err)
	}
	if err := s.UpdateStepRun(ctx, first); err != nil {
		t.Fatalf("UpdateStepRun: %v", err)
	}

	active, err := s.ActiveStepRun(ctx, w.ID, "work")
	if err != nil {
		t.Fatalf("ActiveStepRun: %v", err)
	}
	if active.ID != second.ID {
		t.Errorf("active run = %s, want %s", active.ID, second.ID)
	}

	all, err := s.ListStepRuns(ctx, w.ID)
	if err != nil {
		t.Fatalf("ListStepRuns: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("step runs = %d, want 2", len(all))
	}
	if all[0].SupersededBy == nil || *all[0].SupersededBy != second.ID {
		t.Errorf("SupersededBy = %v, want %s", all[0].SupersededBy, second.ID)
	}
}

func TestRecordDispatchIdempotency(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	w := seedInstance(t, s)

	run := workflow.NewStepRun(w.ID, "work", 1)
	if err := s.CreateStepRun(ctx, run); err != nil {
		t.Fatalf("CreateStepRun: %v", err)
	}

	rec := job.NewRecord(w.ID, run.ID, "jobs.Work", job.PurposeStep, "default", []byte(`{}`))
	if err := s.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	// Same dispatch id again: swallowed, not duplicated.
	dup := job.NewRecord(w.ID, run.ID, "jobs.Work", job.PurposeStep, "default", []byte(`{}`))
	dup.DispatchID = rec.DispatchID
	if err := s.CreateRecord(ctx, dup); err != nil {
		t.Fatalf("duplicate CreateRecord: %v", err)
	}

	recs, err := s.ListRecordsForStepRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListRecordsForStepRun: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("records = %d, want 1", len(recs))
	}

	byDispatch, err := s.GetRecordByDispatchID(ctx, rec.DispatchID)
	if err != nil {
		t.Fatalf("GetRecordByDispatchID: %v", err)
	}
	if byDispatch.ID != rec.ID {
		t.Errorf("record by dispatch = %s, want %s", byDispatch.ID, rec.ID)
	}
}

func TestDequeueClaimsAndHides(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	w := seedInstance(t, s)

	run := workflow.NewStepRun(w.ID, "work", 1)
	if err := s.CreateStepRun(ctx, run); err != nil {
		t.Fatalf("CreateStepRun: %v", err)
	}

	due := job.NewRecord(w.ID, run.ID, "jobs.Work", job.PurposeStep, "default", nil)
	if err := s.CreateRecord(ctx, due); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	later := job.NewRecord(w.ID, run.ID, "jobs.Work", job.PurposeStep, "default", nil)
	later.RunAt = time.Now().UTC().Add(time.Hour)
	if err := s.CreateRecord(ctx, later); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	workerID := id.NewWorkerID()
	claimed, err := s.DequeueRecords(ctx, []string{"default"}, 10, workerID)
	if err != nil {
		t.Fatalf("DequeueRecords: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != due.ID {
		t.Fatalf("claimed = %v, want just the due record", claimed)
	}
	if claimed[0].State != job.StateRunning {
		t.Errorf("claimed state = %q, want %q", claimed[0].State, job.StateRunning)
	}
	if claimed[0].WorkerID != workerID {
		t.Errorf("claimed worker = %s, want %s", claimed[0].WorkerID, workerID)
	}

	again, err := s.DequeueRecords(ctx, []string{"default"}, 10, id.NewWorkerID())
	if err != nil {
		t.Fatalf("second DequeueRecords: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second dequeue claimed %d records, want 0", len(again))
	}

	if err := s.HeartbeatRecord(ctx, due.ID, workerID); err != nil {
		t.Errorf("HeartbeatRecord: %v", err)
	}
	if err := s.HeartbeatRecord(ctx, due.ID, id.NewWorkerID()); !errors.Is(err, maestro.ErrJobNotFound) {
		t.Errorf("foreign heartbeat err = %v, want ErrJobNotFound", err)
	}
}

func TestOutputUpsertMerges(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	w := seedInstance(t, s)

	concat := func(existing, incoming []byte) ([]byte, error) {
		return append(append([]byte{}, existing...), incoming...), nil
	}

	first := output.NewRecord(w.ID, "work", "log", []byte("a"))
	if err := s.UpsertOutput(ctx, first, concat); err != nil {
		t.Fatalf("UpsertOutput: %v", err)
	}
	second := output.NewRecord(w.ID, "work", "log", []byte("b"))
	if err := s.UpsertOutput(ctx, second, concat); err != nil {
		t.Fatalf("second UpsertOutput: %v", err)
	}

	got, err := s.GetOutput(ctx, w.ID, "log")
	if err != nil {
		t.Fatalf("GetOutput: %v", err)
	}
	if string(got.Value) != "ab" {
		t.Errorf("merged value = %q, want ab", got.Value)
	}

	if err := s.DeleteOutput(ctx, w.ID, "log"); err != nil {
		t.Fatalf("DeleteOutput: %v", err)
	}
	if _, err := s.GetOutput(ctx, w.ID, "log"); !errors.Is(err, maestro.ErrOutputMissing) {
		t.Errorf("deleted output err = %v, want ErrOutputMissing", err)
	}
}

func TestTriggerPayloadLatest(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	w := seedInstance(t, s)

	older := workflow.NewTriggerPayload(w.ID, "approval", []byte(`{"n":1}`))
	older.ReceivedAt = time.Now().UTC().Add(-time.Minute)
	if err := s.AppendTriggerPayload(ctx, older); err != nil {
		t.Fatalf("AppendTriggerPayload: %v", err)
	}
	newer := workflow.NewTriggerPayload(w.ID, "approval", []byte(`{"n":2}`))
	if err := s.AppendTriggerPayload(ctx, newer); err != nil {
		t.Fatalf("AppendTriggerPayload: %v", err)
	}

	got, err := s.LatestTriggerPayload(ctx, w.ID, "approval")
	if err != nil {
		t.Fatalf("LatestTriggerPayload: %v", err)
	}
	if got == nil || got.ID != newer.ID {
		t.Errorf("latest payload = %v, want %s", got, newer.ID)
	}

	none, err := s.LatestTriggerPayload(ctx, w.ID, "other")
	if err != nil {
		t.Fatalf("LatestTriggerPayload other: %v", err)
	}
	if none != nil {
		t.Errorf("payload for unknown key = %v, want nil", none)
	}
}

func TestListAwaitingTriggerPastDeadline(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	expired := seedInstance(t, s)
	past := time.Now().UTC().Add(-time.Minute)
	if err := expired.AwaitTrigger("approval", &past); err != nil {
		t.Fatalf("AwaitTrigger: %v", err)
	}
	if err := s.UpdateInstance(ctx, expired); err != nil {
		t.Fatalf("UpdateInstance: %v", err)
	}

	waiting := seedInstance(t, s)
	future := time.Now().UTC().Add(time.Hour)
	if err := waiting.AwaitTrigger("approval", &future); err != nil {
		t.Fatalf("AwaitTrigger: %v", err)
	}
	if err := s.UpdateInstance(ctx, waiting); err != nil {
		t.Fatalf("UpdateInstance: %v", err)
	}

	got, err := s.ListAwaitingTriggerPastDeadline(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ListAwaitingTriggerPastDeadline: %v", err)
	}
	if len(got) != 1 || got[0].ID != expired.ID {
		t.Errorf("expired waits = %v, want just %s", got, expired.ID)
	}
}

func TestLockerAcquireReleaseExpiry(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	locker := s.Locker()

	h, err := locker.Acquire(ctx, "sweep", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := locker.Acquire(ctx, "sweep", time.Minute); !errors.Is(err, maestro.ErrLockHeld) {
		t.Errorf("second Acquire err = %v, want ErrLockHeld", err)
	}

	if err := h.Refresh(ctx, time.Minute); err != nil {
		t.Errorf("Refresh: %v", err)
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// An expired row is free for the taking and a stale handle cannot
	// extend it.
	stale, err := locker.Acquire(ctx, "sweep", time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire short ttl: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := locker.Acquire(ctx, "sweep", time.Minute); err != nil {
		t.Errorf("Acquire after expiry: %v", err)
	}
	if err := stale.Refresh(ctx, time.Minute); !errors.Is(err, maestro.ErrLockHeld) {
		t.Errorf("stale Refresh err = %v, want ErrLockHeld", err)
	}

	if _, err := locker.RemoveExpired(ctx); err != nil {
		t.Errorf("RemoveExpired: %v", err)
	}

	// Fractional TTLs must survive the interval conversion intact.
	frac, err := locker.Acquire(ctx, "sweep-frac", 90*time.Second+500*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire fractional ttl: %v", err)
	}
	if err := frac.Refresh(ctx, 1500*time.Millisecond); err != nil {
		t.Errorf("Refresh fractional ttl: %v", err)
	}
	if err := frac.Release(ctx); err != nil {
		t.Errorf("Release: %v", err)
	}
}

func TestZombieAndStaleListing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	w := seedInstance(t, s)

	run := workflow.NewStepRun(w.ID, "work", 1)
	if err := s.CreateStepRun(ctx, run); err != nil {
		t.Fatalf("CreateStepRun: %v", err)
	}

	zombie := job.NewRecord(w.ID, run.ID, "jobs.Work", job.PurposeStep, "default", nil)
	if err := zombie.Claim(id.NewWorkerID()); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := s.CreateRecord(ctx, zombie); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	stale := job.NewRecord(w.ID, run.ID, "jobs.Work", job.PurposeStep, "default", nil)
	if err := s.CreateRecord(ctx, stale); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	zombies, err := s.ListZombieRecords(ctx, 0)
	if err != nil {
		t.Fatalf("ListZombieRecords: %v", err)
	}
	if len(zombies) != 1 || zombies[0].ID != zombie.ID {
		t.Errorf("zombies = %v, want just %s", zombies, zombie.ID)
	}
	if zs, _ := s.ListZombieRecords(ctx, time.Hour); len(zs) != 0 {
		t.Errorf("zombies with 1h threshold = %d, want 0", len(zs))
	}

	stales, err := s.ListStaleDispatched(ctx, 0)
	if err != nil {
		t.Fatalf("ListStaleDispatched: %v", err)
	}
	if len(stales) != 1 || stales[0].ID != stale.ID {
		t.Errorf("stale = %v, want just %s", stales, stale.ID)
	}

	n, err := s.CountRecords(ctx, job.CountOpts{State: job.StateRunning})
	if err != nil {
		t.Fatalf("CountRecords: %v", err)
	}
	if n != 1 {
		t.Errorf("running count = %d, want 1", n)
	}
}
