package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/noatudor/maestro/definition"
	"github.com/noatudor/maestro/id"
	"github.com/noatudor/maestro/job"
	"github.com/noatudor/maestro/middleware"
	"github.com/noatudor/maestro/store/memory"
	"github.com/noatudor/maestro/worker"
	"github.com/noatudor/maestro/workflow"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// advanceRecorder captures which workflows were re-evaluated after
// record completion.
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

func testDef(t *testing.T) *definition.Definition {
	t.Helper()
	return definition.New("exec-flow", "1.0.0").
		SingleJob("work", "jobs.Work").
		MustBuild()
}

// seedRecord persists a running workflow, a step run, and a claimed
// ledger record ready for Execute.
func seedRecord(t *testing.T, st *memory.Store, purpose job.Purpose, jobClass string, args []byte) *job.Record {
	t.Helper()
	ctx := context.Background()

	w := workflow.NewInstance(testDef(t))
	if err := w.Start("work"); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateInstance(ctx, w); err != nil {
		t.Fatal(err)
	}

	run := workflow.NewStepRun(w.ID, "work", 1)
	if purpose == job.PurposePoll {
		if err := run.BeginPolling(); err != nil {
			t.Fatal(err)
		}
	} else if err := run.Begin(1); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateStepRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	rec := job.NewRecord(w.ID, run.ID, jobClass, purpose, "default", args)
	if err := rec.Claim(id.NewWorkerID()); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestExecutorSuccess(t *testing.T) {
	st := memory.New()
	registry := job.NewRegistry()
	adv := &advanceRecorder{}

	type args struct {
		Amount int `json:"amount"`
	}
	job.Register(registry, "jobs.Work", func(_ context.Context, a args, inv *job.Invocation) ([]byte, error) {
		if a.Amount != 42 {
			t.Errorf("args.Amount = %d, want 42", a.Amount)
		}
		if inv.StepKey != "work" {
			t.Errorf("inv.StepKey = %q, want work", inv.StepKey)
		}
		return json.Marshal(map[string]string{"status": "done"})
	})

	exec := worker.NewExecutor(registry, st, st, adv, nil, discardLogger())
	rec := seedRecord(t, st, job.PurposeStep, "jobs.Work", []byte(`{"amount":42}`))

	if err := exec.Execute(context.Background(), rec); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, err := st.GetRecord(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateSucceeded {
		t.Errorf("record state = %s, want succeeded", got.State)
	}
	if string(got.Result) != `{"status":"done"}` {
		t.Errorf("record result = %s", got.Result)
	}
	if adv.count() != 1 {
		t.Errorf("advancer invoked %d times, want 1", adv.count())
	}
}

func TestExecutorHandlerError(t *testing.T) {
	st := memory.New()
	registry := job.NewRegistry()
	adv := &advanceRecorder{}

	wantErr := errors.New("remote unavailable")
	registry.RegisterRaw("jobs.Work", func(context.Context, []byte, *job.Invocation) ([]byte, error) {
		return nil, wantErr
	})

	exec := worker.NewExecutor(registry, st, st, adv, nil, discardLogger())
	rec := seedRecord(t, st, job.PurposeStep, "jobs.Work", nil)

	if err := exec.Execute(context.Background(), rec); !errors.Is(err, wantErr) {
		t.Fatalf("Execute error = %v, want %v", err, wantErr)
	}

	got, _ := st.GetRecord(context.Background(), rec.ID)
	if got.State != job.StateFailed {
		t.Fatalf("record state = %s, want failed", got.State)
	}
	if got.FailureClass != job.FailureTransient {
		t.Errorf("failure class = %q, want transient", got.FailureClass)
	}
	if got.FailureMessage != "remote unavailable" {
		t.Errorf("failure message = %q", got.FailureMessage)
	}
	if adv.count() != 1 {
		t.Errorf("advancer invoked %d times, want 1", adv.count())
	}
}

func TestExecutorNoHandlerIsSystemic(t *testing.T) {
	st := memory.New()
	adv := &advanceRecorder{}

	exec := worker.NewExecutor(job.NewRegistry(), st, st, adv, nil, discardLogger())
	rec := seedRecord(t, st, job.PurposeStep, "jobs.Unknown", nil)

	if err := exec.Execute(context.Background(), rec); err == nil {
		t.Fatal("Execute: expected error for unregistered job class")
	}

	got, _ := st.GetRecord(context.Background(), rec.ID)
	if got.FailureClass != job.FailureSystemic {
		t.Errorf("failure class = %q, want systemic", got.FailureClass)
	}
}

func TestExecutorPanicIsSystemic(t *testing.T) {
	st := memory.New()
	registry := job.NewRegistry()
	adv := &advanceRecorder{}

	registry.RegisterRaw("jobs.Work", func(context.Context, []byte, *job.Invocation) ([]byte, error) {
		panic("nil map write")
	})

	exec := worker.NewExecutor(registry, st, st, adv, nil, discardLogger(),
		middleware.Recover(discardLogger()))
	rec := seedRecord(t, st, job.PurposeStep, "jobs.Work", nil)

	if err := exec.Execute(context.Background(), rec); err == nil {
		t.Fatal("Execute: expected error after panic")
	}

	got, _ := st.GetRecord(context.Background(), rec.ID)
	if got.State != job.StateFailed {
		t.Fatalf("record state = %s, want failed", got.State)
	}
	if got.FailureClass != job.FailureSystemic {
		t.Errorf("failure class = %q, want systemic", got.FailureClass)
	}
	if got.FailureTrace == "" {
		t.Error("failure trace not captured")
	}
}

func TestExecutorProbeAppendsPollAttempt(t *testing.T) {
	st := memory.New()
	registry := job.NewRegistry()
	adv := &advanceRecorder{}

	job.RegisterProbe(registry, "jobs.Track", func(_ context.Context, _ struct{}, inv *job.Invocation) (*job.ProbeResult, error) {
		if inv.PollNumber != 1 {
			t.Errorf("inv.PollNumber = %d, want 1", inv.PollNumber)
		}
		return &job.ProbeResult{Complete: false}, nil
	})

	exec := worker.NewExecutor(registry, st, st, adv, nil, discardLogger())
	rec := seedRecord(t, st, job.PurposePoll, "jobs.Track", nil)

	if err := exec.Execute(context.Background(), rec); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	att, err := st.LatestPollAttempt(context.Background(), rec.StepRunID)
	if err != nil {
		t.Fatal(err)
	}
	if att == nil {
		t.Fatal("no poll attempt recorded")
	}
	if att.Number != 1 || att.Complete {
		t.Errorf("attempt = number %d complete %v, want 1/false", att.Number, att.Complete)
	}

	// A second probe observes completion and numbers itself 2.
	job.RegisterProbe(registry, "jobs.Track", func(_ context.Context, _ struct{}, inv *job.Invocation) (*job.ProbeResult, error) {
		return &job.ProbeResult{Complete: true, Output: []byte(`{"ok":true}`)}, nil
	})
	rec2 := job.NewRecord(rec.WorkflowID, rec.StepRunID, "jobs.Track", job.PurposePoll, "default", nil)
	if err := rec2.Claim(id.NewWorkerID()); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateRecord(context.Background(), rec2); err != nil {
		t.Fatal(err)
	}
	if err := exec.Execute(context.Background(), rec2); err != nil {
		t.Fatalf("Execute second probe: %v", err)
	}

	att, err = st.LatestPollAttempt(context.Background(), rec.StepRunID)
	if err != nil {
		t.Fatal(err)
	}
	if att.Number != 2 || !att.Complete {
		t.Errorf("attempt = number %d complete %v, want 2/true", att.Number, att.Complete)
	}

	got, _ := st.GetRecord(context.Background(), rec2.ID)
	if string(got.Result) != `{"ok":true}` {
		t.Errorf("probe record result = %s", got.Result)
	}
}
