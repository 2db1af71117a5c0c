package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/noatudor/maestro/definition"
	"github.com/noatudor/maestro/job"
	"github.com/noatudor/maestro/queue"
	"github.com/noatudor/maestro/store/memory"
	"github.com/noatudor/maestro/worker"
	"github.com/noatudor/maestro/workflow"
)

// seedDispatched persists a workflow, step run, and an unclaimed record
// that the pool can dequeue.
func seedDispatched(t *testing.T, st *memory.Store, jobClass string) *job.Record {
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
	if err := run.Begin(1); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateStepRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	rec := job.NewRecord(w.ID, run.ID, jobClass, job.PurposeStep, "default", nil)
	if err := st.CreateRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestPoolExecutesDequeuedRecord(t *testing.T) {
	st := memory.New()
	registry := job.NewRegistry()
	adv := &advanceRecorder{}

	done := make(chan struct{})
	registry.RegisterRaw("jobs.Work", func(context.Context, []byte, *job.Invocation) ([]byte, error) {
		close(done)
		return []byte(`{}`), nil
	})

	exec := worker.NewExecutor(registry, st, st, adv, nil, discardLogger())
	pool := worker.NewPool(st, exec, discardLogger(),
		worker.WithPoolConcurrency(2),
		worker.WithPollInterval(10*time.Millisecond),
	)

	rec := seedDispatched(t, st, "jobs.Work")

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop(context.Background())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked within deadline")
	}

	// The record reaches a terminal state shortly after the handler
	// returns.
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := st.GetRecord(context.Background(), rec.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.State == job.StateSucceeded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("record state = %s, want succeeded", got.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPoolStopIsIdempotent(t *testing.T) {
	st := memory.New()
	exec := worker.NewExecutor(job.NewRegistry(), st, st, &advanceRecorder{}, nil, discardLogger())
	pool := worker.NewPool(st, exec, discardLogger(),
		worker.WithPollInterval(10*time.Millisecond),
	)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := pool.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := pool.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

// denyOnceManager denies the first Acquire and allows the rest.
type denyOnceManager struct {
	mu     sync.Mutex
	denied bool
	defKey string
}

func (m *denyOnceManager) Acquire(_, definitionKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defKey = definitionKey
	if !m.denied {
		m.denied = true
		return false
	}
	return true
}

func (m *denyOnceManager) Release(_, _ string) {}

func (m *denyOnceManager) AcquireStep(_ string, _ int) bool { return true }

func (m *denyOnceManager) ReleaseStep(_ string) {}

func TestPoolRequeuesRateLimitedRecord(t *testing.T) {
	st := memory.New()
	registry := job.NewRegistry()
	adv := &advanceRecorder{}

	done := make(chan struct{})
	registry.RegisterRaw("jobs.Work", func(context.Context, []byte, *job.Invocation) ([]byte, error) {
		close(done)
		return nil, nil
	})

	qm := &denyOnceManager{}
	exec := worker.NewExecutor(registry, st, st, adv, nil, discardLogger())
	pool := worker.NewPool(st, exec, discardLogger(),
		worker.WithPoolConcurrency(1),
		worker.WithPollInterval(10*time.Millisecond),
		worker.WithQueueManager(qm),
	)

	seedDispatched(t, st, "jobs.Work")

	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop(context.Background())

	// The first dequeue is denied and requeued; the second attempt
	// runs it.
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("handler not invoked after requeue")
	}

	qm.mu.Lock()
	defer qm.mu.Unlock()
	if qm.defKey != "exec-flow" {
		t.Errorf("definition key passed to manager = %q, want exec-flow", qm.defKey)
	}
}

func TestPoolCapsFanOutParallelism(t *testing.T) {
	st := memory.New()
	registry := job.NewRegistry()
	ctx := context.Background()

	const (
		items       = 6
		maxParallel = 2
	)

	var (
		gaugeMu   sync.Mutex
		inFlight  int
		highWater int
	)
	done := make(chan struct{}, items)
	registry.RegisterRaw("jobs.Resize", func(context.Context, []byte, *job.Invocation) ([]byte, error) {
		gaugeMu.Lock()
		inFlight++
		if inFlight > highWater {
			highWater = inFlight
		}
		gaugeMu.Unlock()

		time.Sleep(50 * time.Millisecond)

		gaugeMu.Lock()
		inFlight--
		gaugeMu.Unlock()
		done <- struct{}{}
		return nil, nil
	})

	def := definition.New("resize-flow", "1.0.0").
		FanOut("resize", "jobs.Resize", "images", definition.WithParallelism(maxParallel)).
		MustBuild()
	w := workflow.NewInstance(def)
	if err := w.Start("resize"); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateInstance(ctx, w); err != nil {
		t.Fatal(err)
	}
	run := workflow.NewStepRun(w.ID, "resize", 1)
	if err := run.Begin(items); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateStepRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < items; i++ {
		rec := job.NewRecord(w.ID, run.ID, "jobs.Resize", job.PurposeStep, "default", nil)
		rec.ItemIndex = i
		rec.Parallelism = maxParallel
		if err := st.CreateRecord(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	exec := worker.NewExecutor(registry, st, st, &advanceRecorder{}, nil, discardLogger())
	pool := worker.NewPool(st, exec, discardLogger(),
		worker.WithPoolConcurrency(4),
		worker.WithPollInterval(5*time.Millisecond),
		worker.WithQueueManager(queue.NewManager()),
	)

	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop(context.Background())

	for i := 0; i < items; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d jobs finished within deadline", i, items)
		}
	}

	gaugeMu.Lock()
	defer gaugeMu.Unlock()
	if highWater > maxParallel {
		t.Errorf("concurrent executions peaked at %d, want at most %d", highWater, maxParallel)
	}
	if highWater == 0 {
		t.Error("no executions observed")
	}
}

func TestPoolWorkerID(t *testing.T) {
	st := memory.New()
	exec := worker.NewExecutor(job.NewRegistry(), st, st, &advanceRecorder{}, nil, discardLogger())
	pool := worker.NewPool(st, exec, discardLogger())

	if pool.WorkerID().IsNil() {
		t.Fatal("pool has nil worker id")
	}
	if got := pool.WorkerID(); got.String()[:4] != "wkr_" {
		t.Errorf("worker id prefix = %q", got.String())
	}
}

var _ worker.Advancer = (*advanceRecorder)(nil)
