package engine_test

import (
	"context"
	"testing"

	"github.com/noatudor/maestro/definition"
	"github.com/noatudor/maestro/job"
	"github.com/noatudor/maestro/workflow"
)

func TestEnginePollingCompletes(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	probes := 0
	job.RegisterProbe(env.eng.Registry(), "jobs.TrackShipment", func(_ context.Context, _ struct{}, inv *job.Invocation) (*job.ProbeResult, error) {
		probes++
		if inv.PollNumber != probes {
			t.Errorf("PollNumber = %d on probe %d", inv.PollNumber, probes)
		}
		if probes < 3 {
			return &job.ProbeResult{Complete: false}, nil
		}
		return &job.ProbeResult{Complete: true, Output: []byte(`{"delivered":true}`)}, nil
	})

	env.register(definition.New("shipment", "1.0.0").
		Polling("track", "jobs.TrackShipment",
			definition.PollingConfig{MaxAttempts: 5},
			definition.Produces("delivery")).
		MustBuild())

	w, err := env.eng.StartWorkflowRaw(ctx, "shipment", nil)
	if err != nil {
		t.Fatal(err)
	}
	env.drain(ctx)

	got := env.instance(w.ID)
	if got.State != workflow.StateSucceeded {
		t.Fatalf("state = %s, want succeeded", got.State)
	}
	if probes != 3 {
		t.Errorf("probe invocations = %d, want 3", probes)
	}

	val, err := env.eng.Outputs().Read(ctx, w.ID, "delivery")
	if err != nil {
		t.Fatal(err)
	}
	if string(val) != `{"delivered":true}` {
		t.Errorf("delivery output = %s", val)
	}

	run, err := env.st.ActiveStepRun(ctx, w.ID, "track")
	if err != nil {
		t.Fatal(err)
	}
	if run.PollCount != 3 {
		t.Errorf("PollCount = %d, want 3", run.PollCount)
	}
}

func TestEnginePollingTimeout(t *testing.T) {
	ctx := context.Background()

	neverDone := func(env *testEnv) {
		job.RegisterProbe(env.eng.Registry(), "jobs.TrackShipment", func(context.Context, struct{}, *job.Invocation) (*job.ProbeResult, error) {
			return &job.ProbeResult{Complete: false}, nil
		})
	}

	t.Run("fail policy", func(t *testing.T) {
		env := newEnv(t)
		neverDone(env)
		env.register(definition.New("shipment", "1.0.0").
			Polling("track", "jobs.TrackShipment",
				definition.PollingConfig{
					MaxAttempts:   2,
					TimeoutPolicy: definition.PollTimeoutFail,
				}).
			MustBuild())

		w, err := env.eng.StartWorkflowRaw(ctx, "shipment", nil)
		if err != nil {
			t.Fatal(err)
		}
		env.drain(ctx)

		got := env.instance(w.ID)
		if got.State != workflow.StateFailed {
			t.Fatalf("state = %s, want failed", got.State)
		}

		run, err := env.st.ActiveStepRun(ctx, w.ID, "track")
		if err != nil {
			t.Fatal(err)
		}
		if run.State != workflow.StepTimedOut {
			t.Errorf("run state = %s, want timed_out", run.State)
		}
	})

	t.Run("continue with default output", func(t *testing.T) {
		env := newEnv(t)
		neverDone(env)
		env.register(definition.New("shipment", "1.0.0").
			Polling("track", "jobs.TrackShipment",
				definition.PollingConfig{
					MaxAttempts:   2,
					TimeoutPolicy: definition.PollTimeoutContinue,
					DefaultOutput: []byte(`{"delivered":"unknown"}`),
				},
				definition.Produces("delivery")).
			MustBuild())

		w, err := env.eng.StartWorkflowRaw(ctx, "shipment", nil)
		if err != nil {
			t.Fatal(err)
		}
		env.drain(ctx)

		got := env.instance(w.ID)
		if got.State != workflow.StateSucceeded {
			t.Fatalf("state = %s, want succeeded", got.State)
		}

		val, err := env.eng.Outputs().Read(ctx, w.ID, "delivery")
		if err != nil {
			t.Fatal(err)
		}
		if string(val) != `{"delivered":"unknown"}` {
			t.Errorf("delivery output = %s", val)
		}
	})

	t.Run("pause policy", func(t *testing.T) {
		env := newEnv(t)
		neverDone(env)
		env.register(definition.New("shipment", "1.0.0").
			Polling("track", "jobs.TrackShipment",
				definition.PollingConfig{
					MaxAttempts:   1,
					TimeoutPolicy: definition.PollTimeoutPause,
				}).
			MustBuild())

		w, err := env.eng.StartWorkflowRaw(ctx, "shipment", nil)
		if err != nil {
			t.Fatal(err)
		}
		env.drain(ctx)

		if got := env.instance(w.ID); got.State != workflow.StatePaused {
			t.Fatalf("state = %s, want paused", got.State)
		}
	})
}

func TestEnginePollingProbeFailureConsumesAttempt(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	probes := 0
	job.RegisterProbe(env.eng.Registry(), "jobs.TrackShipment", func(context.Context, struct{}, *job.Invocation) (*job.ProbeResult, error) {
		probes++
		return nil, context.DeadlineExceeded
	})

	env.register(definition.New("shipment", "1.0.0").
		Polling("track", "jobs.TrackShipment",
			definition.PollingConfig{
				MaxAttempts:   2,
				TimeoutPolicy: definition.PollTimeoutFail,
			}).
		MustBuild())

	w, err := env.eng.StartWorkflowRaw(ctx, "shipment", nil)
	if err != nil {
		t.Fatal(err)
	}
	env.drain(ctx)

	if got := env.instance(w.ID); got.State != workflow.StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if probes != 2 {
		t.Errorf("probe invocations = %d, want 2", probes)
	}
}
