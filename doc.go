// Package maestro provides a durable workflow orchestration engine for Go.
// It models multi-step workflows (single-job, fan-out, polling steps) as
// persisted state machines, dispatches work through a job ledger, and
// advances workflow state as jobs and polls complete.
//
// Maestro is designed as a library, not a service. Import it, configure a
// store, register workflow definitions and job handlers, and drive
// workflows through the engine.
//
// # Quick Start
//
//	st := memory.New()
//	eng, err := engine.New(st, engine.WithSweepLocker(memory.NewLocker()))
//	if err != nil { ... }
//
//	eng.RegisterDefinition(definition.New("order-flow", "1.0.0").
//	    SingleJob("charge", "jobs.Charge").
//	    SingleJob("ship", "jobs.Ship").
//	    MustBuild())
//	engine.RegisterJob(eng, "jobs.Charge", chargeHandler)
//	engine.RegisterJob(eng, "jobs.Ship", shipHandler)
//
//	if err := eng.Start(ctx); err != nil { ... }
//	w, err := engine.StartWorkflow(ctx, eng, "order-flow", orderInput)
//
// # Architecture
//
// Maestro follows a composable store pattern where each subsystem
// (workflow, job, output, lock) defines its own store interface. A single
// backend implements all of them. The orchestration core — step dispatch,
// finalization, failure policies, compensation, and the workflow advancer —
// lives in the engine package and coordinates exclusively through the
// persisted store, never through in-process state.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package maestro
