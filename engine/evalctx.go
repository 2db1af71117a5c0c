package engine

import (
	"context"
	"fmt"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/definition"
	"github.com/noatudor/maestro/workflow"
)

// evalContext assembles the environment handed to condition, item-source,
// and argument-builder code: instance identity, the output reader scoped
// to the workflow, the context loader's Env map, and the trigger payload
// when the step was gated on one.
func (a *Advancer) evalContext(ctx context.Context, w *workflow.Instance, def *definition.Definition, stepKey string, trigger []byte) (*definition.EvalContext, error) {
	ec := &definition.EvalContext{
		WorkflowID:        w.ID.String(),
		DefinitionKey:     w.DefinitionKey,
		DefinitionVersion: w.DefinitionVersion,
		StepKey:           stepKey,
		Outputs:           a.outputs.Reader(w.ID),
		Trigger:           trigger,
	}

	if def.ContextLoader == "" {
		return ec, nil
	}
	loader, ok := a.resolver.ContextLoader(def.ContextLoader)
	if !ok {
		return nil, fmt.Errorf("engine: context loader %q not registered", def.ContextLoader)
	}
	env, err := loader.Load(ctx, ec)
	if err != nil {
		return nil, &maestro.ConditionError{Name: def.ContextLoader, Cause: err}
	}
	ec.Env = env
	return ec, nil
}

// triggerPayload returns the delivered payload record for the step's
// trigger key, or nil when the step has no trigger or none has arrived.
func (a *Advancer) triggerPayload(ctx context.Context, w *workflow.Instance, step *definition.Step) (*workflow.TriggerPayload, error) {
	if step.Trigger == nil {
		return nil, nil
	}
	return a.workflows.LatestTriggerPayload(ctx, w.ID, step.Trigger.Key)
}

// definitionFor resolves the instance's pinned definition version.
func (a *Advancer) definitionFor(w *workflow.Instance) (*definition.Definition, error) {
	return a.definitions.Get(w.DefinitionKey, w.DefinitionVersion)
}
