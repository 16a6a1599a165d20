package stepper

import (
	"fmt"
	"slices"

	"github.com/pitabwire/stepper/model"
)

// Snapshot returns the persistable state of the run.
func (c *Controller) Snapshot() model.InstanceState {
	return model.InstanceState{
		Steps:        c.plan.StepIDs(),
		CurrentIndex: c.cursor,
		FieldValues:  c.Fields(),
		Documents:    c.docs.Export(),
		Decisions:    c.decisions.Export(),
		History:      c.History(),
		Failures:     c.Failures(),
		Completed:    c.completed,
		Revision:     c.docs.Revision(),
	}
}

// Restore rebuilds a controller from a snapshot taken against this plan.
// The result reproduces the active steps, cursor, and summary of the
// original run.
func (p *Plan) Restore(id string, state model.InstanceState, opts ...Option) (*Controller, error) {
	if !slices.Equal(state.Steps, p.StepIDs()) {
		return nil, model.NewInvalidDefinitionError(fmt.Sprintf(
			"snapshot of %q was taken against a different step list", p.def.ID))
	}

	c := p.newController(append(opts, WithID(id)))
	for k, v := range state.FieldValues {
		if _, ok := p.fieldStep[k]; !ok {
			return nil, model.NewUnknownFieldError(k)
		}
		c.fields[k] = v
	}
	if err := c.decisions.Import(state.Decisions); err != nil {
		return nil, err
	}
	c.docs.Import(state.Documents, state.Revision)

	c.active = p.activeIndices(c.decisions)
	if state.CurrentIndex < 0 || state.CurrentIndex >= len(c.active) {
		return nil, model.NewInvalidDefinitionError(fmt.Sprintf(
			"snapshot cursor %d is outside the %d active steps", state.CurrentIndex, len(c.active)))
	}
	c.cursor = state.CurrentIndex

	anchor := c.active[c.cursor]
	for _, stepID := range state.History {
		idx, ok := p.stepIndex[stepID]
		if !ok || !c.isActive(stepID) || idx >= anchor {
			return nil, model.NewInvalidDefinitionError(fmt.Sprintf(
				"snapshot history entry %q is not an active step before the cursor", stepID))
		}
		c.history = append(c.history, stepID)
	}
	c.failures = slices.Clone(state.Failures)
	c.completed = state.Completed && c.atTerminal()
	c.registerActiveSlots()
	return c, nil
}
