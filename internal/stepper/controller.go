package stepper

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/stepper/internal/checklist"
	"github.com/pitabwire/stepper/internal/decision"
	"github.com/pitabwire/stepper/model"
)

// Controller drives one run of a workflow. It owns the field values, the
// document checklist, and the decision ledger of the run; every mutation goes
// through its methods so the cursor invariants hold after each call.
type Controller struct {
	plan      *Plan
	id        string
	fields    map[string]string
	docs      *checklist.Checklist
	decisions *decision.Ledger

	active    []int
	cursor    int
	history   []string
	failures  []model.FieldError
	completed bool
}

// Option configures a new controller.
type Option func(*Controller)

// WithID assigns the run id instead of generating one.
func WithID(id string) Option {
	return func(c *Controller) { c.id = id }
}

// WithClock sets the time source for upload and decision timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.docs.WithClock(now)
		c.decisions.WithClock(now)
	}
}

func (p *Plan) newController(opts []Option) *Controller {
	c := &Controller{
		plan:      p,
		fields:    make(map[string]string),
		docs:      checklist.New(),
		decisions: decision.NewLedger(p.def.Decisions),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	return c
}

// NewController starts a run at the first step with nothing validated.
func (p *Plan) NewController(opts ...Option) *Controller {
	c := p.newController(opts)
	c.active = p.activeIndices(c.decisions)
	c.registerActiveSlots()
	return c
}

// --- Reads ---

// ID returns the run id.
func (c *Controller) ID() string { return c.id }

// WorkflowID returns the id of the workflow being run.
func (c *Controller) WorkflowID() string { return c.plan.def.ID }

// Plan returns the plan the controller was built from.
func (c *Controller) Plan() *Plan { return c.plan }

// ActiveSteps returns the currently active steps in declaration order.
func (c *Controller) ActiveSteps() []model.StepDefinition {
	out := make([]model.StepDefinition, len(c.active))
	for i, idx := range c.active {
		out[i] = c.plan.steps[idx].def
	}
	return out
}

// CurrentStep returns the step under the cursor.
func (c *Controller) CurrentStep() model.StepDefinition {
	return c.plan.steps[c.active[c.cursor]].def
}

// CurrentIndex returns the cursor into the active step list.
func (c *Controller) CurrentIndex() int { return c.cursor }

// History returns the ids of validated steps, oldest first.
func (c *Controller) History() []string { return slices.Clone(c.history) }

// Failures returns the failures of the last rejected Advance. The list is
// cleared by the next successful Advance.
func (c *Controller) Failures() []model.FieldError { return slices.Clone(c.failures) }

// Fields returns a copy of the entered field values.
func (c *Controller) Fields() map[string]string {
	out := make(map[string]string, len(c.fields))
	for k, v := range c.fields {
		out[k] = v
	}
	return out
}

// Field returns the value entered for key.
func (c *Controller) Field(key string) (string, bool) {
	v, ok := c.fields[key]
	return v, ok
}

// Documents returns the registered document slots in registration order.
func (c *Controller) Documents() []checklist.Slot { return c.docs.Slots() }

// Decisions returns the recorded decisions ordered by key.
func (c *Controller) Decisions() []model.DecisionRecord { return c.decisions.Records() }

// Outcome returns the recorded outcome of a decision.
func (c *Controller) Outcome(key string) (string, bool) { return c.decisions.Outcome(key) }

// AllRequiredSatisfied reports whether every required document slot of the
// active steps is uploaded or verified. Slots left behind by a deactivated
// branch are ignored.
func (c *Controller) AllRequiredSatisfied() bool {
	for _, idx := range c.active {
		for _, d := range c.plan.steps[idx].def.Documents {
			if d.Required && !c.docs.Satisfied(d.ID) {
				return false
			}
		}
	}
	return true
}

// Completed reports whether the terminal step has been validated.
func (c *Controller) Completed() bool { return c.completed }

// Summary projects the current progress of the run.
func (c *Controller) Summary() model.WorkflowSummary { return Project(c) }

// --- Mutations ---

// SetField stores a raw value for a declared field. Values are validated
// only when the owning step is advanced.
func (c *Controller) SetField(key, value string) error {
	if _, ok := c.plan.fieldStep[key]; !ok {
		return model.NewUnknownFieldError(key)
	}
	c.fields[key] = value
	return nil
}

// Advance validates the current step and moves to the next active step.
//
// On failure it returns STEP_VALIDATION_FAILED listing every failing field,
// required document, and pending decision, and leaves the cursor and history
// untouched. At the terminal step a passing validation completes the run and
// returns WORKFLOW_COMPLETE; repeated calls after completion change nothing.
func (c *Controller) Advance() error {
	if c.completed {
		return model.NewWorkflowCompleteError()
	}
	step := c.plan.steps[c.active[c.cursor]]
	if failures := c.validate(step); len(failures) > 0 {
		c.failures = failures
		return model.NewStepValidationError(step.def.ID, failures)
	}
	c.failures = nil

	if c.atTerminal() {
		c.completed = true
		return model.NewWorkflowCompleteError()
	}

	c.history = append(c.history, step.def.ID)
	c.cursor++
	return nil
}

// Retreat moves back to the most recently validated step without
// re-validating anything. A completed run becomes incomplete again.
func (c *Controller) Retreat() error {
	if len(c.history) == 0 {
		return model.NewAtStartError()
	}
	last := c.history[len(c.history)-1]
	c.history = c.history[:len(c.history)-1]
	c.cursor = c.activePosition(last)
	c.completed = false
	return nil
}

// JumpTo moves to a previously validated step, truncating history at that
// step, or to the immediately following active step via a full Advance.
// Any other target fails with ILLEGAL_JUMP.
func (c *Controller) JumpTo(stepID string) error {
	if i := slices.Index(c.history, stepID); i >= 0 {
		c.history = c.history[:i]
		c.cursor = c.activePosition(stepID)
		c.completed = false
		return nil
	}
	if !c.completed && !c.atTerminal() && c.cursor+1 < len(c.active) &&
		c.plan.steps[c.active[c.cursor+1]].def.ID == stepID {
		return c.Advance()
	}
	return model.NewIllegalJumpError(stepID)
}

// RecordUpload marks a registered slot as uploaded with an opaque reference.
func (c *Controller) RecordUpload(slotID, fileRef string) error {
	return c.docs.MarkUploaded(slotID, fileRef)
}

// CheckSlot fails with UNKNOWN_SLOT unless slotID is registered.
func (c *Controller) CheckSlot(slotID string) error {
	if !c.docs.Has(slotID) {
		return model.NewUnknownSlotError(slotID)
	}
	return nil
}

// VerifyDocument applies an external verifier's judgement to an upload.
func (c *Controller) VerifyDocument(slotID string, ok bool, note string) error {
	if ok {
		return c.docs.MarkVerified(slotID)
	}
	return c.docs.MarkRejected(slotID, note)
}

// ResetDocument returns a slot to missing.
func (c *Controller) ResetDocument(slotID string) error {
	return c.docs.Reset(slotID)
}

// RecordDecision records an outcome and re-derives the active step list.
func (c *Controller) RecordDecision(key, outcome string) error {
	changed, err := c.decisions.Record(key, outcome)
	if err != nil {
		return err
	}
	if changed {
		c.recompute()
	}
	return nil
}

// RecheckDecision clears a recorded outcome and re-derives the active step
// list. Steps gated on the old outcome leave the list; if the current step
// was one of them the cursor moves to the nearest preceding active step. If
// the step resolving the decision was already validated, history is cut back
// to it and the cursor returns there.
func (c *Controller) RecheckDecision(key string) error {
	cleared, err := c.decisions.Recheck(key)
	if err != nil {
		return err
	}
	if !cleared {
		return nil
	}
	c.recompute()
	// A resolving step already passed no longer holds its outcome; reopen it.
	if stepID, ok := c.plan.ResolvingStep(key); ok {
		if i := slices.Index(c.history, stepID); i >= 0 {
			c.history = c.history[:i]
			c.cursor = c.activePosition(stepID)
			c.completed = false
		}
	}
	return nil
}

// --- Internals ---

func (c *Controller) atTerminal() bool {
	return c.cursor == len(c.active)-1 || c.plan.steps[c.active[c.cursor]].def.Terminal
}

func (c *Controller) activePosition(stepID string) int {
	idx := c.plan.stepIndex[stepID]
	for pos, a := range c.active {
		if a == idx {
			return pos
		}
	}
	panic(fmt.Sprintf("stepper: step %q is not active", stepID))
}

// recompute re-derives the active list from the ledger and re-anchors the
// cursor. The cursor stays on the current step while it remains active,
// falls back to the nearest preceding active step when it does not, and
// moves back to any newly activated step that lies behind it so no active
// step is passed over unvalidated. History keeps only active steps before
// the new cursor.
func (c *Controller) recompute() {
	current := c.active[c.cursor]
	prev := c.active
	next := c.plan.activeIndices(c.decisions)

	// The first step is never gated, so next[0] == 0 <= current.
	pos := 0
	for i, idx := range next {
		if idx > current {
			break
		}
		pos = i
		if idx < current && !slices.Contains(prev, idx) {
			break
		}
	}
	c.active = next
	c.cursor = pos

	anchor := next[pos]
	pruned := c.history[:0]
	for _, id := range c.history {
		idx := c.plan.stepIndex[id]
		if idx < anchor && c.isActive(id) {
			pruned = append(pruned, id)
		}
	}
	c.history = pruned

	if anchor != current || (c.completed && !c.atTerminal()) {
		c.completed = false
	}
	c.registerActiveSlots()
}

func (c *Controller) isActive(stepID string) bool {
	idx, ok := c.plan.stepIndex[stepID]
	if !ok {
		return false
	}
	_, found := slices.BinarySearch(c.active, idx)
	return found
}

func (c *Controller) registerActiveSlots() {
	for _, idx := range c.active {
		for _, d := range c.plan.steps[idx].def.Documents {
			c.docs.RegisterSlot(d.ID, d.Label, d.Required)
		}
	}
}

func (c *Controller) validate(step compiledStep) []model.FieldError {
	var failures []model.FieldError
	for _, f := range step.fields {
		for _, fail := range f.rules.Failures(c.fields[f.key]) {
			failures = append(failures, model.FieldError{
				Field:   f.key,
				Code:    fail.Rule,
				Message: fail.Reason,
			})
		}
	}
	for _, d := range step.def.Documents {
		if !d.Required || c.docs.Satisfied(d.ID) {
			continue
		}
		fe := model.FieldError{
			Field:   d.ID,
			Code:    model.FailureDocumentMissing,
			Message: fmt.Sprintf("%s is required", d.Label),
		}
		if slot, ok := c.docs.Slot(d.ID); ok && slot.Status == model.DocumentRejected {
			fe.Code = model.FailureDocumentRejected
			fe.Message = fmt.Sprintf("%s was rejected", d.Label)
			if slot.Note != "" {
				fe.Message += ": " + slot.Note
			}
		}
		failures = append(failures, fe)
	}
	if key := step.def.Decision; key != "" {
		if _, ok := c.decisions.Outcome(key); !ok {
			failures = append(failures, model.FieldError{
				Field:   key,
				Code:    model.FailureDecisionPending,
				Message: fmt.Sprintf("decision %q has not been recorded", key),
			})
		}
	}
	return failures
}
