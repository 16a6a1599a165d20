// Package stepper implements the workflow state machine: compiling a
// workflow definition into an immutable Plan, driving a run through its
// active steps with a Controller, and projecting progress summaries.
//
// Controllers perform no I/O and hold no locks. Callers serialize mutation
// of a single controller; distinct controllers share no mutable state.
package stepper

import (
	"fmt"

	"github.com/pitabwire/stepper/internal/decision"
	"github.com/pitabwire/stepper/internal/validation"
	"github.com/pitabwire/stepper/model"
)

type compiledField struct {
	key   string
	label string
	rules validation.Set
}

type compiledStep struct {
	def    model.StepDefinition
	fields []compiledField
}

// Plan is a validated, immutable workflow definition. A Plan is safe for
// concurrent use and may build any number of controllers.
type Plan struct {
	def       model.WorkflowDefinition
	steps     []compiledStep
	stepIndex map[string]int
	fieldStep map[string]int
	slotStep  map[string]int
	resolver  map[string]int
}

// Compile validates def and returns its Plan. Malformed branching is
// reported as CONFLICTING_BRANCH, undeclared gate references as
// UNKNOWN_DECISION or UNKNOWN_OUTCOME, and every other structural problem as
// INVALID_DEFINITION.
func Compile(def model.WorkflowDefinition) (*Plan, error) {
	if def.ID == "" {
		return nil, model.NewInvalidDefinitionError("workflow id is required")
	}
	if len(def.Steps) == 0 {
		return nil, model.NewInvalidDefinitionError(fmt.Sprintf("workflow %q declares no steps", def.ID))
	}

	p := &Plan{
		def:       def,
		steps:     make([]compiledStep, 0, len(def.Steps)),
		stepIndex: make(map[string]int, len(def.Steps)),
		fieldStep: make(map[string]int),
		slotStep:  make(map[string]int),
		resolver:  make(map[string]int),
	}

	if err := p.compileDecisions(); err != nil {
		return nil, err
	}

	for i, s := range def.Steps {
		if s.ID == "" {
			return nil, model.NewInvalidDefinitionError(fmt.Sprintf("steps[%d]: id is required", i))
		}
		if _, dup := p.stepIndex[s.ID]; dup {
			return nil, model.NewInvalidDefinitionError(fmt.Sprintf("duplicate step id %q", s.ID))
		}
		p.stepIndex[s.ID] = i

		cs := compiledStep{def: s}
		for _, f := range s.Fields {
			if f.Key == "" {
				return nil, model.NewInvalidDefinitionError(fmt.Sprintf("step %q: field key is required", s.ID))
			}
			if _, dup := p.fieldStep[f.Key]; dup {
				return nil, model.NewInvalidDefinitionError(fmt.Sprintf("step %q: duplicate field key %q", s.ID, f.Key))
			}
			rules, err := validation.BuildSet(f.Rules)
			if err != nil {
				return nil, model.NewInvalidDefinitionError(fmt.Sprintf("step %q field %q: %v", s.ID, f.Key, err))
			}
			p.fieldStep[f.Key] = i
			cs.fields = append(cs.fields, compiledField{key: f.Key, label: f.Label, rules: rules})
		}
		for _, d := range s.Documents {
			if d.ID == "" {
				return nil, model.NewInvalidDefinitionError(fmt.Sprintf("step %q: document slot id is required", s.ID))
			}
			if _, dup := p.slotStep[d.ID]; dup {
				return nil, model.NewInvalidDefinitionError(fmt.Sprintf("step %q: duplicate document slot %q", s.ID, d.ID))
			}
			p.slotStep[d.ID] = i
		}
		if s.Decision != "" {
			if _, ok := def.Decision(s.Decision); !ok {
				return nil, model.NewUnknownDecisionError(s.Decision)
			}
			if prev, dup := p.resolver[s.Decision]; dup {
				return nil, model.NewConflictingBranchError(fmt.Sprintf(
					"decision %q is resolved by both %q and %q", s.Decision, def.Steps[prev].ID, s.ID))
			}
			p.resolver[s.Decision] = i
		}
		p.steps = append(p.steps, cs)
	}

	for i, s := range def.Steps {
		if s.ActivatedBy == nil {
			continue
		}
		if err := p.checkGate(i, s); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Plan) compileDecisions() error {
	seen := make(map[string]struct{}, len(p.def.Decisions))
	for _, d := range p.def.Decisions {
		if d.Key == "" {
			return model.NewInvalidDefinitionError("decision key is required")
		}
		if _, dup := seen[d.Key]; dup {
			return model.NewInvalidDefinitionError(fmt.Sprintf("duplicate decision %q", d.Key))
		}
		seen[d.Key] = struct{}{}

		if len(d.Outcomes) < 2 {
			return model.NewConflictingBranchError(fmt.Sprintf(
				"decision %q must declare at least two outcomes", d.Key))
		}
		outcomes := make(map[string]struct{}, len(d.Outcomes))
		for _, o := range d.Outcomes {
			if o == "" {
				return model.NewInvalidDefinitionError(fmt.Sprintf("decision %q has an empty outcome", d.Key))
			}
			if _, dup := outcomes[o]; dup {
				return model.NewConflictingBranchError(fmt.Sprintf(
					"decision %q declares outcome %q more than once", d.Key, o))
			}
			outcomes[o] = struct{}{}
		}
	}
	return nil
}

func (p *Plan) checkGate(i int, s model.StepDefinition) error {
	gate := s.ActivatedBy
	d, ok := p.def.Decision(gate.Decision)
	if !ok {
		return model.NewUnknownDecisionError(gate.Decision)
	}
	if !d.HasOutcome(gate.Outcome) {
		return model.NewUnknownOutcomeError(gate.Decision, gate.Outcome)
	}
	if i == 0 {
		return model.NewConflictingBranchError(fmt.Sprintf(
			"first step %q cannot be gated on a decision", s.ID))
	}
	if r, ok := p.resolver[gate.Decision]; ok && r >= i {
		return model.NewConflictingBranchError(fmt.Sprintf(
			"step %q is gated on decision %q which is only resolved at step %q",
			s.ID, gate.Decision, p.def.Steps[r].ID))
	}
	return nil
}

// Definition returns the compiled workflow definition. Callers must not
// modify it.
func (p *Plan) Definition() *model.WorkflowDefinition { return &p.def }

// WorkflowID returns the id of the compiled workflow.
func (p *Plan) WorkflowID() string { return p.def.ID }

// StepIDs returns the ids of all declared steps in order.
func (p *Plan) StepIDs() []string {
	ids := make([]string, len(p.steps))
	for i, s := range p.steps {
		ids[i] = s.def.ID
	}
	return ids
}

// ResolvingStep returns the id of the step that resolves the decision key.
func (p *Plan) ResolvingStep(key string) (string, bool) {
	i, ok := p.resolver[key]
	if !ok {
		return "", false
	}
	return p.steps[i].def.ID, true
}

// activeIndices returns the indices of every step active under the recorded
// outcomes of l.
func (p *Plan) activeIndices(l *decision.Ledger) []int {
	out := make([]int, 0, len(p.steps))
	for i, s := range p.steps {
		gate := s.def.ActivatedBy
		if gate == nil {
			out = append(out, i)
			continue
		}
		if got, ok := l.Outcome(gate.Decision); ok && got == gate.Outcome {
			out = append(out, i)
		}
	}
	return out
}
