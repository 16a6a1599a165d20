package model

// DomainDefinition is the root structure of a definition file. Each file
// declares one business domain's workflows.
type DomainDefinition struct {
	Domain    string               `yaml:"domain"    json:"domain"`
	Version   string               `yaml:"version"   json:"version"`
	Workflows []WorkflowDefinition `yaml:"workflows" json:"workflows,omitempty"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// WorkflowDefinition describes a multi-step workflow such as loan origination
// or project signup. Steps are declared in their fixed order; branch steps are
// activated by decisions, never reordered.
type WorkflowDefinition struct {
	ID          string               `yaml:"id"          json:"id"`
	Name        string               `yaml:"name"        json:"name"`
	Description string               `yaml:"description" json:"description,omitempty"`
	Version     int                  `yaml:"version"     json:"version"`
	Timeout     string               `yaml:"timeout"     json:"timeout,omitempty"`
	Decisions   []DecisionDefinition `yaml:"decisions"   json:"decisions,omitempty"`
	Steps       []StepDefinition     `yaml:"steps"       json:"steps"`
}

// Step looks up a step by id.
func (w *WorkflowDefinition) Step(id string) (*StepDefinition, bool) {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// Decision looks up a declared decision by key.
func (w *WorkflowDefinition) Decision(key string) (*DecisionDefinition, bool) {
	for i := range w.Decisions {
		if w.Decisions[i].Key == key {
			return &w.Decisions[i], true
		}
	}
	return nil, false
}

// StepDefinition describes one stage of a workflow.
type StepDefinition struct {
	ID          string                   `yaml:"id"           json:"id"`
	Name        string                   `yaml:"name"         json:"name"`
	Description string                   `yaml:"description"  json:"description,omitempty"`
	Fields      []FieldDefinition        `yaml:"fields"       json:"fields,omitempty"`
	Documents   []DocumentSlotDefinition `yaml:"documents"    json:"documents,omitempty"`
	ActivatedBy *Activation              `yaml:"activated_by" json:"activated_by,omitempty"`
	// Decision names the decision this step resolves. Advancing past the
	// step requires the decision to be recorded.
	Decision string `yaml:"decision" json:"decision,omitempty"`
	Terminal bool   `yaml:"terminal" json:"terminal,omitempty"`
}

// Activation gates a step on a recorded decision outcome.
type Activation struct {
	Decision string `yaml:"decision" json:"decision"`
	Outcome  string `yaml:"outcome"  json:"outcome"`
}

// FieldDefinition declares a field collected by a step and the rules its
// value must satisfy.
type FieldDefinition struct {
	Key   string           `yaml:"key"   json:"key"`
	Label string           `yaml:"label" json:"label,omitempty"`
	Rules []RuleDefinition `yaml:"rules" json:"rules,omitempty"`
}

// Rule types understood by the validation package.
const (
	RuleExactDigits = "exact_digits"
	RuleMinLength   = "min_length"
	RuleMaxLength   = "max_length"
	RuleNonEmpty    = "non_empty"
	RuleFilePresent = "file_present"
	RulePattern     = "pattern"
	RuleOneOf       = "one_of"
)

// RuleDefinition declares a single validation rule.
type RuleDefinition struct {
	Type    string   `yaml:"type"    json:"type"`
	Length  int      `yaml:"length"  json:"length,omitempty"`
	Pattern string   `yaml:"pattern" json:"pattern,omitempty"`
	Options []string `yaml:"options" json:"options,omitempty"`
	Message string   `yaml:"message" json:"message,omitempty"`
}

// DocumentSlotDefinition declares a named document placeholder. Slot ids are
// unique within a workflow.
type DocumentSlotDefinition struct {
	ID       string `yaml:"id"       json:"id"`
	Label    string `yaml:"label"    json:"label"`
	Required bool   `yaml:"required" json:"required"`
}

// DecisionDefinition declares an outcome-typed fact recorded once per run.
// Rule optionally holds a script that derives the outcome from field values.
type DecisionDefinition struct {
	Key      string   `yaml:"key"      json:"key"`
	Label    string   `yaml:"label"    json:"label,omitempty"`
	Outcomes []string `yaml:"outcomes" json:"outcomes"`
	Rule     string   `yaml:"rule"     json:"-"`
}

// HasOutcome reports whether outcome belongs to the declared set.
func (d *DecisionDefinition) HasOutcome(outcome string) bool {
	for _, o := range d.Outcomes {
		if o == outcome {
			return true
		}
	}
	return false
}
