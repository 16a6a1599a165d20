package definition

import (
	"fmt"
	"time"

	"github.com/pitabwire/stepper/internal/stepper"
	"github.com/pitabwire/stepper/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// RuleChecker compiles a decision rule script without running it.
type RuleChecker interface {
	Check(key, source string) error
}

// Validator validates definitions structurally and referentially. Branch
// consistency is delegated to stepper.Compile so the checks run at startup
// are exactly the ones enforced when a plan is built.
type Validator struct {
	rules RuleChecker
}

// NewValidator creates a new Validator. rules may be nil to skip decision
// rule compilation.
func NewValidator(rules RuleChecker) *Validator {
	return &Validator{rules: rules}
}

// Validate checks all definitions and returns every problem found.
func (v *Validator) Validate(defs []model.DomainDefinition) []VError {
	var errs []VError
	seen := make(map[string]string)
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		errs = append(errs, v.validateDomain(prefix, def)...)

		for j, w := range def.Workflows {
			if w.ID == "" {
				continue
			}
			wp := fmt.Sprintf("%s.workflows[%d].id", prefix, j)
			if other, dup := seen[w.ID]; dup {
				errs = append(errs, VError{Path: wp, Code: "DUPLICATE", Message: fmt.Sprintf("workflow %q already declared in %s", w.ID, other)})
				continue
			}
			seen[w.ID] = def.Domain
		}
	}
	return errs
}

func (v *Validator) validateDomain(prefix string, def model.DomainDefinition) []VError {
	var errs []VError

	if def.Domain == "" {
		errs = append(errs, VError{Path: prefix + ".domain", Code: "REQUIRED", Message: "domain is required"})
	}
	if def.Version == "" {
		errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
	}
	if len(def.Workflows) == 0 {
		errs = append(errs, VError{Path: prefix + ".workflows", Code: "REQUIRED", Message: "at least one workflow is required"})
	}
	for i, w := range def.Workflows {
		wp := fmt.Sprintf("%s.workflows[%d]", prefix, i)
		errs = append(errs, v.validateWorkflow(wp, w)...)
	}
	return errs
}

func (v *Validator) validateWorkflow(prefix string, w model.WorkflowDefinition) []VError {
	var errs []VError

	if w.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if w.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if w.Timeout != "" {
		if d, err := time.ParseDuration(w.Timeout); err != nil || d <= 0 {
			errs = append(errs, VError{Path: prefix + ".timeout", Code: "INVALID_DURATION", Message: fmt.Sprintf("invalid timeout %q", w.Timeout)})
		}
	}
	for i, s := range w.Steps {
		if s.Name == "" {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.steps[%d].name", prefix, i), Code: "REQUIRED", Message: "step name is required"})
		}
		for j, d := range s.Documents {
			if d.Label == "" {
				errs = append(errs, VError{Path: fmt.Sprintf("%s.steps[%d].documents[%d].label", prefix, i, j), Code: "REQUIRED", Message: "document label is required"})
			}
		}
	}
	if v.rules != nil {
		for i, d := range w.Decisions {
			if d.Rule == "" {
				continue
			}
			if err := v.rules.Check(d.Key, d.Rule); err != nil {
				errs = append(errs, VError{Path: fmt.Sprintf("%s.decisions[%d].rule", prefix, i), Code: "INVALID_RULE", Message: err.Error()})
			}
		}
	}

	if _, err := stepper.Compile(w); err != nil {
		code := model.CodeOf(err)
		if code == "" {
			code = model.ErrInvalidDefinition
		}
		msg := err.Error()
		if envErr, ok := err.(*model.ErrorEnvelope); ok {
			msg = envErr.Message
		}
		errs = append(errs, VError{Path: prefix, Code: code, Message: msg})
	}
	return errs
}
