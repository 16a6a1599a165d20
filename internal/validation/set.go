package validation

import (
	"fmt"
	"regexp"

	"github.com/pitabwire/stepper/model"
)

// Failure is a failing rule together with its reason.
type Failure struct {
	Rule   string
	Reason string
}

// Set is the ordered list of rules attached to one field. All rules must pass.
type Set []Rule

// Evaluate returns the first failure, or a passing result when every rule passes.
func (s Set) Evaluate(value string) Result {
	for _, r := range s {
		if res := r.Evaluate(value); !res.OK {
			return res
		}
	}
	return pass()
}

// Failures evaluates every rule and returns each failure in declaration order.
func (s Set) Failures(value string) []Failure {
	var out []Failure
	for _, r := range s {
		if res := r.Evaluate(value); !res.OK {
			out = append(out, Failure{Rule: r.Name(), Reason: res.Reason})
		}
	}
	return out
}

// FromDefinition builds a rule from its declarative form.
func FromDefinition(def model.RuleDefinition) (Rule, error) {
	var r Rule
	switch def.Type {
	case model.RuleExactDigits:
		if def.Length <= 0 {
			return nil, fmt.Errorf("rule %q requires a positive length", def.Type)
		}
		r = ExactDigits(def.Length)
	case model.RuleMinLength:
		if def.Length <= 0 {
			return nil, fmt.Errorf("rule %q requires a positive length", def.Type)
		}
		r = MinLength(def.Length)
	case model.RuleMaxLength:
		if def.Length <= 0 {
			return nil, fmt.Errorf("rule %q requires a positive length", def.Type)
		}
		r = MaxLength(def.Length)
	case model.RuleNonEmpty:
		r = NonEmpty()
	case model.RuleFilePresent:
		r = FilePresent()
	case model.RulePattern:
		re, err := regexp.Compile(def.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: compiling pattern: %w", def.Type, err)
		}
		return Pattern(re, def.Message), nil
	case model.RuleOneOf:
		if len(def.Options) == 0 {
			return nil, fmt.Errorf("rule %q requires at least one option", def.Type)
		}
		r = OneOf(def.Options...)
	default:
		return nil, fmt.Errorf("unknown rule type %q", def.Type)
	}
	return WithMessage(r, def.Message), nil
}

// BuildSet builds a Set from rule definitions, failing on the first bad one.
func BuildSet(defs []model.RuleDefinition) (Set, error) {
	set := make(Set, 0, len(defs))
	for i, d := range defs {
		r, err := FromDefinition(d)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		set = append(set, r)
	}
	return set, nil
}
