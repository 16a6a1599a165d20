// Package validation provides the field-level predicates evaluated when a
// step is advanced. Rules are pure and safe for concurrent use.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Result is the outcome of evaluating a rule against one value.
type Result struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

func pass() Result { return Result{OK: true} }

func fail(reason string) Result { return Result{Reason: reason} }

// Rule is a named predicate over a raw field value.
type Rule interface {
	Name() string
	Evaluate(value string) Result
}

// RuleFunc adapts a function into a Rule.
type RuleFunc struct {
	RuleName string
	Fn       func(value string) Result
}

// Name implements Rule.
func (r RuleFunc) Name() string { return r.RuleName }

// Evaluate implements Rule.
func (r RuleFunc) Evaluate(value string) Result { return r.Fn(value) }

// ExactDigits requires exactly n digits once non-digit characters have been
// stripped. Used for Aadhar (12) and consumer numbers (10).
func ExactDigits(n int) Rule {
	return RuleFunc{RuleName: "exact_digits", Fn: func(value string) Result {
		got := countDigits(value)
		switch {
		case got < n:
			return fail(fmt.Sprintf("%d more digits needed", n-got))
		case got > n:
			return fail(fmt.Sprintf("%d digits too many", got-n))
		}
		return pass()
	}}
}

// MinLength requires at least n characters. The reason reports the exact
// shortfall, which callers echo verbatim.
func MinLength(n int) Rule {
	return RuleFunc{RuleName: "min_length", Fn: func(value string) Result {
		if got := utf8.RuneCountInString(value); got < n {
			return fail(fmt.Sprintf("%d more characters needed", n-got))
		}
		return pass()
	}}
}

// MaxLength allows at most n characters.
func MaxLength(n int) Rule {
	return RuleFunc{RuleName: "max_length", Fn: func(value string) Result {
		if got := utf8.RuneCountInString(value); got > n {
			return fail(fmt.Sprintf("%d characters over the limit", got-n))
		}
		return pass()
	}}
}

// NonEmpty rejects empty and whitespace-only values.
func NonEmpty() Rule {
	return RuleFunc{RuleName: "non_empty", Fn: func(value string) Result {
		if strings.TrimSpace(value) == "" {
			return fail("a value is required")
		}
		return pass()
	}}
}

// FilePresent requires a file reference.
func FilePresent() Rule {
	return RuleFunc{RuleName: "file_present", Fn: func(value string) Result {
		if strings.TrimSpace(value) == "" {
			return fail("a file is required")
		}
		return pass()
	}}
}

// Pattern requires the value to match re. An empty message falls back to a
// generic reason.
func Pattern(re *regexp.Regexp, message string) Rule {
	if message == "" {
		message = "value has an invalid format"
	}
	return RuleFunc{RuleName: "pattern", Fn: func(value string) Result {
		if !re.MatchString(value) {
			return fail(message)
		}
		return pass()
	}}
}

// OneOf restricts the value to a closed set of options.
func OneOf(options ...string) Rule {
	allowed := make(map[string]struct{}, len(options))
	for _, o := range options {
		allowed[o] = struct{}{}
	}
	reason := "must be one of: " + strings.Join(options, ", ")
	return RuleFunc{RuleName: "one_of", Fn: func(value string) Result {
		if _, ok := allowed[value]; !ok {
			return fail(reason)
		}
		return pass()
	}}
}

// WithMessage overrides the failure reason of r.
func WithMessage(r Rule, message string) Rule {
	if message == "" {
		return r
	}
	return RuleFunc{RuleName: r.Name(), Fn: func(value string) Result {
		res := r.Evaluate(value)
		if !res.OK {
			res.Reason = message
		}
		return res
	}}
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
