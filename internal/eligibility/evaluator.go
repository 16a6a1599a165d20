// Package eligibility evaluates scripted decision rules. A rule is a tengo
// script that reads the entered field values from the global "fields" map and
// assigns the decided outcome to the global "outcome".
//
//	income := int(fields.monthly_income, 0)
//	outcome := income >= 25000 ? "eligible" : "not_eligible"
package eligibility

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"
	"go.uber.org/zap"

	"github.com/pitabwire/stepper/model"
)

const (
	inputVar  = "fields"
	outputVar = "outcome"

	defaultTimeout   = 250 * time.Millisecond
	defaultMaxAllocs = 20000
)

// Evaluator compiles decision rules once and runs clones of the compiled
// program per evaluation. It is safe for concurrent use.
type Evaluator struct {
	timeout   time.Duration
	maxAllocs int64
	logger    *zap.Logger

	mu       sync.Mutex
	compiled map[[sha256.Size]byte]*tengo.Compiled
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithTimeout bounds a single rule evaluation.
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) { e.timeout = d }
}

// WithLogger sets the logger used for rule evaluation details.
func WithLogger(l *zap.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		timeout:   defaultTimeout,
		maxAllocs: defaultMaxAllocs,
		logger:    zap.NewNop(),
		compiled:  make(map[[sha256.Size]byte]*tengo.Compiled),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Check compiles source without running it. It satisfies
// definition.RuleChecker so broken rules fail at startup.
func (e *Evaluator) Check(key, source string) error {
	if _, err := e.program(source); err != nil {
		return fmt.Errorf("decision %q: %w", key, err)
	}
	return nil
}

// Decide runs the rule of def against fields and returns the outcome. The
// outcome must belong to the declared set.
func (e *Evaluator) Decide(ctx context.Context, workflowID string, def model.DecisionDefinition, fields map[string]string) (string, error) {
	if def.Rule == "" {
		return "", fmt.Errorf("decision %q of %s has no rule", def.Key, workflowID)
	}
	prog, err := e.program(def.Rule)
	if err != nil {
		return "", fmt.Errorf("decision %q: %w", def.Key, err)
	}

	run := prog.Clone()
	input := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		input[k] = v
	}
	if err := run.Set(inputVar, input); err != nil {
		return "", fmt.Errorf("decision %q: setting fields: %w", def.Key, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := run.RunContext(ctx); err != nil {
		return "", fmt.Errorf("decision %q: running rule: %w", def.Key, err)
	}

	v := run.Get(outputVar)
	if v == nil || v.IsUndefined() {
		return "", fmt.Errorf("decision %q: rule did not assign %q", def.Key, outputVar)
	}
	outcome := v.String()
	if !def.HasOutcome(outcome) {
		return "", fmt.Errorf("decision %q: rule produced undeclared outcome %q", def.Key, outcome)
	}

	e.logger.Debug("decision rule evaluated",
		zap.String("workflow_id", workflowID),
		zap.String("decision", def.Key),
		zap.String("outcome", outcome),
	)
	return outcome, nil
}

func (e *Evaluator) program(source string) (*tengo.Compiled, error) {
	sum := sha256.Sum256([]byte(source))

	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.compiled[sum]; ok {
		return c, nil
	}

	script := tengo.NewScript([]byte(source))
	script.SetImports(stdlib.GetModuleMap("text", "math", "times"))
	script.SetMaxAllocs(e.maxAllocs)
	if err := script.Add(inputVar, map[string]interface{}{}); err != nil {
		return nil, err
	}
	compiled, err := script.Compile()
	if err != nil {
		return nil, fmt.Errorf("compiling rule: %w", err)
	}
	e.compiled[sum] = compiled
	return compiled, nil
}
