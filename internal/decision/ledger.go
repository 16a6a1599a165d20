// Package decision records named, outcome-typed facts that gate which steps
// of a workflow are active.
package decision

import (
	"sort"
	"time"

	"github.com/pitabwire/stepper/model"
)

// Ledger holds the declared decisions of a workflow and the outcomes recorded
// for them during one run. A recorded outcome is fixed until Recheck clears it.
type Ledger struct {
	declared map[string]model.DecisionDefinition
	records  map[string]model.DecisionRecord
	now      func() time.Time
}

// NewLedger returns an empty ledger for the given declarations.
func NewLedger(defs []model.DecisionDefinition) *Ledger {
	declared := make(map[string]model.DecisionDefinition, len(defs))
	for _, d := range defs {
		declared[d.Key] = d
	}
	return &Ledger{
		declared: declared,
		records:  make(map[string]model.DecisionRecord),
		now:      time.Now,
	}
}

// WithClock replaces the time source used for recorded_at.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Declared returns the definition for key.
func (l *Ledger) Declared(key string) (model.DecisionDefinition, bool) {
	d, ok := l.declared[key]
	return d, ok
}

// Record stores outcome for key. Recording the outcome already on file is a
// no-op and reports changed=false.
func (l *Ledger) Record(key, outcome string) (changed bool, err error) {
	def, ok := l.declared[key]
	if !ok {
		return false, model.NewUnknownDecisionError(key)
	}
	if !def.HasOutcome(outcome) {
		return false, model.NewUnknownOutcomeError(key, outcome)
	}
	if rec, ok := l.records[key]; ok {
		if rec.Outcome == outcome {
			return false, nil
		}
		return false, model.NewDecisionConflictError(key, rec.Outcome, outcome)
	}
	l.records[key] = model.DecisionRecord{Key: key, Outcome: outcome, RecordedAt: l.now().UTC()}
	return true, nil
}

// Recheck clears the outcome recorded for key and reports whether one existed.
func (l *Ledger) Recheck(key string) (bool, error) {
	if _, ok := l.declared[key]; !ok {
		return false, model.NewUnknownDecisionError(key)
	}
	if _, ok := l.records[key]; !ok {
		return false, nil
	}
	delete(l.records, key)
	return true, nil
}

// Outcome returns the recorded outcome for key.
func (l *Ledger) Outcome(key string) (string, bool) {
	rec, ok := l.records[key]
	return rec.Outcome, ok
}

// Records returns every recorded decision ordered by key.
func (l *Ledger) Records() []model.DecisionRecord {
	out := make([]model.DecisionRecord, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Export returns the persistable form of the recorded outcomes.
func (l *Ledger) Export() map[string]model.DecisionRecord {
	out := make(map[string]model.DecisionRecord, len(l.records))
	for k, v := range l.records {
		out[k] = v
	}
	return out
}

// Import replaces recorded outcomes. Records for undeclared keys or outcomes
// are rejected so a stale snapshot cannot activate an impossible branch.
func (l *Ledger) Import(records map[string]model.DecisionRecord) error {
	next := make(map[string]model.DecisionRecord, len(records))
	for k, rec := range records {
		def, ok := l.declared[k]
		if !ok {
			return model.NewUnknownDecisionError(k)
		}
		if !def.HasOutcome(rec.Outcome) {
			return model.NewUnknownOutcomeError(k, rec.Outcome)
		}
		rec.Key = k
		next[k] = rec
	}
	l.records = next
	return nil
}
