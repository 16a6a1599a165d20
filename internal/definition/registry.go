package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/stepper/internal/stepper"
	"github.com/pitabwire/stepper/model"
)

// snapshot is an immutable collection of definitions and their compiled plans.
type snapshot struct {
	domains   map[string]model.DomainDefinition
	workflows map[string]model.WorkflowDefinition
	plans     map[string]*stepper.Plan
	checksum  string
}

// Registry is a read-optimized, thread-safe store of compiled workflows. It
// uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry compiles defs into a Registry.
func NewRegistry(defs []model.DomainDefinition) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(defs); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace compiles defs and atomically swaps them in. On error the previous
// snapshot stays in place.
func (r *Registry) Replace(defs []model.DomainDefinition) error {
	s := &snapshot{
		domains:   make(map[string]model.DomainDefinition, len(defs)),
		workflows: make(map[string]model.WorkflowDefinition),
		plans:     make(map[string]*stepper.Plan),
	}

	var checksumParts []string
	for _, def := range defs {
		s.domains[def.Domain] = def
		checksumParts = append(checksumParts, def.Checksum)

		for _, w := range def.Workflows {
			if _, dup := s.workflows[w.ID]; dup {
				return model.NewInvalidDefinitionError(fmt.Sprintf("workflow %q is declared more than once", w.ID))
			}
			plan, err := stepper.Compile(w)
			if err != nil {
				return fmt.Errorf("workflow %q: %w", w.ID, err)
			}
			s.workflows[w.ID] = w
			s.plans[w.ID] = plan
		}
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
	return nil
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetDomain returns the domain definition with the given name.
func (r *Registry) GetDomain(domain string) (model.DomainDefinition, bool) {
	d, ok := r.current().domains[domain]
	return d, ok
}

// GetWorkflow returns the workflow definition with the given ID.
func (r *Registry) GetWorkflow(workflowID string) (model.WorkflowDefinition, bool) {
	w, ok := r.current().workflows[workflowID]
	return w, ok
}

// Plan returns the compiled plan for the workflow with the given ID.
func (r *Registry) Plan(workflowID string) (*stepper.Plan, bool) {
	p, ok := r.current().plans[workflowID]
	return p, ok
}

// AllWorkflows returns every workflow definition ordered by ID.
func (r *Registry) AllWorkflows() []model.WorkflowDefinition {
	s := r.current()
	defs := make([]model.WorkflowDefinition, 0, len(s.workflows))
	for _, w := range s.workflows {
		defs = append(defs, w)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Len returns the number of registered workflows.
func (r *Registry) Len() int {
	return len(r.current().workflows)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
