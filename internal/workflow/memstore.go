package workflow

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/pitabwire/stepper/model"
)

// MemoryWorkflowStore keeps instances in process memory. It backs tests and
// single-replica deployments. Instances are deep-copied across the API so
// callers never alias stored state.
type MemoryWorkflowStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance
	events    map[string][]model.WorkflowEvent
	// byKey maps tenant and idempotency key to the instance they created.
	byKey map[idemKey]string
	now   func() time.Time
}

type idemKey struct{ tenant, key string }

// NewMemoryWorkflowStore returns an empty store.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		instances: make(map[string]model.WorkflowInstance),
		events:    make(map[string][]model.WorkflowEvent),
		byKey:     make(map[idemKey]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryWorkflowStore) Create(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.instances[inst.ID]; taken {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	k := idemKey{inst.TenantID, inst.IdempotencyKey}
	if inst.IdempotencyKey != "" {
		if _, taken := s.byKey[k]; taken {
			return model.NewConflictError(
				fmt.Sprintf("workflow instance with idempotency key %q already exists", inst.IdempotencyKey),
			)
		}
		s.byKey[k] = inst.ID
	}
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (s *MemoryWorkflowStore) Get(_ context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, err := s.lookup(tenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	return cloneInstance(inst), nil
}

// Update stores inst if its Version matches, then bumps the version and
// UpdatedAt and appends events.
func (s *MemoryWorkflowStore) Update(_ context.Context, inst model.WorkflowInstance, events ...model.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.lookup(inst.TenantID, inst.ID)
	if err != nil {
		return err
	}
	if stored.Version != inst.Version {
		return model.NewConflictError(fmt.Sprintf(
			"workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, stored.Version,
		))
	}
	next := cloneInstance(inst)
	next.Version++
	next.UpdatedAt = s.now()
	s.instances[inst.ID] = next
	for _, evt := range events {
		evt.Data = maps.Clone(evt.Data)
		s.events[evt.WorkflowInstanceID] = append(s.events[evt.WorkflowInstanceID], evt)
	}
	return nil
}

func (s *MemoryWorkflowStore) AppendEvent(_ context.Context, event model.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event.Data = maps.Clone(event.Data)
	s.events[event.WorkflowInstanceID] = append(s.events[event.WorkflowInstanceID], event)
	return nil
}

func (s *MemoryWorkflowStore) GetEvents(_ context.Context, tenantID, instanceID string) ([]model.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.lookup(tenantID, instanceID); err != nil {
		return nil, err
	}
	trail := slices.Clone(s.events[instanceID])
	slices.SortStableFunc(trail, func(a, b model.WorkflowEvent) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return trail, nil
}

func (s *MemoryWorkflowStore) List(_ context.Context, tenantID string, filters ListFilters) ([]model.WorkflowInstance, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.TenantID == tenantID && filters.matches(inst) {
			matched = append(matched, inst)
		}
	}
	slices.SortFunc(matched, func(a, b model.WorkflowInstance) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})

	total := len(matched)
	lo := min(max(filters.Offset, 0), total)
	hi := total
	if filters.Limit > 0 {
		hi = min(lo+filters.Limit, total)
	}
	page := make([]model.WorkflowInstance, 0, hi-lo)
	for _, inst := range matched[lo:hi] {
		page = append(page, cloneInstance(inst))
	}
	return page, total, nil
}

func (s *MemoryWorkflowStore) FindExpired(_ context.Context, cutoff time.Time, limit int) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status == model.WorkflowStatusActive && inst.ExpiresAt != nil && inst.ExpiresAt.Before(cutoff) {
			stale = append(stale, cloneInstance(inst))
		}
	}
	slices.SortFunc(stale, func(a, b model.WorkflowInstance) int {
		return a.ExpiresAt.Compare(*b.ExpiresAt)
	})
	if limit > 0 && limit < len(stale) {
		stale = stale[:limit]
	}
	return stale, nil
}

// Ping always succeeds.
func (s *MemoryWorkflowStore) Ping(context.Context) error { return nil }

// Len reports how many instances are stored.
func (s *MemoryWorkflowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// lookup finds an instance visible to tenantID. Callers hold s.mu.
func (s *MemoryWorkflowStore) lookup(tenantID, instanceID string) (model.WorkflowInstance, error) {
	inst, ok := s.instances[instanceID]
	if !ok || inst.TenantID != tenantID {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return inst, nil
}

func (f ListFilters) matches(inst model.WorkflowInstance) bool {
	return (f.Status == "" || inst.Status == f.Status) &&
		(f.WorkflowID == "" || inst.WorkflowID == f.WorkflowID) &&
		(f.SubjectID == "" || inst.SubjectID == f.SubjectID)
}

func cloneInstance(inst model.WorkflowInstance) model.WorkflowInstance {
	st := inst.State
	st.Steps = slices.Clone(st.Steps)
	st.FieldValues = maps.Clone(st.FieldValues)
	st.Documents = maps.Clone(st.Documents)
	st.Decisions = maps.Clone(st.Decisions)
	st.History = slices.Clone(st.History)
	st.Failures = slices.Clone(st.Failures)
	inst.State = st
	if inst.ExpiresAt != nil {
		exp := *inst.ExpiresAt
		inst.ExpiresAt = &exp
	}
	return inst
}
