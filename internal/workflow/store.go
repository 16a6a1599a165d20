package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/stepper/model"
)

// WorkflowStore persists workflow instances and their audit events.
type WorkflowStore interface {
	// Create persists a new workflow instance.
	Create(ctx context.Context, instance model.WorkflowInstance) error

	// Get retrieves a workflow instance by ID, scoped to a tenant.
	// Returns NOT_FOUND if the instance doesn't exist or belongs to a
	// different tenant.
	Get(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error)

	// Update persists an updated instance with optimistic locking and
	// appends the given events atomically with it. The instance version must
	// match the stored version; on success the stored version is
	// incremented. Returns CONFLICT otherwise, and then no event is stored.
	Update(ctx context.Context, instance model.WorkflowInstance, events ...model.WorkflowEvent) error

	// AppendEvent adds an event to the instance's audit trail.
	AppendEvent(ctx context.Context, event model.WorkflowEvent) error

	// GetEvents retrieves all events for an instance in the order they
	// happened, scoped to a tenant.
	GetEvents(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowEvent, error)

	// List returns one page of a tenant's instances, newest first, and the
	// total number of instances matching the filters.
	List(ctx context.Context, tenantID string, filters ListFilters) ([]model.WorkflowInstance, int, error)

	// FindExpired returns active instances whose expires_at is before the
	// cutoff, oldest first, at most limit of them (limit <= 0 means all).
	FindExpired(ctx context.Context, cutoff time.Time, limit int) ([]model.WorkflowInstance, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

// ListFilters narrow an instance listing. Empty fields match everything.
type ListFilters struct {
	WorkflowID string
	Status     string
	SubjectID  string
	Limit      int
	Offset     int
}
