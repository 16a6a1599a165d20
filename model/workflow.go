package model

import "time"

// Workflow instance status constants.
const (
	WorkflowStatusActive    = "active"
	WorkflowStatusCompleted = "completed"
	WorkflowStatusCancelled = "cancelled"
	WorkflowStatusExpired   = "expired"
)

// Document slot status constants.
const (
	DocumentMissing  = "missing"
	DocumentUploaded = "uploaded"
	DocumentVerified = "verified"
	DocumentRejected = "rejected"
)

// Workflow event names recorded in the audit trail.
const (
	EventInstanceCreated   = "instance_created"
	EventFieldSet          = "field_set"
	EventStepCompleted     = "step_completed"
	EventStepEntered       = "step_entered"
	EventStepRetreated     = "step_retreated"
	EventStepJumped        = "step_jumped"
	EventValidationFailed  = "validation_failed"
	EventDocumentUploaded  = "document_uploaded"
	EventDocumentVerified  = "document_verified"
	EventDocumentRejected  = "document_rejected"
	EventDocumentReset     = "document_reset"
	EventDecisionRecorded  = "decision_recorded"
	EventDecisionRechecked = "decision_rechecked"
	EventWorkflowCompleted = "workflow_completed"
	EventCancelled         = "cancelled"
	EventExpired           = "expired"
)

// DocumentState is the persisted state of one document slot.
type DocumentState struct {
	Label      string     `json:"label"`
	Required   bool       `json:"required"`
	Status     string     `json:"status"`
	FileRef    string     `json:"file_ref,omitempty"`
	Note       string     `json:"note,omitempty"`
	UploadedAt *time.Time `json:"uploaded_at,omitempty"`
	Order      int        `json:"order"`
}

// DecisionRecord is a recorded decision outcome.
type DecisionRecord struct {
	Key        string    `json:"key"`
	Outcome    string    `json:"outcome"`
	RecordedAt time.Time `json:"recorded_at"`
}

// InstanceState is the complete, serializable state of one workflow run.
// Restoring it against the same definition reproduces the active steps,
// cursor, and summary exactly.
type InstanceState struct {
	Steps        []string                  `json:"steps"`
	CurrentIndex int                       `json:"current_index"`
	FieldValues  map[string]string         `json:"field_values"`
	Documents    map[string]DocumentState  `json:"documents"`
	Decisions    map[string]DecisionRecord `json:"decisions"`
	History      []string                  `json:"history"`
	Failures     []FieldError              `json:"failures,omitempty"`
	Completed    bool                      `json:"completed"`
	Revision     int                       `json:"revision"`
}

// WorkflowInstance is the stored record of a workflow run.
type WorkflowInstance struct {
	ID             string        `json:"id"`
	WorkflowID     string        `json:"workflow_id"`
	TenantID       string        `json:"tenant_id"`
	PartitionID    string        `json:"partition_id"`
	SubjectID      string        `json:"subject_id"`
	CurrentStep    string        `json:"current_step"`
	Status         string        `json:"status"`
	State          InstanceState `json:"state"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Version        int           `json:"version"`
}

// WorkflowSummary is the read-only progress projection of a workflow run.
type WorkflowSummary struct {
	CompletedSteps             int    `json:"completed_steps"`
	TotalSteps                 int    `json:"total_steps"`
	PercentComplete            int    `json:"percent_complete"`
	SatisfiedRequiredDocuments int    `json:"satisfied_required_documents"`
	TotalRequiredDocuments     int    `json:"total_required_documents"`
	CurrentStep                string `json:"current_step"`
	Completed                  bool   `json:"completed"`
	DocumentsRevision          int    `json:"documents_revision"`
}

// InstanceListItem is a lightweight representation of a workflow instance
// used in list views.
type InstanceListItem struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflow_id"`
	Name        string    `json:"name"`
	CurrentStep string    `json:"current_step"`
	Status      string    `json:"status"`
	SubjectID   string    `json:"subject_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WorkflowEvent records an event in a workflow's audit trail.
type WorkflowEvent struct {
	ID                 string         `json:"id"`
	WorkflowInstanceID string         `json:"workflow_instance_id"`
	StepID             string         `json:"step_id"`
	Event              string         `json:"event"`
	ActorID            string         `json:"actor_id"`
	Data               map[string]any `json:"data,omitempty"`
	Comment            string         `json:"comment,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
}
