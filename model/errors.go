package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrInternalError     = "INTERNAL_ERROR"
)

// Workflow lifecycle error codes.
const (
	ErrWorkflowNotActive = "WORKFLOW_NOT_ACTIVE"
)

// Validation errors are expected and recoverable; details enumerate every
// failing field, document, and pending decision of the current step.
const (
	ErrStepValidation = "STEP_VALIDATION_FAILED"
)

// Navigation errors signal a no-op attempt rather than a data problem.
const (
	ErrAtStart          = "AT_START"
	ErrIllegalJump      = "ILLEGAL_JUMP"
	ErrWorkflowComplete = "WORKFLOW_COMPLETE"
)

// Configuration errors indicate a malformed definition or a caller bug.
const (
	ErrConflictingBranch = "CONFLICTING_BRANCH"
	ErrUnknownSlot       = "UNKNOWN_SLOT"
	ErrUnknownOutcome    = "UNKNOWN_OUTCOME"
	ErrUnknownDecision   = "UNKNOWN_DECISION"
	ErrUnknownField      = "UNKNOWN_FIELD"
	ErrDecisionConflict  = "DECISION_CONFLICT"
	ErrInvalidDefinition = "INVALID_DEFINITION"
)

// Collaborator errors are retryable; the engine leaves the affected slot or
// decision unset.
const (
	ErrUploadFailed         = "UPLOAD_FAILED"
	ErrDecisionSourceFailed = "DECISION_SOURCE_FAILED"
)

// Failure detail codes used in FieldError.Code for step validation.
const (
	FailureDocumentMissing  = "document_missing"
	FailureDocumentRejected = "document_rejected"
	FailureDecisionPending  = "decision_pending"
)

// ErrorEnvelope is the single error type returned across package boundaries.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes one failing field, document slot, or decision.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HasCode reports whether err is (or wraps) an ErrorEnvelope with the given code.
func HasCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// CodeOf returns the envelope code of err, or an empty string.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// NewError returns an envelope with an arbitrary code.
func NewError(code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg}
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewWorkflowNotActiveError returns a WORKFLOW_NOT_ACTIVE error.
func NewWorkflowNotActiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrWorkflowNotActive, Message: msg}
}

// NewStepValidationError returns a STEP_VALIDATION_FAILED error listing every
// current failure of the step.
func NewStepValidationError(stepID string, details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStepValidation,
		Message: fmt.Sprintf("step %q has %d unsatisfied requirement(s)", stepID, len(details)),
		Details: details,
	}
}

// NewAtStartError returns an AT_START error.
func NewAtStartError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrAtStart, Message: "already at the first step"}
}

// NewIllegalJumpError returns an ILLEGAL_JUMP error.
func NewIllegalJumpError(stepID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrIllegalJump,
		Message: fmt.Sprintf("cannot jump to step %q", stepID),
	}
}

// NewWorkflowCompleteError returns a WORKFLOW_COMPLETE error.
func NewWorkflowCompleteError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrWorkflowComplete, Message: "workflow is complete"}
}

// NewConflictingBranchError returns a CONFLICTING_BRANCH error.
func NewConflictingBranchError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflictingBranch, Message: msg}
}

// NewUnknownSlotError returns an UNKNOWN_SLOT error.
func NewUnknownSlotError(slotID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownSlot,
		Message: fmt.Sprintf("document slot %q is not registered", slotID),
	}
}

// NewUnknownOutcomeError returns an UNKNOWN_OUTCOME error.
func NewUnknownOutcomeError(key, outcome string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownOutcome,
		Message: fmt.Sprintf("outcome %q is not declared for decision %q", outcome, key),
	}
}

// NewUnknownDecisionError returns an UNKNOWN_DECISION error.
func NewUnknownDecisionError(key string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownDecision,
		Message: fmt.Sprintf("decision %q is not declared", key),
	}
}

// NewUnknownFieldError returns an UNKNOWN_FIELD error.
func NewUnknownFieldError(key string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownField,
		Message: fmt.Sprintf("field %q is not declared by any step", key),
	}
}

// NewDecisionConflictError returns a DECISION_CONFLICT error.
func NewDecisionConflictError(key, recorded, attempted string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code: ErrDecisionConflict,
		Message: fmt.Sprintf("decision %q already recorded as %q; recheck before recording %q",
			key, recorded, attempted),
	}
}

// NewInvalidDefinitionError returns an INVALID_DEFINITION error.
func NewInvalidDefinitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidDefinition, Message: msg}
}

// NewUploadFailedError returns an UPLOAD_FAILED error.
func NewUploadFailedError(slotID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUploadFailed,
		Message: fmt.Sprintf("upload for document slot %q failed; please retry", slotID),
	}
}

// NewDecisionSourceFailedError returns a DECISION_SOURCE_FAILED error.
func NewDecisionSourceFailedError(key string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDecisionSourceFailed,
		Message: fmt.Sprintf("decision %q could not be determined; please retry", key),
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
