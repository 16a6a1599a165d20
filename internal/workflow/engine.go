package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/stepper/internal/checklist"
	"github.com/pitabwire/stepper/internal/definition"
	"github.com/pitabwire/stepper/internal/observability"
	"github.com/pitabwire/stepper/internal/stepper"
	"github.com/pitabwire/stepper/internal/storage"
	"github.com/pitabwire/stepper/model"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	actorSystem = "system"
)

// Step display statuses used in instance views.
const (
	StepStatusCompleted = "completed"
	StepStatusCurrent   = "current"
	StepStatusUpcoming  = "upcoming"
)

// DecisionSource determines a decision outcome from the entered field values.
type DecisionSource interface {
	Decide(ctx context.Context, workflowID string, def model.DecisionDefinition, fields map[string]string) (string, error)
}

// Uploader stores document bytes and returns an opaque file reference.
// Delete removes a stored object whose reference was never persisted.
type Uploader interface {
	Upload(ctx context.Context, up storage.Upload) (string, error)
	Delete(ctx context.Context, ref string) error
}

// Engine manages the lifecycle of workflow instances. Every mutating call
// loads the stored instance, restores its controller, applies one operation,
// and writes the result back with optimistic locking.
type Engine struct {
	registry    *definition.Registry
	store       WorkflowStore
	decisions   DecisionSource
	uploader    Uploader
	metrics     *observability.Metrics
	logger      *zap.Logger
	now         func() time.Time
	instanceTTL time.Duration
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithDecisionSource sets the source consulted for rule-backed decisions.
func WithDecisionSource(src DecisionSource) EngineOption {
	return func(e *Engine) { e.decisions = src }
}

// WithUploader sets the document storage collaborator.
func WithUploader(u Uploader) EngineOption {
	return func(e *Engine) { e.uploader = u }
}

// WithMetrics sets the metrics recorder. A nil recorder records nothing.
func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithInstanceTTL sets the lifetime of instances whose workflow declares no
// timeout. Zero means such instances never expire.
func WithInstanceTTL(d time.Duration) EngineOption {
	return func(e *Engine) { e.instanceTTL = d }
}

// NewEngine creates a new workflow engine.
func NewEngine(registry *definition.Registry, store WorkflowStore, opts ...EngineOption) *Engine {
	e := &Engine{
		registry: registry,
		store:    store,
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StepView describes one active step of an instance.
type StepView struct {
	ID        string                         `json:"id"`
	Name      string                         `json:"name"`
	Status    string                         `json:"status"`
	Terminal  bool                           `json:"terminal,omitempty"`
	Decision  string                         `json:"decision,omitempty"`
	Fields    []model.FieldDefinition        `json:"fields,omitempty"`
	Documents []model.DocumentSlotDefinition `json:"documents,omitempty"`
}

// View is the caller-facing projection of an instance.
type View struct {
	ID           string                 `json:"id"`
	WorkflowID   string                 `json:"workflow_id"`
	Name         string                 `json:"name"`
	Status       string                 `json:"status"`
	SubjectID    string                 `json:"subject_id"`
	CurrentStep  string                 `json:"current_step"`
	CurrentIndex int                    `json:"current_index"`
	Steps        []StepView             `json:"steps"`
	Fields       map[string]string      `json:"fields"`
	Documents    []checklist.Slot       `json:"documents"`
	DocumentsMet bool                   `json:"documents_met"`
	Decisions    []model.DecisionRecord `json:"decisions"`
	History      []string               `json:"history"`
	Failures     []model.FieldError     `json:"failures,omitempty"`
	Summary      model.WorkflowSummary  `json:"summary"`
	Version      int                    `json:"version"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	ExpiresAt    *time.Time             `json:"expires_at,omitempty"`
}

// DocumentUpload is one file submitted for a document slot.
type DocumentUpload struct {
	SlotID      string
	Filename    string
	ContentType string
	Body        io.Reader
}

// Create starts a new instance of workflowID at its first step. A non-empty
// idempotency key returns the instance already created with that key.
func (e *Engine) Create(ctx context.Context, rctx *model.RequestContext, workflowID, idempotencyKey string) (View, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.create",
		observability.AttrWorkflowID.String(workflowID),
		observability.AttrTenantID.String(rctx.TenantID),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	plan, ok := e.registry.Plan(workflowID)
	if !ok {
		err = model.NewNotFoundError(fmt.Sprintf("workflow %q not found", workflowID))
		return View{}, err
	}

	if idempotencyKey != "" {
		if existing, found := e.findByIdempotencyKey(ctx, rctx, workflowID, idempotencyKey); found {
			return e.view(plan, existing)
		}
	}

	now := e.now()
	ctrl := plan.NewController(stepper.WithClock(e.now))
	inst := model.WorkflowInstance{
		ID:             ctrl.ID(),
		WorkflowID:     workflowID,
		TenantID:       rctx.TenantID,
		PartitionID:    rctx.PartitionID,
		SubjectID:      rctx.SubjectID,
		CurrentStep:    ctrl.CurrentStep().ID,
		Status:         model.WorkflowStatusActive,
		State:          ctrl.Snapshot(),
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      e.expiry(plan.Definition(), now),
		IdempotencyKey: idempotencyKey,
		Version:        1,
	}

	if err = e.store.Create(ctx, inst); err != nil {
		if idempotencyKey != "" && model.HasCode(err, model.ErrConflict) {
			if existing, found := e.findByIdempotencyKey(ctx, rctx, workflowID, idempotencyKey); found {
				err = nil
				return e.view(plan, existing)
			}
		}
		return View{}, err
	}
	if err = e.appendEvent(ctx, inst.ID, inst.CurrentStep, model.EventInstanceCreated, rctx.SubjectID, nil, ""); err != nil {
		return View{}, err
	}

	e.metrics.RecordWorkflowStart(workflowID)
	observability.RequestLogger(ctx, e.logger).Info("workflow instance created",
		zap.String("workflow_id", workflowID),
		zap.String("instance_id", inst.ID),
	)
	return e.view(plan, inst)
}

// Get returns the detail view of an instance.
func (e *Engine) Get(ctx context.Context, rctx *model.RequestContext, instanceID string) (View, error) {
	inst, plan, err := e.load(ctx, rctx, instanceID)
	if err != nil {
		return View{}, err
	}
	return e.view(plan, inst)
}

// List returns one page of the tenant's instances and the total number of
// matching instances. A zero limit uses the default page size.
func (e *Engine) List(ctx context.Context, rctx *model.RequestContext, filters ListFilters) ([]model.InstanceListItem, int, error) {
	if filters.Limit <= 0 {
		filters.Limit = defaultPageSize
	}
	if filters.Limit > maxPageSize {
		filters.Limit = maxPageSize
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}

	instances, total, err := e.store.List(ctx, rctx.TenantID, filters)
	if err != nil {
		return nil, 0, err
	}

	items := make([]model.InstanceListItem, 0, len(instances))
	for _, inst := range instances {
		name := inst.WorkflowID
		if wfDef, ok := e.registry.GetWorkflow(inst.WorkflowID); ok {
			name = wfDef.Name
		}
		items = append(items, model.InstanceListItem{
			ID:          inst.ID,
			WorkflowID:  inst.WorkflowID,
			Name:        name,
			CurrentStep: inst.CurrentStep,
			Status:      inst.Status,
			SubjectID:   inst.SubjectID,
			CreatedAt:   inst.CreatedAt,
			UpdatedAt:   inst.UpdatedAt,
		})
	}
	return items, total, nil
}

// SetFields stores raw values for declared fields. The batch is applied as a
// whole: one undeclared key rejects every value.
func (e *Engine) SetFields(ctx context.Context, rctx *model.RequestContext, instanceID string, values map[string]string) (View, error) {
	return e.mutate(ctx, rctx, instanceID, "set_fields", func(op *operation) error {
		for key, value := range values {
			if err := op.ctrl.SetField(key, value); err != nil {
				return err
			}
		}
		keys := make([]string, 0, len(values))
		for key := range values {
			keys = append(keys, key)
		}
		op.event(op.ctrl.CurrentStep().ID, model.EventFieldSet, map[string]any{"keys": keys})
		observability.RequestLogger(op.ctx, e.logger).Debug("fields set",
			zap.String("instance_id", instanceID),
			zap.Any("values", observability.RedactFields(values)),
		)
		return nil
	})
}

// Advance validates the current step and moves to the next active step, or
// completes the run at the terminal step. When the step resolves a
// rule-backed decision that is still open, the decision source is consulted
// once the step's other requirements pass.
func (e *Engine) Advance(ctx context.Context, rctx *model.RequestContext, instanceID string) (View, error) {
	return e.mutate(ctx, rctx, instanceID, "advance", func(op *operation) error {
		from := op.ctrl.CurrentStep()
		wasCompleted := op.ctrl.Completed()

		err := op.ctrl.Advance()
		retry, derr := e.resolveDecision(op, from, err)
		if derr != nil {
			return derr
		}
		if retry {
			err = op.ctrl.Advance()
		}

		switch {
		case err == nil:
			to := op.ctrl.CurrentStep()
			op.event(from.ID, model.EventStepCompleted, nil)
			op.event(to.ID, model.EventStepEntered, nil)
			e.metrics.RecordWorkflowAdvance(op.plan.WorkflowID(), from.ID)
			observability.RequestLogger(op.ctx, e.logger).Info("workflow advanced",
				zap.String("instance_id", instanceID),
				zap.String("from_step", from.ID),
				zap.String("to_step", to.ID),
			)
			return nil

		case model.HasCode(err, model.ErrWorkflowComplete) && !wasCompleted:
			op.event(from.ID, model.EventStepCompleted, nil)
			op.event(from.ID, model.EventWorkflowCompleted, nil)
			e.metrics.RecordWorkflowAdvance(op.plan.WorkflowID(), from.ID)
			e.metrics.RecordWorkflowCompletion(op.plan.WorkflowID(), model.WorkflowStatusCompleted)
			observability.RequestLogger(op.ctx, e.logger).Info("workflow completed",
				zap.String("instance_id", instanceID),
				zap.String("step", from.ID),
			)
			return nil

		case model.HasCode(err, model.ErrStepValidation):
			var envErr *model.ErrorEnvelope
			errors.As(err, &envErr)
			op.event(from.ID, model.EventValidationFailed, map[string]any{"failures": len(envErr.Details)})
			op.keepOnError = true
			e.metrics.RecordValidationFailure(op.plan.WorkflowID(), from.ID)
			return err
		}
		return err
	})
}

// resolveDecision consults the decision source when the only thing holding
// the step back is its own open rule-backed decision. It reports whether the
// advance should be retried.
func (e *Engine) resolveDecision(op *operation, step model.StepDefinition, advanceErr error) (bool, error) {
	if e.decisions == nil || step.Decision == "" || !model.HasCode(advanceErr, model.ErrStepValidation) {
		return false, nil
	}
	var envErr *model.ErrorEnvelope
	errors.As(advanceErr, &envErr)
	if len(envErr.Details) != 1 || envErr.Details[0].Code != model.FailureDecisionPending {
		return false, nil
	}
	def, ok := op.plan.Definition().Decision(step.Decision)
	if !ok || def.Rule == "" {
		return false, nil
	}

	ctx, span := observability.StartSpan(op.ctx, "workflow.decide",
		observability.AttrDecision.String(def.Key),
		observability.AttrStepID.String(step.ID),
	)
	start := time.Now()
	outcome, err := e.decisions.Decide(ctx, op.plan.WorkflowID(), *def, op.ctrl.Fields())
	e.metrics.RecordDecisionRule(op.plan.WorkflowID(), def.Key, time.Since(start), err)
	observability.EndSpanWithError(span, err)
	if err != nil {
		observability.RequestLogger(op.ctx, e.logger).Warn("decision rule failed",
			zap.String("decision", def.Key),
			zap.Error(err),
		)
		return false, model.NewDecisionSourceFailedError(def.Key)
	}

	if err := op.ctrl.RecordDecision(def.Key, outcome); err != nil {
		return false, err
	}
	op.event(step.ID, model.EventDecisionRecorded, map[string]any{
		"decision": def.Key, "outcome": outcome, "source": "rule",
	})
	e.metrics.RecordDecision(op.plan.WorkflowID(), def.Key, outcome, "rule")
	return true, nil
}

// Retreat moves back to the most recently validated step.
func (e *Engine) Retreat(ctx context.Context, rctx *model.RequestContext, instanceID string) (View, error) {
	return e.mutate(ctx, rctx, instanceID, "retreat", func(op *operation) error {
		from := op.ctrl.CurrentStep().ID
		if err := op.ctrl.Retreat(); err != nil {
			return err
		}
		op.event(op.ctrl.CurrentStep().ID, model.EventStepRetreated, map[string]any{"from": from})
		e.metrics.RecordNavigation(op.plan.WorkflowID(), "retreat")
		return nil
	})
}

// JumpTo moves to a previously validated step or to the next active step.
func (e *Engine) JumpTo(ctx context.Context, rctx *model.RequestContext, instanceID, stepID string) (View, error) {
	return e.mutate(ctx, rctx, instanceID, "jump", func(op *operation) error {
		from := op.ctrl.CurrentStep().ID
		if err := op.ctrl.JumpTo(stepID); err != nil {
			if model.HasCode(err, model.ErrStepValidation) {
				op.event(from, model.EventValidationFailed, nil)
				op.keepOnError = true
				e.metrics.RecordValidationFailure(op.plan.WorkflowID(), from)
			}
			return err
		}
		op.event(op.ctrl.CurrentStep().ID, model.EventStepJumped, map[string]any{"from": from})
		e.metrics.RecordNavigation(op.plan.WorkflowID(), "jump")
		return nil
	})
}

// UploadDocument stores a file for a slot and marks the slot uploaded. The
// slot is checked before any bytes are written; a storage failure leaves the
// slot untouched.
func (e *Engine) UploadDocument(ctx context.Context, rctx *model.RequestContext, instanceID string, doc DocumentUpload) (View, error) {
	return e.mutate(ctx, rctx, instanceID, "upload", func(op *operation) error {
		if err := op.ctrl.CheckSlot(doc.SlotID); err != nil {
			return err
		}
		if e.uploader == nil {
			return model.NewUploadFailedError(doc.SlotID)
		}

		body := &countingReader{r: doc.Body}
		uctx, span := observability.StartSpan(op.ctx, "workflow.upload",
			observability.AttrSlotID.String(doc.SlotID),
		)
		ref, err := e.uploader.Upload(uctx, storage.Upload{
			TenantID:    op.inst.TenantID,
			InstanceID:  op.inst.ID,
			SlotID:      doc.SlotID,
			Filename:    doc.Filename,
			ContentType: doc.ContentType,
			Body:        body,
		})
		observability.EndSpanWithError(span, err)
		if err != nil {
			e.metrics.RecordUpload(op.plan.WorkflowID(), doc.SlotID, "failed", 0)
			if errors.Is(err, storage.ErrTooLarge) {
				return model.NewBadRequestError(fmt.Sprintf("document for slot %q exceeds the upload limit", doc.SlotID))
			}
			observability.RequestLogger(op.ctx, e.logger).Error("document upload failed",
				zap.String("slot_id", doc.SlotID),
				zap.Error(err),
			)
			return model.NewUploadFailedError(doc.SlotID)
		}

		op.discard = append(op.discard, func() { e.deleteOrphan(op.ctx, ref) })
		if err := op.ctrl.RecordUpload(doc.SlotID, ref); err != nil {
			op.discardUploads()
			return err
		}
		op.event(op.ctrl.CurrentStep().ID, model.EventDocumentUploaded, map[string]any{
			"slot_id": doc.SlotID, "file_ref": ref, "size": body.n,
		})
		e.metrics.RecordUpload(op.plan.WorkflowID(), doc.SlotID, "stored", body.n)
		observability.RequestLogger(op.ctx, e.logger).Info("document uploaded",
			zap.String("instance_id", instanceID),
			zap.String("slot_id", doc.SlotID),
			zap.Int64("size", body.n),
		)
		return nil
	})
}

// VerifyDocument applies an external verifier's judgement to an uploaded
// document.
func (e *Engine) VerifyDocument(ctx context.Context, rctx *model.RequestContext, instanceID, slotID string, ok bool, note string) (View, error) {
	return e.mutate(ctx, rctx, instanceID, "verify", func(op *operation) error {
		if err := op.ctrl.VerifyDocument(slotID, ok, note); err != nil {
			return err
		}
		event, result := model.EventDocumentVerified, "verified"
		if !ok {
			event, result = model.EventDocumentRejected, "rejected"
		}
		op.eventWithComment(op.ctrl.CurrentStep().ID, event, map[string]any{"slot_id": slotID}, note)
		e.metrics.RecordVerification(op.plan.WorkflowID(), result)
		return nil
	})
}

// ResetDocument returns a slot to missing.
func (e *Engine) ResetDocument(ctx context.Context, rctx *model.RequestContext, instanceID, slotID string) (View, error) {
	return e.mutate(ctx, rctx, instanceID, "reset_document", func(op *operation) error {
		if err := op.ctrl.ResetDocument(slotID); err != nil {
			return err
		}
		op.event(op.ctrl.CurrentStep().ID, model.EventDocumentReset, map[string]any{"slot_id": slotID})
		return nil
	})
}

// RecordDecision records a decision outcome supplied by the caller.
func (e *Engine) RecordDecision(ctx context.Context, rctx *model.RequestContext, instanceID, key, outcome string) (View, error) {
	return e.mutate(ctx, rctx, instanceID, "record_decision", func(op *operation) error {
		if err := op.ctrl.RecordDecision(key, outcome); err != nil {
			return err
		}
		op.event(op.ctrl.CurrentStep().ID, model.EventDecisionRecorded, map[string]any{
			"decision": key, "outcome": outcome, "source": "caller",
		})
		e.metrics.RecordDecision(op.plan.WorkflowID(), key, outcome, "caller")
		observability.RequestLogger(op.ctx, e.logger).Info("decision recorded",
			zap.String("instance_id", instanceID),
			zap.String("decision", key),
			zap.String("outcome", outcome),
		)
		return nil
	})
}

// RecheckDecision clears a recorded outcome so it can be decided again.
func (e *Engine) RecheckDecision(ctx context.Context, rctx *model.RequestContext, instanceID, key string) (View, error) {
	return e.mutate(ctx, rctx, instanceID, "recheck_decision", func(op *operation) error {
		if err := op.ctrl.RecheckDecision(key); err != nil {
			return err
		}
		op.event(op.ctrl.CurrentStep().ID, model.EventDecisionRechecked, map[string]any{"decision": key})
		return nil
	})
}

// Summary returns the progress projection of an instance.
func (e *Engine) Summary(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.WorkflowSummary, error) {
	ctrl, _, err := e.restore(ctx, rctx, instanceID)
	if err != nil {
		return model.WorkflowSummary{}, err
	}
	return ctrl.Summary(), nil
}

// Steps returns the active step list of an instance.
func (e *Engine) Steps(ctx context.Context, rctx *model.RequestContext, instanceID string) ([]StepView, error) {
	ctrl, _, err := e.restore(ctx, rctx, instanceID)
	if err != nil {
		return nil, err
	}
	return stepViews(ctrl), nil
}

// Failures returns the failures recorded by the last rejected advance.
func (e *Engine) Failures(ctx context.Context, rctx *model.RequestContext, instanceID string) ([]model.FieldError, error) {
	ctrl, _, err := e.restore(ctx, rctx, instanceID)
	if err != nil {
		return nil, err
	}
	return ctrl.Failures(), nil
}

// Events returns the audit trail of an instance.
func (e *Engine) Events(ctx context.Context, rctx *model.RequestContext, instanceID string) ([]model.WorkflowEvent, error) {
	return e.store.GetEvents(ctx, rctx.TenantID, instanceID)
}

// Cancel cancels an active or completed instance. Cancelled instances
// accept no further operations.
func (e *Engine) Cancel(ctx context.Context, rctx *model.RequestContext, instanceID, reason string) (View, error) {
	return e.mutate(ctx, rctx, instanceID, "cancel", func(op *operation) error {
		if op.inst.Status == model.WorkflowStatusActive {
			e.metrics.RecordWorkflowCompletion(op.plan.WorkflowID(), model.WorkflowStatusCancelled)
		}
		op.status = model.WorkflowStatusCancelled
		op.eventWithComment(op.ctrl.CurrentStep().ID, model.EventCancelled, nil, reason)
		return nil
	})
}

// ExpireStale marks active instances whose expiry is before cutoff as
// expired, at most batch of them per call. It returns how many were expired.
// Instances changed concurrently are skipped and picked up by a later sweep.
func (e *Engine) ExpireStale(ctx context.Context, cutoff time.Time, batch int) (int, error) {
	start := time.Now()
	defer func() { e.metrics.RecordSweep(time.Since(start)) }()

	expired, err := e.store.FindExpired(ctx, cutoff, batch)
	if err != nil {
		return 0, fmt.Errorf("find expired workflows: %w", err)
	}

	count := 0
	for _, inst := range expired {
		if err := e.expire(ctx, inst); err != nil {
			e.logger.Warn("expiring workflow instance failed",
				zap.String("instance_id", inst.ID),
				zap.Error(err),
			)
			continue
		}
		count++
	}
	if count > 0 {
		e.logger.Info("expired workflow instances", zap.Int("count", count))
	}
	return count, nil
}

func (e *Engine) expire(ctx context.Context, inst model.WorkflowInstance) error {
	inst.Status = model.WorkflowStatusExpired
	if err := e.store.Update(ctx, inst, e.newEvent(inst.ID, inst.CurrentStep, model.EventExpired, actorSystem, nil, "")); err != nil {
		return err
	}
	e.metrics.RecordWorkflowExpired(inst.WorkflowID)
	e.metrics.RecordWorkflowCompletion(inst.WorkflowID, model.WorkflowStatusExpired)
	return nil
}

// --- Internals ---

// operation carries one mutation through load, apply, and persist.
type operation struct {
	ctx    context.Context
	rctx   *model.RequestContext
	inst   model.WorkflowInstance
	plan   *stepper.Plan
	ctrl   *stepper.Controller
	events []model.WorkflowEvent
	status string
	now    time.Time

	// keepOnError persists the controller state even though the operation
	// returns an error, so that recorded failures survive.
	keepOnError bool

	// discard runs when the state cannot be written, to drop side effects
	// the stored instance will never reference.
	discard []func()
}

func (op *operation) discardUploads() {
	for _, fn := range op.discard {
		fn()
	}
}

func (op *operation) event(stepID, name string, data map[string]any) {
	op.eventWithComment(stepID, name, data, "")
}

func (op *operation) eventWithComment(stepID, name string, data map[string]any, comment string) {
	op.events = append(op.events, model.WorkflowEvent{
		ID:                 uuid.New().String(),
		WorkflowInstanceID: op.inst.ID,
		StepID:             stepID,
		Event:              name,
		ActorID:            op.rctx.SubjectID,
		Data:               data,
		Comment:            comment,
		Timestamp:          op.now,
	})
}

func (e *Engine) mutate(ctx context.Context, rctx *model.RequestContext, instanceID, name string, apply func(op *operation) error) (View, error) {
	ctx, span := observability.StartSpan(ctx, "workflow."+name,
		observability.AttrInstanceID.String(instanceID),
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrOperation.String(name),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	inst, plan, err := e.load(ctx, rctx, instanceID)
	if err != nil {
		return View{}, err
	}
	span.SetAttributes(observability.AttrWorkflowID.String(inst.WorkflowID))

	if inst.Status != model.WorkflowStatusActive && inst.Status != model.WorkflowStatusCompleted {
		err = model.NewWorkflowNotActiveError(
			fmt.Sprintf("workflow instance %q is %s", instanceID, inst.Status),
		)
		return View{}, err
	}

	ctrl, err := plan.Restore(inst.ID, inst.State, stepper.WithClock(e.now))
	if err != nil {
		return View{}, fmt.Errorf("restore instance %q: %w", inst.ID, err)
	}

	op := &operation{ctx: ctx, rctx: rctx, inst: inst, plan: plan, ctrl: ctrl, now: e.now()}
	opErr := apply(op)
	if opErr != nil && !op.keepOnError {
		err = opErr
		return View{}, err
	}

	wasCompleted := inst.Status == model.WorkflowStatusCompleted
	inst.State = ctrl.Snapshot()
	inst.CurrentStep = ctrl.CurrentStep().ID
	inst.UpdatedAt = op.now
	switch {
	case op.status != "":
		inst.Status = op.status
	case ctrl.Completed():
		inst.Status = model.WorkflowStatusCompleted
	default:
		inst.Status = model.WorkflowStatusActive
		if wasCompleted {
			e.metrics.RecordWorkflowReopened(inst.WorkflowID)
		}
	}
	span.SetAttributes(observability.AttrStepID.String(inst.CurrentStep))

	if err = e.store.Update(ctx, inst, op.events...); err != nil {
		op.discardUploads()
		return View{}, err
	}
	inst.Version++

	if opErr != nil {
		err = opErr
		return View{}, err
	}
	return e.viewOf(plan, inst, ctrl), nil
}

// load fetches an instance and the compiled plan of its workflow.
func (e *Engine) load(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.WorkflowInstance, *stepper.Plan, error) {
	inst, err := e.store.Get(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, nil, err
	}
	plan, ok := e.registry.Plan(inst.WorkflowID)
	if !ok {
		return model.WorkflowInstance{}, nil, model.NewNotFoundError(
			fmt.Sprintf("workflow definition %q not found", inst.WorkflowID),
		)
	}
	return inst, plan, nil
}

func (e *Engine) restore(ctx context.Context, rctx *model.RequestContext, instanceID string) (*stepper.Controller, model.WorkflowInstance, error) {
	inst, plan, err := e.load(ctx, rctx, instanceID)
	if err != nil {
		return nil, model.WorkflowInstance{}, err
	}
	ctrl, err := plan.Restore(inst.ID, inst.State, stepper.WithClock(e.now))
	if err != nil {
		return nil, model.WorkflowInstance{}, fmt.Errorf("restore instance %q: %w", inst.ID, err)
	}
	return ctrl, inst, nil
}

func (e *Engine) findByIdempotencyKey(ctx context.Context, rctx *model.RequestContext, workflowID, key string) (model.WorkflowInstance, bool) {
	offset := 0
	for {
		page, total, err := e.store.List(ctx, rctx.TenantID, ListFilters{
			WorkflowID: workflowID,
			SubjectID:  rctx.SubjectID,
			Limit:      maxPageSize,
			Offset:     offset,
		})
		if err != nil {
			return model.WorkflowInstance{}, false
		}
		for _, inst := range page {
			if inst.IdempotencyKey == key {
				return inst, true
			}
		}
		offset += len(page)
		if len(page) == 0 || offset >= total {
			return model.WorkflowInstance{}, false
		}
	}
}

// expiry returns when an instance created at now expires: the workflow's
// own timeout wins over the engine-wide TTL.
func (e *Engine) expiry(def *model.WorkflowDefinition, now time.Time) *time.Time {
	ttl := e.instanceTTL
	if def.Timeout != "" {
		if d, err := time.ParseDuration(def.Timeout); err == nil {
			ttl = d
		}
	}
	if ttl <= 0 {
		return nil
	}
	exp := now.Add(ttl)
	return &exp
}

func (e *Engine) appendEvent(
	ctx context.Context,
	instanceID, stepID, event, actorID string,
	data map[string]any,
	comment string,
) error {
	return e.store.AppendEvent(ctx, e.newEvent(instanceID, stepID, event, actorID, data, comment))
}

func (e *Engine) newEvent(instanceID, stepID, event, actorID string, data map[string]any, comment string) model.WorkflowEvent {
	return model.WorkflowEvent{
		ID:                 uuid.New().String(),
		WorkflowInstanceID: instanceID,
		StepID:             stepID,
		Event:              event,
		ActorID:            actorID,
		Data:               data,
		Comment:            comment,
		Timestamp:          e.now(),
	}
}

// deleteOrphan removes an uploaded object that no stored instance refers to.
// Failures are logged; the bucket's lifecycle rules collect what is left.
func (e *Engine) deleteOrphan(ctx context.Context, ref string) {
	if err := e.uploader.Delete(context.WithoutCancel(ctx), ref); err != nil {
		observability.RequestLogger(ctx, e.logger).Warn("orphaned document not deleted",
			zap.String("file_ref", ref),
			zap.Error(err),
		)
	}
}

func (e *Engine) view(plan *stepper.Plan, inst model.WorkflowInstance) (View, error) {
	ctrl, err := plan.Restore(inst.ID, inst.State, stepper.WithClock(e.now))
	if err != nil {
		return View{}, fmt.Errorf("restore instance %q: %w", inst.ID, err)
	}
	return e.viewOf(plan, inst, ctrl), nil
}

func (e *Engine) viewOf(plan *stepper.Plan, inst model.WorkflowInstance, ctrl *stepper.Controller) View {
	return View{
		ID:           inst.ID,
		WorkflowID:   inst.WorkflowID,
		Name:         plan.Definition().Name,
		Status:       inst.Status,
		SubjectID:    inst.SubjectID,
		CurrentStep:  ctrl.CurrentStep().ID,
		CurrentIndex: ctrl.CurrentIndex(),
		Steps:        stepViews(ctrl),
		Fields:       ctrl.Fields(),
		Documents:    ctrl.Documents(),
		DocumentsMet: ctrl.AllRequiredSatisfied(),
		Decisions:    ctrl.Decisions(),
		History:      ctrl.History(),
		Failures:     ctrl.Failures(),
		Summary:      ctrl.Summary(),
		Version:      inst.Version,
		CreatedAt:    inst.CreatedAt,
		UpdatedAt:    inst.UpdatedAt,
		ExpiresAt:    inst.ExpiresAt,
	}
}

func stepViews(ctrl *stepper.Controller) []StepView {
	history := make(map[string]bool)
	for _, id := range ctrl.History() {
		history[id] = true
	}
	current := ctrl.CurrentStep().ID

	steps := ctrl.ActiveSteps()
	out := make([]StepView, 0, len(steps))
	for _, s := range steps {
		status := StepStatusUpcoming
		switch {
		case history[s.ID], s.ID == current && ctrl.Completed():
			status = StepStatusCompleted
		case s.ID == current:
			status = StepStatusCurrent
		}
		out = append(out, StepView{
			ID:        s.ID,
			Name:      s.Name,
			Status:    status,
			Terminal:  s.Terminal,
			Decision:  s.Decision,
			Fields:    s.Fields,
			Documents: s.Documents,
		})
	}
	return out
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
