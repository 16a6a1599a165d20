package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/stepper/internal/workflow"
	"github.com/pitabwire/stepper/model"
)

// requestContext returns the caller identity or writes a 401.
func requestContext(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return rctx, true
}

func handleCreateInstance(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		workflowID := chi.URLParam(r, "workflowId")

		view, err := engine.Create(r.Context(), rctx, workflowID, r.Header.Get(IdempotencyHeader))
		if err != nil {
			WriteError(w, err)
			return
		}
		w.Header().Set("Location", "/v1/instances/"+view.ID)
		WriteJSON(w, http.StatusCreated, view)
	}
}

type listResponse struct {
	Items  []model.InstanceListItem `json:"items"`
	Total  int                      `json:"total"`
	Limit  int                      `json:"limit"`
	Offset int                      `json:"offset"`
}

func handleListInstances(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		filters := workflow.ListFilters{
			WorkflowID: q.Get("workflow_id"),
			Status:     q.Get("status"),
			SubjectID:  q.Get("subject_id"),
		}
		var err error
		if filters.Limit, err = queryInt(q.Get("limit")); err != nil {
			WriteError(w, model.NewBadRequestError("limit must be a non-negative integer"))
			return
		}
		if filters.Offset, err = queryInt(q.Get("offset")); err != nil {
			WriteError(w, model.NewBadRequestError("offset must be a non-negative integer"))
			return
		}
		switch filters.Status {
		case "", model.WorkflowStatusActive, model.WorkflowStatusCompleted, model.WorkflowStatusCancelled, model.WorkflowStatusExpired:
		default:
			WriteError(w, model.NewBadRequestError("unknown status filter "+strconv.Quote(filters.Status)))
			return
		}

		items, total, err := engine.List(r.Context(), rctx, filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		if items == nil {
			items = []model.InstanceListItem{}
		}
		WriteJSON(w, http.StatusOK, listResponse{
			Items:  items,
			Total:  total,
			Limit:  filters.Limit,
			Offset: filters.Offset,
		})
	}
}

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}

func handleGetInstance(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		view, err := engine.Get(r.Context(), rctx, chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleSetFields(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var body struct {
			Fields map[string]string `json:"fields"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if len(body.Fields) == 0 {
			WriteError(w, model.NewBadRequestError("fields must not be empty"))
			return
		}

		view, err := engine.SetFields(r.Context(), rctx, chi.URLParam(r, "instanceId"), body.Fields)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleAdvance(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		view, err := engine.Advance(r.Context(), rctx, chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleRetreat(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		view, err := engine.Retreat(r.Context(), rctx, chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleJump(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var body struct {
			StepID string `json:"step_id"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if body.StepID == "" {
			WriteError(w, model.NewBadRequestError("step_id is required"))
			return
		}

		view, err := engine.JumpTo(r.Context(), rctx, chi.URLParam(r, "instanceId"), body.StepID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleCancel(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		view, err := engine.Cancel(r.Context(), rctx, chi.URLParam(r, "instanceId"), body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleSummary(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		summary, err := engine.Summary(r.Context(), rctx, chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, summary)
	}
}

func handleSteps(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		steps, err := engine.Steps(r.Context(), rctx, chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"steps": steps})
	}
}

func handleFailures(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		failures, err := engine.Failures(r.Context(), rctx, chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		if failures == nil {
			failures = []model.FieldError{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"failures": failures})
	}
}

func handleEvents(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		events, err := engine.Events(r.Context(), rctx, chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		if events == nil {
			events = []model.WorkflowEvent{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}
