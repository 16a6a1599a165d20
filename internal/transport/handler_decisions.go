package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/stepper/internal/workflow"
	"github.com/pitabwire/stepper/model"
)

// handleRecordDecision records the outcome of an external check.
func handleRecordDecision(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var body struct {
			Outcome string `json:"outcome"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if body.Outcome == "" {
			WriteError(w, model.NewBadRequestError("outcome is required"))
			return
		}

		view, err := engine.RecordDecision(r.Context(), rctx, chi.URLParam(r, "instanceId"),
			chi.URLParam(r, "key"), body.Outcome)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleRecheckDecision(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		view, err := engine.RecheckDecision(r.Context(), rctx, chi.URLParam(r, "instanceId"), chi.URLParam(r, "key"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}
