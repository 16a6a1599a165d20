package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/stepper/internal/definition"
)

func handleListDefinitions(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"workflows": registry.AllWorkflows(),
			"checksum":  registry.Checksum(),
		})
	}
}

func handleGetDefinition(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID := chi.URLParam(r, "workflowId")
		def, ok := registry.GetWorkflow(workflowID)
		if !ok {
			WriteNotFound(w, "workflow "+workflowID+" is not defined")
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}
