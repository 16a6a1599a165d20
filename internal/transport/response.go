// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the stepper API.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/pitabwire/stepper/model"
)

// maxJSONBody bounds JSON request bodies. Uploads are limited separately.
const maxJSONBody = 1 << 20

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:           http.StatusBadRequest,
	model.ErrUnauthorized:         http.StatusUnauthorized,
	model.ErrNotFound:             http.StatusNotFound,
	model.ErrConflict:             http.StatusConflict,
	model.ErrInvalidTransition:    http.StatusConflict,
	model.ErrInternalError:        http.StatusInternalServerError,
	model.ErrWorkflowNotActive:    http.StatusConflict,
	model.ErrStepValidation:       http.StatusUnprocessableEntity,
	model.ErrAtStart:              http.StatusConflict,
	model.ErrIllegalJump:          http.StatusConflict,
	model.ErrWorkflowComplete:     http.StatusConflict,
	model.ErrDecisionConflict:     http.StatusConflict,
	model.ErrConflictingBranch:    http.StatusBadRequest,
	model.ErrUnknownSlot:          http.StatusBadRequest,
	model.ErrUnknownOutcome:       http.StatusBadRequest,
	model.ErrUnknownDecision:      http.StatusBadRequest,
	model.ErrUnknownField:         http.StatusBadRequest,
	model.ErrInvalidDefinition:    http.StatusBadRequest,
	model.ErrUploadFailed:         http.StatusBadGateway,
	model.ErrDecisionSourceFailed: http.StatusBadGateway,
}

// StatusForError returns the HTTP status an error is written with.
func StatusForError(err error) int {
	if status, ok := statusForCode[model.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Errors that do not wrap an *ErrorEnvelope are written as
// a generic 500 so infrastructure details never reach the caller.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusForError(ee), errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v as is.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return model.NewBadRequestError("invalid JSON body: " + err.Error())
	}
	return nil
}
