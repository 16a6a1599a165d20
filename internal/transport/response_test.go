package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pitabwire/stepper/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusCreated, map[string]string{"id": "inst-1"})

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["id"] != "inst-1" {
		t.Errorf("id = %q, want inst-1", body["id"])
	}
}

func TestWriteJSON_nilBody(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusNoContent, nil)
	if w.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", w.Body.String())
	}
}

func TestWriteError_statusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.NewStepValidationError("kyc", []model.FieldError{{Field: "pan_number", Code: "pattern"}}), 422},
		{model.NewAtStartError(), 409},
		{model.NewIllegalJumpError("review"), 409},
		{model.NewWorkflowCompleteError(), 409},
		{model.NewDecisionConflictError("credit_band", "A", "B"), 409},
		{model.NewWorkflowNotActiveError("cancelled"), 409},
		{model.NewConflictError("version"), 409},
		{model.NewUnknownSlotError("roof_photo"), 400},
		{model.NewUnknownOutcomeError("mounting", "floating"), 400},
		{model.NewUnknownDecisionError("mounting"), 400},
		{model.NewUnknownFieldError("nickname"), 400},
		{model.NewConflictingBranchError("two branches"), 400},
		{model.NewBadRequestError("bad"), 400},
		{model.NewUnauthorizedError("no token"), 401},
		{model.NewNotFoundError("instance"), 404},
		{model.NewUploadFailedError("roof_photo"), 502},
		{model.NewDecisionSourceFailedError("mounting"), 502},
		{model.NewInternalError(), 500},
		{model.NewError("SOMETHING_NEW", "unmapped"), 500},
	}
	for _, tt := range tests {
		t.Run(model.CodeOf(tt.err), func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestWriteError_envelopeBody(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, model.NewStepValidationError("kyc", []model.FieldError{
		{Field: "pan_number", Code: "pattern", Message: "PAN must look like ABCDE1234F"},
	}))

	var body errorResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != model.ErrStepValidation {
		t.Errorf("code = %q", body.Error.Code)
	}
	if len(body.Error.Details) != 1 || body.Error.Details[0].Message != "PAN must look like ABCDE1234F" {
		t.Errorf("details = %+v", body.Error.Details)
	}
}

func TestWriteError_wrappedEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("advance: %w", model.NewAtStartError()))
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestWriteError_plainErrorHidesDetails(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("pg: connection refused on 10.0.0.5"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "10.0.0.5") {
		t.Error("internal error details leaked into response")
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		StepID string `json:"step_id"`
	}
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"step_id":"kyc"}`))
	if err := decodeJSON(r, &v); err != nil {
		t.Fatalf("decodeJSON: %v", err)
	}
	if v.StepID != "kyc" {
		t.Errorf("StepID = %q", v.StepID)
	}

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	if err := decodeJSON(r, &v); err != nil {
		t.Errorf("empty body should decode cleanly, got %v", err)
	}

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"unknown":1}`))
	if err := decodeJSON(r, &v); !model.HasCode(err, model.ErrBadRequest) {
		t.Errorf("unknown field err = %v, want BAD_REQUEST", err)
	}

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	if err := decodeJSON(r, &v); !model.HasCode(err, model.ErrBadRequest) {
		t.Errorf("malformed err = %v, want BAD_REQUEST", err)
	}
}
