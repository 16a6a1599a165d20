package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/stepper/internal/idempotency"
	"github.com/pitabwire/stepper/internal/observability"
	"github.com/pitabwire/stepper/model"
)

type countingHandler struct {
	calls  int
	status int
}

func (h *countingHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	h.calls++
	WriteJSON(w, h.status, map[string]int{"call": h.calls})
}

func idemRequest(method, path, key, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	return req.WithContext(model.WithRequestContext(req.Context(), &model.RequestContext{
		SubjectID: "user-asha", TenantID: "tenant-1",
	}))
}

func TestIdempotency_replaysRecordedResponse(t *testing.T) {
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	next := &countingHandler{status: http.StatusCreated}
	handler := Idempotency(idempotency.NewMemoryStore(), time.Hour, 1<<20, metrics)(next)

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, idemRequest(http.MethodPost, "/v1/workflows/loan-origination/instances", "k-1", ""))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, idemRequest(http.MethodPost, "/v1/workflows/loan-origination/instances", "k-1", ""))

	if next.calls != 1 {
		t.Errorf("handler calls = %d, want 1", next.calls)
	}
	if second.Code != http.StatusCreated {
		t.Errorf("replay status = %d, want 201", second.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replay body = %q, want %q", second.Body.String(), first.Body.String())
	}
	if second.Header().Get("X-Idempotent-Replay") != "true" {
		t.Error("replay should be marked")
	}
	if got := testutil.ToFloat64(metrics.IdempotencyReplaysTotal); got != 1 {
		t.Errorf("replays metric = %v, want 1", got)
	}
}

func TestIdempotency_keyReusedForDifferentRequest(t *testing.T) {
	next := &countingHandler{status: http.StatusOK}
	handler := Idempotency(idempotency.NewMemoryStore(), time.Hour, 1<<20, nil)(next)

	handler.ServeHTTP(httptest.NewRecorder(), idemRequest(http.MethodPatch, "/v1/instances/i-1/fields", "k-1", `{"fields":{"a":"1"}}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, idemRequest(http.MethodPatch, "/v1/instances/i-1/fields", "k-1", `{"fields":{"a":"2"}}`))

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if next.calls != 1 {
		t.Errorf("handler calls = %d, want 1", next.calls)
	}
}

func TestIdempotency_serverErrorsNotRecorded(t *testing.T) {
	next := &countingHandler{status: http.StatusBadGateway}
	handler := Idempotency(idempotency.NewMemoryStore(), time.Hour, 1<<20, nil)(next)

	for range 2 {
		handler.ServeHTTP(httptest.NewRecorder(), idemRequest(http.MethodPost, "/v1/instances/i-1/advance", "k-1", ""))
	}
	if next.calls != 2 {
		t.Errorf("handler calls = %d, want 2 (5xx responses are retryable)", next.calls)
	}
}

func TestIdempotency_clientErrorsRecorded(t *testing.T) {
	next := &countingHandler{status: http.StatusUnprocessableEntity}
	handler := Idempotency(idempotency.NewMemoryStore(), time.Hour, 1<<20, nil)(next)

	for range 2 {
		handler.ServeHTTP(httptest.NewRecorder(), idemRequest(http.MethodPost, "/v1/instances/i-1/advance", "k-1", ""))
	}
	if next.calls != 1 {
		t.Errorf("handler calls = %d, want 1", next.calls)
	}
}

func TestIdempotency_passThrough(t *testing.T) {
	tests := []struct {
		name   string
		method string
		key    string
	}{
		{"no key", http.MethodPost, ""},
		{"read request", http.MethodGet, "k-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := &countingHandler{status: http.StatusOK}
			handler := Idempotency(idempotency.NewMemoryStore(), time.Hour, 1<<20, nil)(next)
			for range 2 {
				handler.ServeHTTP(httptest.NewRecorder(), idemRequest(tt.method, "/v1/instances/i-1/advance", tt.key, ""))
			}
			if next.calls != 2 {
				t.Errorf("handler calls = %d, want 2", next.calls)
			}
		})
	}
}

func TestIdempotency_nilStoreDisabled(t *testing.T) {
	next := &countingHandler{status: http.StatusOK}
	handler := Idempotency(nil, time.Hour, 1<<20, nil)(next)
	for range 2 {
		handler.ServeHTTP(httptest.NewRecorder(), idemRequest(http.MethodPost, "/x", "k-1", ""))
	}
	if next.calls != 2 {
		t.Errorf("handler calls = %d, want 2", next.calls)
	}
}

func TestIdempotency_scopedPerCaller(t *testing.T) {
	next := &countingHandler{status: http.StatusOK}
	handler := Idempotency(idempotency.NewMemoryStore(), time.Hour, 1<<20, nil)(next)

	handler.ServeHTTP(httptest.NewRecorder(), idemRequest(http.MethodPost, "/v1/instances/i-1/advance", "k-1", ""))

	other := httptest.NewRequest(http.MethodPost, "/v1/instances/i-1/advance", nil)
	other.Header.Set(IdempotencyHeader, "k-1")
	other = other.WithContext(model.WithRequestContext(other.Context(), &model.RequestContext{
		SubjectID: "user-ravi", TenantID: "tenant-1",
	}))
	handler.ServeHTTP(httptest.NewRecorder(), other)

	if next.calls != 2 {
		t.Errorf("handler calls = %d, want 2", next.calls)
	}
}

func TestIdempotency_bodyTooLarge(t *testing.T) {
	next := &countingHandler{status: http.StatusOK}
	handler := Idempotency(idempotency.NewMemoryStore(), time.Hour, 8, nil)(next)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, idemRequest(http.MethodPatch, "/v1/instances/i-1/fields", "k-1", `{"fields":{"a":"1"}}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if next.calls != 0 {
		t.Error("handler should not run")
	}
}

// streamCheckingHandler fails the request if the body it receives has been
// replaced by a buffered copy.
type streamCheckingHandler struct {
	original io.Reader
	calls    int
}

func (h *streamCheckingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.calls++
	if r.Body != h.original {
		WriteError(w, model.NewBadRequestError("body was buffered"))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"call": h.calls})
}

func multipartRequest(key, body string) *http.Request {
	req := idemRequest(http.MethodPost, "/v1/instances/i-1/documents/panCard", key, body)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	return req
}

func TestIdempotency_multipartBodyStreamed(t *testing.T) {
	next := &streamCheckingHandler{}
	// The limit is far below the upload size; multipart bodies are never read.
	handler := Idempotency(idempotency.NewMemoryStore(), time.Hour, 8, nil)(next)
	upload := strings.Repeat("a", 4096)

	req := multipartRequest("k-1", upload)
	next.original = req.Body
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	retry := httptest.NewRecorder()
	handler.ServeHTTP(retry, multipartRequest("k-1", upload))
	if retry.Header().Get("X-Idempotent-Replay") != "true" || next.calls != 1 {
		t.Errorf("retry not replayed: calls = %d", next.calls)
	}

	other := httptest.NewRecorder()
	handler.ServeHTTP(other, multipartRequest("k-1", upload+"b"))
	if other.Code != http.StatusConflict {
		t.Errorf("different upload status = %d, want 409", other.Code)
	}
}

type failingStore struct{ idempotency.MemoryStore }

func (*failingStore) Check(context.Context, string, string) (*idempotency.Response, bool, error) {
	return nil, false, errors.New("redis: connection refused")
}

func TestIdempotency_storeFailure(t *testing.T) {
	next := &countingHandler{status: http.StatusOK}
	handler := Idempotency(&failingStore{}, time.Hour, 1<<20, nil)(next)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, idemRequest(http.MethodPost, "/v1/instances/i-1/advance", "k-1", ""))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "redis") {
		t.Error("store error leaked into response")
	}
}
