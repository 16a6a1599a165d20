package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(context.Context) error { return m.err }

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp.Version)
	}
	if resp.Commit != "abc1234" {
		t.Errorf("commit = %q, want abc1234", resp.Commit)
	}
}

func TestHandleReady_allHealthy(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		WorkflowStore:     &mockPinger{},
		IdempotencyStore:  &mockPinger{},
		DocumentBucket:    &mockPinger{},
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	for _, name := range []string{"definitions", "workflow_store", "idempotency_store", "document_bucket"} {
		if resp.Checks[name].Status != "ok" {
			t.Errorf("%s = %q, want ok", name, resp.Checks[name].Status)
		}
	}
}

func TestHandleReady_definitionsNotLoaded(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return false },
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if resp.Checks["definitions"].Error == "" {
		t.Error("definitions error should have a message")
	}
}

func TestHandleReady_dependencyDown(t *testing.T) {
	tests := []struct {
		name   string
		checks ReadinessChecks
		key    string
		msg    string
	}{
		{"workflow store", ReadinessChecks{WorkflowStore: &mockPinger{err: errors.New("connection refused")}}, "workflow_store", "connection refused"},
		{"idempotency store", ReadinessChecks{IdempotencyStore: &mockPinger{err: errors.New("redis timeout")}}, "idempotency_store", "redis timeout"},
		{"document bucket", ReadinessChecks{DocumentBucket: &mockPinger{err: errors.New("bucket is not accessible")}}, "document_bucket", "bucket is not accessible"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.checks.DefinitionsLoaded = func() bool { return true }
			code, resp := serveReady(t, tt.checks)

			if code != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want 503", code)
			}
			if resp.Checks[tt.key].Status != "error" {
				t.Errorf("%s = %q, want error", tt.key, resp.Checks[tt.key].Status)
			}
			if resp.Checks[tt.key].Error != tt.msg {
				t.Errorf("%s error = %q, want %q", tt.key, resp.Checks[tt.key].Error, tt.msg)
			}
		})
	}
}

func TestHandleReady_nilDefinitionsCheck(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Checks["definitions"].Status != "error" {
		t.Errorf("definitions = %q, want error", resp.Checks["definitions"].Status)
	}
}

func TestHandleReady_withoutOptionalChecks(t *testing.T) {
	_, resp := serveReady(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
	})

	if len(resp.Checks) != 1 {
		t.Errorf("checks count = %d, want 1 (only definitions)", len(resp.Checks))
	}
	for _, name := range []string{"workflow_store", "idempotency_store", "document_bucket"} {
		if _, ok := resp.Checks[name]; ok {
			t.Errorf("%s should not be in checks when nil", name)
		}
	}
}

func TestHandleReady_multipleFailures(t *testing.T) {
	_, resp := serveReady(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return false },
		WorkflowStore:     &mockPinger{err: errors.New("pg down")},
		DocumentBucket:    &mockPinger{err: errors.New("gcs down")},
	})

	failCount := 0
	for name, check := range resp.Checks {
		if check.Status == "error" {
			failCount++
		}
		if check.LatencyMs < 0 {
			t.Errorf("%s latency = %d, should be >= 0", name, check.LatencyMs)
		}
	}
	if failCount != 3 {
		t.Errorf("failed checks = %d, want 3", failCount)
	}
}

func TestHandleReady_uploadCircuit(t *testing.T) {
	tests := []struct {
		state      string
		wantCode   int
		wantStatus string
	}{
		{"closed", http.StatusOK, CheckOK},
		{"half-open", http.StatusOK, CheckOK},
		{"open", http.StatusOK, CheckDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			code, resp := serveReady(t, ReadinessChecks{
				DefinitionsLoaded: func() bool { return true },
				UploadCircuit:     func() string { return tt.state },
			})
			if code != tt.wantCode {
				t.Fatalf("status = %d, want %d", code, tt.wantCode)
			}
			if resp.Status != "ready" {
				t.Errorf("overall = %q, want ready", resp.Status)
			}
			if got := resp.Checks["upload_circuit"].Status; got != tt.wantStatus {
				t.Errorf("upload_circuit = %q, want %q", got, tt.wantStatus)
			}
		})
	}
}
