package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Check statuses reported by /readyz.
const (
	CheckOK       = "ok"
	CheckDegraded = "degraded"
	CheckError    = "error"
)

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the body of /readyz.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one readiness probe.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadinessChecks lists what /readyz probes. Nil dependencies are skipped,
// except DefinitionsLoaded which is always reported.
type ReadinessChecks struct {
	DefinitionsLoaded func() bool

	WorkflowStore    Pinger
	IdempotencyStore Pinger
	DocumentBucket   Pinger

	// UploadCircuit reports the document upload breaker state. An open
	// breaker is shown as degraded but does not fail readiness, since
	// instances can still be read and advanced without uploads.
	UploadCircuit func() string
}

const checkTimeout = 2 * time.Second

var errNoDefinitions = errors.New("no definitions loaded")

// probe is one named readiness check. Advisory probes downgrade to
// degraded instead of error.
type probe struct {
	name     string
	advisory bool
	run      func(ctx context.Context) error
}

func (c ReadinessChecks) probes() []probe {
	probes := []probe{{
		name: "definitions",
		run: func(context.Context) error {
			if c.DefinitionsLoaded == nil || !c.DefinitionsLoaded() {
				return errNoDefinitions
			}
			return nil
		},
	}}
	for _, dep := range []struct {
		name string
		p    Pinger
	}{
		{"workflow_store", c.WorkflowStore},
		{"idempotency_store", c.IdempotencyStore},
		{"document_bucket", c.DocumentBucket},
	} {
		if dep.p == nil {
			continue
		}
		probes = append(probes, probe{name: dep.name, run: dep.p.Ping})
	}
	if c.UploadCircuit != nil {
		probes = append(probes, probe{
			name:     "upload_circuit",
			advisory: true,
			run: func(context.Context) error {
				if state := c.UploadCircuit(); state == "open" {
					return errors.New("upload circuit is " + state)
				}
				return nil
			},
		})
	}
	return probes
}

// HandleHealth serves the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady serves the readiness endpoint. Probes run concurrently, each
// bounded by its own timeout.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		probes := checks.probes()
		results := make(map[string]CheckResult, len(probes))
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, p := range probes {
			wg.Go(func() {
				res := runProbe(r.Context(), p)
				mu.Lock()
				results[p.name] = res
				mu.Unlock()
			})
		}
		wg.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: results}
		code := http.StatusOK
		for _, res := range results {
			if res.Status == CheckError {
				resp.Status = "not_ready"
				code = http.StatusServiceUnavailable
				break
			}
		}
		writeHealthJSON(w, code, resp)
	}
}

func runProbe(parent context.Context, p probe) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := p.run(ctx)
	res := CheckResult{Status: CheckOK, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = CheckError
		if p.advisory {
			res.Status = CheckDegraded
		}
		res.Error = err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
