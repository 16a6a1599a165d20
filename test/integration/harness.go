// Package integration provides a reusable test harness for end-to-end
// testing of the stepper server. It starts the full HTTP stack with the
// bundled definitions, in-memory stores, an in-memory document bucket and
// a test JWT issuer.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/stepper/definitions"
	"github.com/pitabwire/stepper/internal/config"
	"github.com/pitabwire/stepper/internal/definition"
	"github.com/pitabwire/stepper/internal/eligibility"
	"github.com/pitabwire/stepper/internal/idempotency"
	"github.com/pitabwire/stepper/internal/observability"
	"github.com/pitabwire/stepper/internal/storage"
	"github.com/pitabwire/stepper/internal/transport"
	"github.com/pitabwire/stepper/internal/workflow"
)

// TestHarness encapsulates a fully wired stepper instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry      *definition.Registry
	WorkflowStore *workflow.MemoryWorkflowStore
	Engine        *workflow.Engine
	Bucket        *storage.BlobStore
	Redis         *miniredis.Miniredis
	Clock         *testClock

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	redis          bool
	handlerTimeout time.Duration
	maxUpload      int64
}

// WithDefinitions loads definitions from dirs instead of the bundled set.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithRedisIdempotency backs idempotency with a miniredis server instead of
// the in-memory store.
func WithRedisIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.redis = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithMaxUpload sets the document size limit.
func WithMaxUpload(n int64) HarnessOption {
	return func(c *harnessConfig) {
		c.maxUpload = n
	}
}

// NewTestHarness creates and starts a full stepper test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		maxUpload:      64 << 10,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:     t,
		Clock: &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	ctx := context.Background()

	// Step 1: Load and validate definitions.
	evaluator := eligibility.NewEvaluator(eligibility.WithTimeout(time.Second))
	loader := definition.NewLoader()
	defs, err := loader.LoadFS(definitions.FS)
	if len(hc.definitionDirs) > 0 {
		defs, err = loader.LoadAll(hc.definitionDirs)
	}
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if verrs := definition.NewValidator(evaluator).Validate(defs); len(verrs) > 0 {
		t.Fatalf("definitions invalid: %v", verrs)
	}
	h.Registry, err = definition.NewRegistry(defs)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	// Step 2: Build stores.
	h.WorkflowStore = workflow.NewMemoryWorkflowStore()
	h.Bucket, err = storage.Open(ctx, "mem://", hc.maxUpload)
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	t.Cleanup(func() { _ = h.Bucket.Close() })

	var idem idempotency.Store = idempotency.NewMemoryStore()
	if hc.redis {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		idem = idempotency.NewRedisStore(client)
	}

	// Step 3: Build engine.
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	uploader := storage.NewGuarded(h.Bucket, storage.NewBreaker(5, 1, time.Minute))
	h.Engine = workflow.NewEngine(h.Registry, h.WorkflowStore,
		workflow.WithDecisionSource(evaluator),
		workflow.WithUploader(uploader),
		workflow.WithMetrics(metrics),
		workflow.WithClock(h.Clock.Now),
	)

	// Step 4: Create JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 5: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Storage.MaxUploadBytes = hc.maxUpload
	h.cfg.Observability.Metrics.Enabled = false

	// Step 6: Build router with full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, zap.NewNop())
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Logger:       zap.NewNop(),
		Engine:       h.Engine,
		Registry:     h.Registry,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks.Keyfunc),
		Idempotency:  idem,
		Metrics:      metrics,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return h.Registry.Len() > 0 },
			WorkflowStore:     h.WorkflowStore,
			IdempotencyStore:  idem,
			DocumentBucket:    h.Bucket,
			UploadCircuit:     uploader.Circuit,
		},
	})

	// Step 7: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken mints a bearer token for claims, valid for an hour unless
// opts say otherwise.
func (h *TestHarness) GenerateToken(claims TestClaims, opts ...TokenOption) string {
	return h.issuer.Mint(claims, opts...)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodGet, path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPost, path, body, token, headers)
}

// PATCH performs an authenticated PATCH request with a JSON body.
func (h *TestHarness) PATCH(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPatch, path, body, token, nil)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPut, path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodDelete, path, nil, token, nil)
}

// Upload posts content as the "file" part of a multipart form.
func (h *TestHarness) Upload(path, filename string, content []byte, token string) *http.Response {
	h.t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		h.t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		h.t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		h.t.Fatalf("close multipart writer: %v", err)
	}
	return h.send(http.MethodPost, path, &buf, token, map[string]string{
		"Content-Type": mw.FormDataContentType(),
	})
}

// Do performs an authenticated request with an optional JSON body.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	all := map[string]string{}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
		all["Content-Type"] = "application/json"
	}
	for k, v := range headers {
		all[k] = v
	}
	return h.send(method, path, bodyReader, token, all)
}

func (h *TestHarness) send(method, path string, body io.Reader, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, body)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
}

// --- Default test claims ---

// ApplicantClaims returns TestClaims for a homeowner applying for a loan.
func ApplicantClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-applicant",
		TenantID:  "sunroof",
		Email:     "applicant@sunroof.example.com",
	}
}

// OtherTenantClaims returns TestClaims for a caller in a different tenant.
func OtherTenantClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-applicant",
		TenantID:  "brightgrid",
		Email:     "applicant@brightgrid.example.com",
	}
}

// --- Helpers ---

// testClock is a settable clock shared by the engine and tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
