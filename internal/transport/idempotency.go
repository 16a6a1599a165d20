package transport

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/stepper/internal/idempotency"
	"github.com/pitabwire/stepper/internal/observability"
	"github.com/pitabwire/stepper/model"
)

// IdempotencyHeader carries the caller's idempotency key.
const IdempotencyHeader = "X-Idempotency-Key"

// Idempotency returns middleware that replays the recorded response of a
// mutating request retried with the same X-Idempotency-Key. Reusing a key
// for a different request is a CONFLICT. Only responses below 500 are
// recorded so failed attempts can be retried. maxBody bounds how much of
// a non-multipart request body is read for fingerprinting.
func Idempotency(store idempotency.Store, ttl time.Duration, maxBody int64, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" || !isMutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > 255 {
				WriteError(w, model.NewBadRequestError(IdempotencyHeader+" must be at most 255 characters"))
				return
			}
			rctx := model.RequestContextFrom(r.Context())
			if rctx == nil {
				WriteError(w, model.NewUnauthorizedError("missing request context"))
				return
			}

			fingerprint, ok := requestFingerprint(w, r, maxBody)
			if !ok {
				return
			}

			logger := observability.LoggerFrom(r.Context(), zap.NewNop())
			storeKey := idempotency.Key(rctx.TenantID, rctx.SubjectID, key)
			hash := idempotency.HashRequest(r.Method, r.URL.Path, fingerprint)

			prev, found, err := store.Check(r.Context(), storeKey, hash)
			if err != nil {
				if !model.HasCode(err, model.ErrConflict) {
					logger.Error("idempotency check failed", zap.Error(err))
				}
				WriteError(w, err)
				return
			}
			if found {
				if metrics != nil {
					metrics.RecordIdempotencyReplay()
				}
				w.Header().Set("Content-Type", prev.ContentType)
				w.Header().Set("X-Idempotent-Replay", "true")
				w.WriteHeader(prev.Status)
				_, _ = w.Write(prev.Body)
				return
			}

			rec := &recordingWriter{StatusRecorder: observability.NewStatusRecorder(w)}
			next.ServeHTTP(rec, r)

			if rec.Status() >= 500 {
				return
			}
			resp := idempotency.Response{
				Status:      rec.Status(),
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.buf.Bytes(),
			}
			if err := store.Save(r.Context(), storeKey, hash, resp, ttl); err != nil {
				logger.Warn("idempotency save failed", zap.Error(err))
			}
		})
	}
}

// requestFingerprint returns the bytes that identify the request body.
// Multipart uploads stay streamed: they are identified by their declared
// length instead of their content. Other bodies are read, up to maxBody,
// and put back on the request.
func requestFingerprint(w http.ResponseWriter, r *http.Request, maxBody int64) ([]byte, bool) {
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil && strings.HasPrefix(mediaType, "multipart/") {
		return []byte("multipart\x00" + strconv.FormatInt(r.ContentLength, 10)), true
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		WriteError(w, model.NewBadRequestError("could not read request body"))
		return nil, false
	}
	if int64(len(body)) > maxBody {
		WriteError(w, model.NewBadRequestError("request body too large"))
		return nil, false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, true
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// recordingWriter keeps a copy of the body for replay.
type recordingWriter struct {
	*observability.StatusRecorder
	buf bytes.Buffer
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.StatusRecorder.Write(b)
}
