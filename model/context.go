package model

import (
	"context"
	"fmt"
	"strings"
)

// RequestContext is the authenticated caller of a request. Every instance
// belongs to the caller's TenantID and records SubjectID as its applicant.
type RequestContext struct {
	SubjectID     string
	TenantID      string
	Email         string
	PartitionID   string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
	SpanID        string
}

// Validate reports which identity fields are missing.
func (rc *RequestContext) Validate() error {
	var missing []string
	if rc.SubjectID == "" {
		missing = append(missing, "subject")
	}
	if rc.TenantID == "" {
		missing = append(missing, "tenant")
	}
	if len(missing) > 0 {
		return fmt.Errorf("request context: missing %s", strings.Join(missing, " and "))
	}
	return nil
}

type requestContextKey struct{}

// WithRequestContext returns ctx carrying rctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the caller stored in ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}
