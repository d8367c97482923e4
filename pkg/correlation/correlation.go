// Package correlation carries run and request identifiers through contexts
// so that every log line, span and published event of one pipeline run or
// HTTP request can be tied together.
package correlation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Header names understood on ingress and set on egress
const (
	HTTPHeader          = "X-Correlation-ID"
	HTTPRequestIDHeader = "X-Request-ID"
	HTTPTraceIDHeader   = "X-Trace-ID"

	// AMQPHeader carries the run ID on published pipeline events
	AMQPHeader = "x-correlation-id"
)

type contextKey int

const (
	idKey contextKey = iota
	runKey
	requestKey
)

// ID identifies a pipeline run, a sweep or an HTTP request
type ID string

func (id ID) String() string {
	return string(id)
}

// IsEmpty reports whether no ID was assigned
func (id ID) IsEmpty() bool {
	return id == ""
}

// New returns a random UUID
func New() ID {
	return ID(uuid.NewString())
}

// FromString keeps s, or generates a new ID when s is empty
func FromString(s string) ID {
	if s == "" {
		return New()
	}
	return ID(s)
}

// WithCorrelationID attaches id to ctx
func WithCorrelationID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, idKey, id)
}

// FromContext returns the ID attached to ctx, or an empty ID
func FromContext(ctx context.Context) ID {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(idKey).(ID)
	return id
}

// FromContextOrNew returns the ID attached to ctx or a fresh one
func FromContextOrNew(ctx context.Context) ID {
	if id := FromContext(ctx); !id.IsEmpty() {
		return id
	}
	return New()
}

// Run describes the pipeline work a context belongs to
type Run struct {
	ID             ID
	Trigger        string
	ConversationID string
	SnapshotType   string
}

// WithRun attaches run to ctx and makes its ID the context's correlation
// ID. Empty fields inherit from a run already present in ctx, so a sweep
// can stamp the trigger once and each conversation only adds its ID.
func WithRun(ctx context.Context, run Run) context.Context {
	if parent, ok := RunFromContext(ctx); ok {
		if run.ID.IsEmpty() {
			run.ID = parent.ID
		}
		if run.Trigger == "" {
			run.Trigger = parent.Trigger
		}
		if run.ConversationID == "" {
			run.ConversationID = parent.ConversationID
		}
		if run.SnapshotType == "" {
			run.SnapshotType = parent.SnapshotType
		}
	}
	if run.ID.IsEmpty() {
		run.ID = FromContextOrNew(ctx)
	}
	ctx = context.WithValue(ctx, runKey, run)
	return WithCorrelationID(ctx, run.ID)
}

// RunFromContext returns the run attached to ctx
func RunFromContext(ctx context.Context) (Run, bool) {
	if ctx == nil {
		return Run{}, false
	}
	run, ok := ctx.Value(runKey).(Run)
	return run, ok
}

// RequestInfo describes an inbound HTTP request
type RequestInfo struct {
	CorrelationID ID
	StartTime     time.Time
	ClientIP      string
	Method        string
	Path          string
}

// NewRequestInfo stamps a request with a fresh ID and the current time
func NewRequestInfo(clientIP, method, path string) *RequestInfo {
	return &RequestInfo{
		CorrelationID: New(),
		StartTime:     time.Now(),
		ClientIP:      clientIP,
		Method:        method,
		Path:          path,
	}
}

// ToContext attaches the request and its correlation ID to ctx
func (r *RequestInfo) ToContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, requestKey, *r)
	return WithCorrelationID(ctx, r.CorrelationID)
}

// Duration returns the time elapsed since the request started
func (r *RequestInfo) Duration() time.Duration {
	return time.Since(r.StartTime)
}

// RequestFromContext returns the request attached to ctx
func RequestFromContext(ctx context.Context) (RequestInfo, bool) {
	if ctx == nil {
		return RequestInfo{}, false
	}
	info, ok := ctx.Value(requestKey).(RequestInfo)
	return info, ok
}
