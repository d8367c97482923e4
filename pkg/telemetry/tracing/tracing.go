package tracing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"convopulse/pkg/config"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer    = otel.Tracer("convopulse")
	runScopes sync.Map // map[string]*RunScope
)

type metadataKey struct{}

// RunMetadata carries the identifiers of one pipeline run.
type RunMetadata struct {
	mu             sync.RWMutex
	RunID          string
	ConversationID string
	Mode           string
	SnapshotType   string
	Anomalies      int
}

// SetSnapshotType stores the cadence of the snapshot being computed.
func (m *RunMetadata) SetSnapshotType(t string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SnapshotType = t
}

func (m *RunMetadata) snapshotType() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.SnapshotType
}

// AddAnomalies adds to the anomaly count observed during the run.
func (m *RunMetadata) AddAnomalies(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Anomalies += n
}

// AnomalyCount returns the anomalies recorded so far.
func (m *RunMetadata) AnomalyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Anomalies
}

// RunScope tracks the root span of a single pipeline run.
type RunScope struct {
	runID    string
	ctx      context.Context
	cancel   context.CancelFunc
	span     trace.Span
	metadata *RunMetadata
	endOnce  sync.Once
}

// Context returns the context carrying the run span.
func (r *RunScope) Context() context.Context {
	if r == nil {
		return context.Background()
	}
	return r.ctx
}

// Span returns the root span for the run.
func (r *RunScope) Span() trace.Span {
	if r == nil {
		return trace.SpanFromContext(context.Background())
	}
	return r.span
}

// Metadata exposes the run metadata for enrichment.
func (r *RunScope) Metadata() *RunMetadata {
	if r == nil {
		return nil
	}
	return r.metadata
}

// SetAttributes attaches attributes to the run root span.
func (r *RunScope) SetAttributes(attrs ...attribute.KeyValue) {
	if r == nil {
		return
	}
	r.span.SetAttributes(attrs...)
}

// End completes the root span and unregisters the scope.
func (r *RunScope) End(err error) {
	if r == nil {
		return
	}
	r.endOnce.Do(func() {
		r.span.SetAttributes(attribute.Int("pipeline.anomalies", r.metadata.AnomalyCount()))
		if st := r.metadata.snapshotType(); st != "" {
			r.span.SetAttributes(attribute.String("snapshot.type", st))
		}
		if err != nil {
			r.span.RecordError(err)
			r.span.SetStatus(codes.Error, err.Error())
		} else {
			r.span.SetStatus(codes.Ok, "completed")
		}
		r.span.End()
		if r.cancel != nil {
			r.cancel()
		}
		runScopes.Delete(r.runID)
	})
}

// Init configures the global tracer provider.
func Init(ctx context.Context, cfg config.TracingConfig, logger *logrus.Logger) (func(context.Context) error, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "convopulse"
	}

	sampleRatio := cfg.SampleRatio
	if sampleRatio <= 0 || sampleRatio > 1 {
		sampleRatio = 1
	}

	var providerOpts []sdktrace.TracerProviderOption

	if res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	); err != nil {
		logger.WithError(err).Warn("failed to build OpenTelemetry resource")
	} else {
		providerOpts = append(providerOpts, sdktrace.WithResource(res))
	}

	providerOpts = append(providerOpts, sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))))

	var spanProcessor sdktrace.SpanProcessor
	if cfg.Enabled && cfg.Endpoint != "" {
		exporterCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}

		exporter, err := otlptracegrpc.New(exporterCtx, clientOpts...)
		if err != nil {
			logger.WithError(err).Warn("failed to initialize OTLP tracing exporter; spans stay local")
		} else {
			spanProcessor = sdktrace.NewBatchSpanProcessor(exporter)
			providerOpts = append(providerOpts, sdktrace.WithSpanProcessor(spanProcessor))
		}
	}

	provider := sdktrace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer = provider.Tracer("convopulse/pipeline")

	shutdown := func(shutdownCtx context.Context) error {
		if spanProcessor != nil {
			if err := spanProcessor.ForceFlush(shutdownCtx); err != nil {
				logger.WithError(err).Warn("failed to flush spans during shutdown")
			}
		}
		return provider.Shutdown(shutdownCtx)
	}

	return shutdown, nil
}

// StartRunScope registers and returns a tracing scope for one pipeline run.
func StartRunScope(parent context.Context, runID, conversationID, mode string, attrs ...attribute.KeyValue) *RunScope {
	if parent == nil {
		parent = context.Background()
	}

	metadata := &RunMetadata{RunID: runID, ConversationID: conversationID, Mode: mode}
	ctx, cancel := context.WithCancel(context.WithValue(parent, metadataKey{}, metadata))

	runAttrs := []attribute.KeyValue{
		attribute.String("pipeline.run_id", runID),
		attribute.String("pipeline.mode", mode),
		attribute.String("conversation.id", conversationID),
	}
	runAttrs = append(runAttrs, attrs...)

	ctx, span := tracer.Start(ctx, fmt.Sprintf("pipeline.%s", mode), trace.WithAttributes(runAttrs...))

	scope := &RunScope{
		runID:    runID,
		ctx:      ctx,
		cancel:   cancel,
		span:     span,
		metadata: metadata,
	}
	runScopes.Store(runID, scope)
	return scope
}

// StartSpan creates a child span beneath the current context.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, opts...)
}

// GetRunScope retrieves an in-flight run by ID.
func GetRunScope(runID string) (*RunScope, bool) {
	value, ok := runScopes.Load(runID)
	if !ok {
		return nil, false
	}
	scope, ok := value.(*RunScope)
	return scope, ok
}

// ActiveRuns counts runs whose scope has not ended; /health reports it.
func ActiveRuns() int {
	n := 0
	runScopes.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// MetadataFromContext extracts run metadata from the context.
func MetadataFromContext(ctx context.Context) *RunMetadata {
	if ctx == nil {
		return nil
	}
	if md, ok := ctx.Value(metadataKey{}).(*RunMetadata); ok {
		return md
	}
	return nil
}
