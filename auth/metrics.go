package auth

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instrumentationName identifies this package to OpenTelemetry meters and
// tracers.
const instrumentationName = "github.com/grll/mcpadapt/auth"

// FlowRecorder receives flow-level measurements from providers.
// Implementations must be safe for concurrent use; the exporter pipeline
// behind an OTelFlowRecorder is the caller's to configure.
type FlowRecorder interface {
	// RecordRegistration counts one dynamic client registration attempt.
	RecordRegistration(ctx context.Context, success bool)
	// RecordExchange counts one code-for-token exchange attempt.
	RecordExchange(ctx context.Context, success bool)
	// RecordRefresh counts one refresh-token exchange attempt.
	RecordRefresh(ctx context.Context, success bool)
	// RecordFlowError counts one failed flow, labeled by error kind.
	RecordFlowError(ctx context.Context, kind string)
	// RecordFlowDuration records how long one flow operation took.
	RecordFlowDuration(ctx context.Context, operation string, elapsed time.Duration)
	// AddPendingAuthorizations adjusts the number of flows blocked on the
	// interactive step (delta may be negative).
	AddPendingAuthorizations(ctx context.Context, delta int64)
}

// OTelFlowRecorder reports flow measurements through the OpenTelemetry
// metric API:
//   - oauth_registrations_total (counter): registration attempts by outcome
//   - oauth_token_exchanges_total (counter): code exchanges by outcome
//   - oauth_token_refreshes_total (counter): refreshes by outcome
//   - oauth_flow_errors_total (counter): failed flows by error kind
//   - oauth_flow_duration_seconds (histogram): flow latency by operation
//   - oauth_pending_authorizations (updowncounter): flows awaiting callback
type OTelFlowRecorder struct {
	registrations metric.Int64Counter
	exchanges     metric.Int64Counter
	refreshes     metric.Int64Counter
	flowErrors    metric.Int64Counter
	flowDuration  metric.Float64Histogram
	pending       metric.Int64UpDownCounter
}

var _ FlowRecorder = (*OTelFlowRecorder)(nil)

// NewOTelFlowRecorder builds a recorder on the globally registered meter
// provider.
func NewOTelFlowRecorder() (*OTelFlowRecorder, error) {
	meter := otel.Meter(instrumentationName)

	registrations, err := meter.Int64Counter("oauth_registrations_total",
		metric.WithDescription("Total dynamic client registration attempts"))
	if err != nil {
		return nil, err
	}
	exchanges, err := meter.Int64Counter("oauth_token_exchanges_total",
		metric.WithDescription("Total authorization code exchanges"))
	if err != nil {
		return nil, err
	}
	refreshes, err := meter.Int64Counter("oauth_token_refreshes_total",
		metric.WithDescription("Total refresh token exchanges"))
	if err != nil {
		return nil, err
	}
	flowErrors, err := meter.Int64Counter("oauth_flow_errors_total",
		metric.WithDescription("Total failed authorization flows"))
	if err != nil {
		return nil, err
	}
	flowDuration, err := meter.Float64Histogram("oauth_flow_duration_seconds",
		metric.WithDescription("Authorization flow duration"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	pending, err := meter.Int64UpDownCounter("oauth_pending_authorizations",
		metric.WithDescription("Authorization flows awaiting the interactive step"))
	if err != nil {
		return nil, err
	}

	return &OTelFlowRecorder{
		registrations: registrations,
		exchanges:     exchanges,
		refreshes:     refreshes,
		flowErrors:    flowErrors,
		flowDuration:  flowDuration,
		pending:       pending,
	}, nil
}

// RecordRegistration counts one registration attempt by outcome.
func (r *OTelFlowRecorder) RecordRegistration(ctx context.Context, success bool) {
	r.registrations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordExchange counts one code exchange by outcome.
func (r *OTelFlowRecorder) RecordExchange(ctx context.Context, success bool) {
	r.exchanges.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordRefresh counts one refresh by outcome.
func (r *OTelFlowRecorder) RecordRefresh(ctx context.Context, success bool) {
	r.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordFlowError counts one failed flow by error kind.
func (r *OTelFlowRecorder) RecordFlowError(ctx context.Context, kind string) {
	r.flowErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordFlowDuration records the elapsed time of one flow operation.
func (r *OTelFlowRecorder) RecordFlowDuration(ctx context.Context, operation string, elapsed time.Duration) {
	r.flowDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("operation", operation)))
}

// AddPendingAuthorizations adjusts the pending-authorization gauge.
func (r *OTelFlowRecorder) AddPendingAuthorizations(ctx context.Context, delta int64) {
	r.pending.Add(ctx, delta)
}

// NopFlowRecorder drops every measurement.
type NopFlowRecorder struct{}

var _ FlowRecorder = NopFlowRecorder{}

func (NopFlowRecorder) RecordRegistration(context.Context, bool)                 {}
func (NopFlowRecorder) RecordExchange(context.Context, bool)                     {}
func (NopFlowRecorder) RecordRefresh(context.Context, bool)                      {}
func (NopFlowRecorder) RecordFlowError(context.Context, string)                  {}
func (NopFlowRecorder) RecordFlowDuration(context.Context, string, time.Duration) {}
func (NopFlowRecorder) AddPendingAuthorizations(context.Context, int64)          {}
