// Package observability provides OpenTelemetry metrics for the engine.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fentz26/deadhand/internal/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/fentz26/deadhand"

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
// The shutdown function should be called on application exit for graceful cleanup.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// Instruments records engine activity. A nil *Instruments records nothing.
type Instruments struct {
	armed        metric.Int64Counter
	cancelled    metric.Int64Counter
	executions   metric.Int64Counter
	pollDuration metric.Float64Histogram
}

// NewInstruments creates the engine instruments on mp, or on the global
// provider when mp is nil.
func NewInstruments(mp metric.MeterProvider) (*Instruments, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	armed, err := meter.Int64Counter("deadhand.releases.armed",
		metric.WithDescription("Release entries created by trigger episodes"))
	if err != nil {
		return nil, fmt.Errorf("create armed counter: %w", err)
	}
	cancelled, err := meter.Int64Counter("deadhand.releases.cancelled",
		metric.WithDescription("Release entries cancelled by a check-in"))
	if err != nil {
		return nil, fmt.Errorf("create cancelled counter: %w", err)
	}
	executions, err := meter.Int64Counter("deadhand.executions",
		metric.WithDescription("Executor attempts by action and outcome"))
	if err != nil {
		return nil, fmt.Errorf("create executions counter: %w", err)
	}
	pollDuration, err := meter.Float64Histogram("deadhand.poll.duration",
		metric.WithDescription("Duration of one pipeline drain pass"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create poll histogram: %w", err)
	}

	return &Instruments{
		armed:        armed,
		cancelled:    cancelled,
		executions:   executions,
		pollDuration: pollDuration,
	}, nil
}

// ReleasesArmed counts n entries created for owner.
func (i *Instruments) ReleasesArmed(ctx context.Context, n int) {
	if i == nil || n == 0 {
		return
	}
	i.armed.Add(ctx, int64(n))
}

// ReleasesCancelled counts n entries cancelled by a disarm.
func (i *Instruments) ReleasesCancelled(ctx context.Context, n int) {
	if i == nil || n == 0 {
		return
	}
	i.cancelled.Add(ctx, int64(n))
}

// Execution counts one executor attempt.
func (i *Instruments) Execution(ctx context.Context, action models.Action, outcome models.ExecutionOutcome) {
	if i == nil {
		return
	}
	i.executions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", string(action)),
		attribute.String("outcome", string(outcome)),
	))
}

// PollDuration records how long a drain pass took.
func (i *Instruments) PollDuration(ctx context.Context, d time.Duration) {
	if i == nil {
		return
	}
	i.pollDuration.Record(ctx, d.Seconds())
}
