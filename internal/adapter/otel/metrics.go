// Package otelmetrics instruments the orchestrator through the OpenTelemetry
// metrics API. Instruments are created against the global meter provider, so
// the host process decides whether an SDK exports them; without one they are
// no-ops.
package otelmetrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scope = "github.com/clrke/ralph-web"

// Metrics bundles the orchestrator's instruments.
type Metrics struct {
	sessionsStarted  metric.Int64Counter
	sessionsFinished metric.Int64Counter
	agentRuns        metric.Int64Counter
	passRuns         metric.Int64Counter
	runDuration      metric.Float64Histogram
	runCost          metric.Float64Histogram
}

// New creates the instrument set.
func New() (*Metrics, error) {
	meter := otel.Meter(scope)
	m := &Metrics{}
	var err error

	if m.sessionsStarted, err = meter.Int64Counter("ralph.sessions.started",
		metric.WithDescription("Sessions that acquired a project execution slot")); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	if m.sessionsFinished, err = meter.Int64Counter("ralph.sessions.finished",
		metric.WithDescription("Sessions that left execution, by final status")); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	if m.agentRuns, err = meter.Int64Counter("ralph.agent.runs",
		metric.WithDescription("Primary agent invocations, by stage and outcome")); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	if m.passRuns, err = meter.Int64Counter("ralph.passes.runs",
		metric.WithDescription("Post-processing pass invocations, by pass and outcome")); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	if m.runDuration, err = meter.Float64Histogram("ralph.agent.duration",
		metric.WithDescription("Agent invocation wall time"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	if m.runCost, err = meter.Float64Histogram("ralph.agent.cost",
		metric.WithDescription("Agent invocation cost"),
		metric.WithUnit("{usd}")); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	return m, nil
}

// SessionStarted counts a session taking its project's slot.
func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsStarted.Add(ctx, 1)
}

// SessionFinished counts a session leaving execution.
func (m *Metrics) SessionFinished(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.sessionsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// AgentRun records one primary invocation.
func (m *Metrics) AgentRun(ctx context.Context, stage string, ok bool, elapsed time.Duration, costUSD float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("stage", stage), attribute.Bool("ok", ok))
	m.agentRuns.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, elapsed.Seconds(), attrs)
	if costUSD > 0 {
		m.runCost.Record(ctx, costUSD, attrs)
	}
}

// PassRun records one post-processing invocation.
func (m *Metrics) PassRun(ctx context.Context, pass string, ok bool, costUSD float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("pass", pass), attribute.Bool("ok", ok))
	m.passRuns.Add(ctx, 1, attrs)
	if costUSD > 0 {
		m.runCost.Record(ctx, costUSD, attrs)
	}
}
