package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// runMetrics holds the engine's counters. A nil receiver is valid and
// makes every recording a no-op, so a failed meter setup never blocks
// execution.
type runMetrics struct {
	started   metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	steps     metric.Int64Counter
	toolCalls metric.Int64Counter
}

func newRunMetrics() (*runMetrics, error) {
	meter := otel.Meter("hibiki/engine")

	started, err := meter.Int64Counter("hibiki.runs.started",
		metric.WithDescription("Agent runs picked up for execution"))
	if err != nil {
		return nil, err
	}
	completed, err := meter.Int64Counter("hibiki.runs.finished",
		metric.WithDescription("Agent runs that produced a final answer"))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("hibiki.runs.failed",
		metric.WithDescription("Agent runs that ended in failure"))
	if err != nil {
		return nil, err
	}
	steps, err := meter.Int64Counter("hibiki.runs.steps",
		metric.WithDescription("Reasoning steps consumed across all runs"))
	if err != nil {
		return nil, err
	}
	toolCalls, err := meter.Int64Counter("hibiki.runs.tool_calls",
		metric.WithDescription("Tool invocations issued by runs"))
	if err != nil {
		return nil, err
	}

	return &runMetrics{
		started:   started,
		completed: completed,
		failed:    failed,
		steps:     steps,
		toolCalls: toolCalls,
	}, nil
}

func (m *runMetrics) runStarted(ctx context.Context) {
	if m != nil {
		m.started.Add(ctx, 1)
	}
}

func (m *runMetrics) runFinished(ctx context.Context) {
	if m != nil {
		m.completed.Add(ctx, 1)
	}
}

func (m *runMetrics) runFailed(ctx context.Context) {
	if m != nil {
		m.failed.Add(ctx, 1)
	}
}

func (m *runMetrics) stepTaken(ctx context.Context) {
	if m != nil {
		m.steps.Add(ctx, 1)
	}
}

func (m *runMetrics) toolCalled(ctx context.Context) {
	if m != nil {
		m.toolCalls.Add(ctx, 1)
	}
}
