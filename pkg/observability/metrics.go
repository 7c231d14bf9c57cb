package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// InitMetrics builds the Prometheus-backed meter and every instrument the
// pipeline records into. The exporter registers with the default Prometheus
// registry, which the /metrics endpoint serves.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("deeptavern")

	turnDuration, err := meter.Float64Histogram(
		"deeptavern_turn_duration_seconds",
		metric.WithDescription("Full turn duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turn duration histogram: %w", err)
	}

	turnsTotal, err := meter.Int64Counter(
		"deeptavern_turns_total",
		metric.WithDescription("Total turns processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turns counter: %w", err)
	}

	llmDuration, err := meter.Float64Histogram(
		"deeptavern_llm_call_duration_seconds",
		metric.WithDescription("LLM call duration in seconds per role"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	llmCalls, err := meter.Int64Counter(
		"deeptavern_llm_calls_total",
		metric.WithDescription("Total LLM calls per role"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm calls counter: %w", err)
	}

	llmErrors, err := meter.Int64Counter(
		"deeptavern_llm_errors_total",
		metric.WithDescription("Total LLM call errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	harvestTasks, err := meter.Int64Counter(
		"deeptavern_harvest_tasks_total",
		metric.WithDescription("Total harvest tasks by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create harvest tasks counter: %w", err)
	}

	harvestQueueDepth, err := meter.Int64UpDownCounter(
		"deeptavern_harvest_queue_depth",
		metric.WithDescription("Keywords currently queued for harvesting"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create harvest queue gauge: %w", err)
	}

	memoryNodes, err := meter.Int64Counter(
		"deeptavern_memory_nodes_total",
		metric.WithDescription("Memory nodes written by level"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory nodes counter: %w", err)
	}

	return NewPrometheusMetrics(
		turnDuration,
		turnsTotal,
		llmDuration,
		llmCalls,
		llmErrors,
		harvestTasks,
		harvestQueueDepth,
		memoryNodes,
	), nil
}
