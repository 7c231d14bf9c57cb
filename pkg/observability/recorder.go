package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics = NoopMetrics{}
	metricsMu     sync.RWMutex
)

type Metrics interface {
	RecordTurn(ctx context.Context, duration time.Duration, err error)
	RecordLLMCall(ctx context.Context, role, model string, duration time.Duration, err error)
	RecordHarvest(ctx context.Context, result string)
	AddHarvestQueueDepth(ctx context.Context, delta int)
	RecordMemoryNode(ctx context.Context, level string)
}

type PrometheusMetrics struct {
	turnDuration metric.Float64Histogram
	turnsTotal   metric.Int64Counter

	llmDuration metric.Float64Histogram
	llmCalls    metric.Int64Counter
	llmErrors   metric.Int64Counter

	harvestTasks      metric.Int64Counter
	harvestQueueDepth metric.Int64UpDownCounter

	memoryNodes metric.Int64Counter
}

func NewPrometheusMetrics(
	turnDuration metric.Float64Histogram,
	turnsTotal metric.Int64Counter,
	llmDuration metric.Float64Histogram,
	llmCalls metric.Int64Counter,
	llmErrors metric.Int64Counter,
	harvestTasks metric.Int64Counter,
	harvestQueueDepth metric.Int64UpDownCounter,
	memoryNodes metric.Int64Counter,
) *PrometheusMetrics {
	return &PrometheusMetrics{
		turnDuration:      turnDuration,
		turnsTotal:        turnsTotal,
		llmDuration:       llmDuration,
		llmCalls:          llmCalls,
		llmErrors:         llmErrors,
		harvestTasks:      harvestTasks,
		harvestQueueDepth: harvestQueueDepth,
		memoryNodes:       memoryNodes,
	}
}

func (m *PrometheusMetrics) RecordTurn(ctx context.Context, duration time.Duration, err error) {
	if m == nil || m.turnDuration == nil || m.turnsTotal == nil {
		return
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	attrs := metric.WithAttributes(attribute.String("result", result))

	m.turnDuration.Record(ctx, duration.Seconds())
	m.turnsTotal.Add(ctx, 1, attrs)
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, role, model string, duration time.Duration, err error) {
	if m == nil || m.llmDuration == nil || m.llmCalls == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("model", model),
	)

	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	m.llmCalls.Add(ctx, 1, attrs)

	if err != nil && m.llmErrors != nil {
		m.llmErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordHarvest(ctx context.Context, result string) {
	if m == nil || m.harvestTasks == nil {
		return
	}
	m.harvestTasks.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *PrometheusMetrics) AddHarvestQueueDepth(ctx context.Context, delta int) {
	if m == nil || m.harvestQueueDepth == nil {
		return
	}
	m.harvestQueueDepth.Add(ctx, int64(delta))
}

func (m *PrometheusMetrics) RecordMemoryNode(ctx context.Context, level string) {
	if m == nil || m.memoryNodes == nil {
		return
	}
	m.memoryNodes.Add(ctx, 1, metric.WithAttributes(attribute.String("level", level)))
}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
