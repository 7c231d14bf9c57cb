package observability

import (
	"context"
	"time"
)

// NoopMetrics satisfies Metrics without recording anything. Used when
// metrics are disabled and throughout tests.
type NoopMetrics struct{}

func (NoopMetrics) RecordTurn(_ context.Context, _ time.Duration, _ error) {}

func (NoopMetrics) RecordLLMCall(_ context.Context, _, _ string, _ time.Duration, _ error) {}

func (NoopMetrics) RecordHarvest(_ context.Context, _ string) {}

func (NoopMetrics) AddHarvestQueueDepth(_ context.Context, _ int) {}

func (NoopMetrics) RecordMemoryNode(_ context.Context, _ string) {}

var (
	_ Metrics = (*PrometheusMetrics)(nil)
	_ Metrics = NoopMetrics{}
)
