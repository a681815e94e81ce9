package stats

import (
	"context"
	"time"
)

// DummyCollector is a no-op Collector, used when statistics collection is
// disabled (config.StatsDriverNone).
type DummyCollector struct{}

// NewDummyCollector returns a Collector that discards every event.
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

func (d *DummyCollector) StartConnection(_ context.Context, _, _ string, _ int, _ string) (int64, error) {
	return 0, nil
}

func (d *DummyCollector) EndConnection(_ context.Context, _ int64, _, _ int64, _ time.Duration, _ string) error {
	return nil
}

func (d *DummyCollector) RecordPoolHit(_ context.Context, _ string) error  { return nil }
func (d *DummyCollector) RecordPoolMiss(_ context.Context, _ string) error { return nil }
func (d *DummyCollector) HealthCheck(_ context.Context) error              { return nil }
func (d *DummyCollector) Close() error                                     { return nil }
