package stats

import (
	"fmt"

	"github.com/mstausch/openrelay/internal/config"
)

// NewCollector builds the Collector configured by cfg, dispatching on
// cfg.Driver. An empty or "none" driver yields a DummyCollector so callers
// never need to special-case statistics being disabled.
func NewCollector(cfg config.StatsConfig) (Collector, error) {
	switch cfg.Driver {
	case "", config.StatsDriverNone:
		return NewDummyCollector(), nil
	case config.StatsDriverSQLite:
		return NewSQLiteCollector(cfg.DSN)
	case config.StatsDriverPostgres:
		return NewPostgreSQLCollector(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown stats driver %q", cfg.Driver)
	}
}
