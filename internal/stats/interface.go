// Package stats collects best-effort connection and pool statistics for
// the proxy core. It is intentionally a small slice of the teacher's
// dashboard-oriented stats package: this core only emits the events the
// Engine and Pool actually produce (connection lifecycle, pool hit/miss),
// not full request/response body recording or dashboard query methods.
package stats

import (
	"context"
	"time"
)

// Collector receives best-effort statistics events from the Pool and
// Engine. Every method is expected to be safe for concurrent callers and
// to never block a handler meaningfully; callers treat collector errors as
// log-and-continue, not as request failures.
type Collector interface {
	// StartConnection records a new client connection and returns an
	// opaque connection ID to pass to EndConnection.
	StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error)

	// EndConnection records the end of a connection started with
	// StartConnection.
	EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	// RecordPoolHit records that a Pool.Get call returned a reusable
	// connection for key.
	RecordPoolHit(ctx context.Context, key string) error

	// RecordPoolMiss records that a Pool.Get call found no connection
	// for key.
	RecordPoolMiss(ctx context.Context, key string) error

	// HealthCheck reports whether the collector's backing store is
	// reachable.
	HealthCheck(ctx context.Context) error

	// Close releases any resources (database handles, etc).
	Close() error
}

// OverviewStats is a snapshot of aggregate counters. No collector in this
// package produces one, and the dashboard's status page does not read it.
type OverviewStats struct {
	TotalConnections  int64
	ActiveConnections int64
	PoolHits          int64
	PoolMisses        int64
	TotalBytesIn      int64
	TotalBytesOut     int64
}
