package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mstausch/openrelay/internal/logger"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS connections (
	id BIGSERIAL PRIMARY KEY,
	client_ip TEXT NOT NULL,
	target_host TEXT NOT NULL,
	target_port INTEGER NOT NULL,
	protocol TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ,
	bytes_sent BIGINT NOT NULL DEFAULT 0,
	bytes_received BIGINT NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	close_reason TEXT
);
CREATE TABLE IF NOT EXISTS pool_events (
	id BIGSERIAL PRIMARY KEY,
	pool_key TEXT NOT NULL,
	event_type TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
);
`

// PostgreSQLCollector implements Collector on top of a PostgreSQL database,
// for deployments that share statistics across multiple proxy processes.
type PostgreSQLCollector struct {
	db *sql.DB
}

// NewPostgreSQLCollector opens a connection to dsn and ensures the
// connections/pool_events tables exist.
func NewPostgreSQLCollector(dsn string) (*PostgreSQLCollector, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("stats: initialized postgres collector")
	return &PostgreSQLCollector{db: db}, nil
}

func (p *PostgreSQLCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO connections (client_ip, target_host, target_port, protocol, started_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		clientIP, targetHost, targetPort, protocol, time.Now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	return id, nil
}

func (p *PostgreSQLCollector) EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE connections SET ended_at = $1, bytes_sent = $2, bytes_received = $3, duration_ms = $4, close_reason = $5 WHERE id = $6`,
		time.Now(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

func (p *PostgreSQLCollector) RecordPoolHit(ctx context.Context, key string) error {
	return p.recordPoolEvent(ctx, key, "hit")
}

func (p *PostgreSQLCollector) RecordPoolMiss(ctx context.Context, key string) error {
	return p.recordPoolEvent(ctx, key, "miss")
}

func (p *PostgreSQLCollector) recordPoolEvent(ctx context.Context, key, eventType string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO pool_events (pool_key, event_type, occurred_at) VALUES ($1, $2, $3)`,
		key, eventType, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record pool event: %w", err)
	}
	return nil
}

func (p *PostgreSQLCollector) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgreSQLCollector) Close() error {
	return p.db.Close()
}
