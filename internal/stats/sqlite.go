package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mstausch/openrelay/internal/logger"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS connections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client_ip TEXT NOT NULL,
	target_host TEXT NOT NULL,
	target_port INTEGER NOT NULL,
	protocol TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	ended_at DATETIME,
	bytes_sent INTEGER NOT NULL DEFAULT 0,
	bytes_received INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	close_reason TEXT
);
CREATE TABLE IF NOT EXISTS pool_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pool_key TEXT NOT NULL,
	event_type TEXT NOT NULL,
	occurred_at DATETIME NOT NULL
);
`

// SQLiteCollector implements Collector on top of a SQLite database file.
type SQLiteCollector struct {
	db *sql.DB
}

// NewSQLiteCollector opens (creating if necessary) a SQLite database at
// dbPath and ensures the connections/pool_events tables exist.
func NewSQLiteCollector(dbPath string) (*SQLiteCollector, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("stats: initialized sqlite collector at %s", dbPath)
	return &SQLiteCollector{db: db}, nil
}

func (s *SQLiteCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (client_ip, target_host, target_port, protocol, started_at) VALUES (?, ?, ?, ?, ?)`,
		clientIP, targetHost, targetPort, protocol, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteCollector) EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET ended_at = ?, bytes_sent = ?, bytes_received = ?, duration_ms = ?, close_reason = ? WHERE id = ?`,
		time.Now(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

func (s *SQLiteCollector) RecordPoolHit(ctx context.Context, key string) error {
	return s.recordPoolEvent(ctx, key, "hit")
}

func (s *SQLiteCollector) RecordPoolMiss(ctx context.Context, key string) error {
	return s.recordPoolEvent(ctx, key, "miss")
}

func (s *SQLiteCollector) recordPoolEvent(ctx context.Context, key, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pool_events (pool_key, event_type, occurred_at) VALUES (?, ?, ?)`,
		key, eventType, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record pool event: %w", err)
	}
	return nil
}

func (s *SQLiteCollector) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteCollector) Close() error {
	return s.db.Close()
}
