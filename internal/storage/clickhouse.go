package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/market-sync/internal/config"
)

// ClickHouseDB wraps the ClickHouse connection used as the
// high-volume sink behind the observability port (fetch logs,
// supervision events, rejected records).
type ClickHouseDB struct {
	conn driver.Conn
}

// NewClickHouseDB creates a new ClickHouse connection.
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	if err := ensureEventTables(conn); err != nil {
		return nil, err
	}

	return &ClickHouseDB{conn: conn}, nil
}

// ensureEventTables creates the append-only event tables if missing.
func ensureEventTables(conn driver.Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS supervision_events (
			ts DateTime64(3),
			kind LowCardinality(String),
			task_id String,
			queue LowCardinality(String),
			code LowCardinality(String),
			message String,
			value Float64
		) ENGINE = MergeTree() ORDER BY (kind, ts)`,
		`CREATE TABLE IF NOT EXISTS rejected_records (
			ts DateTime64(3),
			task_id String,
			entity_type LowCardinality(String),
			source_id String,
			field String,
			code LowCardinality(String),
			message String
		) ENGINE = MergeTree() ORDER BY (task_id, ts)`,
	}
	for _, q := range ddl {
		if err := conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("failed to create event table: %w", err)
		}
	}
	return nil
}

// Close closes the ClickHouse connection.
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying ClickHouse connection.
func (db *ClickHouseDB) Conn() driver.Conn {
	return db.conn
}

// Ping checks if the database is reachable.
func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

// WriteSupervisionEvent appends one supervision event.
func (db *ClickHouseDB) WriteSupervisionEvent(ctx context.Context, kind, taskID, queue, code, message string, value float64) error {
	return db.conn.Exec(ctx,
		`INSERT INTO supervision_events (ts, kind, task_id, queue, code, message, value) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UTC(), kind, taskID, queue, code, message, value,
	)
}

// WriteRejectedRecord appends one rejected-record diagnostic.
func (db *ClickHouseDB) WriteRejectedRecord(ctx context.Context, taskID, entityType, sourceID, field, code, message string) error {
	return db.conn.Exec(ctx,
		`INSERT INTO rejected_records (ts, task_id, entity_type, source_id, field, code, message) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UTC(), taskID, entityType, sourceID, field, code, message,
	)
}
