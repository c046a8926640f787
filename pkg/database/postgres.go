package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/execgateway/core/internal/config"
	"github.com/execgateway/core/pkg/observability"
	_ "github.com/lib/pq"
)

// DB wraps sql.DB with the metrics and health monitoring the gateway needs
// around the Ledger's row-locked transactions. There is deliberately no
// query result cache and no read-replica routing here: every Ledger read
// that matters (GetOrderForUpdate, GetPositionForUpdate) is taken inside a
// SELECT ... FOR UPDATE transaction, and a cached or replica-lagged answer
// for those would be a correctness bug, not an optimization.
type DB struct {
	*sql.DB
	logger  *observability.Logger
	metrics *DatabaseMetrics
}

// DatabaseMetrics tracks database performance metrics.
type DatabaseMetrics struct {
	QueryCount     int64
	SlowQueryCount int64
	AvgQueryTime   time.Duration
	mu             sync.RWMutex
}

// NewPostgresDB opens the primary connection, applies pool settings, and
// starts background health monitoring.
func NewPostgresDB(cfg config.DatabaseConfig, logger *observability.Logger) (*DB, error) {
	conn, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{DB: conn, logger: logger, metrics: &DatabaseMetrics{}}
	go db.startHealthMonitoring()

	logger.Info(context.Background(), "database connection established", map[string]interface{}{
		"max_open_conns": cfg.MaxOpenConns,
		"max_idle_conns": cfg.MaxIdleConns,
	})

	return db, nil
}

// ExecWithMetrics executes a write query and records timing, logging a
// warning for anything slower than 100ms.
func (db *DB) ExecWithMetrics(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	start := time.Now()
	result, err := db.ExecContext(ctx, query, args...)
	db.updateMetrics(time.Since(start), query)
	return result, err
}

func (db *DB) updateMetrics(duration time.Duration, query string) {
	db.metrics.mu.Lock()
	defer db.metrics.mu.Unlock()

	db.metrics.QueryCount++
	if db.metrics.AvgQueryTime == 0 {
		db.metrics.AvgQueryTime = duration
	} else {
		const alpha = 0.1
		db.metrics.AvgQueryTime = time.Duration(float64(db.metrics.AvgQueryTime)*(1-alpha) + float64(duration)*alpha)
	}
	if duration > 100*time.Millisecond {
		db.metrics.SlowQueryCount++
		db.logger.Warn(context.Background(), "slow query", map[string]interface{}{
			"query":    query,
			"duration": duration,
		})
	}
}

func (db *DB) startHealthMonitoring() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.PingContext(ctx); err != nil {
			db.logger.Error(ctx, "database health check failed", err)
		}
		cancel()
	}
}

// GetMetrics returns a snapshot of current database metrics.
func (db *DB) GetMetrics() map[string]interface{} {
	db.metrics.mu.RLock()
	defer db.metrics.mu.RUnlock()
	return map[string]interface{}{
		"query_count":      db.metrics.QueryCount,
		"slow_query_count": db.metrics.SlowQueryCount,
		"avg_query_time":   db.metrics.AvgQueryTime,
	}
}

// Health checks database reachability with a tight timeout, suitable for a
// liveness/readiness endpoint.
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Transaction runs fn within a single transaction, rolling back on error or
// panic and committing otherwise. SELECT ... FOR UPDATE inside fn holds
// the row lock for the duration of the read-modify-write. Not every Ledger
// mutation goes through it: some ledger/postgres writes run outside any
// transaction.
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	err = fn(tx)
	return err
}
