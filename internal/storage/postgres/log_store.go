// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jobswipe/applyd/internal/autoapply"
	"github.com/jobswipe/applyd/internal/storage"
)

// LogStoreConfig controls the Postgres connection pool used for
// automation logs and aggregate stats.
type LogStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// LogStore writes automation logs and stats rows into Postgres.
type LogStore struct {
	pool querier
}

// NewLogStore creates a Postgres-backed LogStore using the provided config.
func NewLogStore(ctx context.Context, cfg LogStoreConfig) (*LogStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &LogStore{pool: pool}, nil
}

// NewLogStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewLogStoreWithPool(pool querier) (*LogStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &LogStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *LogStore) Close() {
	s.pool.Close()
}

// SaveLog upserts the full automation log for a job as JSONB.
func (s *LogStore) SaveLog(ctx context.Context, log autoapply.AutomationLog) error {
	if log.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	payload, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("marshal automation log: %w", err)
	}
	query := `
		INSERT INTO automation_logs (job_id, log, success, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id) DO UPDATE
		SET log = EXCLUDED.log,
		    success = EXCLUDED.success,
		    finished_at = EXCLUDED.finished_at;
	`
	_, err = s.pool.Exec(ctx, query, log.JobID, payload, log.Result.Success, log.StartedAt, log.FinishedAt)
	if err != nil {
		return fmt.Errorf("upsert automation log: %w", err)
	}
	return nil
}

// GetLog fetches the automation log for a job.
func (s *LogStore) GetLog(ctx context.Context, jobID string) (autoapply.AutomationLog, error) {
	var payload []byte
	query := `SELECT log FROM automation_logs WHERE job_id = $1;`
	err := s.pool.QueryRow(ctx, query, jobID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return autoapply.AutomationLog{}, fmt.Errorf("log for job %s: %w", jobID, storage.ErrNotFound)
		}
		return autoapply.AutomationLog{}, fmt.Errorf("query automation log: %w", err)
	}
	var log autoapply.AutomationLog
	if err := json.Unmarshal(payload, &log); err != nil {
		return autoapply.AutomationLog{}, fmt.Errorf("unmarshal automation log: %w", err)
	}
	return log, nil
}

// SaveStats upserts the single aggregate stats row.
func (s *LogStore) SaveStats(ctx context.Context, stats autoapply.Stats) error {
	query := `
		INSERT INTO automation_stats
			(id, total, succeeded, failed, captcha_encountered, captcha_solved, avg_duration_ms)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET total = EXCLUDED.total,
		    succeeded = EXCLUDED.succeeded,
		    failed = EXCLUDED.failed,
		    captcha_encountered = EXCLUDED.captcha_encountered,
		    captcha_solved = EXCLUDED.captcha_solved,
		    avg_duration_ms = EXCLUDED.avg_duration_ms;
	`
	_, err := s.pool.Exec(ctx, query,
		stats.Total,
		stats.Succeeded,
		stats.Failed,
		stats.CaptchaEncountered,
		stats.CaptchaSolved,
		stats.AvgDurationMs,
	)
	if err != nil {
		return fmt.Errorf("upsert automation stats: %w", err)
	}
	return nil
}

// LoadStats returns the aggregate counters; zero-valued when the row does
// not exist yet.
func (s *LogStore) LoadStats(ctx context.Context) (autoapply.Stats, error) {
	var stats autoapply.Stats
	query := `
		SELECT total, succeeded, failed, captcha_encountered, captcha_solved, avg_duration_ms
		FROM automation_stats WHERE id = 1;
	`
	err := s.pool.QueryRow(ctx, query).Scan(
		&stats.Total,
		&stats.Succeeded,
		&stats.Failed,
		&stats.CaptchaEncountered,
		&stats.CaptchaSolved,
		&stats.AvgDurationMs,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return autoapply.Stats{}, nil
		}
		return autoapply.Stats{}, fmt.Errorf("query automation stats: %w", err)
	}
	return stats, nil
}
