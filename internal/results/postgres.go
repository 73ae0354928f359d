package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftlab/driftwatch/internal/api"
)

// PostgresStore implements Store using ON CONFLICT DO NOTHING for
// first-write-wins semantics.
//
// Schema:
//
//	CREATE TABLE drift_reports (
//	  report_id VARCHAR(255) PRIMARY KEY,
//	  report JSONB NOT NULL,
//	  expires_at TIMESTAMP NOT NULL,
//	  created_at TIMESTAMP DEFAULT NOW()
//	);
//	CREATE INDEX idx_drift_reports_expires ON drift_reports(expires_at);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed report store.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Get(ctx context.Context, reportID string) (*api.DriftReport, error) {
	query := `
		SELECT report
		FROM drift_reports
		WHERE report_id = $1 AND expires_at > NOW()
	`

	var reportJSON []byte
	err := p.pool.QueryRow(ctx, query, reportID).Scan(&reportJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // not found or expired
		}
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}

	var report api.DriftReport
	if err := json.Unmarshal(reportJSON, &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return &report, nil
}

func (p *PostgresStore) Set(ctx context.Context, reportID string, report *api.DriftReport, ttl time.Duration) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	query := `
		INSERT INTO drift_reports (report_id, report, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (report_id) DO NOTHING
	`

	_, err = p.pool.Exec(ctx, query, reportID, reportJSON, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("postgres insert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT report_id FROM drift_reports WHERE expires_at > NOW()`)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres scan failed: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// CleanupExpired removes expired reports; intended for a maintenance
// cron job to prevent table bloat. Returns the number of deleted rows.
func (p *PostgresStore) CleanupExpired(ctx context.Context) (int64, error) {
	result, err := p.pool.Exec(ctx, `DELETE FROM drift_reports WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}
