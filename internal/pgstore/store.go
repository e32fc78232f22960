// Package pgstore is a Postgres historical sensor store for deployments that
// share one store between many workers.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/lox/sensorcast/internal/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sensors (
    source TEXT NOT NULL,
    signal TEXT NOT NULL,
    name TEXT NOT NULL,
    geo_type TEXT NOT NULL,
    geo_value TEXT NOT NULL,
    date INTEGER NOT NULL,
    value DOUBLE PRECISION NOT NULL,
    standard_error DOUBLE PRECISION,
    provisional BOOLEAN NOT NULL DEFAULT FALSE,
    computed_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (source, signal, name, geo_type, geo_value, date)
);
CREATE INDEX IF NOT EXISTS idx_sensors_date ON sensors(date);
`

const upsertSQL = `
INSERT INTO sensors (source, signal, name, geo_type, geo_value, date, value, standard_error, provisional, computed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (source, signal, name, geo_type, geo_value, date) DO UPDATE
SET value = EXCLUDED.value,
    standard_error = EXCLUDED.standard_error,
    provisional = EXCLUDED.provisional,
    computed_at = EXCLUDED.computed_at`

// Store wraps a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL and ensures the schema exists.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	s := &Store{pool: pool}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

// Close releases the pool resources.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Fetch returns stored sensor values for cfg in [start, end]. An empty
// geoValues matches every location of geoType.
func (s *Store) Fetch(ctx context.Context, cfg models.SignalConfig, geoType models.GeoType, geoValues []string, start, end models.Date) ([]models.SensorValue, error) {
	if geoValues == nil {
		geoValues = []string{}
	}
	rows, err := s.pool.Query(ctx, `
SELECT geo_value, date, value, standard_error, provisional, computed_at
FROM sensors
WHERE source = $1 AND signal = $2 AND name = $3 AND geo_type = $4
  AND date BETWEEN $5 AND $6
  AND (cardinality($7::text[]) = 0 OR geo_value = ANY($7))
ORDER BY geo_value, date`,
		cfg.Source, cfg.Signal, cfg.Name, string(geoType), int(start), int(end), geoValues)
	if err != nil {
		return nil, remoteErr("fetch", err)
	}
	defer rows.Close()

	var values []models.SensorValue
	for rows.Next() {
		v := models.SensorValue{Config: cfg.Identity(), GeoType: geoType}
		var date int
		if err := rows.Scan(&v.GeoValue, &date, &v.Value, &v.StandardError, &v.Provisional, &v.ComputedAt); err != nil {
			return nil, remoteErr("fetch", err)
		}
		v.Date = models.Date(date)
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, remoteErr("fetch", err)
	}
	return values, nil
}

// Upload upserts records in one batch. If the batch fails, records are
// retried one at a time so a single bad row only fails its own key.
func (s *Store) Upload(ctx context.Context, cfg models.SignalConfig, records []models.SensorValue) (models.UploadResult, error) {
	var res models.UploadResult
	valid := make([]models.SensorValue, 0, len(records))
	for _, r := range records {
		if err := r.ValidateFor(cfg); err != nil {
			res.Failed = append(res.Failed, models.KeyError{Key: r.Key(), Err: err})
			continue
		}
		valid = append(valid, r)
	}
	if len(valid) == 0 {
		return res, nil
	}

	batch := &pgx.Batch{}
	for _, r := range valid {
		batch.Queue(upsertSQL, upsertArgs(cfg, r)...)
	}
	br := s.pool.SendBatch(ctx, batch)
	var batchErr error
	for range valid {
		if _, err := br.Exec(); err != nil {
			batchErr = err
			break
		}
	}
	if err := br.Close(); err != nil && batchErr == nil {
		batchErr = err
	}
	if batchErr == nil {
		res.Stored += len(valid)
		return res, nil
	}

	if isTransient(batchErr) {
		return models.UploadResult{}, remoteErr("upload", batchErr)
	}
	log.Printf("pgstore: batch upload of %d records failed, retrying singly: %v", len(valid), batchErr)
	for _, r := range valid {
		if _, err := s.pool.Exec(ctx, upsertSQL, upsertArgs(cfg, r)...); err != nil {
			res.Failed = append(res.Failed, models.KeyError{Key: r.Key(), Err: err})
			continue
		}
		res.Stored++
	}
	return res, nil
}

func upsertArgs(cfg models.SignalConfig, r models.SensorValue) []any {
	computedAt := r.ComputedAt
	if computedAt.IsZero() {
		computedAt = time.Now()
	}
	return []any{cfg.Source, cfg.Signal, cfg.Name, string(r.GeoType), r.GeoValue, int(r.Date),
		r.Value, r.StandardError, r.Provisional, computedAt.UTC()}
}

func isTransient(err error) bool {
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

func remoteErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &models.RemoteStoreError{Op: op, Transient: isTransient(err), Err: err}
}

// SensorsBetween returns every stored sensor value dated within [start, end],
// for export.
func (s *Store) SensorsBetween(ctx context.Context, start, end models.Date) ([]models.SensorValue, error) {
	rows, err := s.pool.Query(ctx, `
SELECT source, signal, name, geo_type, geo_value, date, value, standard_error, provisional, computed_at
FROM sensors
WHERE date BETWEEN $1 AND $2
ORDER BY source, date, name, geo_type, geo_value`, int(start), int(end))
	if err != nil {
		return nil, remoteErr("export", err)
	}
	defer rows.Close()

	var values []models.SensorValue
	for rows.Next() {
		var v models.SensorValue
		var geoType string
		var date int
		if err := rows.Scan(&v.Config.Source, &v.Config.Signal, &v.Config.Name, &geoType, &v.GeoValue,
			&date, &v.Value, &v.StandardError, &v.Provisional, &v.ComputedAt); err != nil {
			return nil, remoteErr("export", err)
		}
		v.GeoType = models.GeoType(geoType)
		v.Date = models.Date(date)
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, remoteErr("export", err)
	}
	return values, nil
}
