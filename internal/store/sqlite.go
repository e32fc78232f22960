// Package store is the sqlite historical sensor store. It also caches raw
// signal series and keeps an audit trail of compute runs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lox/sensorcast/internal/models"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Fetch returns stored sensor values for cfg in [start, end]. An empty
// geoValues matches every location of geoType.
func (s *Store) Fetch(ctx context.Context, cfg models.SignalConfig, geoType models.GeoType, geoValues []string, start, end models.Date) ([]models.SensorValue, error) {
	query := `
		SELECT geo_value, date, value, standard_error, provisional, computed_at
		FROM sensors
		WHERE source = ? AND signal = ? AND name = ? AND geo_type = ? AND date >= ? AND date <= ?`
	args := []any{cfg.Source, cfg.Signal, cfg.Name, string(geoType), int(start), int(end)}
	if len(geoValues) > 0 {
		query += " AND geo_value IN (?" + strings.Repeat(", ?", len(geoValues)-1) + ")"
		for _, g := range geoValues {
			args = append(args, g)
		}
	}
	query += " ORDER BY geo_value, date"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch sensors %s: %w", cfg, err)
	}
	defer rows.Close()

	var values []models.SensorValue
	for rows.Next() {
		v := models.SensorValue{Config: cfg.Identity(), GeoType: geoType}
		var date int
		var se sql.NullFloat64
		if err := rows.Scan(&v.GeoValue, &date, &v.Value, &se, &v.Provisional, &v.ComputedAt); err != nil {
			return nil, err
		}
		v.Date = models.Date(date)
		if se.Valid {
			v.StandardError = &se.Float64
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// Upload upserts records for cfg. A record that cannot be stored is reported
// in the result without affecting the others; storing an existing key
// overwrites it.
func (s *Store) Upload(ctx context.Context, cfg models.SignalConfig, records []models.SensorValue) (models.UploadResult, error) {
	var res models.UploadResult
	if len(records) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin upload: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sensors (source, signal, name, geo_type, geo_value, date, value, standard_error, provisional, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, signal, name, geo_type, geo_value, date) DO UPDATE SET
			value = excluded.value,
			standard_error = excluded.standard_error,
			provisional = excluded.provisional,
			computed_at = excluded.computed_at
	`)
	if err != nil {
		return res, fmt.Errorf("prepare upload: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if err := r.ValidateFor(cfg); err != nil {
			res.Failed = append(res.Failed, models.KeyError{Key: r.Key(), Err: err})
			continue
		}
		computedAt := r.ComputedAt
		if computedAt.IsZero() {
			computedAt = s.now()
		}
		var se sql.NullFloat64
		if r.StandardError != nil {
			se = sql.NullFloat64{Float64: *r.StandardError, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, cfg.Source, cfg.Signal, cfg.Name, string(r.GeoType), r.GeoValue,
			int(r.Date), r.Value, se, r.Provisional, computedAt.UTC()); err != nil {
			res.Failed = append(res.Failed, models.KeyError{Key: r.Key(), Err: err})
			continue
		}
		res.Stored++
	}

	if err := tx.Commit(); err != nil {
		return models.UploadResult{}, fmt.Errorf("commit upload: %w", err)
	}
	return res, nil
}

// SensorsBetween returns every stored sensor value dated within [start, end],
// for export.
func (s *Store) SensorsBetween(ctx context.Context, start, end models.Date) ([]models.SensorValue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, signal, name, geo_type, geo_value, date, value, standard_error, provisional, computed_at
		FROM sensors
		WHERE date >= ? AND date <= ?
		ORDER BY source, date, name, geo_type, geo_value
	`, int(start), int(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []models.SensorValue
	for rows.Next() {
		var v models.SensorValue
		var geoType string
		var date int
		var se sql.NullFloat64
		if err := rows.Scan(&v.Config.Source, &v.Config.Signal, &v.Config.Name, &geoType, &v.GeoValue,
			&date, &v.Value, &se, &v.Provisional, &v.ComputedAt); err != nil {
			return nil, err
		}
		v.GeoType = models.GeoType(geoType)
		v.Date = models.Date(date)
		if se.Valid {
			v.StandardError = &se.Float64
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// SignalRange returns a cached raw signal series.
func (s *Store) SignalRange(ctx context.Context, source, signal string, geoType models.GeoType, geoValue string, start, end models.Date) (models.LocationSeries, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, value FROM signals
		WHERE source = ? AND signal = ? AND geo_type = ? AND geo_value = ? AND date >= ? AND date <= ?
	`, source, signal, string(geoType), geoValue, int(start), int(end))
	if err != nil {
		return models.LocationSeries{}, fmt.Errorf("signal %s:%s: %w", source, signal, err)
	}
	defer rows.Close()

	points := map[models.Date]float64{}
	for rows.Next() {
		var date int
		var value float64
		if err := rows.Scan(&date, &value); err != nil {
			return models.LocationSeries{}, err
		}
		points[models.Date(date)] = value
	}
	if err := rows.Err(); err != nil {
		return models.LocationSeries{}, err
	}
	return models.SeriesFromMap(geoValue, geoType, points), nil
}

// UpsertSignal stores a raw signal series, replacing existing days.
func (s *Store) UpsertSignal(ctx context.Context, source, signal string, series models.LocationSeries) error {
	if source == "" || signal == "" {
		return errors.New("upsert signal: source and signal are required")
	}
	if !series.GeoType.Valid() {
		return fmt.Errorf("upsert signal: unknown geo type %q", series.GeoType)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO signals (source, signal, geo_type, geo_value, date, value, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, signal, geo_type, geo_value, date) DO UPDATE SET
			value = excluded.value,
			fetched_at = excluded.fetched_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	fetchedAt := s.now().UTC()
	var execErr error
	series.Points(func(d models.Date, v float64) {
		if execErr != nil {
			return
		}
		_, execErr = stmt.ExecContext(ctx, source, signal, string(series.GeoType), series.GeoValue, int(d), v, fetchedAt)
	})
	if execErr != nil {
		return fmt.Errorf("upsert signal %s:%s %s: %w", source, signal, series, execErr)
	}
	return tx.Commit()
}
