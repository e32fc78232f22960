package store

import (
	"context"
	"database/sql"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/sensorcast/internal/models"
)

var fbCfg = models.SignalConfig{Source: "fb-survey", Signal: "smoothed_cli", Name: "fb", LagDays: 2}

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := New(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func sensorValue(geo string, d models.Date, v float64) models.SensorValue {
	return models.SensorValue{
		Config:     fbCfg.Identity(),
		GeoType:    models.GeoState,
		GeoValue:   geo,
		Date:       d,
		Value:      v,
		ComputedAt: time.Date(2021, 1, 10, 8, 30, 0, 0, time.UTC),
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	if err := store.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	version, err := store.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("version = %d, want %d", version, len(migrations))
	}
}

func TestMigrateFailureLeavesVersion(t *testing.T) {
	store := setupTestStore(t)
	want := len(migrations)

	saved := migrations
	t.Cleanup(func() { migrations = saved })
	migrations = append(append([]migration(nil), saved...), migration{
		Version:     want + 1,
		Description: "broken",
		SQL:         "CREATE TABLE partial (id INTEGER); SELECT * FROM no_such_table;",
	})

	if err := store.Migrate(); err == nil {
		t.Fatal("expected migration error")
	}
	version, err := store.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version != want {
		t.Errorf("version = %d, want %d", version, want)
	}
}

func TestUploadAndFetch(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	se := 0.25
	withSE := sensorValue("ca", 20210102, 7)
	withSE.StandardError = &se
	withSE.Provisional = true
	records := []models.SensorValue{
		sensorValue("ca", 20210101, 3.5),
		withSE,
		sensorValue("ny", 20210101, 1.5),
		sensorValue("tx", 20210101, 9),
	}

	res, err := store.Upload(ctx, fbCfg, records)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Stored != 4 || len(res.Failed) != 0 {
		t.Fatalf("Upload = %+v, want 4 stored", res)
	}

	got, err := store.Fetch(ctx, fbCfg, models.GeoState, []string{"ca", "ny"}, 20210101, 20210102)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(Fetch) = %d, want 3", len(got))
	}
	if got[0].GeoValue != "ca" || got[0].Date != 20210101 || got[0].Value != 3.5 {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].StandardError == nil || *got[1].StandardError != 0.25 {
		t.Errorf("StandardError = %v, want 0.25", got[1].StandardError)
	}
	if !got[1].Provisional {
		t.Error("Provisional not round-tripped")
	}
	if !got[0].ComputedAt.Equal(records[0].ComputedAt) {
		t.Errorf("ComputedAt = %v, want %v", got[0].ComputedAt, records[0].ComputedAt)
	}
	if got[0].Key() != records[0].Key() {
		t.Errorf("Key = %v, want %v", got[0].Key(), records[0].Key())
	}

	all, err := store.Fetch(ctx, fbCfg, models.GeoState, nil, 20210101, 20210101)
	if err != nil {
		t.Fatalf("Fetch all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len(Fetch all) = %d, want 3", len(all))
	}

	other := models.SignalConfig{Source: "fb-survey", Signal: "smoothed_cli", Name: "fb-other"}
	none, err := store.Fetch(ctx, other, models.GeoState, nil, 20210101, 20210102)
	if err != nil {
		t.Fatalf("Fetch other: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("sensor names are not isolated: got %d rows", len(none))
	}
}

func TestUploadIsUpsert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.Upload(ctx, fbCfg, []models.SensorValue{sensorValue("ca", 20210101, 3)}); err != nil {
		t.Fatalf("first Upload: %v", err)
	}
	res, err := store.Upload(ctx, fbCfg, []models.SensorValue{sensorValue("ca", 20210101, 4)})
	if err != nil {
		t.Fatalf("re-upload must not fail: %v", err)
	}
	if res.Stored != 1 {
		t.Errorf("Stored = %d, want 1", res.Stored)
	}

	got, err := store.Fetch(ctx, fbCfg, models.GeoState, []string{"ca"}, 20210101, 20210101)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 1 || got[0].Value != 4 {
		t.Errorf("Fetch = %+v, want one row with value 4", got)
	}
}

func TestUploadReportsBadRecordsPerKey(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	wrongCfg := sensorValue("ny", 20210101, 1)
	wrongCfg.Config.Name = "other"
	records := []models.SensorValue{
		sensorValue("ca", 20210101, 3),
		sensorValue("tx", 20210101, math.NaN()),
		sensorValue("pa", 20210231, 2),
		wrongCfg,
		sensorValue("wa", 20210101, 5),
	}

	res, err := store.Upload(ctx, fbCfg, records)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Stored != 2 {
		t.Errorf("Stored = %d, want 2", res.Stored)
	}
	if len(res.Failed) != 3 {
		t.Fatalf("len(Failed) = %d, want 3", len(res.Failed))
	}
	failed := map[string]bool{}
	for _, ke := range res.Failed {
		failed[ke.Key.GeoValue] = true
	}
	for _, geo := range []string{"tx", "pa", "ny"} {
		if !failed[geo] {
			t.Errorf("%s not reported as failed", geo)
		}
	}
}

func TestSignalRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	series, err := models.NewLocationSeries("ca", models.GeoState,
		[]models.Date{20210101, 20210102, 20210104}, []float64{10, 12, 15})
	if err != nil {
		t.Fatalf("NewLocationSeries: %v", err)
	}
	if err := store.UpsertSignal(ctx, "fb-survey", "smoothed_cli", series); err != nil {
		t.Fatalf("UpsertSignal: %v", err)
	}
	replacement, _ := models.NewLocationSeries("ca", models.GeoState, []models.Date{20210102}, []float64{13})
	if err := store.UpsertSignal(ctx, "fb-survey", "smoothed_cli", replacement); err != nil {
		t.Fatalf("UpsertSignal replacement: %v", err)
	}

	got, err := store.SignalRange(ctx, "fb-survey", "smoothed_cli", models.GeoState, "ca", 20210101, 20210103)
	if err != nil {
		t.Fatalf("SignalRange: %v", err)
	}
	if got.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (gap stays absent)", got.Len())
	}
	if v, _ := got.Value(20210102); v != 13 {
		t.Errorf("value on 20210102 = %v, want 13", v)
	}
	if _, ok := got.Value(20210103); ok {
		t.Error("20210103 should be absent")
	}
}

func TestSensorsBetween(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	jhu := models.SignalConfig{Source: "jhu-csse", Signal: "confirmed_incidence_num", Name: "ar3"}
	if _, err := store.Upload(ctx, fbCfg, []models.SensorValue{sensorValue("ca", 20210101, 1), sensorValue("ca", 20210105, 2)}); err != nil {
		t.Fatalf("Upload fb: %v", err)
	}
	ar := sensorValue("ca", 20210101, 3)
	ar.Config = jhu
	if _, err := store.Upload(ctx, jhu, []models.SensorValue{ar}); err != nil {
		t.Fatalf("Upload ar: %v", err)
	}

	got, err := store.SensorsBetween(ctx, 20210101, 20210102)
	if err != nil {
		t.Fatalf("SensorsBetween: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Config.Source != "fb-survey" || got[1].Config.Source != "jhu-csse" {
		t.Errorf("unexpected order: %s, %s", got[0].Config, got[1].Config)
	}
}

func TestComputeRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := &models.ComputeRun{
		ID:        "run-1",
		StartedAt: time.Date(2021, 1, 10, 8, 0, 0, 0, time.UTC),
		Start:     20210101,
		End:       20210107,
		Sensors:   fbCfg.Key(),
	}
	if err := store.StartComputeRun(ctx, run); err != nil {
		t.Fatalf("StartComputeRun: %v", err)
	}
	run.FinishedAt = run.StartedAt.Add(time.Minute)
	run.Requested, run.Cached, run.Computed, run.Failed = 7, 3, 3, 1
	run.ErrorMessage = "ca/20210107: rejected"
	if err := store.CompleteComputeRun(ctx, run); err != nil {
		t.Fatalf("CompleteComputeRun: %v", err)
	}

	runs, err := store.RecentComputeRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentComputeRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
	got := runs[0]
	if got.ID != "run-1" || got.Computed != 3 || got.Failed != 1 || got.Success {
		t.Errorf("run = %+v", got)
	}
	if got.Start != 20210101 || got.End != 20210107 {
		t.Errorf("range = %s..%s", got.Start, got.End)
	}
	if got.ErrorMessage != run.ErrorMessage {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}
}
