package flowdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motionflow/internal/flow"
	"github.com/banshee-data/motionflow/internal/monitoring"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	monitoring.SetLogger(t.Logf)
	db, err := Open(filepath.Join(t.TempDir(), "flow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMigratesToLatest(t *testing.T) {
	db := setupTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(2), version)

	// Re-running is a no-op.
	require.NoError(t, db.MigrateUp())

	require.NoError(t, db.MigrateDown())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='imu_calibrations'`).Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLogSchemaVersionReportsError(t *testing.T) {
	db := setupTestDB(t)

	var logged []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		logged = append(logged, fmt.Sprintf(format, v...))
	})
	defer monitoring.SetLogger(t.Logf)

	db.logSchemaVersion("flow.db")
	require.Len(t, logged, 1)
	assert.Contains(t, logged[0], "schema version 2")

	require.NoError(t, db.Close())
	db.logSchemaVersion("flow.db")
	require.Len(t, logged, 2)
	assert.Contains(t, logged[1], "cannot read schema version")
}

func TestRunStoreRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	store := NewRunStore(db)

	run := &Run{
		Source: "shapes_rotation.txt",
		Summary: flow.Summary{
			FilterName:           "LocalPlanes",
			Packets:              12,
			EventsIn:             24000,
			EventsOut:            9100,
			GlobalVx:             -12.5,
			AngularErrorMean:     17.25,
			AngularErrorStd:      9.5,
			EndpointErrorAbsMean: 33.1,
			AccuracySamples:      9100,
			ProcessingTimeMeanUs: 2.75,
		},
		ParamsJSON: json.RawMessage(`{"subsample_shift":1}`),
	}
	require.NoError(t, store.Insert(run))
	require.NotEmpty(t, run.RunID)
	assert.Equal(t, "LocalPlanes", run.Algorithm)
	assert.NotZero(t, run.StartedAt)

	got, err := store.Get(run.RunID)
	require.NoError(t, err)
	if diff := cmp.Diff(run, got); diff != "" {
		t.Errorf("Get mismatch (-want +got):\n%s", diff)
	}
}

func TestRunStoreListAndDelete(t *testing.T) {
	db := setupTestDB(t)
	store := NewRunStore(db)

	for i, src := range []string{"a.txt", "b.txt", "c.txt"} {
		require.NoError(t, store.Insert(&Run{
			Source:    src,
			StartedAt: int64(1000 * (i + 1)),
			Summary:   flow.Summary{FilterName: "IMUPassthrough"},
		}))
	}

	runs, err := store.List(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c.txt", runs[0].Source)
	assert.Equal(t, "b.txt", runs[1].Source)
	assert.Nil(t, runs[0].ParamsJSON)

	all, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	require.NoError(t, store.Delete(all[2].RunID))
	_, err = store.Get(all[2].RunID)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.ErrorIs(t, store.Delete(all[2].RunID), ErrNotFound)
}

func TestCalibrationStore(t *testing.T) {
	db := setupTestDB(t)
	store := NewCalibrationStore(db)

	_, err := store.Latest()
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Insert(&Calibration{
		Source:    "serial:/dev/ttyACM0",
		Offsets:   flow.CalibrationOffsets{Pan: 0.7, Tilt: 3.4, Roll: -0.25},
		Samples:   flow.CalibrationSamples,
		CreatedAt: 100,
	}))
	second := &Calibration{
		Source:    "mqtt:imu/gyro",
		Offsets:   flow.CalibrationOffsets{Pan: 0.1, Tilt: 0.2, Roll: 0.3},
		Samples:   flow.CalibrationSamples,
		CreatedAt: 200,
	}
	require.NoError(t, store.Insert(second))

	latest, err := store.Latest()
	require.NoError(t, err)
	assert.Equal(t, second, latest)
}

func TestIsBusy(t *testing.T) {
	t.Parallel()

	assert.True(t, isBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, isBusy(errors.New("no such table: flow_runs")))

	calls := 0
	err := retryOnBusy(func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}
