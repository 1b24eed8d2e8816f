package archive

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfwatch/crowd-forecast-service/internal/forecast"
	"github.com/surfwatch/crowd-forecast-service/internal/models"
)

func setupMock(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	repo := New(sqlx.NewDb(db, "sqlmock"))
	repo.newID = func() string { return "run-1" }
	t.Cleanup(func() {
		mock.ExpectClose()
		_ = repo.Close()
	})
	return repo, mock
}

func sampleRun() forecast.Run {
	base := time.Date(2025, 7, 4, 17, 0, 0, 0, time.UTC)
	return forecast.Run{
		Site:      models.Site{ID: "1"},
		StartDate: "2025-07-04",
		EndDate:   "2025-07-04",
		CreatedAt: time.Date(2025, 7, 4, 12, 0, 0, 0, time.UTC),
		Predictions: []models.CrowdPrediction{
			{Timestamp: base, Crowdedness: 12.5},
			{Timestamp: base.Add(time.Hour), Crowdedness: 0},
		},
	}
}

// TestMigrate verifies every schema statement is executed.
func TestMigrate(t *testing.T) {
	repo, mock := setupMock(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS forecast_runs")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS forecast_predictions")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS idx_forecast_runs_site_created")).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestSaveRun verifies the run and its predictions are written in one transaction.
func TestSaveRun(t *testing.T) {
	repo, mock := setupMock(t)
	run := sampleRun()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO forecast_runs")).
		WithArgs("run-1", "1", "2025-07-04", "2025-07-04", 2, run.CreatedAt.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	for _, p := range run.Predictions {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO forecast_predictions")).
			WithArgs("run-1", p.Timestamp.Unix(), p.Crowdedness).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()

	id, err := repo.SaveRun(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, "run-1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestRecord_RollsBackOnFailure verifies a failed insert rolls back and surfaces the error.
func TestRecord_RollsBackOnFailure(t *testing.T) {
	repo, mock := setupMock(t)
	dbErr := errors.New("disk full")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO forecast_runs")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO forecast_predictions")).WillReturnError(dbErr)
	mock.ExpectRollback()

	err := repo.Record(context.Background(), sampleRun())
	assert.ErrorIs(t, err, dbErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestRecentRuns verifies row mapping and the limit argument.
func TestRecentRuns(t *testing.T) {
	repo, mock := setupMock(t)
	created := time.Date(2025, 7, 4, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "site_id", "start_date", "end_date", "hours", "created_at"}).
		AddRow("run-2", "1", "2025-07-05", "2025-07-06", 48, created.Add(time.Hour).UnixMilli()).
		AddRow("run-1", "1", "2025-07-04", "2025-07-04", 24, created.UnixMilli())
	mock.ExpectQuery(regexp.QuoteMeta("FROM forecast_runs")).WithArgs("1", 10).WillReturnRows(rows)

	got, err := repo.RecentRuns(context.Background(), "1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "run-2", got[0].ID)
	assert.Equal(t, 48, got[0].Hours)
	assert.True(t, got[1].CreatedAt.Equal(created))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPredictions_NotFound verifies unknown runs return ErrRunNotFound.
func TestPredictions_NotFound(t *testing.T) {
	repo, mock := setupMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM forecast_predictions")).WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"ts", "crowdedness"}))

	_, err := repo.Predictions(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

// TestSQLiteRoundTrip exercises the real sqlite driver end to end.
func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo, err := Open(ctx, DriverSQLite, ":memory:")
	require.NoError(t, err)
	defer repo.Close()

	require.NoError(t, repo.Migrate(ctx))
	require.NoError(t, repo.Migrate(ctx), "migrate is idempotent")

	run := sampleRun()
	id, err := repo.SaveRun(ctx, run)
	require.NoError(t, err)

	runs, err := repo.RecentRuns(ctx, "1", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)
	assert.Equal(t, 2, runs[0].Hours)

	preds, err := repo.Predictions(ctx, id)
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.True(t, preds[0].Timestamp.Equal(run.Predictions[0].Timestamp))
	assert.Equal(t, 12.5, preds[0].Crowdedness)

	assert.NoError(t, repo.Ping(ctx))
}

// TestOpen_UnsupportedDriver verifies driver validation.
func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn")
	assert.Error(t, err)
}
