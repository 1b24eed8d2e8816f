// Package archive stores generated forecasts in a SQL database.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/surfwatch/crowd-forecast-service/internal/forecast"
	"github.com/surfwatch/crowd-forecast-service/internal/models"
	"github.com/surfwatch/crowd-forecast-service/internal/observability"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS forecast_runs (
		id         TEXT PRIMARY KEY,
		site_id    TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date   TEXT NOT NULL,
		hours      INTEGER NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS forecast_predictions (
		run_id      TEXT NOT NULL REFERENCES forecast_runs (id),
		ts          BIGINT NOT NULL,
		crowdedness DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (run_id, ts)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_forecast_runs_site_created ON forecast_runs (site_id, created_at)`,
}

// RunSummary is one archived forecast without its predictions.
type RunSummary struct {
	ID        string    `json:"id"`
	SiteID    string    `json:"site_id"`
	StartDate string    `json:"start_date"`
	EndDate   string    `json:"end_date"`
	Hours     int       `json:"hours"`
	CreatedAt time.Time `json:"created_at"`
}

type runRow struct {
	ID        string `db:"id"`
	SiteID    string `db:"site_id"`
	StartDate string `db:"start_date"`
	EndDate   string `db:"end_date"`
	Hours     int    `db:"hours"`
	CreatedAt int64  `db:"created_at"`
}

type predictionRow struct {
	TS          int64   `db:"ts"`
	Crowdedness float64 `db:"crowdedness"`
}

// Repository reads and writes forecast runs.
type Repository struct {
	db    *sqlx.DB
	newID func() string
}

// Open connects to the archive database.
func Open(ctx context.Context, driver, dsn string) (*Repository, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported archive driver %q", driver)
	}
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect archive: %w", err)
	}
	if driver == DriverSQLite {
		// One writer; also keeps ":memory:" databases on a single connection.
		db.SetMaxOpenConns(1)
	}
	return New(db), nil
}

// New wraps an existing connection.
func New(db *sqlx.DB) *Repository {
	return &Repository{db: db, newID: uuid.NewString}
}

// Migrate creates the archive tables if they do not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate archive: %w", err)
		}
	}
	return nil
}

// SaveRun writes a run and its predictions in one transaction and returns the run id.
func (r *Repository) SaveRun(ctx context.Context, run forecast.Run) (id string, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin archive tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	id = r.newID()
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO forecast_runs (id, site_id, start_date, end_date, hours, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		id, run.Site.ID, run.StartDate, run.EndDate, len(run.Predictions), createdAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("insert forecast run: %w", err)
	}

	insert := r.db.Rebind(`INSERT INTO forecast_predictions (run_id, ts, crowdedness) VALUES (?, ?, ?)`)
	for _, p := range run.Predictions {
		if _, err = tx.ExecContext(ctx, insert, id, p.Timestamp.Unix(), p.Crowdedness); err != nil {
			return "", fmt.Errorf("insert prediction: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("commit archive tx: %w", err)
	}
	return id, nil
}

// Record implements forecast.Recorder.
func (r *Repository) Record(ctx context.Context, run forecast.Run) error {
	id, err := r.SaveRun(ctx, run)
	if err != nil {
		observability.ArchiveWritesTotal.WithLabelValues("error").Inc()
		return err
	}
	observability.ArchiveWritesTotal.WithLabelValues("success").Inc()
	observability.LoggerFromContext(ctx).Debug("forecast archived",
		zap.String("run_id", id),
		zap.String("site", run.Site.ID),
		zap.Int("hours", len(run.Predictions)),
	)
	return nil
}

// RecentRuns returns up to limit runs for a site, newest first.
func (r *Repository) RecentRuns(ctx context.Context, siteID string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []runRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT id, site_id, start_date, end_date, hours, created_at
		FROM forecast_runs
		WHERE site_id = ?
		ORDER BY created_at DESC
		LIMIT ?`), siteID, limit)
	if err != nil {
		return nil, fmt.Errorf("query forecast runs: %w", err)
	}
	out := make([]RunSummary, len(rows))
	for i, row := range rows {
		out[i] = RunSummary{
			ID:        row.ID,
			SiteID:    row.SiteID,
			StartDate: row.StartDate,
			EndDate:   row.EndDate,
			Hours:     row.Hours,
			CreatedAt: time.UnixMilli(row.CreatedAt).UTC(),
		}
	}
	return out, nil
}

// ErrRunNotFound is returned by Predictions for unknown run ids.
var ErrRunNotFound = errors.New("forecast run not found")

// Predictions returns the archived predictions of a run in timestamp order, in UTC.
func (r *Repository) Predictions(ctx context.Context, runID string) ([]models.CrowdPrediction, error) {
	var rows []predictionRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT ts, crowdedness FROM forecast_predictions WHERE run_id = ? ORDER BY ts`), runID)
	if err != nil {
		return nil, fmt.Errorf("query predictions: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	out := make([]models.CrowdPrediction, len(rows))
	for i, row := range rows {
		out[i] = models.CrowdPrediction{Timestamp: time.Unix(row.TS, 0).UTC(), Crowdedness: row.Crowdedness}
	}
	return out, nil
}

// Ping checks the database connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}
