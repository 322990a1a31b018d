package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	config_version TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'running',
	models         TEXT NOT NULL,
	started_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at    DATETIME
);

CREATE TABLE IF NOT EXISTS run_models (
	id              TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL REFERENCES runs(id),
	model_id        TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'running',
	completed_pairs INTEGER NOT NULL DEFAULT 0,
	excluded_rows   INTEGER NOT NULL DEFAULT 0,
	started_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at     DATETIME
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_run_models_run_id ON run_models(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) BeginRun(ctx context.Context, configVersion string, models []string) (*Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	modelsJSON, err := json.Marshal(models)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal models")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, config_version, status, models, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, configVersion, string(RunStatusRunning), string(modelsJSON), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &Run{
		ID:            id,
		ConfigVersion: configVersion,
		Status:        RunStatusRunning,
		Models:        models,
		StartedAt:     now,
	}, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) BeginModel(ctx context.Context, runID, modelID string) (*ModelPhase, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_models (id, run_id, model_id, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, runID, modelID, string(RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert model phase for run %s", runID)
	}

	return &ModelPhase{
		ID:        id,
		RunID:     runID,
		ModelID:   modelID,
		Status:    RunStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *SQLiteStore) FinishModel(ctx context.Context, phaseID string, status RunStatus, completedPairs, excludedRows int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_models SET status = ?, completed_pairs = ?, excluded_rows = ?, finished_at = ? WHERE id = ?`,
		string(status), completedPairs, excludedRows, time.Now().UTC(), phaseID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish model phase %s", phaseID)
	}
	return checkRowsAffected(res, "model phase", phaseID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, config_version, status, models, started_at, finished_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT id, config_version, status, models, started_at, finished_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) ListModelPhases(ctx context.Context, runID string) ([]ModelPhase, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, model_id, status, completed_pairs, excluded_rows, started_at, finished_at
		 FROM run_models WHERE run_id = ? ORDER BY started_at ASC`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list model phases for run %s", runID)
	}
	defer rows.Close()

	var phases []ModelPhase
	for rows.Next() {
		var p ModelPhase
		var finished sql.NullTime
		if err := rows.Scan(&p.ID, &p.RunID, &p.ModelID, &p.Status, &p.CompletedPairs, &p.ExcludedRows, &p.StartedAt, &finished); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan model phase")
		}
		if finished.Valid {
			t := finished.Time
			p.FinishedAt = &t
		}
		phases = append(phases, p)
	}
	return phases, eris.Wrap(rows.Err(), "sqlite: model phases iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var r Run
	var modelsJSON string
	var finished sql.NullTime

	err := row.Scan(&r.ID, &r.ConfigVersion, &r.Status, &modelsJSON, &r.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if err := json.Unmarshal([]byte(modelsJSON), &r.Models); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal models")
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}
