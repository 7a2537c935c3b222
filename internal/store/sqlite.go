package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/ab-resolver/internal/model"
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
CREATE TABLE IF NOT EXISTS experiments (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL DEFAULT '',
	baseline_url    TEXT NOT NULL,
	test_url        TEXT NOT NULL,
	allocation_b    REAL,
	status          TEXT NOT NULL DEFAULT 'draft',
	start_at        DATETIME,
	stop_at         DATETIME,
	preserve_params INTEGER NOT NULL DEFAULT 1,
	version         INTEGER NOT NULL DEFAULT 1,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);
CREATE INDEX IF NOT EXISTS idx_experiments_created_at ON experiments(created_at);
`

const sqliteColumns = `id, name, baseline_url, test_url, allocation_b, status, start_at, stop_at, preserve_params, version, created_at, updated_at`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateExperiment(ctx context.Context, exp *model.Experiment) error {
	if err := exp.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	exp.CreatedAt, exp.UpdatedAt, exp.Version = now, now, 1

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiments (`+sqliteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exp.ID, exp.Name, exp.BaselineURL, exp.TestURL, nullFloat(exp.AllocationB), string(exp.Status),
		nullTime(exp.StartAt), nullTime(exp.StopAt), exp.PreserveParams, exp.Version, now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return eris.Wrapf(ErrConflict, "sqlite: experiment %s already exists", exp.ID)
		}
		return eris.Wrapf(err, "sqlite: insert experiment %s", exp.ID)
	}
	return nil
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*model.Experiment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM experiments WHERE id = ?`, id,
	)
	exp, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get experiment %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get experiment %s", id)
	}
	return exp, nil
}

func (s *SQLiteStore) ListExperiments(ctx context.Context, filter ExperimentFilter) ([]model.Experiment, error) {
	query := `SELECT ` + sqliteColumns + ` FROM experiments WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Search != "" {
		query += ` AND (id LIKE ? OR name LIKE ?)`
		like := "%" + filter.Search + "%"
		args = append(args, like, like)
	}
	// SQLite treats a negative LIMIT as no limit; OFFSET still needs a LIMIT.
	limit := listLimit(filter)
	if limit == 0 {
		limit = -1
	}
	query += ` ORDER BY created_at ASC, rowid ASC LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list experiments")
	}
	defer rows.Close()

	exps := []model.Experiment{}
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan experiment")
		}
		exps = append(exps, *e)
	}
	return exps, eris.Wrap(rows.Err(), "sqlite: list experiments iterate")
}

func (s *SQLiteStore) UpdateExperiment(ctx context.Context, id string, patch model.ExperimentPatch) (*model.Experiment, error) {
	cur, err := s.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := patch.Apply(*cur)
	if err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET name = ?, baseline_url = ?, test_url = ?, allocation_b = ?, status = ?,
		 start_at = ?, stop_at = ?, preserve_params = ?, version = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		next.Name, next.BaselineURL, next.TestURL, nullFloat(next.AllocationB), string(next.Status),
		nullTime(next.StartAt), nullTime(next.StopAt), next.PreserveParams, next.Version, next.UpdatedAt,
		id, cur.Version,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update experiment %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return nil, eris.Wrapf(ErrConflict, "sqlite: experiment %s changed concurrently", id)
	}
	return &next, nil
}

func (s *SQLiteStore) DeleteExperiment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM experiments WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete experiment %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: delete experiment %s", id)
	}
	return nil
}

// ImportExperiments creates or updates exps in one transaction. Updated rows
// keep created_at and get their version bumped. The whole batch is rejected
// when any entry would make a disallowed status change.
func (s *SQLiteStore) ImportExperiments(ctx context.Context, exps []model.Experiment) (int64, error) {
	for i := range exps {
		if err := exps[i].Validate(); err != nil {
			return 0, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stored := make(map[string]model.ExperimentStatus, len(exps))
	for _, e := range exps {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM experiments WHERE id = ?`, e.ID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: import: read status of %s", e.ID)
		}
		stored[e.ID] = model.ExperimentStatus(status)
	}
	if err := checkImportTransitions(stored, exps); err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO experiments (`+sqliteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, baseline_url = excluded.baseline_url, test_url = excluded.test_url,
			allocation_b = excluded.allocation_b, status = excluded.status, start_at = excluded.start_at,
			stop_at = excluded.stop_at, preserve_params = excluded.preserve_params,
			version = experiments.version + 1, updated_at = excluded.updated_at`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import: prepare")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	var n int64
	for _, e := range exps {
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.Name, e.BaselineURL, e.TestURL, nullFloat(e.AllocationB), string(e.Status),
			nullTime(e.StartAt), nullTime(e.StopAt), e.PreserveParams, now, now,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: import experiment %s", e.ID)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: import: commit tx")
	}
	return n, nil
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanExperiment(row scannable) (*model.Experiment, error) {
	var e model.Experiment
	var alloc sql.NullFloat64
	var start, stop sql.NullTime

	err := row.Scan(&e.ID, &e.Name, &e.BaselineURL, &e.TestURL, &alloc, &e.Status,
		&start, &stop, &e.PreserveParams, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if alloc.Valid {
		e.AllocationB = &alloc.Float64
	}
	if start.Valid {
		t := start.Time.UTC()
		e.StartAt = &t
	}
	if stop.Valid {
		t := stop.Time.UTC()
		e.StopAt = &t
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
