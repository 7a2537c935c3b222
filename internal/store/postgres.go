package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ab-resolver/internal/db"
	"github.com/sells-group/ab-resolver/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres connects to Postgres and verifies the connection.
func NewPostgres(ctx context.Context, connString string, opts db.PoolOptions) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, opts)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS experiments (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL DEFAULT '',
	baseline_url    TEXT NOT NULL,
	test_url        TEXT NOT NULL,
	allocation_b    DOUBLE PRECISION CHECK (allocation_b IS NULL OR (allocation_b >= 0 AND allocation_b <= 1)),
	status          TEXT NOT NULL DEFAULT 'draft',
	start_at        TIMESTAMPTZ,
	stop_at         TIMESTAMPTZ,
	preserve_params BOOLEAN NOT NULL DEFAULT true,
	version         INTEGER NOT NULL DEFAULT 1,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);
CREATE INDEX IF NOT EXISTS idx_experiments_created_at ON experiments(created_at);
`

const postgresColumns = `id, name, baseline_url, test_url, allocation_b, status, start_at, stop_at, preserve_params, version, created_at, updated_at`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateExperiment(ctx context.Context, exp *model.Experiment) error {
	if err := exp.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	exp.CreatedAt, exp.UpdatedAt, exp.Version = now, now, 1

	_, err := s.pool.Exec(ctx,
		`INSERT INTO experiments (`+postgresColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		exp.ID, exp.Name, exp.BaselineURL, exp.TestURL, exp.AllocationB, string(exp.Status),
		exp.StartAt, exp.StopAt, exp.PreserveParams, exp.Version, now, now,
	)
	if isUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "postgres: experiment %s already exists", exp.ID)
	}
	return eris.Wrapf(err, "postgres: insert experiment %s", exp.ID)
}

func (s *PostgresStore) GetExperiment(ctx context.Context, id string) (*model.Experiment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM experiments WHERE id = $1`, id)
	exp, err := scanPgExperiment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get experiment %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get experiment %s", id)
	}
	return exp, nil
}

func (s *PostgresStore) ListExperiments(ctx context.Context, filter ExperimentFilter) ([]model.Experiment, error) {
	query := `SELECT ` + postgresColumns + ` FROM experiments WHERE 1=1`
	var args []any
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Search != "" {
		query += fmt.Sprintf(` AND (id ILIKE $%d OR name ILIKE $%d)`, argIdx, argIdx)
		args = append(args, "%"+filter.Search+"%")
		argIdx++
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if limit := listLimit(filter); limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, limit)
		argIdx++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list experiments")
	}
	defer rows.Close()

	exps := []model.Experiment{}
	for rows.Next() {
		e, err := scanPgExperiment(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan experiment")
		}
		exps = append(exps, *e)
	}
	return exps, eris.Wrap(rows.Err(), "postgres: list experiments iterate")
}

func (s *PostgresStore) UpdateExperiment(ctx context.Context, id string, patch model.ExperimentPatch) (*model.Experiment, error) {
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

	tag, err := s.pool.Exec(ctx,
		`UPDATE experiments SET name = $1, baseline_url = $2, test_url = $3, allocation_b = $4, status = $5,
		 start_at = $6, stop_at = $7, preserve_params = $8, version = $9, updated_at = $10
		 WHERE id = $11 AND version = $12`,
		next.Name, next.BaselineURL, next.TestURL, next.AllocationB, string(next.Status),
		next.StartAt, next.StopAt, next.PreserveParams, next.Version, next.UpdatedAt,
		id, cur.Version,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update experiment %s", id)
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Wrapf(ErrConflict, "postgres: experiment %s changed concurrently", id)
	}
	return &next, nil
}

func (s *PostgresStore) DeleteExperiment(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM experiments WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete experiment %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: delete experiment %s", id)
	}
	return nil
}

var experimentUpsert = db.UpsertConfig{
	Table:        "experiments",
	Columns:      []string{"id", "name", "baseline_url", "test_url", "allocation_b", "status", "start_at", "stop_at", "preserve_params", "version", "created_at", "updated_at"},
	ConflictKeys: []string{"id"},
	Increment:    []string{"version"},
	Preserve:     []string{"created_at"},
}

// ImportExperiments upserts exps in one transaction through a COPY into a
// temp table. Existing rows keep created_at and get their version bumped.
// The batch is rejected when any entry would make a disallowed status change.
func (s *PostgresStore) ImportExperiments(ctx context.Context, exps []model.Experiment) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(exps))
	for i := range exps {
		e := exps[i]
		if err := e.Validate(); err != nil {
			return 0, err
		}
		rows = append(rows, []any{
			e.ID, e.Name, e.BaselineURL, e.TestURL, e.AllocationB, string(e.Status),
			e.StartAt, e.StopAt, e.PreserveParams, 1, now, now,
		})
	}
	stored, err := s.storedStatuses(ctx, exps)
	if err != nil {
		return 0, err
	}
	if err := checkImportTransitions(stored, exps); err != nil {
		return 0, err
	}

	n, err := db.BulkUpsert(ctx, s.pool, experimentUpsert, rows)
	return n, eris.Wrap(err, "postgres: import experiments")
}

// storedStatuses returns the current status of every experiment in exps that
// already exists.
func (s *PostgresStore) storedStatuses(ctx context.Context, exps []model.Experiment) (map[string]model.ExperimentStatus, error) {
	ids := make([]string, len(exps))
	for i := range exps {
		ids[i] = exps[i].ID
	}
	rows, err := s.pool.Query(ctx, `SELECT id, status FROM experiments WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: import: read statuses")
	}
	defer rows.Close()

	stored := make(map[string]model.ExperimentStatus, len(ids))
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, eris.Wrap(err, "postgres: import: scan status")
		}
		stored[id] = model.ExperimentStatus(status)
	}
	return stored, eris.Wrap(rows.Err(), "postgres: import: read statuses iterate")
}

func scanPgExperiment(row pgx.Row) (*model.Experiment, error) {
	var e model.Experiment
	var status string
	err := row.Scan(&e.ID, &e.Name, &e.BaselineURL, &e.TestURL, &e.AllocationB, &status,
		&e.StartAt, &e.StopAt, &e.PreserveParams, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = model.ExperimentStatus(status)
	return &e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
