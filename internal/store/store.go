package store

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ab-resolver/internal/config"
	"github.com/sells-group/ab-resolver/internal/db"
	"github.com/sells-group/ab-resolver/internal/model"
)

var (
	// ErrNotFound is returned when an experiment id does not exist.
	ErrNotFound = eris.New("experiment not found")
	// ErrConflict is returned on duplicate ids and lost concurrent updates.
	ErrConflict = eris.New("experiment conflict")
	// ErrReadOnly is returned by sources that cannot be written to.
	ErrReadOnly = eris.New("experiment source is read-only")
)

// ExperimentFilter specifies criteria for listing experiments.
type ExperimentFilter struct {
	Status model.ExperimentStatus `json:"status,omitempty"`
	Search string                 `json:"search,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
	Offset int                    `json:"offset,omitempty"`
	// Unlimited returns every matching row and ignores Limit.
	Unlimited bool `json:"-"`
}

// Lister is the read side the resolver depends on.
type Lister interface {
	// ListExperiments returns experiments in creation order.
	ListExperiments(ctx context.Context, filter ExperimentFilter) ([]model.Experiment, error)
}

// Store defines the persistence interface for experiments.
type Store interface {
	Lister

	CreateExperiment(ctx context.Context, exp *model.Experiment) error
	GetExperiment(ctx context.Context, id string) (*model.Experiment, error)
	UpdateExperiment(ctx context.Context, id string, patch model.ExperimentPatch) (*model.Experiment, error)
	DeleteExperiment(ctx context.Context, id string) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Importer is implemented by stores that can bulk-load experiments.
type Importer interface {
	// ImportExperiments creates or replaces exps atomically and returns the
	// number of rows written.
	ImportExperiments(ctx context.Context, exps []model.Experiment) (int64, error)
}

// Import writes exps to s, using the store's bulk path when it has one.
func Import(ctx context.Context, s Store, exps []model.Experiment) (int64, error) {
	if imp, ok := s.(Importer); ok {
		return imp.ImportExperiments(ctx, exps)
	}
	return 0, eris.Wrap(ErrReadOnly, "store: import not supported")
}

// checkImportTransitions rejects a batch that would move a stored experiment
// through a status change the lifecycle does not allow, such as reviving a
// stopped experiment. stored maps id to current status.
func checkImportTransitions(stored map[string]model.ExperimentStatus, exps []model.Experiment) error {
	for _, e := range exps {
		cur, ok := stored[e.ID]
		if ok && !model.CanTransition(cur, e.Status) {
			return eris.Wrapf(model.ErrInvalidTransition, "import %s: %s -> %s", e.ID, cur, e.Status)
		}
	}
	return nil
}

// NewFromConfig opens the experiment source named by cfg. A configured
// source file wins over the database.
func NewFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg.Source.File != "" {
		fs, err := NewFileStore(cfg.Source.File)
		if err != nil {
			return nil, err
		}
		return fs, nil
	}
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := NewPostgres(ctx, cfg.Store.DatabaseURL, db.PoolOptions{
			MaxConns: cfg.Store.Pool.MaxConns,
			MinConns: cfg.Store.Pool.MinConns,
		})
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "sqlite", "":
		st, err := NewSQLite(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, eris.Errorf("store: unsupported driver %q", cfg.Store.Driver)
	}
}

const defaultListLimit = 1000

// listLimit returns the row cap for filter, or 0 for no cap.
func listLimit(filter ExperimentFilter) int {
	if filter.Unlimited {
		return 0
	}
	if filter.Limit <= 0 {
		return defaultListLimit
	}
	return filter.Limit
}

// applyFilter filters an in-memory list the same way the SQL stores do.
func applyFilter(exps []model.Experiment, filter ExperimentFilter) []model.Experiment {
	search := strings.ToLower(filter.Search)
	out := make([]model.Experiment, 0, len(exps))
	for _, e := range exps {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(e.ID), search) &&
			!strings.Contains(strings.ToLower(e.Name), search) {
			continue
		}
		out = append(out, e)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []model.Experiment{}
		}
		out = out[filter.Offset:]
	}
	if limit := listLimit(filter); limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
