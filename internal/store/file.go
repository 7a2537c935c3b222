package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/ab-resolver/internal/model"
)

// DefaultDebounce collapses bursts of file events (editors often write a
// file in several steps) into a single reload.
const DefaultDebounce = 200 * time.Millisecond

// ExperimentsFile is the on-disk YAML layout read by FileStore and the
// import command.
type ExperimentsFile struct {
	Experiments []model.Experiment `yaml:"experiments"`
}

// presenceFile records which optional keys each entry actually set.
type presenceFile struct {
	Experiments []struct {
		PreserveParams *bool `yaml:"preserve_params"`
	} `yaml:"experiments"`
}

// ParseExperimentsFile decodes and validates a YAML experiments document.
// Ids must be unique. An experiment without a status is treated as running,
// and one without preserve_params keeps params on redirect.
func ParseExperimentsFile(data []byte) ([]model.Experiment, error) {
	var doc ExperimentsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "experiments file: parse yaml")
	}
	var present presenceFile
	if err := yaml.Unmarshal(data, &present); err != nil {
		return nil, eris.Wrap(err, "experiments file: parse yaml")
	}

	seen := make(map[string]bool, len(doc.Experiments))
	exps := make([]model.Experiment, 0, len(doc.Experiments))
	for i, e := range doc.Experiments {
		if e.Status == "" {
			e.Status = model.StatusRunning
		}
		if i < len(present.Experiments) && present.Experiments[i].PreserveParams == nil {
			e.PreserveParams = true
		}
		if err := e.Validate(); err != nil {
			return nil, eris.Wrapf(err, "experiments file: entry %d", i)
		}
		if seen[e.ID] {
			return nil, eris.Wrapf(ErrConflict, "experiments file: duplicate id %s", e.ID)
		}
		seen[e.ID] = true
		e.Version = 1
		exps = append(exps, e)
	}
	return exps, nil
}

// FileStore serves experiments from a YAML file. Writes return ErrReadOnly;
// edit the file instead and the watcher picks the change up.
type FileStore struct {
	path string

	mu   sync.RWMutex
	exps []model.Experiment
}

// NewFileStore loads path. The file must exist and parse.
func NewFileStore(path string) (*FileStore, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, eris.Wrapf(err, "file store: resolve %s", path)
	}
	fs := &FileStore{path: abs}
	if err := fs.Reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Path returns the absolute path of the backing file.
func (f *FileStore) Path() string { return f.path }

// Reload re-reads the file. On failure the previous list stays in place.
func (f *FileStore) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return eris.Wrapf(err, "file store: read %s", f.path)
	}
	exps, err := ParseExperimentsFile(data)
	if err != nil {
		return eris.Wrapf(err, "file store: load %s", f.path)
	}

	f.mu.Lock()
	f.exps = exps
	f.mu.Unlock()
	return nil
}

func (f *FileStore) ListExperiments(_ context.Context, filter ExperimentFilter) ([]model.Experiment, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return applyFilter(f.exps, filter), nil
}

func (f *FileStore) GetExperiment(_ context.Context, id string) (*model.Experiment, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, e := range f.exps {
		if e.ID == id {
			return &e, nil
		}
	}
	return nil, eris.Wrapf(ErrNotFound, "file store: get experiment %s", id)
}

func (f *FileStore) CreateExperiment(context.Context, *model.Experiment) error {
	return eris.Wrap(ErrReadOnly, "file store: create experiment")
}

func (f *FileStore) UpdateExperiment(context.Context, string, model.ExperimentPatch) (*model.Experiment, error) {
	return nil, eris.Wrap(ErrReadOnly, "file store: update experiment")
}

func (f *FileStore) DeleteExperiment(context.Context, string) error {
	return eris.Wrap(ErrReadOnly, "file store: delete experiment")
}

func (f *FileStore) Ping(context.Context) error {
	_, err := os.Stat(f.path)
	return eris.Wrapf(err, "file store: stat %s", f.path)
}

func (f *FileStore) Migrate(context.Context) error { return nil }

func (f *FileStore) Close() error { return nil }

// Watch reloads the file whenever it changes and then calls onChange. The
// parent directory is watched so atomic renames are seen. A reload that
// fails is logged and the previous list is kept. Watch blocks until ctx is
// done.
func (f *FileStore) Watch(ctx context.Context, debounce time.Duration, onChange func()) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return eris.Wrap(err, "file store: create watcher")
	}
	defer w.Close() //nolint:errcheck

	if err := w.Add(filepath.Dir(f.path)); err != nil {
		return eris.Wrapf(err, "file store: watch %s", filepath.Dir(f.path))
	}

	log := zap.L().With(zap.String("path", f.path))
	log.Info("watching experiments file", zap.Duration("debounce", debounce))

	reload := func() {
		if err := f.Reload(); err != nil {
			log.Error("experiments file reload failed, keeping previous list", zap.Error(err))
			return
		}
		log.Info("experiments file reloaded")
		if onChange != nil {
			onChange()
		}
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return eris.New("file store: watcher events closed")
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(debounce, reload)
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return eris.New("file store: watcher errors closed")
			}
			log.Warn("experiments file watcher error", zap.Error(err))
		}
	}
}
