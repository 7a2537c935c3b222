package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ab-resolver/internal/model"
	"github.com/sells-group/ab-resolver/internal/store"
)

// mockLister implements store.Lister for testing.
type mockLister struct {
	exps    []model.Experiment
	listErr error
}

func (m *mockLister) ListExperiments(_ context.Context, _ store.ExperimentFilter) ([]model.Experiment, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.exps, nil
}

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func ts(t time.Time) *time.Time { return &t }

func TestCollector_EmptyStore(t *testing.T) {
	c := NewCollector(&mockLister{})
	c.now = func() time.Time { return fixedNow }

	sum, err := c.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, sum.Total)
	assert.Equal(t, 0, sum.Live)
	assert.Equal(t, map[string]int{"draft": 0, "running": 0, "paused": 0, "stopped": 0}, sum.ByStatus)
	assert.Equal(t, fixedNow, sum.CollectedAt)
}

func TestCollector_Counts(t *testing.T) {
	st := &mockLister{exps: []model.Experiment{
		{ID: "1", Status: model.StatusRunning},
		{ID: "2", Status: model.StatusRunning, StartAt: ts(fixedNow.Add(time.Hour))},
		{ID: "3", Status: model.StatusRunning, StopAt: ts(fixedNow.Add(-time.Hour))},
		{ID: "4", Status: model.StatusDraft},
		{ID: "5", Status: model.StatusPaused},
		{ID: "6", Status: model.StatusStopped},
	}}
	c := NewCollector(st)
	c.now = func() time.Time { return fixedNow }

	sum, err := c.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6, sum.Total)
	assert.Equal(t, 3, sum.ByStatus["running"])
	assert.Equal(t, 1, sum.ByStatus["draft"])
	assert.Equal(t, 1, sum.ByStatus["paused"])
	assert.Equal(t, 1, sum.ByStatus["stopped"])
	assert.Equal(t, 1, sum.Live)
	assert.Equal(t, 1, sum.Scheduled)
}

func TestCollector_ListError(t *testing.T) {
	c := NewCollector(&mockLister{listErr: errors.New("db down")})

	_, err := c.Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list experiments")
}
