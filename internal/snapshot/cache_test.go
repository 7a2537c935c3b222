package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ab-resolver/internal/model"
	"github.com/sells-group/ab-resolver/internal/monitoring"
	"github.com/sells-group/ab-resolver/internal/resilience"
	"github.com/sells-group/ab-resolver/internal/store"
)

type mockLister struct {
	mock.Mock
}

func (m *mockLister) ListExperiments(ctx context.Context, filter store.ExperimentFilter) ([]model.Experiment, error) {
	args := m.Called(ctx, filter)
	exps, _ := args.Get(0).([]model.Experiment)
	return exps, args.Error(1)
}

// runningFilter is the exact read the cache issues: every running
// experiment, with no row cap.
var runningFilter = store.ExperimentFilter{Status: model.StatusRunning, Unlimited: true}

// clock is a manually advanced time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, l store.Lister) (*Cache, *clock) {
	t.Helper()
	guard := resilience.NewGuard("test",
		resilience.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond},
		resilience.CircuitBreakerConfig{FailureThreshold: 100, ResetTimeout: time.Second},
	)
	c := New(l, Options{TTL: time.Minute, Guard: guard, Metrics: monitoring.NewMetrics("test")})
	clk := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	c.now = clk.Now
	return c, clk
}

func exps(ids ...string) []model.Experiment {
	out := make([]model.Experiment, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Experiment{ID: id, Status: model.StatusRunning})
	}
	return out
}

func TestCache_SnapshotHasNoRowCap(t *testing.T) {
	many := make([]string, 1500)
	for i := range many {
		many[i] = fmt.Sprintf("exp%04d", i)
	}
	l := &mockLister{}
	l.On("ListExperiments", mock.Anything, mock.MatchedBy(func(f store.ExperimentFilter) bool {
		return f.Unlimited && f.Status == model.StatusRunning
	})).Return(exps(many...), nil).Once()
	c, _ := newTestCache(t, l)

	snap, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Experiments, 1500)
	l.AssertExpectations(t)
}

func TestCache_LoadsOnceWithinTTL(t *testing.T) {
	l := &mockLister{}
	l.On("ListExperiments", mock.Anything, runningFilter).Return(exps("a", "b"), nil).Once()
	c, clk := newTestCache(t, l)
	ctx := context.Background()

	s1, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Len(t, s1.Experiments, 2)
	assert.Equal(t, uint64(1), s1.Version)

	clk.Advance(30 * time.Second)
	s2, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	l.AssertExpectations(t)
}

func TestCache_ReloadsAfterTTL(t *testing.T) {
	l := &mockLister{}
	l.On("ListExperiments", mock.Anything, runningFilter).Return(exps("a"), nil).Once()
	l.On("ListExperiments", mock.Anything, runningFilter).Return(exps("a", "b", "c"), nil).Once()
	c, clk := newTestCache(t, l)
	ctx := context.Background()

	_, err := c.Get(ctx)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	s, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Len(t, s.Experiments, 3)
	assert.Equal(t, uint64(2), s.Version)
	l.AssertExpectations(t)
}

func TestCache_InvalidateForcesReload(t *testing.T) {
	l := &mockLister{}
	l.On("ListExperiments", mock.Anything, runningFilter).Return(exps("a"), nil).Once()
	l.On("ListExperiments", mock.Anything, runningFilter).Return(exps(), nil).Once()
	c, _ := newTestCache(t, l)
	ctx := context.Background()

	_, err := c.Get(ctx)
	require.NoError(t, err)

	c.Invalidate()
	s, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, s.Experiments)
	l.AssertExpectations(t)
}

func TestCache_ServesStaleOnFailure(t *testing.T) {
	l := &mockLister{}
	l.On("ListExperiments", mock.Anything, runningFilter).Return(exps("a"), nil).Once()
	l.On("ListExperiments", mock.Anything, runningFilter).Return(nil, errors.New("db down")).Once()
	c, clk := newTestCache(t, l)
	ctx := context.Background()

	first, err := c.Get(ctx)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	s, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, first, s)

	// No second attempt until one TTL has passed since the failure.
	clk.Advance(10 * time.Second)
	s, err = c.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, first, s)
	l.AssertExpectations(t)
}

func TestCache_EmptyWhenNeverLoaded(t *testing.T) {
	l := &mockLister{}
	l.On("ListExperiments", mock.Anything, runningFilter).Return(nil, errors.New("db down"))
	c, _ := newTestCache(t, l)

	s, err := c.Get(context.Background())
	require.Error(t, err)
	require.NotNil(t, s)
	assert.Empty(t, s.Experiments)
	assert.Nil(t, c.Current())
}

func TestCache_RefreshBumpsVersion(t *testing.T) {
	l := &mockLister{}
	l.On("ListExperiments", mock.Anything, runningFilter).Return(exps("a"), nil)
	c, _ := newTestCache(t, l)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		s, err := c.Refresh(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), s.Version)
	}
	assert.Equal(t, uint64(3), c.Current().Version)
}

func TestCache_ConcurrentGetLoadsOnce(t *testing.T) {
	l := &mockLister{}
	l.On("ListExperiments", mock.Anything, runningFilter).Return(exps("a"), nil).Once()
	c, _ := newTestCache(t, l)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.Get(context.Background())
			assert.NoError(t, err)
			assert.Len(t, s.Experiments, 1)
		}()
	}
	wg.Wait()
	l.AssertExpectations(t)
}

func TestCache_RunRefreshesUntilCancelled(t *testing.T) {
	l := &mockLister{}
	l.On("ListExperiments", mock.Anything, runningFilter).Return(exps("a"), nil)
	c := New(l, Options{TTL: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		s := c.Current()
		return s != nil && s.Version >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
