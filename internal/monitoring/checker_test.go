package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/ab-resolver/internal/model"
)

func TestChecker_RunPublishesAndStopsOnCancel(t *testing.T) {
	st := &mockLister{exps: []model.Experiment{
		{ID: "1", Status: model.StatusRunning},
		{ID: "2", Status: model.StatusDraft},
	}}
	m := NewMetrics("test")
	checker := NewChecker(NewCollector(st), m, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.byStatus.WithLabelValues("running")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.byStatus.WithLabelValues("draft")))
}

func TestChecker_DefaultIntervalAndNilMetrics(t *testing.T) {
	checker := NewChecker(NewCollector(&mockLister{}), nil, 0)
	assert.NotNil(t, checker)

	// Cancelled context: one check runs, then Run returns without panicking.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}
