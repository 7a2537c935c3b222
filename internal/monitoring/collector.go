package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ab-resolver/internal/model"
	"github.com/sells-group/ab-resolver/internal/store"
)

// Summary is a point-in-time view of the stored experiments.
type Summary struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	// Live counts running experiments whose schedule window includes CollectedAt.
	Live int `json:"live"`
	// Scheduled counts running experiments whose start is still ahead.
	Scheduled   int       `json:"scheduled"`
	CollectedAt time.Time `json:"collected_at"`
}

// Collector summarizes experiments from a store.
type Collector struct {
	lister store.Lister
	now    func() time.Time
}

// NewCollector creates a new summary collector.
func NewCollector(l store.Lister) *Collector {
	return &Collector{lister: l, now: time.Now}
}

// Collect lists every experiment and counts them by status.
func (c *Collector) Collect(ctx context.Context) (*Summary, error) {
	exps, err := c.lister.ListExperiments(ctx, store.ExperimentFilter{Unlimited: true})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list experiments")
	}

	now := c.now().UTC()
	sum := &Summary{
		Total: len(exps),
		ByStatus: map[string]int{
			string(model.StatusDraft):   0,
			string(model.StatusRunning): 0,
			string(model.StatusPaused):  0,
			string(model.StatusStopped): 0,
		},
		CollectedAt: now,
	}
	for i := range exps {
		e := &exps[i]
		sum.ByStatus[string(e.Status)]++
		switch {
		case e.ActiveAt(now):
			sum.Live++
		case e.Status == model.StatusRunning && e.StartAt != nil && now.Before(*e.StartAt):
			sum.Scheduled++
		}
	}
	return sum, nil
}
