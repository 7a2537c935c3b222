package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Checker periodically collects a Summary and publishes it as gauges.
type Checker struct {
	collector *Collector
	metrics   *Metrics
	interval  time.Duration
}

// NewChecker creates a background summary publisher.
func NewChecker(collector *Collector, metrics *Metrics, interval time.Duration) *Checker {
	return &Checker{
		collector: collector,
		metrics:   metrics,
		interval:  interval,
	}
}

// Run publishes once immediately and then on every tick. It blocks until
// ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := c.interval
	if interval <= 0 {
		interval = time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting experiment summary checker", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.check(ctx, log)
	for {
		select {
		case <-ctx.Done():
			log.Info("experiment summary checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	sum, err := c.collector.Collect(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("monitoring: failed to collect summary", zap.Error(err))
		}
		return
	}
	c.metrics.SetStatusCounts(sum.ByStatus)

	if sum.ByStatus["running"] > 0 && sum.Live == 0 {
		log.Warn("monitoring: running experiments exist but none is inside its schedule window",
			zap.Int("running", sum.ByStatus["running"]),
			zap.Int("scheduled", sum.Scheduled),
		)
		return
	}
	log.Debug("monitoring: summary published",
		zap.Int("total", sum.Total),
		zap.Int("live", sum.Live),
	)
}
