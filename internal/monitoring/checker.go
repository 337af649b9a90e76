package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/origin-engine/internal/config"
)

// SnapshotHook receives every snapshot the checker collects.
type SnapshotHook func(*Snapshot)

// Checker periodically collects KPIs, publishes them to hooks and sends
// alerts. An alert type that is still firing is not re-sent until it clears.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	hooks     []SnapshotHook

	mu     sync.Mutex
	firing map[AlertType]bool
}

// NewChecker creates a background KPI checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig, hooks ...SnapshotHook) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		hooks:     hooks,
		firing:    make(map[AlertType]bool),
	}
}

// Run checks once immediately, then on every interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting kpi checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackHours),
	)

	if ctx.Err() == nil {
		c.check(ctx, log)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("kpi checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackHours)
	if err != nil {
		log.Error("monitoring: collect kpis", zap.Error(err))
		return
	}

	for _, hook := range c.hooks {
		hook(snap)
	}

	fresh := c.newlyFiring(c.alerter.Evaluate(snap))
	if len(fresh) == 0 {
		log.Debug("monitoring: no new alerts",
			zap.Int("decided", snap.Decided),
			zap.Float64("conform_rate", snap.ConformRate),
		)
		return
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	log.Info("monitoring: alerts raised",
		zap.Int("alerts_triggered", len(fresh)),
		zap.Int("alerts_sent", sent),
	)
}

// newlyFiring returns alerts whose type was not firing on the previous
// check and forgets types that have cleared.
func (c *Checker) newlyFiring(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := make(map[AlertType]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		current[a.Type] = true
		if !c.firing[a.Type] {
			fresh = append(fresh, a)
		}
	}
	c.firing = current
	return fresh
}
