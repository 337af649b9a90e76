package main

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/origin-engine/internal/api"
	"github.com/sells-group/origin-engine/internal/audit"
	"github.com/sells-group/origin-engine/internal/config"
	"github.com/sells-group/origin-engine/internal/consensus"
	"github.com/sells-group/origin-engine/internal/determination"
	"github.com/sells-group/origin-engine/internal/dispatch"
	"github.com/sells-group/origin-engine/internal/escalation"
	"github.com/sells-group/origin-engine/internal/metrics"
	"github.com/sells-group/origin-engine/internal/monitoring"
	"github.com/sells-group/origin-engine/internal/resilience"
	"github.com/sells-group/origin-engine/internal/rules"
	"github.com/sells-group/origin-engine/internal/store"
	"github.com/sells-group/origin-engine/pkg/anthropic"
	"github.com/sells-group/origin-engine/pkg/ltsd"
)

const tracerName = "github.com/sells-group/origin-engine"

// app holds the wired components of a running server.
type app struct {
	cfg        *config.Config
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	store      store.Store
	dispatcher *dispatch.Dispatcher
	service    *determination.Service
	server     *api.Server
	checker    *monitoring.Checker
	publisher  audit.Publisher
	temporal   client.Client
	worker     worker.Worker
	closers    []func() error
}

// newApp wires every component from cfg. The caller owns Close.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	st, err := initServingStore(ctx, cfg.Store, a.metrics)
	if err != nil {
		return nil, err
	}
	a.store = st

	catalog, err := rules.LoadCatalog(cfg.Rules.CatalogPath)
	if err != nil {
		a.Close()
		return nil, eris.Wrap(err, "load rule catalog")
	}

	a.dispatcher = dispatch.New(dispatch.Config{
		Workers:     cfg.Dispatch.Workers,
		QueueSize:   cfg.Dispatch.QueueSize,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
	})

	queue, err := a.initQueue(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.publisher, err = initPublisher(cfg.Audit)
	if err != nil {
		a.Close()
		return nil, err
	}
	recorder := audit.NewRecorder(a.publisher, a.dispatcher)

	evaluator := initEvaluator(cfg.Evaluator)

	a.service = determination.New(determination.Config{
		ReviewThreshold:  cfg.Rules.ConsensusThreshold,
		EvaluatorTimeout: time.Duration(cfg.Evaluator.TimeoutMS) * time.Millisecond,
		TenantID:         cfg.Determination.TenantID,
		ImportCountry:    cfg.Determination.ImportCountry,
		ExportCountry:    cfg.Determination.ExportCountry,
		Currency:         cfg.Determination.Currency,
	}, determination.Deps{
		Engine:       rules.NewEngine(catalog),
		Resolver:     consensus.NewResolver(catalog),
		Orchestrator: initOrchestrator(cfg),
		Evaluator:    evaluator,
		Store:        a.store,
		Escalator:    escalation.NewAdapter(queue, a.dispatcher),
		Audit:        recorder,
		Metrics:      a.metrics,
		Tracer:       otel.Tracer(tracerName),
	})

	collector := monitoring.NewCollector(a.store)
	if cfg.Monitoring.Enabled {
		a.checker = monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring, a.publishKPIs)
	}

	a.server = api.New(api.Deps{
		Determiner: a.service,
		Store:      a.store,
		Catalog:    catalog,
		Evaluator:  evaluator,
		KPI:        collector,
		Audit:      recorder,
		Metrics:    a.metrics,
		Gatherer:   a.registry,
	}, api.Options{
		CORSOrigins:   cfg.Server.CORSOrigins,
		Partner:       cfg.Partner,
		LookbackHours: cfg.Monitoring.LookbackHours,
	})

	return a, nil
}

// initQueue builds the configured review queue. The temporal backend also
// starts a worker hosting the review workflow.
func (a *app) initQueue(ctx context.Context) (escalation.Queue, error) {
	ec := a.cfg.Escalation
	switch ec.Backend {
	case "redis":
		rc, err := escalation.NewRedisClient(ctx, ec.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rc.Close)
		return escalation.NewRedisQueue(rc, ec.RedisList), nil
	case "temporal":
		c, err := client.Dial(client.Options{
			HostPort:  ec.TemporalHost,
			Namespace: ec.TemporalNamespace,
		})
		if err != nil {
			return nil, eris.Wrap(err, "dial temporal")
		}
		a.temporal = c
		a.worker = worker.New(c, ec.TemporalTaskQueue, worker.Options{})
		escalation.RegisterWorkflows(a.worker)
		return escalation.NewTemporalQueue(c, ec.TemporalTaskQueue), nil
	default:
		return escalation.NewMemoryQueue(), nil
	}
}

// initPublisher writes audit events to kafka when brokers are configured and
// to the log otherwise.
func initPublisher(ac config.AuditConfig) (audit.Publisher, error) {
	if ac.KafkaBrokers == "" {
		return audit.NewLogPublisher(zap.L()), nil
	}
	pub, err := audit.NewKafkaPublisher(ac.KafkaBrokers, ac.KafkaTopic)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// initEvaluator returns nil when no evaluation service is configured.
func initEvaluator(ec config.EvaluatorConfig) ltsd.Client {
	if ec.BaseURL == "" {
		return nil
	}
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Threshold: ec.FailureThreshold,
		Cooldown:  time.Duration(ec.ResetTimeoutSecs) * time.Second,
		Trips:     ltsd.Trips,
		OnChange: func(from, to resilience.State) {
			zap.L().Warn("evaluation service breaker changed state",
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})
	return ltsd.NewClient(ec.BaseURL,
		ltsd.WithTimeout(time.Duration(ec.TimeoutMS)*time.Millisecond),
		ltsd.WithBreaker(breaker),
		ltsd.WithRetry(resilience.DefaultPolicy().WithAttempts(ec.MaxAttempts)),
	)
}

// initOrchestrator enables consensus only when an advisor is available.
func initOrchestrator(cfg *config.Config) *consensus.Orchestrator {
	var advisors []consensus.Advisor
	if cfg.Anthropic.Key != "" {
		advisors = append(advisors, consensus.NewAnthropicAdvisor(anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic.Model))
	}
	enabled := cfg.Consensus.Enabled && len(advisors) > 0
	if cfg.Consensus.Enabled && !enabled {
		zap.L().Warn("consensus enabled without advisors, continuing with rules only")
	}
	return consensus.NewOrchestrator(consensus.Config{
		Enabled:   enabled,
		Threshold: cfg.Rules.ConsensusThreshold,
		Timeout:   time.Duration(cfg.Consensus.TimeoutSecs) * time.Second,
		Retries:   cfg.Consensus.Retries,
	}, advisors...)
}

// drainFailures records dispatcher failures until the channel closes.
func (a *app) drainFailures(ctx context.Context) {
	for f := range a.dispatcher.Failures() {
		a.metrics.IncrementDispatchFailure(f.Task.Kind, f.Class)
		letters := a.dispatcher.DeadLetters().List(f.Class)
		for _, d := range letters {
			if d.TaskID != f.Task.ID {
				continue
			}
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := a.store.SaveDeadLetter(saveCtx, d); err != nil {
				zap.L().Error("save dead letter",
					zap.String("task_id", d.TaskID),
					zap.String("kind", d.Kind),
					zap.Error(err),
				)
			}
			cancel()
			break
		}
	}
}

// Close releases external resources. It is safe on a partially built app.
func (a *app) Close() {
	var errs []error
	if a.worker != nil {
		a.worker.Stop()
	}
	if a.temporal != nil {
		a.temporal.Close()
	}
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		zap.L().Warn("close app", zap.Error(err))
	}
}

func (a *app) publishKPIs(snap *monitoring.Snapshot) {
	byAgreement := make(map[string]float64, len(snap.ByAgreement))
	for _, kpi := range snap.ByAgreement {
		if kpi.Total > 0 {
			byAgreement[kpi.Agreement] = float64(kpi.Conforming) / float64(kpi.Total)
		}
	}
	a.metrics.SetKPIs(snap.ConformRate, snap.ReviewRate, byAgreement)
}
