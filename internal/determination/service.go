// Package determination runs one origin determination from the raw request
// body to a persisted certificate. Side effects that must not hold up the
// caller (review escalation, audit) are handed to the dispatcher.
package determination

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sells-group/origin-engine/internal/audit"
	"github.com/sells-group/origin-engine/internal/consensus"
	"github.com/sells-group/origin-engine/internal/escalation"
	"github.com/sells-group/origin-engine/internal/metrics"
	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/rules"
	"github.com/sells-group/origin-engine/internal/store"
	"github.com/sells-group/origin-engine/internal/validate"
	"github.com/sells-group/origin-engine/pkg/ltsd"
)

// ErrPersistFailed is returned when the certificate could not be written.
var ErrPersistFailed = eris.New("determination: failed to persist certificate")

// ReviewStatusQueued is reported for an accepted review job.
const ReviewStatusQueued = "queued"

// Store persists certificates.
type Store interface {
	Upsert(ctx context.Context, id model.CertificateIdentity, upd store.CertificateUpdate) (*model.Certificate, error)
}

// Escalator queues determinations for human review.
type Escalator interface {
	NewJob(req model.OriginCalculationRequest, res model.OriginCalculationResult) model.HumanReviewJob
	EnqueueReview(job model.HumanReviewJob) (string, error)
}

// degradedReporter is implemented by stores that can serve from a fallback.
type degradedReporter interface {
	Degraded() bool
}

// Config tunes the pipeline.
type Config struct {
	// ReviewThreshold is the consensus score below which a conforming
	// verdict still goes to review.
	ReviewThreshold float64
	// EvaluatorTimeout bounds one external evaluation.
	EvaluatorTimeout time.Duration
	TenantID         string
	ImportCountry    string
	ExportCountry    string
	Currency         string
}

func (c Config) withDefaults() Config {
	if c.ReviewThreshold <= 0 {
		c.ReviewThreshold = escalation.DefaultThreshold
	}
	if c.EvaluatorTimeout <= 0 {
		c.EvaluatorTimeout = 10 * time.Second
	}
	if c.TenantID == "" {
		c.TenantID = "00000000-0000-0000-0000-000000000000"
	}
	if c.ImportCountry == "" {
		c.ImportCountry = "NL"
	}
	if c.Currency == "" {
		c.Currency = "EUR"
	}
	return c
}

// Deps are the collaborators of a Service. Engine and Store are required;
// a nil Evaluator disables delegation and a nil Escalator disables review
// queueing.
type Deps struct {
	Engine       *rules.Engine
	Resolver     *consensus.Resolver
	Orchestrator *consensus.Orchestrator
	Evaluator    ltsd.Client
	Store        Store
	Escalator    Escalator
	Audit        *audit.Recorder
	Metrics      *metrics.Metrics
	Tracer       trace.Tracer
}

// Service runs determinations.
type Service struct {
	cfg          Config
	engine       *rules.Engine
	resolver     *consensus.Resolver
	orchestrator *consensus.Orchestrator
	evaluator    ltsd.Client
	store        Store
	escalator    Escalator
	audit        *audit.Recorder
	metrics      *metrics.Metrics
	tracer       trace.Tracer
	now          func() time.Time
}

// New creates a service.
func New(cfg Config, deps Deps) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:          cfg,
		engine:       deps.Engine,
		resolver:     deps.Resolver,
		orchestrator: deps.Orchestrator,
		evaluator:    deps.Evaluator,
		store:        deps.Store,
		escalator:    deps.Escalator,
		audit:        deps.Audit,
		metrics:      deps.Metrics,
		tracer:       deps.Tracer,
		now:          time.Now,
	}
	if s.resolver == nil {
		s.resolver = consensus.NewResolver(deps.Engine.Catalog())
	}
	if s.orchestrator == nil {
		s.orchestrator = consensus.NewOrchestrator(consensus.Config{Threshold: cfg.ReviewThreshold})
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("origin-engine/determination")
	}
	return s
}

// Outcome is a completed determination.
type Outcome struct {
	Certificate *model.Certificate
	Request     model.OriginCalculationRequest
	Result      model.OriginCalculationResult
	HumanReview *model.ReviewRef
	// Degraded is set while the store serves from its in-memory fallback.
	Degraded bool
	Path     string
	State    State
}

// Determine validates raw, decides it and persists the certificate. Errors are
// a *validate.Error for rejected input, ErrPersistFailed when the store
// refused the write, or an unexpected failure.
func (s *Service) Determine(ctx context.Context, raw []byte) (out *Outcome, err error) {
	started := s.now()
	ctx, span := s.tracer.Start(ctx, "determination.determine")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	lc := newLifecycle(span)

	req, err := validate.OriginRequest(raw)
	if err != nil {
		lc.to(StateRejected)
		reason := metrics.ReasonUnexpected
		if verr, ok := validate.As(err); ok {
			reason = verr.Reason
		}
		s.metrics.IncrementFailure(reason)
		return nil, err
	}
	lc.to(StateValidated,
		attribute.String("product_sku", req.ProductSKU),
		attribute.String("hs_code", req.HSCode),
		attribute.String("agreement", req.TradeAgreement),
	)
	lc.to(StateNormalized, attribute.Int("materials", len(req.Materials)))

	res, path, forceReview := s.decide(ctx, req)
	if path == PathFallback {
		lc.to(StateFallback)
	} else {
		lc.to(StateRuleMatched, attribute.String("path", path))
	}

	res.HumanReviewRequired = res.HumanReviewRequired || forceReview ||
		escalation.RequiresReview(res, s.cfg.ReviewThreshold)

	var review *model.ReviewRef
	if res.HumanReviewRequired && s.escalator != nil {
		review = s.escalate(req, res)
		if review != nil {
			lc.to(StateEscalated, attribute.String("job_id", review.JobID))
		}
	}

	payload, err := json.Marshal(res.Payload())
	if err != nil {
		s.metrics.IncrementFailure(metrics.ReasonUnexpected)
		return nil, eris.Wrap(err, "determination: encode result")
	}

	identity := model.CertificateIdentity{ProductSKU: req.ProductSKU, HS6: req.HSCode, Agreement: req.TradeAgreement}
	cert, err := s.store.Upsert(ctx, identity, store.CertificateUpdate{
		Status: model.CertificateStatusDone,
		Result: payload,
	})
	if err != nil {
		lc.to(StatePersistFailed)
		s.metrics.IncrementFailure(metrics.ReasonPersistence)
		zap.L().Error("determination: persist certificate",
			zap.String("product_sku", req.ProductSKU),
			zap.String("hs_code", req.HSCode),
			zap.Error(err),
		)
		s.audit.Record(audit.Event{
			Action:   audit.ActionOriginCalculation,
			Resource: "origin_certificate",
			Success:  false,
			Error:    err.Error(),
			Details:  map[string]any{"productSku": req.ProductSKU, "hsCode": req.HSCode, "tradeAgreement": req.TradeAgreement},
		})
		return nil, eris.Wrapf(ErrPersistFailed, "%v", err)
	}
	lc.to(StatePersisted, attribute.String("certificate_id", cert.ID))

	degraded := false
	if dr, ok := s.store.(degradedReporter); ok {
		degraded = dr.Degraded()
	}

	s.record(cert, req, res, path, review)
	s.metrics.ObserveDetermination(path, res.IsConform, s.now().Sub(started))
	lc.to(StateResponded, attribute.Bool("conform", res.IsConform), attribute.Bool("degraded", degraded))

	return &Outcome{
		Certificate: cert,
		Request:     req,
		Result:      res,
		HumanReview: review,
		Degraded:    degraded,
		Path:        path,
		State:       lc.state,
	}, nil
}

// decide picks the verdict. forceReview is set when the external evaluator
// asked for manual review.
func (s *Service) decide(ctx context.Context, req model.OriginCalculationRequest) (res model.OriginCalculationResult, path string, forceReview bool) {
	res, matched, err := s.calculate(req)
	if err != nil {
		s.metrics.IncrementFailure(metrics.ReasonRuleEngineFailed)
		zap.L().Error("determination: rule engine failed", zap.String("hs_code", req.HSCode), zap.Error(err))
		return s.resolver.Resolve(req), PathFallback, false
	}
	if !matched {
		return s.resolver.Resolve(req), PathFallback, false
	}

	path = PathRuleMatched
	rule := res.AppliedRules[0]
	if rule.EvaluationRuleID != "" && s.evaluator != nil {
		evaluated, review, err := s.evaluate(ctx, req, rule, res)
		if err != nil {
			reason := metrics.ReasonEvaluationFailed
			if ltsd.IsUnavailable(err) {
				reason = metrics.ReasonEvaluationUnavailable
			}
			s.metrics.IncrementFailure(reason)
			zap.L().Warn("determination: external evaluation failed, using fallback",
				zap.String("rule_id", rule.EvaluationRuleID),
				zap.String("reason", reason),
				zap.Error(err),
			)
			return s.resolver.Resolve(req), PathFallback, false
		}
		res, path, forceReview = evaluated, PathEvaluator, review
	}

	outcome := s.orchestrator.Run(ctx, consensus.Input{
		Request:     req,
		Evaluations: evaluations(res),
		Best:        res,
	})
	return outcome.Apply(res), path, forceReview
}

func (s *Service) calculate(req model.OriginCalculationRequest) (res model.OriginCalculationResult, matched bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = eris.Errorf("determination: rule engine panicked: %v", p)
		}
	}()
	res, matched = s.engine.Calculate(req)
	return res, matched, nil
}

func evaluations(res model.OriginCalculationResult) []consensus.Evaluation {
	out := make([]consensus.Evaluation, 0, len(res.AppliedRules))
	for _, r := range res.AppliedRules {
		out = append(out, consensus.Evaluation{
			RuleID:      r.ID,
			IsConform:   res.IsConform,
			Confidence:  res.Confidence,
			Explanation: res.Explanation,
		})
	}
	return out
}

// escalate submits a review job. A rejected submit is counted and the
// determination proceeds without a review reference.
func (s *Service) escalate(req model.OriginCalculationRequest, res model.OriginCalculationResult) *model.ReviewRef {
	job := s.escalator.NewJob(req, res)
	id, err := s.escalator.EnqueueReview(job)
	if err != nil {
		s.metrics.IncrementFailure(metrics.ReasonHumanReviewQueueFull)
		zap.L().Warn("determination: review not queued",
			zap.String("product_sku", req.ProductSKU),
			zap.String("reason", job.Reason),
			zap.Error(err),
		)
		return nil
	}
	return &model.ReviewRef{JobID: id, Status: ReviewStatusQueued}
}

func (s *Service) record(cert *model.Certificate, req model.OriginCalculationRequest, res model.OriginCalculationResult, path string, review *model.ReviewRef) {
	details := map[string]any{
		"productSku":          req.ProductSKU,
		"hsCode":              req.HSCode,
		"tradeAgreement":      req.TradeAgreement,
		"isConform":           res.IsConform,
		"confidence":          res.Confidence,
		"rvc":                 res.Calculations.RVC,
		"path":                path,
		"humanReviewRequired": res.HumanReviewRequired,
	}
	if review != nil {
		details["reviewJobId"] = review.JobID
	}
	if res.Evidence != nil {
		details["ledgerReference"] = res.Evidence.LedgerReference
	}
	s.audit.Record(audit.Event{
		Action:     audit.ActionOriginCalculation,
		Resource:   "origin_certificate",
		ResourceID: cert.ID,
		Success:    true,
		Details:    details,
	})

	if res.AIConsensusEnabled {
		s.audit.Record(audit.Event{
			Action:     audit.ActionAIConsensus,
			Resource:   "origin_certificate",
			ResourceID: cert.ID,
			Success:    true,
			Details: map[string]any{
				"consensusScore": res.Score(),
				"summary":        res.ConsensusSummary,
				"dissenting":     len(res.DissentingOpinions),
				"providers":      len(res.ProviderDecisions),
			},
		})
	}
}

// lifecycle tracks the state of one determination.
type lifecycle struct {
	span  trace.Span
	state State
}

func newLifecycle(span trace.Span) *lifecycle {
	return &lifecycle{span: span, state: StateReceived}
}

func (l *lifecycle) to(next State, attrs ...attribute.KeyValue) {
	if !CanTransition(l.state, next) {
		zap.L().Error("determination: illegal transition",
			zap.String("from", string(l.state)),
			zap.String("to", string(next)),
		)
	}
	zap.L().Debug("determination: transition",
		zap.String("from", string(l.state)),
		zap.String("to", string(next)),
	)
	attrs = append(attrs, attribute.String("from", string(l.state)))
	l.span.AddEvent(string(next), trace.WithAttributes(attrs...))
	l.state = next
}
