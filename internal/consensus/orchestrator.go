package consensus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/resilience"
)

// minConfidence is the lowest score an advisor vote or consensus can carry.
const minConfidence = 0.05

// Evaluation summarizes one rule evaluation for the advisors.
type Evaluation struct {
	RuleID      string
	IsConform   bool
	Confidence  float64
	Explanation string
}

// Input is what the advisors are asked about.
type Input struct {
	Request     model.OriginCalculationRequest
	Evaluations []Evaluation
	Best        model.OriginCalculationResult
}

// Outcome is the consensus reached over a determination.
type Outcome struct {
	Enabled        bool
	Score          float64
	Summary        string
	Dissenting     []string
	Decisions      []model.ProviderDecision
	RequiresReview bool
	AuditTrail     model.AuditTrail
}

// Apply merges the outcome into an engine result.
func (o Outcome) Apply(res model.OriginCalculationResult) model.OriginCalculationResult {
	res.Confidence = max(res.Confidence, o.Score)
	if o.Summary != "" {
		res.Explanation = strings.TrimSpace(res.Explanation + "\n\n" + o.Summary)
	}
	res.ConsensusSummary = o.Summary
	res.ConsensusScore = model.Float(o.Score)
	res.DissentingOpinions = nonNil(o.Dissenting)
	res.ProviderDecisions = nonNilDecisions(o.Decisions)
	res.HumanReviewRequired = o.RequiresReview
	res.AIConsensusEnabled = o.Enabled
	res.AuditTrail = o.AuditTrail
	return res
}

// Config controls the orchestrator.
type Config struct {
	Enabled bool
	// Threshold is the consensus score below which review is required.
	Threshold float64
	// Timeout bounds each advisor call.
	Timeout time.Duration
	// Retries is the number of extra attempts per advisor.
	Retries int
}

// Orchestrator asks every advisor concurrently and reduces their votes.
type Orchestrator struct {
	cfg      Config
	advisors []Advisor
	now      func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg Config, advisors ...Advisor) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 12 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.75
	}
	return &Orchestrator{cfg: cfg, advisors: advisors, now: time.Now}
}

// Run never fails; advisor errors become decisions with status error.
func (o *Orchestrator) Run(ctx context.Context, in Input) Outcome {
	if !o.cfg.Enabled || len(o.advisors) == 0 {
		return o.synthetic(in, nil)
	}

	prompt := buildPrompt(in)
	decisions := make([]model.ProviderDecision, len(o.advisors))

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range o.advisors {
		g.Go(func() error {
			decisions[i] = o.ask(gctx, a, prompt)
			return nil
		})
	}
	_ = g.Wait()

	return o.reduce(in, decisions)
}

func (o *Orchestrator) ask(ctx context.Context, a Advisor, prompt string) model.ProviderDecision {
	if !a.Configured() {
		return model.ProviderDecision{
			Status:       model.ProviderStatusSkipped,
			ProviderID:   a.ID(),
			ProviderName: a.Name(),
			Reason:       "Missing API configuration",
		}
	}

	policy := resilience.Policy{
		Attempts:  o.cfg.Retries + 1,
		Base:      250 * time.Millisecond,
		Cap:       2 * time.Second,
		Factor:    2,
		Retryable: func(error) bool { return true },
		OnRetry:   resilience.LogRetry("consensus", a.ID()),
	}

	started := time.Now()
	text, err := resilience.RetryVal(ctx, policy, func(ctx context.Context) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
		return a.Ask(callCtx, prompt)
	})
	if err != nil {
		return model.ProviderDecision{
			Status:       model.ProviderStatusError,
			ProviderID:   a.ID(),
			ProviderName: a.Name(),
			ErrorMessage: err.Error(),
		}
	}

	v := parseAnswer(text)
	return model.ProviderDecision{
		Status:       model.ProviderStatusOK,
		ProviderID:   a.ID(),
		ProviderName: a.Name(),
		Decision:     v.decision,
		Confidence:   v.confidence,
		Rationale:    v.rationale,
		LatencyMS:    time.Since(started).Milliseconds(),
	}
}

func (o *Orchestrator) reduce(in Input, decisions []model.ProviderDecision) Outcome {
	var oks []model.ProviderDecision
	for _, d := range decisions {
		if d.Status == model.ProviderStatusOK {
			oks = append(oks, d)
		}
	}
	if len(oks) == 0 {
		return o.synthetic(in, decisions)
	}

	var conform, nonConform, inconclusive int
	var sum float64
	for _, d := range oks {
		sum += d.Confidence
		switch d.Decision {
		case model.DecisionConform:
			conform++
		case model.DecisionNonConform:
			nonConform++
		default:
			inconclusive++
		}
	}
	score := clampScore(sum / float64(len(oks)))

	decision := model.DecisionNonConform
	switch {
	case conform > nonConform:
		decision = model.DecisionConform
	case nonConform > conform:
	case in.Best.IsConform:
		decision = model.DecisionConform
	}

	dissent := []string{}
	for _, d := range oks {
		if d.Decision != decision {
			dissent = append(dissent, d.ProviderName+": "+d.Rationale)
		}
	}

	summary := fmt.Sprintf("Multi-LLM consensus flags non-conformity with %.1f%% confidence.", score*100)
	if decision == model.DecisionConform {
		summary = fmt.Sprintf("Multi-LLM consensus agrees the shipment is conforming with %.1f%% confidence.", score*100)
	}

	return Outcome{
		Enabled:    true,
		Score:      score,
		Summary:    summary,
		Dissenting: dissent,
		Decisions:  decisions,
		RequiresReview: score < o.cfg.Threshold ||
			(conform > 0 && nonConform > 0) ||
			float64(inconclusive) > float64(len(oks))/2,
		AuditTrail: o.trail(score, decisions),
	}
}

// synthetic derives a consensus from the rule evaluations alone. Advisor
// decisions that were collected but unusable are kept for the audit trail.
func (o *Orchestrator) synthetic(in Input, decisions []model.ProviderDecision) Outcome {
	score := 0.5
	supportive := 0
	if len(in.Evaluations) > 0 {
		var sum float64
		for _, e := range in.Evaluations {
			sum += e.Confidence
			if e.IsConform {
				supportive++
			}
		}
		score = sum / float64(len(in.Evaluations))
	}
	score = clampScore(score)
	majoritySupports := supportive >= len(in.Evaluations)-supportive

	dissent := []string{}
	for _, e := range in.Evaluations {
		if e.IsConform != in.Best.IsConform {
			dissent = append(dissent, fmt.Sprintf("Rule %s: %s", e.RuleID, e.Explanation))
		}
	}

	summary := fmt.Sprintf("Synthetic consensus diverges from engine decision with %.1f%% confidence.", score*100)
	if majoritySupports {
		summary = fmt.Sprintf("Synthetic consensus matches engine decision with %.1f%% confidence.", score*100)
	}

	decisions = nonNilDecisions(decisions)
	return Outcome{
		Enabled:        false,
		Score:          score,
		Summary:        summary,
		Dissenting:     dissent,
		Decisions:      decisions,
		RequiresReview: majoritySupports != in.Best.IsConform || score < o.cfg.Threshold,
		AuditTrail:     o.trail(score, decisions),
	}
}

func (o *Orchestrator) trail(score float64, decisions []model.ProviderDecision) model.AuditTrail {
	return model.AuditTrail{
		ConsensusScore:    score,
		RequiredThreshold: o.cfg.Threshold,
		ProviderDecisions: nonNilDecisions(decisions),
		GeneratedAt:       o.now().UTC(),
	}
}

func buildPrompt(in Input) string {
	var b strings.Builder
	req := in.Request
	fmt.Fprintf(&b, "You are part of a regulatory compliance council. Review the preferential origin outcome for product %s using HS %s under %s.\n\n",
		req.ProductSKU, req.HSCode, req.TradeAgreement)

	b.WriteString("Materials:\n")
	for _, m := range req.Materials {
		fmt.Fprintf(&b, "- HS %s from %s contributing %.2f%% (%.2f value)\n", m.HSCode, m.Origin, m.Percentage, m.Value)
	}

	b.WriteString("\nRule evaluations:\n")
	for _, e := range in.Evaluations {
		fmt.Fprintf(&b, "• Rule %s: %s @ %.1f%% – %s\n", e.RuleID, verdictWord(e.IsConform), e.Confidence*100, e.Explanation)
	}

	fmt.Fprintf(&b, "\nCurrent engine decision: %s (confidence %.1f%%).\n\n", verdictWord(in.Best.IsConform), in.Best.Confidence*100)
	b.WriteString("Respond in JSON with keys decision (conform|non-conform|inconclusive), confidence (0-1), rationale (short explanation).")
	return b.String()
}

func verdictWord(conform bool) string {
	if conform {
		return "CONFORM"
	}
	return "NOT CONFORM"
}

func clampScore(v float64) float64 {
	return min(max(v, minConfidence), 1)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilDecisions(d []model.ProviderDecision) []model.ProviderDecision {
	if d == nil {
		return []model.ProviderDecision{}
	}
	return d
}
