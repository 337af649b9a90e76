package determination

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/rules"
	"github.com/sells-group/origin-engine/internal/validate"
	"github.com/sells-group/origin-engine/pkg/ltsd"
)

// AltExternalEvaluation marks the alternative added for an external verdict.
const AltExternalEvaluation = "external-evaluation"

// Evaluator call outcomes reported to metrics.
const (
	evalOutcomeUnavailable = "unavailable"
	evalOutcomeError       = "error"
	evalOutcomeInvalid     = "invalid"
)

// evaluate delegates the matched rule to the external evaluation service.
// review is true when the service asked for manual review.
func (s *Service) evaluate(ctx context.Context, req model.OriginCalculationRequest, rule model.OriginRule, base model.OriginCalculationResult) (model.OriginCalculationResult, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EvaluatorTimeout)
	defer cancel()

	started := time.Now()
	resp, err := s.evaluator.Evaluate(ctx, s.evaluationRequest(req, rule.EvaluationRuleID))
	if err != nil {
		outcome := evalOutcomeError
		if ltsd.IsUnavailable(err) {
			outcome = evalOutcomeUnavailable
		}
		s.metrics.ObserveEvaluator(outcome, time.Since(started))
		return base, false, err
	}
	if err := validate.VerdictResponse(*resp); err != nil {
		s.metrics.ObserveEvaluator(evalOutcomeInvalid, time.Since(started))
		return base, false, eris.Wrapf(err, "determination: verdict for %s", rule.EvaluationRuleID)
	}
	s.metrics.ObserveEvaluator(resp.Verdict.Status, time.Since(started))

	return applyVerdict(req, base, *resp), resp.Verdict.Status == ltsd.StatusManualReview, nil
}

// evaluationRequest describes req in the evaluation service's terms.
func (s *Service) evaluationRequest(req model.OriginCalculationRequest, ruleID string) ltsd.EvaluationRequest {
	agreement := s.engine.Catalog().Agreement(req.TradeAgreement)
	name := agreement.Name
	if name == "" {
		name = req.TradeAgreement
	}

	bom := make([]ltsd.BOMItem, 0, len(req.Materials))
	for i, m := range req.Materials {
		origin := strings.ToUpper(m.Origin)
		bom = append(bom, ltsd.BOMItem{
			LineID:          strconv.Itoa(i + 1),
			Description:     m.Description,
			HSCode:          m.HSCode,
			CountryOfOrigin: origin,
			Value:           ltsd.Money{Amount: m.Value, Currency: s.cfg.Currency},
			IsOriginating:   origin == "EU" || agreement.IsParty(origin),
		})
	}

	ops := make([]ltsd.Operation, 0, len(req.ManufacturingProcesses))
	for _, p := range req.ManufacturingProcesses {
		ops = append(ops, ltsd.Operation{Code: strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(p), " ", "_"))})
	}

	export := s.cfg.ExportCountry
	if export == "" {
		export = principalOrigin(req.Materials)
	}

	return ltsd.EvaluationRequest{
		RuleID: ruleID,
		EvaluationInput: ltsd.EvaluationInput{
			Context: ltsd.EvaluationContext{
				TenantID:  s.cfg.TenantID,
				RequestID: uuid.NewString(),
				Agreement: ltsd.Agreement{Code: req.TradeAgreement, Name: name},
				HSCode: ltsd.HSClassification{
					Chapter:    req.HSCode[:2],
					Heading:    req.HSCode[:4],
					Subheading: req.HSCode[:6],
				},
				EffectiveDate: s.now().UTC().Format(time.DateOnly),
				ImportCountry: s.cfg.ImportCountry,
				ExportCountry: export,
			},
			BillOfMaterials: bom,
			Process: ltsd.Process{
				PerformedOperations:    ops,
				TotalManufacturingCost: ltsd.Money{Amount: req.ProductValue, Currency: s.cfg.Currency},
				ValueAddedPercentage:   rules.Round1(rules.ComputeRVC(req).RVC),
			},
			Documentation: ltsd.Documentation{
				SubmittedCertificates: []string{},
				Evidence:              map[string]string{},
			},
		},
	}
}

// principalOrigin returns the origin of the most valuable material that is
// a country, or "EU" when there is none.
func principalOrigin(materials []model.Material) string {
	best, bestValue := "", -1.0
	for _, m := range materials {
		o := strings.ToUpper(m.Origin)
		if len(o) != 2 || o == "EU" {
			continue
		}
		if m.Value > bestValue {
			best, bestValue = o, m.Value
		}
	}
	if best == "" {
		return "EU"
	}
	return best
}

// applyVerdict replaces the local verdict with the service's decision. The
// local calculations stay as the numeric basis.
func applyVerdict(req model.OriginCalculationRequest, res model.OriginCalculationResult, resp ltsd.EvaluationResponse) model.OriginCalculationResult {
	v := resp.Verdict
	res.IsConform = v.Status == ltsd.StatusQualified
	res.Confidence = v.Confidence
	res.Evidence = resp.Evidence()
	res.AuditTrail.ConsensusScore = v.Confidence

	alts := make([]model.AlternativeEvaluation, 0, len(res.Alternatives)+1)
	alts = append(alts, res.Alternatives...)
	res.Alternatives = append(alts, model.AlternativeEvaluation{
		Type:       AltExternalEvaluation,
		Result:     res.IsConform,
		Confidence: model.Float(v.Confidence),
		Details:    fmt.Sprintf("Rule %s: %s", v.RuleID, v.Status),
	})

	var b strings.Builder
	switch v.Status {
	case ltsd.StatusQualified:
		fmt.Fprintf(&b, "Product %s qualifies for preferential origin under %s (external rule %s).", req.HSCode, req.TradeAgreement, v.RuleID)
	case ltsd.StatusManualReview:
		fmt.Fprintf(&b, "External rule %s for product %s under %s requires manual review.", v.RuleID, req.HSCode, req.TradeAgreement)
	default:
		fmt.Fprintf(&b, "Product %s does not qualify for preferential origin under %s (external rule %s).", req.HSCode, req.TradeAgreement, v.RuleID)
	}
	for _, d := range v.DisqualificationReasons {
		fmt.Fprintf(&b, " %s: %s.", d.Code, strings.TrimSuffix(d.Description, "."))
	}
	if v.Notes != "" {
		b.WriteString(" " + v.Notes)
	}
	res.Explanation = b.String()
	return res
}
