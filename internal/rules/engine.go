package rules

import (
	"fmt"
	"time"

	"github.com/sells-group/origin-engine/internal/model"
)

// Alternative types reported next to the main verdict.
const (
	AltRVC             = "rvc"
	AltMaxNOM          = "max-nom"
	AltChangeOfTariff  = "change-of-tariff"
	AltSuccessCriteria = "success-criterion"
)

// Engine evaluates requests against the catalog without any network access.
type Engine struct {
	catalog *Catalog
	now     func() time.Time
}

// NewEngine creates an engine over catalog.
func NewEngine(catalog *Catalog) *Engine {
	return &Engine{catalog: catalog, now: time.Now}
}

// Catalog returns the reference data the engine evaluates against.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// Calculate produces a local verdict for req. matched is false when no rule
// governs the request; the result is still complete but carries degraded
// confidence and should be routed to the fallback resolver.
func (e *Engine) Calculate(req model.OriginCalculationRequest) (model.OriginCalculationResult, bool) {
	d := e.catalog.Defaults
	rule, matched := e.catalog.Match(req.HSCode, req.TradeAgreement)

	var rulePtr *model.OriginRule
	if matched {
		rulePtr = &rule
	}
	threshold := e.catalog.Threshold(req.TradeAgreement, rulePtr)

	value := ComputeRVC(req)
	isConform := value.RVC >= threshold
	cot := ChangeOfTariff(req.HSCode, req.Materials)

	confidence := clamp(value.RVC/100, d.ConfidenceFloor, 1)
	if matched {
		confidence = max(d.MatchedConfidence, d.ConfidenceFloor)
	}

	alts := []model.AlternativeEvaluation{{
		Type:       AltRVC,
		Result:     isConform,
		Confidence: model.Float(confidence),
		Details:    fmt.Sprintf("RVC %.1f%% vs threshold %.1f%%", Round1(value.RVC), threshold),
	}}

	applied := []model.OriginRule{}
	if matched {
		applied = append(applied, rule)
		conds := ParseConditions(rule.Conditions)
		if conds.HasMaxNOM {
			share := value.NonOriginShare()
			alts = append(alts, model.AlternativeEvaluation{
				Type:    AltMaxNOM,
				Result:  share <= conds.MaxNOMThreshold,
				Details: fmt.Sprintf("MaxNOM %.1f%% <= %.1f%%", Round1(share), conds.MaxNOMThreshold),
			})
		}
		if conds.TariffShift != "" {
			state := "not satisfied"
			if cot {
				state = "satisfied"
			}
			alts = append(alts, model.AlternativeEvaluation{
				Type:    AltChangeOfTariff,
				Result:  cot,
				Details: fmt.Sprintf("%s: tariff shift %s for %d materials", conds.TariffShift, state, len(req.Materials)),
			})
		}
		for _, criterion := range rule.SuccessCriteria {
			alts = append(alts, model.AlternativeEvaluation{
				Type:    AltSuccessCriteria,
				Result:  isConform,
				Details: criterion,
			})
		}
	}

	return model.OriginCalculationResult{
		IsConform:          isConform,
		Confidence:         confidence,
		Explanation:        explain(req, rulePtr, value.RVC, threshold, isConform),
		AppliedRules:       applied,
		Calculations:       model.Calculations{RVC: Round1(value.RVC), MaxNOM: MaxPercentage(req.Materials), ChangeOfTariff: cot},
		Alternatives:       alts,
		DissentingOpinions: []string{},
		ProviderDecisions:  []model.ProviderDecision{},
		AuditTrail: model.AuditTrail{
			ConsensusScore:    confidence,
			RequiredThreshold: d.ConsensusThreshold,
			ProviderDecisions: []model.ProviderDecision{},
			GeneratedAt:       e.now().UTC(),
		},
	}, matched
}

func explain(req model.OriginCalculationRequest, rule *model.OriginRule, rvc, threshold float64, conform bool) string {
	basis := "default threshold"
	if rule != nil {
		basis = "rule " + rule.ID
	}
	if conform {
		return fmt.Sprintf("Product %s qualifies for preferential origin under %s (%s). RVC is %.1f%%, meeting the %.1f%% threshold.",
			req.HSCode, req.TradeAgreement, basis, Round1(rvc), threshold)
	}
	return fmt.Sprintf("Product %s does not qualify for preferential origin under %s (%s). RVC is %.1f%%, below the required %.1f%%.",
		req.HSCode, req.TradeAgreement, basis, Round1(rvc), threshold)
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
