// Package consensus produces verdicts when the rule engine cannot, and scores
// engine verdicts against independent advisors.
package consensus

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/origin-engine/internal/escalation"
	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/rules"
)

// Resolver computes a best-effort verdict from local reference data only.
type Resolver struct {
	catalog *rules.Catalog
	now     func() time.Time
}

// NewResolver creates a resolver over catalog.
func NewResolver(catalog *rules.Catalog) *Resolver {
	return &Resolver{catalog: catalog, now: time.Now}
}

// Resolve never fails. A panic while computing degrades the result to an
// empty, non-conforming verdict at the confidence floor.
func (r *Resolver) Resolve(req model.OriginCalculationRequest) (res model.OriginCalculationResult) {
	defer func() {
		if p := recover(); p != nil {
			zap.L().Error("consensus: fallback resolver recovered",
				zap.String("hs_code", req.HSCode),
				zap.String("agreement", req.TradeAgreement),
				zap.Any("panic", p),
			)
			res = r.degraded(req)
		}
	}()

	d := r.catalog.Defaults
	threshold := r.catalog.Threshold(req.TradeAgreement, nil)
	value := rules.ComputeRVC(req)
	isConform := value.RVC >= threshold
	confidence := min(max(value.RVC/100, d.ConfidenceFloor), 1)

	res = model.OriginCalculationResult{
		IsConform:    isConform,
		Confidence:   confidence,
		Explanation:  fmt.Sprintf("Fallback origin calculation completed for %s under %s.", req.HSCode, req.TradeAgreement),
		AppliedRules: []model.OriginRule{},
		Calculations: model.Calculations{
			RVC:            rules.Round1(value.RVC),
			MaxNOM:         rules.MaxPercentage(req.Materials),
			ChangeOfTariff: rules.ChangeOfTariff(req.HSCode, req.Materials),
		},
		Alternatives: []model.AlternativeEvaluation{{
			Type:       rules.AltRVC,
			Result:     isConform,
			Confidence: model.Float(confidence),
			Details:    fmt.Sprintf("Fallback RVC %.1f%%", rules.Round1(value.RVC)),
		}},
		ConsensusScore:     model.Float(confidence),
		DissentingOpinions: []string{},
		ProviderDecisions:  []model.ProviderDecision{},
		AIConsensusEnabled: false,
		AuditTrail:         r.trail(confidence),
	}
	res.HumanReviewRequired = escalation.RequiresReview(res, d.ConsensusThreshold)
	return res
}

func (r *Resolver) defaults() rules.Defaults {
	if r.catalog == nil {
		return rules.BaseDefaults()
	}
	return r.catalog.Defaults
}

func (r *Resolver) degraded(req model.OriginCalculationRequest) model.OriginCalculationResult {
	floor := r.defaults().ConfidenceFloor
	return model.OriginCalculationResult{
		Confidence:          floor,
		Explanation:         fmt.Sprintf("Fallback origin calculation completed for %s under %s.", req.HSCode, req.TradeAgreement),
		AppliedRules:        []model.OriginRule{},
		Alternatives:        []model.AlternativeEvaluation{},
		ConsensusScore:      model.Float(floor),
		DissentingOpinions:  []string{},
		ProviderDecisions:   []model.ProviderDecision{},
		HumanReviewRequired: true,
		AuditTrail:          r.trail(floor),
	}
}

func (r *Resolver) trail(score float64) model.AuditTrail {
	return model.AuditTrail{
		ConsensusScore:    score,
		RequiredThreshold: r.defaults().ConsensusThreshold,
		ProviderDecisions: []model.ProviderDecision{},
		GeneratedAt:       r.now().UTC(),
	}
}
