package rules

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sells-group/origin-engine/internal/model"
)

// TariffShiftRule is always reported on partner checks.
const TariffShiftRule = "Change in Tariff Classification (CTC)"

// PartnerCheck evaluates a partner origin-check request. A material is
// originating when its origin is the regional origin or a party to the
// agreement; RVC is the originating share of the ex-works value.
func (c *Catalog) PartnerCheck(req model.PartnerCheckRequest) (model.PartnerVerdict, model.PartnerCalculations) {
	ac := c.Agreement(req.TradeAgreement)

	originating := decimal.Zero
	nonOriginating := decimal.Zero
	for _, m := range req.Materials {
		v := decimal.NewFromFloat(m.Value)
		if isRegional(m.Origin) || ac.IsParty(m.Origin) {
			originating = originating.Add(v)
		} else {
			nonOriginating = nonOriginating.Add(v)
		}
	}

	exWorks := decimal.NewFromFloat(req.ExWorksValue)
	rvc := 0.0
	if exWorks.IsPositive() {
		rvc = exWorks.Sub(nonOriginating).Div(exWorks).Mul(hundred).InexactFloat64()
	}

	threshold := ac.PartnerThreshold
	isConform := rvc >= threshold

	verdict := model.PartnerVerdict{
		IsConform:     isConform,
		Confidence:    c.Defaults.PartnerConfidence,
		Verdict:       model.VerdictNonPreferential,
		AppliedRules:  []string{fmt.Sprintf("RVC >= %s%%", formatThreshold(threshold)), TariffShiftRule},
		RVCPercentage: rvc,
	}
	if isConform {
		verdict.Verdict = model.VerdictPreferential
		verdict.Explanation = fmt.Sprintf(
			"Product qualifies for preferential origin under %s. Regional Value Content (RVC) is %.1f%%, which exceeds the %s%% threshold.",
			req.TradeAgreement, rvc, formatThreshold(threshold))
	} else {
		verdict.Explanation = fmt.Sprintf(
			"Product does not qualify for preferential origin. RVC is %.1f%%, below the required %s%%.",
			rvc, formatThreshold(threshold))
	}

	return verdict, model.PartnerCalculations{
		RegionalValueContent:         rvc,
		NonOriginatingMaterialsValue: nonOriginating.InexactFloat64(),
		OriginatingMaterialsValue:    originating.InexactFloat64(),
	}
}

func formatThreshold(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func isRegional(origin string) bool {
	return strings.EqualFold(strings.TrimSpace(origin), RegionalOrigin)
}
