package rules

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/normalize"
)

// RegionalOrigin is the origin code counted as originating content.
const RegionalOrigin = "EU"

var hundred = decimal.NewFromInt(100)

// Value is the value breakdown behind an RVC figure.
type Value struct {
	Total     float64
	NonOrigin float64
	RVC       float64
}

// NonOriginShare returns the non-originating share of the total, in percent.
func (v Value) NonOriginShare() float64 {
	if v.Total <= 0 {
		return 0
	}
	return v.NonOrigin / v.Total * 100
}

// ComputeRVC computes regional value content for a normalized request. The
// product value is the denominator unless it was defaulted and the materials
// carry value of their own. Negative material values count as zero, so RVC
// never exceeds 100. The returned RVC is unrounded.
func ComputeRVC(req model.OriginCalculationRequest) Value {
	materialSum := decimal.Zero
	nonOrigin := decimal.Zero
	for _, m := range req.Materials {
		v := decimal.Max(decimal.NewFromFloat(m.Value), decimal.Zero)
		materialSum = materialSum.Add(v)
		if isNonOriginating(m.Origin) {
			nonOrigin = nonOrigin.Add(v)
		}
	}

	total := decimal.NewFromFloat(req.ProductValue)
	if req.ProductValueDefaulted && materialSum.IsPositive() {
		total = materialSum
	}

	out := Value{
		Total:     total.InexactFloat64(),
		NonOrigin: nonOrigin.InexactFloat64(),
	}
	if total.IsPositive() {
		out.RVC = decimal.NewFromInt(1).Sub(nonOrigin.Div(total)).Mul(hundred).InexactFloat64()
	}
	return out
}

// isNonOriginating reports whether an origin code counts against RVC: any
// two-letter code other than the regional one.
func isNonOriginating(origin string) bool {
	o := strings.TrimSpace(origin)
	return len(o) == 2 && !strings.EqualFold(o, RegionalOrigin)
}

// Round1 rounds a percentage to one decimal place for display.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// MaxPercentage returns the largest material percentage, or 0 without materials.
func MaxPercentage(materials []model.Material) float64 {
	maxNom := 0.0
	for i, m := range materials {
		if i == 0 || m.Percentage > maxNom {
			maxNom = m.Percentage
		}
	}
	return maxNom
}

// ChangeOfTariff reports whether every material sits under a different HS
// heading than the product. No materials means no shift can be shown.
func ChangeOfTariff(hs6 string, materials []model.Material) bool {
	if len(materials) == 0 {
		return false
	}
	product := normalize.Heading(hs6)
	for _, m := range materials {
		if normalize.Heading(m.HSCode) == product {
			return false
		}
	}
	return true
}
