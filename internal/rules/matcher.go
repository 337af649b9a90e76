package rules

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sells-group/origin-engine/internal/model"
)

// Match returns the rule that governs hs6 under agreement. Candidates are
// rules of the same agreement whose HS code prefixes hs6; the lowest priority
// wins, then the more specific HS code, then the lower rule id.
func (c *Catalog) Match(hs6, agreement string) (model.OriginRule, bool) {
	agreement = strings.TrimSpace(agreement)
	var candidates []model.OriginRule
	for _, r := range c.Rules {
		if !strings.EqualFold(r.TradeAgreement, agreement) {
			continue
		}
		if r.HSCode == "" || !strings.HasPrefix(hs6, r.HSCode) {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return model.OriginRule{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if len(a.HSCode) != len(b.HSCode) {
			return len(a.HSCode) > len(b.HSCode)
		}
		return a.ID < b.ID
	})
	return candidates[0], true
}

var (
	rvcCondition    = regexp.MustCompile(`(?i)^\s*RVC\s*>=?\s*(\d+(?:\.\d+)?)\s*%?\s*$`)
	maxNomCondition = regexp.MustCompile(`(?i)^\s*MaxNOM\s*<=?\s*(\d+(?:\.\d+)?)\s*%?\s*$`)
	tariffCondition = regexp.MustCompile(`(?i)^\s*(CTH|CTC|CTSH|CC)\s*$`)
)

// Conditions is the parsed form of a rule's condition strings.
type Conditions struct {
	RVCThreshold    float64
	HasRVC          bool
	MaxNOMThreshold float64
	HasMaxNOM       bool
	TariffShift     string
}

// ParseConditions interprets a rule's conditions. Unknown conditions are ignored.
func ParseConditions(conds []string) Conditions {
	var out Conditions
	for _, c := range conds {
		if m := rvcCondition.FindStringSubmatch(c); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				out.RVCThreshold, out.HasRVC = v, true
			}
			continue
		}
		if m := maxNomCondition.FindStringSubmatch(c); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				out.MaxNOMThreshold, out.HasMaxNOM = v, true
			}
			continue
		}
		if m := tariffCondition.FindStringSubmatch(c); m != nil {
			out.TariffShift = strings.ToUpper(m[1])
		}
	}
	return out
}

// Threshold resolves the RVC threshold for a request: the matched rule's own
// RVC condition, else the agreement threshold.
func (c *Catalog) Threshold(agreement string, rule *model.OriginRule) float64 {
	if rule != nil {
		if conds := ParseConditions(rule.Conditions); conds.HasRVC {
			return conds.RVCThreshold
		}
	}
	return c.Agreement(agreement).Threshold
}
