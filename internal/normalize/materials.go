package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/origin-engine/internal/model"
)

// Materials turns a loosely typed JSON array into clean materials. Entries
// that are not objects, whose HS code does not normalize to six digits, or
// whose origin is blank are dropped. Negative values and percentages become 0.
// An all-invalid input yields an empty,
// non-nil slice.
func Materials(raw any) []model.Material {
	items, ok := raw.([]any)
	if !ok {
		return []model.Material{}
	}

	out := make([]model.Material, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok || obj == nil {
			continue
		}

		m := model.Material{
			HSCode:     HSCode(obj["hsCode"]),
			Origin:     strings.TrimSpace(text(obj["origin"])),
			Value:      amount(obj["value"]),
			Percentage: amount(obj["percentage"]),
		}
		if desc := text(obj["description"]); desc != "" {
			m.Description = strings.TrimSpace(norm.NFKC.String(desc))
		}

		if !ValidHS6(m.HSCode) || m.Origin == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Number coerces v to a finite float64. Strings are parsed leniently; anything
// unparsable or non-finite becomes 0.
func Number(v any) float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	case int:
		f = float64(t)
	case string:
		parsed, err := strconv.ParseFloat(leadingNumber(strings.TrimSpace(t)), 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// amount is Number clamped at zero.
func amount(v any) float64 {
	return math.Max(Number(v), 0)
}

// leadingNumber returns the longest numeric prefix of s, so "12.5kg" parses as 12.5.
func leadingNumber(s string) string {
	end := 0
	seenDot, seenDigit := false, false
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			seenDigit = true
			end = i + 1
		case r == '.' && !seenDot:
			seenDot = true
		case (r == '-' || r == '+') && i == 0:
		default:
			if !seenDigit {
				return ""
			}
			return s[:end]
		}
	}
	if !seenDigit {
		return ""
	}
	return s[:end]
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
