// Package normalize canonicalizes raw bill-of-materials data before rule matching.
package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// HSLength is the number of digits in a normalized HS subheading.
const HSLength = 6

// minPaddableDigits is the shortest input (chapter + heading) that is padded
// out to a full subheading.
const minPaddableDigits = 4

// HSCode strips every non-digit from v and truncates or pads the result to six
// digits. Inputs with fewer than four digits are returned unpadded so that
// ValidHS6 rejects them.
func HSCode(v any) string {
	var s string
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		s = t
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return ""
		}
		s = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		s = fmt.Sprint(t)
	}

	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) >= HSLength:
		return digits[:HSLength]
	case len(digits) >= minPaddableDigits:
		return digits + strings.Repeat("0", HSLength-len(digits))
	default:
		return digits
	}
}

// ValidHS6 reports whether code is exactly six ASCII digits.
func ValidHS6(code string) bool {
	if len(code) != HSLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// Heading returns the first four digits of an HS code, or "" when shorter.
func Heading(code string) string {
	if len(code) < 4 {
		return ""
	}
	return code[:4]
}
