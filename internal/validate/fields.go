package validate

import (
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/asaskevich/govalidator"
)

var (
	countryCode  = regexp.MustCompile(`^[A-Z]{2}$`)
	currencyCode = regexp.MustCompile(`^[A-Z]{3}$`)
	partnerHS    = regexp.MustCompile(`^\d{6,10}$`)
)

// checker reads typed fields out of an untyped object and records problems.
type checker struct {
	issues
}

// str returns obj[key] when it is a string.
func (c *checker) str(obj map[string]any, key, p string, required bool) (string, bool) {
	v, present := obj[key]
	if !present || v == nil {
		if required {
			c.add(p, "Required")
		}
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		c.add(p, fmt.Sprintf("Expected string, received %s", kind(v)))
		return "", false
	}
	return s, true
}

// length checks a string against rune-length bounds; max < 0 means unbounded.
func (c *checker) length(s, p string, minLen, maxLen int) bool {
	hi := "999999"
	if maxLen >= 0 {
		hi = strconv.Itoa(maxLen)
	}
	if govalidator.StringLength(s, strconv.Itoa(minLen), hi) {
		return true
	}
	runes := len([]rune(s))
	if runes < minLen {
		c.add(p, fmt.Sprintf("String must contain at least %d character(s)", minLen))
	} else {
		c.add(p, fmt.Sprintf("String must contain at most %d character(s)", maxLen))
	}
	return false
}

// match checks s against re.
func (c *checker) match(s, p string, re *regexp.Regexp, msg string) bool {
	if re.MatchString(s) {
		return true
	}
	c.add(p, msg)
	return false
}

// num returns obj[key] when it is a finite number.
func (c *checker) num(obj map[string]any, key, p string, required bool) (float64, bool) {
	v, present := obj[key]
	if !present || v == nil {
		if required {
			c.add(p, "Required")
		}
		return 0, false
	}
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		c.add(p, fmt.Sprintf("Expected number, received %s", kind(v)))
		return 0, false
	}
	return f, true
}

// arr returns obj[key] when it is an array with at least minLen items.
func (c *checker) arr(obj map[string]any, key, p string, minLen int, minMsg string) ([]any, bool) {
	v, present := obj[key]
	if !present || v == nil {
		c.add(p, "Required")
		return nil, false
	}
	a, ok := v.([]any)
	if !ok {
		c.add(p, fmt.Sprintf("Expected array, received %s", kind(v)))
		return nil, false
	}
	if len(a) < minLen {
		c.add(p, minMsg)
		return a, false
	}
	return a, true
}

func (c *checker) oneOf(s, p string, allowed []string) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	c.add(p, fmt.Sprintf("Invalid enum value. Expected one of %v, received '%s'", allowed, s))
	return false
}

func kind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// truthy mirrors loose presence checks: absent, null, "", 0 and false are missing.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case float64:
		return t != 0 && !math.IsNaN(t)
	case bool:
		return t
	default:
		return true
	}
}

// text renders a scalar as a string.
func text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
