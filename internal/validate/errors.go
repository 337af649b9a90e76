// Package validate turns raw inbound JSON into typed requests. Input is first
// decoded untyped, then checked field by field; a request is either fully
// accepted or rejected with every problem listed.
package validate

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// Issue is one field-level problem.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Error is a rejected payload.
type Error struct {
	// Summary is the single message shown to callers that do not render issues.
	Summary string
	// Reason is the telemetry label for the rejection.
	Reason string
	Issues []Issue
}

func (e *Error) Error() string {
	if e.Summary != "" {
		return e.Summary
	}
	msgs := make([]string, 0, len(e.Issues))
	for _, i := range e.Issues {
		msgs = append(msgs, i.Path+": "+i.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// As extracts a validation error from err.
func As(err error) (*Error, bool) {
	var ve *Error
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// Telemetry reasons for rejected origin requests.
const (
	ReasonMalformed     = "validation_malformed_body"
	ReasonMissingFields = "validation_missing_fields"
	ReasonHSCode        = "validation_hs_code"
	ReasonProductSKU    = "validation_product_sku"
	ReasonAgreement     = "validation_trade_agreement"
	ReasonSchema        = "validation_schema"
)

// issues accumulates problems while checking a payload.
type issues []Issue

func (is *issues) add(path, msg string) {
	*is = append(*is, Issue{Path: path, Message: msg})
}

func (is issues) err(summary string) error {
	if len(is) == 0 {
		return nil
	}
	return &Error{Summary: summary, Reason: ReasonSchema, Issues: is}
}

func path(parts ...any) string {
	s := make([]string, 0, len(parts))
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			s = append(s, v)
		case int:
			s = append(s, strconv.Itoa(v))
		}
	}
	return strings.Join(s, ".")
}

// decodeObject parses raw as a JSON object.
func decodeObject(raw []byte) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, &Error{
			Summary: "Invalid request body",
			Reason:  ReasonMalformed,
			Issues:  []Issue{{Path: "", Message: "Request body must be a JSON object"}},
		}
	}
	return obj, nil
}
