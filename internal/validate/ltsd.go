package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/asaskevich/govalidator"

	"github.com/sells-group/origin-engine/pkg/ltsd"
)

var (
	ruleID        = regexp.MustCompile(`^[A-Z]{2,5}-HS[0-9]{2}-[0-9]{3}$`)
	agreementCode = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)
	hsChapter     = regexp.MustCompile(`^\d{2}$`)
	hsHeading     = regexp.MustCompile(`^\d{4}$`)
	hsSubheading  = regexp.MustCompile(`^\d{6,8}$`)
	bomHS         = regexp.MustCompile(`^\d{4,8}$`)
	operationCode = regexp.MustCompile(`^[A-Z0-9_-]{3,32}$`)
	reasonCode    = regexp.MustCompile(`^[A-Z0-9_]{3,32}$`)
	ledgerRef     = regexp.MustCompile(`^ledger://[-/a-z0-9]+$`)
)

var (
	verdictStatuses = []string{ltsd.StatusQualified, ltsd.StatusDisqualified, ltsd.StatusManualReview}
	severities      = []string{"low", "medium", "high", "critical"}
)

const dateLayout = "2006-01-02"

// decodeTyped decodes raw into v, reporting type mismatches as field issues.
func decodeTyped(raw []byte, v any) error {
	if _, err := decodeObject(raw); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(v); err != nil {
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) {
			return &Error{
				Summary: MsgInvalidBody,
				Reason:  ReasonSchema,
				Issues:  []Issue{{Path: te.Field, Message: fmt.Sprintf("Expected %s, received %s", te.Type, te.Value)}},
			}
		}
		return &Error{Summary: MsgInvalidBody, Reason: ReasonMalformed, Issues: []Issue{{Message: err.Error()}}}
	}
	return nil
}

// EvaluationRequest validates a rule-evaluation request before it is forwarded.
func EvaluationRequest(raw []byte) (ltsd.EvaluationRequest, error) {
	var req ltsd.EvaluationRequest
	if err := decodeTyped(raw, &req); err != nil {
		return ltsd.EvaluationRequest{}, err
	}

	var c checker
	c.match(req.RuleID, "ruleId", ruleID, "Invalid rule id")

	ctx := req.EvaluationInput.Context
	p := func(parts ...any) string { return path(append([]any{"evaluationInput", "context"}, parts...)...) }
	c.uuid(ctx.TenantID, p("tenantId"))
	c.uuid(ctx.RequestID, p("requestId"))
	c.match(ctx.Agreement.Code, p("agreement", "code"), agreementCode, "Invalid agreement code")
	c.length(ctx.Agreement.Name, p("agreement", "name"), 5, 255)
	c.match(ctx.HSCode.Chapter, p("hsCode", "chapter"), hsChapter, "Chapter must be 2 digits")
	c.match(ctx.HSCode.Heading, p("hsCode", "heading"), hsHeading, "Heading must be 4 digits")
	c.match(ctx.HSCode.Subheading, p("hsCode", "subheading"), hsSubheading, "Subheading must be 6 to 8 digits")
	c.date(ctx.EffectiveDate, p("effectiveDate"))
	c.match(ctx.ImportCountry, p("importCountry"), countryCode, "Expected ISO 3166-1 alpha-2 code")
	c.match(ctx.ExportCountry, p("exportCountry"), countryCode, "Expected ISO 3166-1 alpha-2 code")

	bom := req.EvaluationInput.BillOfMaterials
	if len(bom) == 0 {
		c.add("evaluationInput.billOfMaterials", "Array must contain at least 1 element(s)")
	}
	for i, item := range bom {
		ip := func(field ...any) string {
			return path(append([]any{"evaluationInput", "billOfMaterials", i}, field...)...)
		}
		c.length(item.LineID, ip("lineId"), 1, 64)
		c.length(item.Description, ip("description"), 3, 512)
		c.match(item.HSCode, ip("hsCode"), bomHS, "HS code must be 4 to 8 digits")
		c.match(item.CountryOfOrigin, ip("countryOfOrigin"), countryCode, "Expected ISO 3166-1 alpha-2 code")
		c.money(item.Value, ip("value"))
	}

	proc := req.EvaluationInput.Process
	if len(proc.PerformedOperations) == 0 {
		c.add("evaluationInput.process.performedOperations", "Array must contain at least 1 element(s)")
	}
	for i, op := range proc.PerformedOperations {
		c.match(op.Code, path("evaluationInput", "process", "performedOperations", i, "code"), operationCode, "Invalid operation code")
	}
	c.money(proc.TotalManufacturingCost, "evaluationInput.process.totalManufacturingCost")
	if proc.ValueAddedPercentage < 0 || proc.ValueAddedPercentage > 100 {
		c.add("evaluationInput.process.valueAddedPercentage", "Number must be between 0 and 100")
	}

	certs := req.EvaluationInput.Documentation.SubmittedCertificates
	if len(certs) == 0 {
		c.add("evaluationInput.documentation.submittedCertificates", "Array must contain at least 1 element(s)")
	}
	for i, cert := range certs {
		c.length(cert, path("evaluationInput", "documentation", "submittedCertificates", i), 2, 64)
	}
	if req.EvaluationInput.Documentation.Evidence == nil {
		req.EvaluationInput.Documentation.Evidence = map[string]string{}
	}

	if req.EvaluationID != "" {
		c.uuid(req.EvaluationID, "evaluationId")
	}

	if err := c.err(MsgInvalidBody); err != nil {
		return ltsd.EvaluationRequest{}, err
	}
	return req, nil
}

// VerdictResponse checks a decoded evaluation response against the verdict contract.
func VerdictResponse(resp ltsd.EvaluationResponse) error {
	var c checker
	v := resp.Verdict

	if v.EvaluationID == "" {
		c.add("verdict.evaluationId", "Required")
	}
	c.match(v.RuleID, "verdict.ruleId", ruleID, "Invalid rule id")
	c.oneOf(v.Status, "verdict.status", verdictStatuses)
	if v.Confidence < 0 || v.Confidence > 1 {
		c.add("verdict.confidence", "Number must be between 0 and 1")
	}
	if v.DecidedAt != "" {
		if _, err := time.Parse(time.RFC3339, v.DecidedAt); err != nil {
			c.add("verdict.decidedAt", "Invalid datetime")
		}
	}

	if len(v.Citations) == 0 {
		c.add("verdict.citations", "Array must contain at least 1 element(s)")
	}
	for i, cit := range v.Citations {
		c.length(cit.Reference, path("verdict", "citations", i, "reference"), 5, 512)
		if cit.Section != "" {
			c.length(cit.Section, path("verdict", "citations", i, "section"), 1, 128)
		}
		if cit.URL != "" && !govalidator.IsURL(cit.URL) {
			c.add(path("verdict", "citations", i, "url"), "Invalid url")
		}
	}

	for i, r := range v.DisqualificationReasons {
		c.match(r.Code, path("verdict", "disqualificationReasons", i, "code"), reasonCode, "Invalid reason code")
		c.length(r.Description, path("verdict", "disqualificationReasons", i, "description"), 5, 2048)
		c.oneOf(r.Severity, path("verdict", "disqualificationReasons", i, "severity"), severities)
	}

	if v.LedgerReference != "" {
		c.match(v.LedgerReference, "verdict.ledgerReference", ledgerRef, "Invalid ledger reference")
	}
	if resp.LedgerReference != "" {
		c.match(resp.LedgerReference, "ledgerReference", ledgerRef, "Invalid ledger reference")
	}

	return c.err("Invalid response from evaluation service")
}

// CertificateRequest validates a certificate generation request.
func CertificateRequest(raw []byte) (ltsd.CertificateRequest, error) {
	var req ltsd.CertificateRequest
	if err := decodeTyped(raw, &req); err != nil {
		return ltsd.CertificateRequest{}, err
	}

	var c checker
	if req.EvaluationID == "" {
		c.add("evaluationId", "Required")
	}
	c.length(req.CertificateCode, "certificateCode", 2, 64)
	c.party(req.Supplier, "supplier")
	c.party(req.Customer, "customer")

	from, okFrom := c.date(req.ValidFrom, "validFrom")
	to, okTo := c.date(req.ValidTo, "validTo")
	if okFrom && okTo && to.Before(from) {
		c.add("validTo", "valid_to must be on or after valid_from")
	}

	c.length(req.SignatoryName, "signatoryName", 3, 128)
	c.length(req.SignatoryTitle, "signatoryTitle", 3, 128)
	c.length(req.IssueLocation, "issueLocation", 2, 128)
	if req.Notes != "" {
		c.length(req.Notes, "notes", 0, 2048)
	}

	if err := c.err(MsgInvalidBody); err != nil {
		return ltsd.CertificateRequest{}, err
	}
	return req, nil
}

func (c *checker) uuid(s, p string) {
	if !govalidator.IsUUID(s) {
		c.add(p, "Invalid uuid")
	}
}

// date accepts a calendar date or a full RFC 3339 timestamp.
func (c *checker) date(s, p string) (time.Time, bool) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	c.add(p, "Invalid date, expected YYYY-MM-DD")
	return time.Time{}, false
}

func (c *checker) money(m ltsd.Money, p string) {
	c.match(m.Currency, p+".currency", currencyCode, "Expected ISO 4217 currency code")
	if m.Amount < 0 {
		c.add(p+".amount", "Number must be greater than or equal to 0")
	}
}

func (c *checker) party(pt ltsd.Party, p string) {
	c.length(pt.Name, p+".name", 3, 255)
	c.length(pt.Street, p+".street", 3, 255)
	c.length(pt.City, p+".city", 2, 128)
	c.length(pt.PostalCode, p+".postalCode", 2, 32)
	c.match(pt.Country, p+".country", countryCode, "Expected ISO 3166-1 alpha-2 code")
}
