// Package ltsd is the client for the external rule-evaluation and
// certificate-generation service. Callers work with camelCase types; the
// service speaks snake_case, and the translation lives only in this package.
package ltsd

import "github.com/sells-group/origin-engine/internal/model"

// Verdict statuses returned by the evaluation service.
const (
	StatusQualified    = "qualified"
	StatusDisqualified = "disqualified"
	StatusManualReview = "manual_review"
)

// Money is an amount in an ISO 4217 currency.
type Money struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Agreement identifies the agreement a rule belongs to.
type Agreement struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// HSClassification splits an HS code into its levels.
type HSClassification struct {
	Chapter    string `json:"chapter"`
	Heading    string `json:"heading"`
	Subheading string `json:"subheading"`
}

// EvaluationContext describes who asks and about which product.
type EvaluationContext struct {
	TenantID      string           `json:"tenantId"`
	RequestID     string           `json:"requestId"`
	Agreement     Agreement        `json:"agreement"`
	HSCode        HSClassification `json:"hsCode"`
	EffectiveDate string           `json:"effectiveDate"`
	ImportCountry string           `json:"importCountry"`
	ExportCountry string           `json:"exportCountry"`
}

// BOMItem is one bill-of-materials line.
type BOMItem struct {
	LineID          string `json:"lineId"`
	Description     string `json:"description"`
	HSCode          string `json:"hsCode"`
	CountryOfOrigin string `json:"countryOfOrigin"`
	Value           Money  `json:"value"`
	IsOriginating   bool   `json:"isOriginating"`
}

// Operation is a production step.
type Operation struct {
	Code        string `json:"code"`
	PerformedAt string `json:"performedAt,omitempty"`
	Location    string `json:"location,omitempty"`
}

// Process summarizes manufacturing.
type Process struct {
	PerformedOperations    []Operation `json:"performedOperations"`
	TotalManufacturingCost Money       `json:"totalManufacturingCost"`
	ValueAddedPercentage   float64     `json:"valueAddedPercentage"`
}

// Documentation lists supporting documents.
type Documentation struct {
	SubmittedCertificates []string          `json:"submittedCertificates"`
	Evidence              map[string]string `json:"evidence"`
}

// EvaluationInput is everything the service evaluates.
type EvaluationInput struct {
	Context         EvaluationContext `json:"context"`
	BillOfMaterials []BOMItem         `json:"billOfMaterials"`
	Process         Process           `json:"process"`
	Documentation   Documentation     `json:"documentation"`
}

// EvaluationRequest asks the service to evaluate one rule.
type EvaluationRequest struct {
	RuleID          string          `json:"ruleId"`
	EvaluationInput EvaluationInput `json:"evaluationInput"`
	EvaluationID    string          `json:"evaluationId,omitempty"`
}

// Citation and DisqualificationReason are passed through untouched; their
// field names are the same in both casings.
type (
	Citation               = model.Citation
	DisqualificationReason = model.DisqualificationReason
)

// EvaluationVerdict is the service's decision.
type EvaluationVerdict struct {
	EvaluationID            string                   `json:"evaluationId"`
	RuleID                  string                   `json:"ruleId"`
	Status                  string                   `json:"status"`
	DecidedAt               string                   `json:"decidedAt"`
	Confidence              float64                  `json:"confidence"`
	Citations               []Citation               `json:"citations"`
	DisqualificationReasons []DisqualificationReason `json:"disqualificationReasons"`
	Notes                   string                   `json:"notes,omitempty"`
	LedgerReference         string                   `json:"ledgerReference,omitempty"`
}

// EvaluationResponse is the result of Evaluate.
type EvaluationResponse struct {
	Verdict         EvaluationVerdict `json:"verdict"`
	LedgerReference string            `json:"ledgerReference"`
}

// Evidence converts the response into the evidence attached to a determination.
func (r EvaluationResponse) Evidence() *model.Evidence {
	ledger := r.LedgerReference
	if ledger == "" {
		ledger = r.Verdict.LedgerReference
	}
	return &model.Evidence{
		EvaluationID:            r.Verdict.EvaluationID,
		RuleID:                  r.Verdict.RuleID,
		Status:                  r.Verdict.Status,
		Citations:               r.Verdict.Citations,
		DisqualificationReasons: r.Verdict.DisqualificationReasons,
		LedgerReference:         ledger,
	}
}

// Party is a supplier or customer on a certificate.
type Party struct {
	Name         string `json:"name"`
	Street       string `json:"street"`
	City         string `json:"city"`
	PostalCode   string `json:"postalCode"`
	Country      string `json:"country"`
	AddressLine2 string `json:"addressLine2,omitempty"`
	VATNumber    string `json:"vatNumber,omitempty"`
}

// CertificateRequest asks the service to render a certificate document.
type CertificateRequest struct {
	EvaluationID    string `json:"evaluationId"`
	CertificateCode string `json:"certificateCode"`
	Supplier        Party  `json:"supplier"`
	Customer        Party  `json:"customer"`
	ValidFrom       string `json:"validFrom"`
	ValidTo         string `json:"validTo"`
	SignatoryName   string `json:"signatoryName"`
	SignatoryTitle  string `json:"signatoryTitle"`
	IssueLocation   string `json:"issueLocation"`
	Notes           string `json:"notes,omitempty"`
}
