package ltsd

// Wire types mirror the service contract field for field in snake_case.

type wireMoney struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

type wireAgreement struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type wireHSCode struct {
	Chapter    string `json:"chapter"`
	Heading    string `json:"heading"`
	Subheading string `json:"subheading"`
}

type wireContext struct {
	TenantID      string        `json:"tenant_id"`
	RequestID     string        `json:"request_id"`
	Agreement     wireAgreement `json:"agreement"`
	HSCode        wireHSCode    `json:"hs_code"`
	EffectiveDate string        `json:"effective_date"`
	ImportCountry string        `json:"import_country"`
	ExportCountry string        `json:"export_country"`
}

type wireBOMItem struct {
	LineID          string    `json:"line_id"`
	Description     string    `json:"description"`
	HSCode          string    `json:"hs_code"`
	CountryOfOrigin string    `json:"country_of_origin"`
	Value           wireMoney `json:"value"`
	IsOriginating   bool      `json:"is_originating"`
}

type wireOperation struct {
	Code        string `json:"code"`
	PerformedAt string `json:"performed_at,omitempty"`
	Location    string `json:"location,omitempty"`
}

type wireProcess struct {
	PerformedOperations    []wireOperation `json:"performed_operations"`
	TotalManufacturingCost wireMoney       `json:"total_manufacturing_cost"`
	ValueAddedPercentage   float64         `json:"value_added_percentage"`
}

type wireDocumentation struct {
	SubmittedCertificates []string          `json:"submitted_certificates"`
	Evidence              map[string]string `json:"evidence"`
}

type wireInput struct {
	Context         wireContext       `json:"context"`
	BillOfMaterials []wireBOMItem     `json:"bill_of_materials"`
	Process         wireProcess       `json:"process"`
	Documentation   wireDocumentation `json:"documentation"`
}

type wireEvaluateRequest struct {
	RuleID          string    `json:"rule_id"`
	EvaluationInput wireInput `json:"evaluation_input"`
	EvaluationID    string    `json:"evaluation_id,omitempty"`
}

type wireVerdict struct {
	EvaluationID            string                   `json:"evaluation_id"`
	RuleID                  string                   `json:"rule_id"`
	Status                  string                   `json:"status"`
	DecidedAt               string                   `json:"decided_at"`
	Confidence              float64                  `json:"confidence"`
	Citations               []Citation               `json:"citations"`
	DisqualificationReasons []DisqualificationReason `json:"disqualification_reasons"`
	Notes                   string                   `json:"notes,omitempty"`
	LedgerReference         string                   `json:"ledger_reference,omitempty"`
}

type wireEvaluateResponse struct {
	Evaluation struct {
		Verdict wireVerdict `json:"verdict"`
	} `json:"evaluation"`
	LedgerReference string `json:"ledger_reference"`
}

type wireParty struct {
	Name         string `json:"name"`
	Street       string `json:"street"`
	City         string `json:"city"`
	PostalCode   string `json:"postal_code"`
	Country      string `json:"country"`
	AddressLine2 string `json:"address_line2,omitempty"`
	VATNumber    string `json:"vat_number,omitempty"`
}

type wireCertificateRequest struct {
	EvaluationID    string    `json:"evaluation_id"`
	CertificateCode string    `json:"certificate_code"`
	Supplier        wireParty `json:"supplier"`
	Customer        wireParty `json:"customer"`
	ValidFrom       string    `json:"valid_from"`
	ValidTo         string    `json:"valid_to"`
	SignatoryName   string    `json:"signatory_name"`
	SignatoryTitle  string    `json:"signatory_title"`
	IssueLocation   string    `json:"issue_location"`
	Notes           string    `json:"notes,omitempty"`
}
