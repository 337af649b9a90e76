package model

import "time"

// Partner verdicts.
const (
	VerdictPreferential    = "PREFERENTIAL"
	VerdictNonPreferential = "NON_PREFERENTIAL"
)

// PartnerAgreements is the closed set of agreements accepted on the partner API.
var PartnerAgreements = []string{"CETA", "EU-UK-TCA", "EU-JP-EPA", "RCEP", "USMCA", "GSP"}

// PartnerMaterial is one material line on a partner origin check.
type PartnerMaterial struct {
	HSCode      string  `json:"hsCode"`
	Origin      string  `json:"origin"`
	Value       float64 `json:"value"`
	Description string  `json:"description,omitempty"`
}

// PartnerCheckRequest is a validated partner origin-check request.
type PartnerCheckRequest struct {
	ProductSKU     string            `json:"productSku"`
	HSCode         string            `json:"hsCode"`
	TradeAgreement string            `json:"agreement"`
	ExWorksValue   float64           `json:"exWorksValue"`
	Materials      []PartnerMaterial `json:"materials"`
	RequestID      string            `json:"requestId,omitempty"`
}

// PartnerCalculations is the numeric basis of a partner verdict.
type PartnerCalculations struct {
	RegionalValueContent         float64 `json:"regionalValueContent"`
	NonOriginatingMaterialsValue float64 `json:"nonOriginatingMaterialsValue"`
	OriginatingMaterialsValue    float64 `json:"originatingMaterialsValue"`
}

// PartnerVerdict is the decision part of a partner origin check.
type PartnerVerdict struct {
	IsConform     bool     `json:"isConform"`
	Confidence    float64  `json:"confidence"`
	Verdict       string   `json:"verdict"`
	Explanation   string   `json:"explanation"`
	AppliedRules  []string `json:"appliedRules"`
	RVCPercentage float64  `json:"rvcPercentage"`
}

// PartnerCheckResult is returned by the partner origin-check endpoint.
type PartnerCheckResult struct {
	RequestID      string              `json:"requestId"`
	Result         PartnerVerdict      `json:"result"`
	Calculations   PartnerCalculations `json:"calculations"`
	Timestamp      time.Time           `json:"timestamp"`
	ProcessingTime int64               `json:"processingTime"`
}
