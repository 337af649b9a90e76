package model

import (
	"encoding/json"
	"time"
)

// CertificateStatus is the lifecycle state of a certificate record.
type CertificateStatus string

const (
	CertificateStatusPending    CertificateStatus = "pending"
	CertificateStatusProcessing CertificateStatus = "processing"
	CertificateStatusDone       CertificateStatus = "done"
	CertificateStatusFailed     CertificateStatus = "failed"
)

// Valid reports whether s is a known status.
func (s CertificateStatus) Valid() bool {
	switch s {
	case CertificateStatusPending, CertificateStatusProcessing, CertificateStatusDone, CertificateStatusFailed:
		return true
	}
	return false
}

// CertificateIdentity is the business key of a certificate.
type CertificateIdentity struct {
	ProductSKU string `json:"productSku"`
	HS6        string `json:"hs6"`
	Agreement  string `json:"agreement"`
}

// Key returns a stable string form usable as a map key or lock name.
func (i CertificateIdentity) Key() string {
	return i.ProductSKU + "\x1f" + i.HS6 + "\x1f" + i.Agreement
}

// Certificate is the durable record of a determination. One row exists per
// identity; later determinations update it.
type Certificate struct {
	ID         string            `json:"id"`
	ProductSKU string            `json:"productSku"`
	HS6        string            `json:"hs6"`
	Agreement  string            `json:"agreement"`
	Status     CertificateStatus `json:"status"`
	Result     json.RawMessage   `json:"result,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Identity returns the business key of the certificate.
func (c Certificate) Identity() CertificateIdentity {
	return CertificateIdentity{ProductSKU: c.ProductSKU, HS6: c.HS6, Agreement: c.Agreement}
}

// Payload decodes the stored result blob.
func (c Certificate) Payload() (*CertificatePayload, error) {
	if len(c.Result) == 0 {
		return nil, nil
	}
	var p CertificatePayload
	if err := json.Unmarshal(c.Result, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// AIInsights is the consensus section of a certificate payload.
type AIInsights struct {
	Enabled             bool               `json:"enabled"`
	ConsensusScore      *float64           `json:"consensusScore,omitempty"`
	Summary             string             `json:"summary,omitempty"`
	DissentingOpinions  []string           `json:"dissentingOpinions"`
	HumanReviewRequired bool               `json:"humanReviewRequired"`
	AuditTrail          AuditTrail         `json:"auditTrail"`
	ProviderDecisions   []ProviderDecision `json:"providerDecisions"`
}

// CertificatePayload is the structured blob stored in Certificate.Result.
type CertificatePayload struct {
	IsConform    bool                    `json:"isConform"`
	Confidence   float64                 `json:"confidence"`
	Explanation  string                  `json:"explanation"`
	Calculations Calculations            `json:"calculations"`
	Alternatives []AlternativeEvaluation `json:"alternatives"`
	AppliedRules []RuleRef               `json:"appliedRules"`
	AIInsights   AIInsights              `json:"aiInsights"`
	Evidence     *Evidence               `json:"evidence,omitempty"`
}

// Insights builds the consensus section for a result.
func (r OriginCalculationResult) Insights() AIInsights {
	dissent := r.DissentingOpinions
	if dissent == nil {
		dissent = []string{}
	}
	decisions := r.ProviderDecisions
	if decisions == nil {
		decisions = []ProviderDecision{}
	}
	return AIInsights{
		Enabled:             r.AIConsensusEnabled,
		ConsensusScore:      r.ConsensusScore,
		Summary:             r.ConsensusSummary,
		DissentingOpinions:  dissent,
		HumanReviewRequired: r.HumanReviewRequired,
		AuditTrail:          r.AuditTrail,
		ProviderDecisions:   decisions,
	}
}

// Payload builds the blob persisted for a result.
func (r OriginCalculationResult) Payload() CertificatePayload {
	alts := r.Alternatives
	if alts == nil {
		alts = []AlternativeEvaluation{}
	}
	return CertificatePayload{
		IsConform:    r.IsConform,
		Confidence:   r.Confidence,
		Explanation:  r.Explanation,
		Calculations: r.Calculations,
		Alternatives: alts,
		AppliedRules: r.RuleRefs(),
		AIInsights:   r.Insights(),
		Evidence:     r.Evidence,
	}
}
