package model

import "time"

// DefaultProductValue is used when a request omits the product value or sends
// a non-positive one.
const DefaultProductValue = 1000.0

// Material is one normalized bill-of-materials line.
type Material struct {
	HSCode      string  `json:"hsCode"`
	Origin      string  `json:"origin"`
	Value       float64 `json:"value"`
	Percentage  float64 `json:"percentage"`
	Description string  `json:"description,omitempty"`
}

// OriginCalculationRequest is the validated, normalized input to a determination.
// It is never persisted; only derived results are.
type OriginCalculationRequest struct {
	ProductSKU             string     `json:"productSku"`
	HSCode                 string     `json:"hsCode"`
	TradeAgreement         string     `json:"tradeAgreement"`
	Materials              []Material `json:"materials"`
	ProductValue           float64    `json:"productValue"`
	ProductValueDefaulted  bool       `json:"-"`
	ManufacturingProcesses []string   `json:"manufacturingProcesses"`
}

// OriginRule is read-only reference data looked up by (hsCode, tradeAgreement).
type OriginRule struct {
	ID               string   `json:"id" yaml:"id"`
	HSCode           string   `json:"hsCode" yaml:"hs_code"`
	TradeAgreement   string   `json:"tradeAgreement" yaml:"trade_agreement"`
	RuleText         string   `json:"ruleText" yaml:"rule_text"`
	Conditions       []string `json:"conditions" yaml:"conditions"`
	Priority         int      `json:"priority" yaml:"priority"`
	SuccessCriteria  []string `json:"successCriteria,omitempty" yaml:"success_criteria"`
	EvaluationRuleID string   `json:"evaluationRuleId,omitempty" yaml:"evaluation_rule_id"`
}

// RuleRef is the abbreviated rule shape embedded in certificates and responses.
type RuleRef struct {
	ID       string `json:"id"`
	RuleText string `json:"ruleText"`
	Priority int    `json:"priority"`
}

// Ref returns the abbreviated form of the rule.
func (r OriginRule) Ref() RuleRef {
	return RuleRef{ID: r.ID, RuleText: r.RuleText, Priority: r.Priority}
}

// Calculations holds the numeric basis of a verdict.
type Calculations struct {
	RVC            float64 `json:"rvc"`
	MaxNOM         float64 `json:"maxNom"`
	ChangeOfTariff bool    `json:"changeOfTariff"`
}

// AlternativeEvaluation is a secondary test reported next to the main verdict.
type AlternativeEvaluation struct {
	Type       string   `json:"type"`
	Result     bool     `json:"result"`
	Confidence *float64 `json:"confidence,omitempty"`
	Details    string   `json:"details,omitempty"`
}

// ProviderStatus is the outcome of asking one consensus advisor.
type ProviderStatus string

const (
	ProviderStatusOK      ProviderStatus = "ok"
	ProviderStatusError   ProviderStatus = "error"
	ProviderStatusSkipped ProviderStatus = "skipped"
)

// Decision values reported by advisors.
const (
	DecisionConform      = "conform"
	DecisionNonConform   = "non-conform"
	DecisionInconclusive = "inconclusive"
)

// ProviderDecision records what one advisor said about a determination.
type ProviderDecision struct {
	Status       ProviderStatus `json:"status"`
	ProviderID   string         `json:"providerId"`
	ProviderName string         `json:"providerName"`
	Decision     string         `json:"decision,omitempty"`
	Confidence   float64        `json:"confidence,omitempty"`
	Rationale    string         `json:"rationale,omitempty"`
	LatencyMS    int64          `json:"latencyMs,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

// AuditTrail captures how the consensus score was reached.
type AuditTrail struct {
	ConsensusScore    float64            `json:"consensusScore"`
	RequiredThreshold float64            `json:"requiredThreshold"`
	ProviderDecisions []ProviderDecision `json:"providerDecisions"`
	GeneratedAt       time.Time          `json:"generatedAt"`
}

// Citation points at the legal text an external verdict relied on.
type Citation struct {
	Reference string `json:"reference"`
	Section   string `json:"section,omitempty"`
	URL       string `json:"url,omitempty"`
}

// DisqualificationReason explains why an external verdict was negative.
type DisqualificationReason struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// Evidence is attached when the external evaluation service decided the case.
// Its fields are passed through without interpretation.
type Evidence struct {
	EvaluationID            string                   `json:"evaluationId"`
	RuleID                  string                   `json:"ruleId"`
	Status                  string                   `json:"status"`
	Citations               []Citation               `json:"citations"`
	DisqualificationReasons []DisqualificationReason `json:"disqualificationReasons"`
	LedgerReference         string                   `json:"ledgerReference,omitempty"`
}

// OriginCalculationResult is the verdict for one request. A new request
// produces a new result; results are not mutated after assembly.
type OriginCalculationResult struct {
	IsConform           bool                    `json:"isConform"`
	Confidence          float64                 `json:"confidence"`
	Explanation         string                  `json:"explanation"`
	AppliedRules        []OriginRule            `json:"appliedRules"`
	Calculations        Calculations            `json:"calculations"`
	Alternatives        []AlternativeEvaluation `json:"alternatives"`
	ConsensusSummary    string                  `json:"consensusSummary,omitempty"`
	ConsensusScore      *float64                `json:"consensusScore,omitempty"`
	DissentingOpinions  []string                `json:"dissentingOpinions"`
	HumanReviewRequired bool                    `json:"humanReviewRequired"`
	AIConsensusEnabled  bool                    `json:"aiConsensusEnabled"`
	ProviderDecisions   []ProviderDecision      `json:"providerDecisions"`
	AuditTrail          AuditTrail              `json:"auditTrail"`
	Evidence            *Evidence               `json:"evidence,omitempty"`
}

// Score returns the consensus score, falling back to the confidence.
func (r OriginCalculationResult) Score() float64 {
	if r.ConsensusScore != nil {
		return *r.ConsensusScore
	}
	return r.Confidence
}

// RuleRefs returns the abbreviated applied rules.
func (r OriginCalculationResult) RuleRefs() []RuleRef {
	refs := make([]RuleRef, 0, len(r.AppliedRules))
	for _, rule := range r.AppliedRules {
		refs = append(refs, rule.Ref())
	}
	return refs
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
