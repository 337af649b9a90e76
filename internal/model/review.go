package model

// Review reasons.
const (
	ReviewReasonLowConfidence = "ai_consensus_low_confidence"
	ReviewReasonNonConforming = "non_conforming_determination"
)

// HumanReviewJob asks a compliance officer to reconsider a determination.
type HumanReviewJob struct {
	ID                 string   `json:"id"`
	RequestID          string   `json:"requestId"`
	ProductSKU         string   `json:"productSku"`
	HSCode             string   `json:"hsCode"`
	TradeAgreement     string   `json:"tradeAgreement"`
	Reason             string   `json:"reason"`
	AISummary          string   `json:"aiSummary,omitempty"`
	DissentingOpinions []string `json:"dissentingOpinions"`
}

// ReviewRef is returned to callers when a review job was queued.
type ReviewRef struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}
