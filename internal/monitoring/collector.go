package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/resilience"
	"github.com/sells-group/origin-engine/internal/store"
)

// scanLimit caps the certificates read per snapshot.
const scanLimit = 10000

// AgreementKPI summarizes determinations under one trade agreement.
type AgreementKPI struct {
	Agreement  string  `json:"agreement"`
	Total      int     `json:"total"`
	Conforming int     `json:"conforming"`
	AvgRVC     float64 `json:"avg_rvc"`
}

// Snapshot holds a point-in-time view of determination quality.
type Snapshot struct {
	// Certificates touched within the lookback window.
	CertificatesTotal int `json:"certificates_total"`
	Done              int `json:"done"`
	Failed            int `json:"failed"`
	InProgress        int `json:"in_progress"`

	// Verdicts among decided certificates.
	Decided        int     `json:"decided"`
	Conforming     int     `json:"conforming"`
	ConformRate    float64 `json:"conform_rate"`
	ReviewRequired int     `json:"review_required"`
	ReviewRate     float64 `json:"review_rate"`
	AvgConfidence  float64 `json:"avg_confidence"`
	AvgRVC         float64 `json:"avg_rvc"`

	// Decision paths.
	ExternallyEvaluated int `json:"externally_evaluated"`
	Fallback            int `json:"fallback"`
	ConsensusEnabled    int `json:"consensus_enabled"`

	ByAgreement []AgreementKPI `json:"by_agreement"`

	// Background work that exhausted its retries.
	DeadLetters int `json:"dead_letters"`
	// StoreDegraded is set while the store serves from memory.
	StoreDegraded bool `json:"store_degraded"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the store surface the collector reads.
type Source interface {
	List(ctx context.Context, filter store.CertificateFilter) ([]model.Certificate, error)
	ListDeadLetters(ctx context.Context, limit int) ([]resilience.DeadLetter, error)
}

type degradedReporter interface {
	Degraded() bool
}

// Collector gathers KPI snapshots from the certificate store.
type Collector struct {
	source Source
	now    func() time.Time
}

// NewCollector creates a new KPI collector.
func NewCollector(source Source) *Collector {
	return &Collector{source: source, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
		ByAgreement:   []AgreementKPI{},
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	certs, err := c.source.List(ctx, store.CertificateFilter{Since: cutoff, Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list certificates")
	}

	type agg struct {
		total, conforming int
		rvc               float64
	}
	agreements := map[string]*agg{}
	var confidenceSum, rvcSum float64

	for _, cert := range certs {
		snap.CertificatesTotal++
		switch cert.Status {
		case model.CertificateStatusDone:
			snap.Done++
		case model.CertificateStatusFailed:
			snap.Failed++
		default:
			snap.InProgress++
		}

		payload, err := cert.Payload()
		if err != nil || payload == nil {
			if err != nil {
				zap.L().Debug("monitoring: skipping unreadable result", zap.String("certificate_id", cert.ID), zap.Error(err))
			}
			continue
		}

		snap.Decided++
		confidenceSum += payload.Confidence
		rvcSum += payload.Calculations.RVC
		if payload.IsConform {
			snap.Conforming++
		}
		if payload.AIInsights.HumanReviewRequired {
			snap.ReviewRequired++
		}
		if payload.AIInsights.Enabled {
			snap.ConsensusEnabled++
		}
		switch {
		case payload.Evidence != nil:
			snap.ExternallyEvaluated++
		case len(payload.AppliedRules) == 0:
			snap.Fallback++
		}

		a := agreements[cert.Agreement]
		if a == nil {
			a = &agg{}
			agreements[cert.Agreement] = a
		}
		a.total++
		a.rvc += payload.Calculations.RVC
		if payload.IsConform {
			a.conforming++
		}
	}

	if snap.Decided > 0 {
		d := float64(snap.Decided)
		snap.ConformRate = float64(snap.Conforming) / d
		snap.ReviewRate = float64(snap.ReviewRequired) / d
		snap.AvgConfidence = confidenceSum / d
		snap.AvgRVC = rvcSum / d
	}

	for code, a := range agreements {
		snap.ByAgreement = append(snap.ByAgreement, AgreementKPI{
			Agreement:  code,
			Total:      a.total,
			Conforming: a.conforming,
			AvgRVC:     a.rvc / float64(a.total),
		})
	}
	sort.Slice(snap.ByAgreement, func(i, j int) bool {
		if snap.ByAgreement[i].Total == snap.ByAgreement[j].Total {
			return snap.ByAgreement[i].Agreement < snap.ByAgreement[j].Agreement
		}
		return snap.ByAgreement[i].Total > snap.ByAgreement[j].Total
	})

	dead, err := c.source.ListDeadLetters(ctx, scanLimit)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list dead letters")
	}
	for _, d := range dead {
		if !d.FailedAt.Before(cutoff) {
			snap.DeadLetters++
		}
	}

	if dr, ok := c.source.(degradedReporter); ok {
		snap.StoreDegraded = dr.Degraded()
	}

	return snap, nil
}
