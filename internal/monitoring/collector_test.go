package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/resilience"
	"github.com/sells-group/origin-engine/internal/store"
)

// mockSource implements Source for testing.
type mockSource struct {
	certs    []model.Certificate
	dead     []resilience.DeadLetter
	degraded bool
	listErr  error
	deadErr  error
}

func (m *mockSource) List(_ context.Context, filter store.CertificateFilter) ([]model.Certificate, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var filtered []model.Certificate
	for _, c := range m.certs {
		if !filter.Since.IsZero() && c.UpdatedAt.Before(filter.Since) {
			continue
		}
		filtered = append(filtered, c)
	}
	return filtered, nil
}

func (m *mockSource) ListDeadLetters(_ context.Context, _ int) ([]resilience.DeadLetter, error) {
	return m.dead, m.deadErr
}

func (m *mockSource) Degraded() bool { return m.degraded }

func cert(t *testing.T, id, agreement string, at time.Time, p *model.CertificatePayload) model.Certificate {
	t.Helper()
	c := model.Certificate{ID: id, Agreement: agreement, Status: model.CertificateStatusDone, UpdatedAt: at}
	if p != nil {
		raw, err := json.Marshal(p)
		require.NoError(t, err)
		c.Result = raw
	} else {
		c.Status = model.CertificateStatusPending
	}
	return c
}

func TestCollector_EmptyStore(t *testing.T) {
	t.Parallel()

	c := NewCollector(&mockSource{})
	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 0, snap.CertificatesTotal)
	assert.Equal(t, 0.0, snap.ConformRate)
	assert.Empty(t, snap.ByAgreement)
	assert.NotNil(t, snap.ByAgreement)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_CertificateKPIs(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	src := &mockSource{
		certs: []model.Certificate{
			cert(t, "1", "CETA", now.Add(-1*time.Hour), &model.CertificatePayload{
				IsConform: true, Confidence: 0.85, Calculations: model.Calculations{RVC: 60},
				AppliedRules: []model.RuleRef{{ID: "3901-CETA"}},
			}),
			cert(t, "2", "CETA", now.Add(-2*time.Hour), &model.CertificatePayload{
				IsConform: false, Confidence: 0.65, Calculations: model.Calculations{RVC: 20},
				AppliedRules: []model.RuleRef{{ID: "3901-CETA"}},
				AIInsights:   model.AIInsights{HumanReviewRequired: true},
			}),
			cert(t, "3", "RCEP", now.Add(-3*time.Hour), &model.CertificatePayload{
				IsConform: true, Confidence: 0.95, Calculations: model.Calculations{RVC: 70},
				AIInsights: model.AIInsights{Enabled: true},
				Evidence:   &model.Evidence{RuleID: "RCEP-HS85-001"},
			}),
			cert(t, "4", "GSP", now.Add(-4*time.Hour), &model.CertificatePayload{
				IsConform: true, Confidence: 0.75, Calculations: model.Calculations{RVC: 75},
				AppliedRules: []model.RuleRef{},
			}),
			cert(t, "5", "CETA", now.Add(-30*time.Minute), nil),
			// Outside lookback window.
			cert(t, "6", "CETA", now.Add(-48*time.Hour), &model.CertificatePayload{IsConform: false}),
		},
		dead: []resilience.DeadLetter{
			{TaskID: "a", FailedAt: now.Add(-time.Hour)},
			{TaskID: "b", FailedAt: now.Add(-72 * time.Hour)},
		},
	}

	snap, err := NewCollector(src).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 5, snap.CertificatesTotal)
	assert.Equal(t, 4, snap.Done)
	assert.Equal(t, 1, snap.InProgress)
	assert.Equal(t, 4, snap.Decided)
	assert.Equal(t, 3, snap.Conforming)
	assert.InDelta(t, 0.75, snap.ConformRate, 1e-9)
	assert.Equal(t, 1, snap.ReviewRequired)
	assert.InDelta(t, 0.25, snap.ReviewRate, 1e-9)
	assert.InDelta(t, 0.8, snap.AvgConfidence, 1e-9)
	assert.InDelta(t, 56.25, snap.AvgRVC, 1e-9)
	assert.Equal(t, 1, snap.ExternallyEvaluated)
	assert.Equal(t, 1, snap.Fallback)
	assert.Equal(t, 1, snap.ConsensusEnabled)
	assert.Equal(t, 1, snap.DeadLetters)

	require.Len(t, snap.ByAgreement, 3)
	assert.Equal(t, AgreementKPI{Agreement: "CETA", Total: 2, Conforming: 1, AvgRVC: 40}, snap.ByAgreement[0])
	assert.Equal(t, "GSP", snap.ByAgreement[1].Agreement)
	assert.Equal(t, "RCEP", snap.ByAgreement[2].Agreement)
}

func TestCollector_UnreadableResultIsSkipped(t *testing.T) {
	t.Parallel()

	src := &mockSource{certs: []model.Certificate{{
		ID: "x", Status: model.CertificateStatusDone, UpdatedAt: time.Now(),
		Result: json.RawMessage(`"legacy text blob"`),
	}}}

	snap, err := NewCollector(src).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.CertificatesTotal)
	assert.Equal(t, 0, snap.Decided)
}

func TestCollector_DegradedStore(t *testing.T) {
	t.Parallel()

	snap, err := NewCollector(&mockSource{degraded: true}).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.True(t, snap.StoreDegraded)
}

func TestCollector_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewCollector(&mockSource{listErr: errors.New("db down")}).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list certificates")

	_, err = NewCollector(&mockSource{deadErr: errors.New("db down")}).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list dead letters")
}

func TestCollector_MemoryStore(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	payload, err := json.Marshal(model.CertificatePayload{IsConform: true, Confidence: 0.85})
	require.NoError(t, err)
	_, err = st.Upsert(context.Background(),
		model.CertificateIdentity{ProductSKU: "SKU-1", HS6: "390110", Agreement: "CETA"},
		store.CertificateUpdate{Status: model.CertificateStatusDone, Result: payload},
	)
	require.NoError(t, err)

	snap, err := NewCollector(st).Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Conforming)
	assert.InDelta(t, 1.0, snap.ConformRate, 1e-9)
}
