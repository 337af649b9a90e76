package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/resilience"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newTestMemory(t *testing.T) Store {
	t.Helper()
	return NewMemory()
}

var scenarioA = model.CertificateIdentity{ProductSKU: "SKU-1", HS6: "390110", Agreement: "CETA"}

func blob(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("FindMissingIdentity", func(t *testing.T) {
		s := newStore(t)
		got, err := s.FindByIdentity(context.Background(), scenarioA)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		c, err := s.Create(ctx, scenarioA, CertificateUpdate{Status: model.CertificateStatusProcessing})
		require.NoError(t, err)
		assert.NotEmpty(t, c.ID)
		assert.Equal(t, model.CertificateStatusProcessing, c.Status)
		assert.Nil(t, c.Result)

		got, err := s.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, scenarioA, got.Identity())

		found, err := s.FindByIdentity(ctx, scenarioA)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, c.ID, found.ID)
	})

	t.Run("CreateDefaultsToPending", func(t *testing.T) {
		s := newStore(t)
		c, err := s.Create(context.Background(), scenarioA, CertificateUpdate{})
		require.NoError(t, err)
		assert.Equal(t, model.CertificateStatusPending, c.Status)
	})

	t.Run("InvalidStatus", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Upsert(context.Background(), scenarioA, CertificateUpdate{Status: "archived"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid certificate status")
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Update(context.Background(), "missing", CertificateUpdate{Status: model.CertificateStatusFailed})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpsertIsIdempotentPerIdentity", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, err := s.Upsert(ctx, scenarioA, CertificateUpdate{
			Status: model.CertificateStatusDone,
			Result: blob(t, map[string]any{"isConform": true, "calculations": map[string]any{"rvc": 60.0}}),
		})
		require.NoError(t, err)

		second, err := s.Upsert(ctx, scenarioA, CertificateUpdate{
			Status: model.CertificateStatusDone,
			Result: blob(t, map[string]any{"isConform": false, "calculations": map[string]any{"rvc": 20.0}}),
		})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		all, err := s.List(ctx, CertificateFilter{})
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.JSONEq(t, `{"isConform":false,"calculations":{"rvc":20}}`, string(all[0].Result))
	})

	t.Run("ResultRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		payload := model.CertificatePayload{
			IsConform:    true,
			Confidence:   0.85,
			Explanation:  "RVC 60.0% meets 60.0%",
			Calculations: model.Calculations{RVC: 60, MaxNOM: 40, ChangeOfTariff: true},
			Alternatives: []model.AlternativeEvaluation{{Type: "rvc", Result: true, Details: "RVC 60.0% vs threshold 60.0%"}},
			AppliedRules: []model.RuleRef{{ID: "3901-CETA", RuleText: "RVC >= 60%", Priority: 1}},
			AIInsights: model.AIInsights{
				ConsensusScore:     model.Float(0.85),
				DissentingOpinions: []string{},
				ProviderDecisions:  []model.ProviderDecision{},
				AuditTrail:         model.AuditTrail{ConsensusScore: 0.85, RequiredThreshold: 0.75, GeneratedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
			},
		}
		c, err := s.Upsert(ctx, scenarioA, CertificateUpdate{Status: model.CertificateStatusDone, Result: blob(t, payload)})
		require.NoError(t, err)

		got, err := s.Get(ctx, c.ID)
		require.NoError(t, err)
		decoded, err := got.Payload()
		require.NoError(t, err)
		assert.Equal(t, payload, *decoded)
	})

	t.Run("ConcurrentUpsertsConverge", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Upsert(ctx, scenarioA, CertificateUpdate{Status: model.CertificateStatusDone})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		all, err := s.List(ctx, CertificateFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("ListFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Upsert(ctx, scenarioA, CertificateUpdate{Status: model.CertificateStatusDone})
		require.NoError(t, err)
		_, err = s.Upsert(ctx, model.CertificateIdentity{ProductSKU: "SKU-2", HS6: "390110", Agreement: "USMCA"},
			CertificateUpdate{Status: model.CertificateStatusFailed})
		require.NoError(t, err)

		done, err := s.List(ctx, CertificateFilter{Status: model.CertificateStatusDone})
		require.NoError(t, err)
		require.Len(t, done, 1)
		assert.Equal(t, "SKU-1", done[0].ProductSKU)

		usmca, err := s.List(ctx, CertificateFilter{Agreement: "USMCA"})
		require.NoError(t, err)
		require.Len(t, usmca, 1)
		assert.Equal(t, model.CertificateStatusFailed, usmca[0].Status)

		limited, err := s.List(ctx, CertificateFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("Webhooks", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		wh := &model.Webhook{
			PartnerID: "abcd1234",
			URL:       "https://partner.example.com/hook",
			Events:    []string{model.EventOriginChecked},
			Secret:    "0123456789abcdef0123456789abcdef",
			Active:    true,
		}
		require.NoError(t, s.CreateWebhook(ctx, wh))
		assert.Regexp(t, `^wh_\d+_[0-9a-f]{10}$`, wh.ID)

		hooks, err := s.ListWebhooks(ctx, "abcd1234")
		require.NoError(t, err)
		require.Len(t, hooks, 1)
		assert.Equal(t, []string{model.EventOriginChecked}, hooks[0].Events)
		assert.Nil(t, hooks[0].LastDeliveryAt)

		others, err := s.ListWebhooks(ctx, "ffff0000")
		require.NoError(t, err)
		assert.Empty(t, others)
		assert.NotNil(t, others)

		ok, err := s.DeleteWebhook(ctx, "ffff0000", wh.ID)
		require.NoError(t, err)
		assert.False(t, ok, "foreign partner must not delete")

		ok, err = s.DeleteWebhook(ctx, "abcd1234", wh.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.DeleteWebhook(ctx, "abcd1234", wh.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("DeadLetters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		d := resilience.DeadLetter{
			TaskID:   "review-1",
			Kind:     "human_review_queue",
			Payload:  json.RawMessage(`{"jobId":"review-1"}`),
			Error:    "dial tcp: connection refused",
			Class:    resilience.ClassTransient,
			Attempts: 3,
			FailedAt: time.Now().UTC(),
		}
		require.NoError(t, s.SaveDeadLetter(ctx, d))

		got, err := s.ListDeadLetters(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "review-1", got[0].TaskID)
		assert.JSONEq(t, `{"jobId":"review-1"}`, string(got[0].Payload))
		assert.True(t, got[0].Replayable())
	})
}

func TestMemoryStore(t *testing.T) {
	storeTestSuite(t, newTestMemory)
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func TestSQLiteStore_InvalidResultPassesThrough(t *testing.T) {
	s := newTestSQLite(t).(*SQLiteStore)
	ctx := context.Background()

	c, err := s.Create(ctx, scenarioA, CertificateUpdate{Status: model.CertificateStatusDone})
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `UPDATE origin_certificates SET result = ? WHERE id = ?`, "{not json", c.ID)
	require.NoError(t, err)

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, `"{not json"`, string(got.Result))
}
