package ltsd

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/origin-engine/internal/resilience"
)

func sampleEvaluation() EvaluationRequest {
	return EvaluationRequest{
		RuleID: "CETA-HS39-001",
		EvaluationInput: EvaluationInput{
			Context: EvaluationContext{
				TenantID:      "3f6c1b9e-8d7a-4c2e-9f10-1a2b3c4d5e6f",
				RequestID:     "8a1d2c3b-4e5f-4a6b-8c7d-9e0f1a2b3c4d",
				Agreement:     Agreement{Code: "CETA", Name: "EU-Canada CETA"},
				HSCode:        HSClassification{Chapter: "39", Heading: "3901", Subheading: "390110"},
				EffectiveDate: "2026-01-01",
				ImportCountry: "DE",
				ExportCountry: "CA",
			},
			BillOfMaterials: []BOMItem{{
				LineID:          "1",
				Description:     "Ethylene feedstock",
				HSCode:          "2901",
				CountryOfOrigin: "CA",
				Value:           Money{Amount: 400, Currency: "EUR"},
				IsOriginating:   true,
			}},
			Process: Process{
				PerformedOperations:    []Operation{{Code: "POLYMERISATION", Location: "CA"}},
				TotalManufacturingCost: Money{Amount: 600, Currency: "EUR"},
				ValueAddedPercentage:   60,
			},
			Documentation: Documentation{
				SubmittedCertificates: []string{"EUR1"},
				Evidence:              map[string]string{"invoice": "INV-1"},
			},
		},
	}
}

const verdictBody = `{
	"evaluation": {"verdict": {
		"evaluation_id": "0b1f6a2e-6f44-4d0c-9a6e-2b0d0c1e7f11",
		"rule_id": "CETA-HS39-001",
		"status": "disqualified",
		"decided_at": "2026-03-01T10:00:00Z",
		"confidence": 0.91,
		"citations": [{"reference": "CETA Annex 5", "section": "Ch. 39", "url": "https://example.org/ceta"}],
		"disqualification_reasons": [{"code": "RVC_BELOW_MIN", "description": "RVC below 60 percent", "severity": "high"}],
		"x_vendor_field": true
	}},
	"ledger_reference": "ledger://psra/2026/abc123"
}`

func TestEvaluate_TranslatesBothWays(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/evaluate", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "CETA-HS39-001", body["rule_id"])
		input := body["evaluation_input"].(map[string]any)
		ctx := input["context"].(map[string]any)
		assert.Equal(t, "DE", ctx["import_country"])
		assert.Contains(t, ctx, "tenant_id")
		bom := input["bill_of_materials"].([]any)[0].(map[string]any)
		assert.Equal(t, "CA", bom["country_of_origin"])
		assert.Equal(t, true, bom["is_originating"])
		process := input["process"].(map[string]any)
		assert.Contains(t, process, "performed_operations")
		assert.Contains(t, process, "value_added_percentage")
		docs := input["documentation"].(map[string]any)
		assert.Contains(t, docs, "submitted_certificates")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(verdictBody)) //nolint:errcheck
	}))
	defer srv.Close()

	got, err := NewClient(srv.URL+"/").Evaluate(context.Background(), sampleEvaluation())
	require.NoError(t, err)

	assert.Equal(t, StatusDisqualified, got.Verdict.Status)
	assert.Equal(t, "CETA-HS39-001", got.Verdict.RuleID)
	assert.Equal(t, 0.91, got.Verdict.Confidence)
	assert.Equal(t, "ledger://psra/2026/abc123", got.LedgerReference)
	require.Len(t, got.Verdict.Citations, 1)
	assert.Equal(t, Citation{Reference: "CETA Annex 5", Section: "Ch. 39", URL: "https://example.org/ceta"}, got.Verdict.Citations[0])
	require.Len(t, got.Verdict.DisqualificationReasons, 1)
	assert.Equal(t, "RVC_BELOW_MIN", got.Verdict.DisqualificationReasons[0].Code)

	ev := got.Evidence()
	assert.Equal(t, "ledger://psra/2026/abc123", ev.LedgerReference)
	assert.Equal(t, got.Verdict.Citations, ev.Citations)
}

func TestEvaluate_PropagatesRemoteDetail(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail": "certificate_available_only_for_qualified_verdicts"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Evaluate(context.Background(), sampleEvaluation())
	require.Error(t, err)

	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusUnprocessableEntity, ue.Status)
	assert.Equal(t, "certificate_available_only_for_qualified_verdicts", ue.Message)
	assert.False(t, IsUnavailable(err))
}

func TestEvaluate_ErrorFieldAndStructuredDetail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"error field", `{"error": "rule not found"}`, "rule not found"},
		{"structured detail", `{"detail": [{"loc": ["body"], "msg": "field required"}]}`, `[{"loc": ["body"], "msg": "field required"}]`},
		{"no message", `{"status": "bad"}`, msgGenericError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte(tt.body)) //nolint:errcheck
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL).Evaluate(context.Background(), sampleEvaluation())
			var ue *UpstreamError
			require.True(t, errors.As(err, &ue))
			assert.Equal(t, http.StatusNotFound, ue.Status)
			assert.Equal(t, tt.want, ue.Message)
		})
	}
}

func TestEvaluate_UnparsableErrorKeepsStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`<html>oops</html>`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Evaluate(context.Background(), sampleEvaluation())
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusBadRequest, ue.Status)
	assert.Equal(t, msgGenericError, ue.Message)
	assert.Empty(t, ue.Details)
}

func TestEvaluate_UnparsableVerdictIsGeneric500(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Evaluate(context.Background(), sampleEvaluation())
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusInternalServerError, ue.Status)
	assert.Equal(t, msgInvalidResponse, ue.Message)
}

func TestEvaluate_RetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"detail": "warming up"}`)) //nolint:errcheck
			return
		}
		w.Write([]byte(verdictBody)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(resilience.Policy{Attempts: 3, Base: time.Millisecond}))
	got, err := c.Evaluate(context.Background(), sampleEvaluation())
	require.NoError(t, err)
	assert.Equal(t, StatusDisqualified, got.Verdict.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEvaluate_TimeoutIsUnavailable(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL, WithTimeout(50*time.Millisecond))
	_, err := c.Evaluate(context.Background(), sampleEvaluation())
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))

	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusGatewayTimeout, ue.Status)
}

func TestEvaluate_OpenBreakerIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the server")
	}))
	defer srv.Close()

	b := resilience.NewBreaker(resilience.BreakerConfig{Threshold: 1, Cooldown: time.Hour})
	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("down") })

	_, err := NewClient(srv.URL, WithBreaker(b)).Evaluate(context.Background(), sampleEvaluation())
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
}

func TestGenerate_StreamsBodyAndForwardsHeaders(t *testing.T) {
	t.Parallel()

	pdf := []byte("%PDF-1.7 fake document")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "LTSD-2026-001", body["certificate_code"])
		assert.Equal(t, "2026-12-31", body["valid_to"])
		supplier := body["supplier"].(map[string]any)
		assert.Equal(t, "1011AB", supplier["postal_code"])

		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="ltsd.pdf"`)
		w.Header().Set("X-Notary-Hash", "sha256:abc")
		w.Header().Set("X-Ledger-Reference", "ledger://psra/2026/abc123")
		w.Header().Set("X-Internal", "secret")
		w.Write(pdf) //nolint:errcheck
	}))
	defer srv.Close()

	doc, err := NewClient(srv.URL).Generate(context.Background(), CertificateRequest{
		EvaluationID:    "0b1f6a2e-6f44-4d0c-9a6e-2b0d0c1e7f11",
		CertificateCode: "LTSD-2026-001",
		Supplier:        Party{Name: "Polymer BV", Street: "Damrak 1", City: "Amsterdam", PostalCode: "1011AB", Country: "NL"},
		Customer:        Party{Name: "Resin Inc", Street: "King St 5", City: "Toronto", PostalCode: "M5H", Country: "CA"},
		ValidFrom:       "2026-01-01",
		ValidTo:         "2026-12-31",
		SignatoryName:   "Jane Doe",
		SignatoryTitle:  "Compliance Lead",
		IssueLocation:   "Amsterdam",
	})
	require.NoError(t, err)
	defer doc.Body.Close() //nolint:errcheck

	got, err := io.ReadAll(doc.Body)
	require.NoError(t, err)
	assert.Equal(t, pdf, got)
	assert.Equal(t, "application/pdf", doc.Header.Get("Content-Type"))
	assert.Equal(t, "sha256:abc", doc.Header.Get("X-Notary-Hash"))
	assert.Equal(t, "ledger://psra/2026/abc123", doc.Header.Get("X-Ledger-Reference"))
	assert.Equal(t, `attachment; filename="ltsd.pdf"`, doc.Header.Get("Content-Disposition"))
	assert.Empty(t, doc.Header.Get("X-Internal"))
}

func TestGenerate_PropagatesRemoteError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail": "certificate_available_only_for_qualified_verdicts"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Generate(context.Background(), CertificateRequest{})
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, 422, ue.Status)
	assert.Equal(t, "certificate_available_only_for_qualified_verdicts", ue.Message)
}
