package determination

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/origin-engine/internal/audit"
	"github.com/sells-group/origin-engine/internal/dispatch"
	"github.com/sells-group/origin-engine/internal/escalation"
	"github.com/sells-group/origin-engine/internal/metrics"
	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/rules"
	"github.com/sells-group/origin-engine/internal/store"
	"github.com/sells-group/origin-engine/internal/validate"
	"github.com/sells-group/origin-engine/pkg/ltsd"
	ltsdmocks "github.com/sells-group/origin-engine/pkg/ltsd/mocks"
)

// inlineSubmitter runs tasks synchronously and remembers their kinds.
type inlineSubmitter struct {
	mu     sync.Mutex
	kinds  []string
	reject map[string]error
}

func (s *inlineSubmitter) Submit(t dispatch.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reject[t.Kind]; err != nil {
		return err
	}
	s.kinds = append(s.kinds, t.Kind)
	return t.Run(context.Background())
}

func (s *inlineSubmitter) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range s.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

type memPublisher struct {
	mu     sync.Mutex
	events []audit.Event
}

func (p *memPublisher) Publish(_ context.Context, ev audit.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *memPublisher) Close() error { return nil }

type failingStore struct{}

func (failingStore) Upsert(context.Context, model.CertificateIdentity, store.CertificateUpdate) (*model.Certificate, error) {
	return nil, errors.New("disk full")
}

type degradedStore struct {
	*store.MemoryStore
}

func (degradedStore) Degraded() bool { return true }

type fixture struct {
	svc       *Service
	store     *store.MemoryStore
	queue     *escalation.MemoryQueue
	submitter *inlineSubmitter
	audit     *memPublisher
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T, evaluator ltsd.Client, st Store) *fixture {
	t.Helper()
	catalog, err := rules.LoadCatalog("")
	require.NoError(t, err)

	f := &fixture{
		store:     store.NewMemory(),
		queue:     escalation.NewMemoryQueue(),
		submitter: &inlineSubmitter{reject: map[string]error{}},
		audit:     &memPublisher{},
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	if st == nil {
		st = f.store
	}
	f.svc = New(Config{}, Deps{
		Engine:    rules.NewEngine(catalog),
		Evaluator: evaluator,
		Store:     st,
		Escalator: escalation.NewAdapter(f.queue, f.submitter),
		Audit:     audit.NewRecorder(f.audit, f.submitter),
		Metrics:   f.metrics,
	})
	return f
}

func (f *fixture) failures(reason string) float64 {
	return testutil.ToFloat64(f.metrics.CalculationFailures.WithLabelValues(reason))
}

const scenarioA = `{
	"productSku": "SKU-1",
	"hsCode": "3901.10",
	"tradeAgreement": "CETA",
	"productValue": 1000,
	"materials": [{"hsCode": "290110", "origin": "CA", "value": 400}]
}`

const scenarioB = `{
	"productSku": "SKU-1",
	"hsCode": "390110",
	"tradeAgreement": "CETA",
	"productValue": 500,
	"materials": [{"hsCode": "290110", "origin": "CA", "value": 400}]
}`

func TestDetermine_ConformingRuleMatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	out, err := f.svc.Determine(context.Background(), []byte(scenarioA))
	require.NoError(t, err)

	assert.Equal(t, StateResponded, out.State)
	assert.Equal(t, PathRuleMatched, out.Path)
	assert.True(t, out.Result.IsConform)
	assert.InDelta(t, 60.0, out.Result.Calculations.RVC, 1e-9)
	assert.InDelta(t, 0.85, out.Result.Confidence, 1e-9)
	assert.False(t, out.Result.HumanReviewRequired)
	assert.Nil(t, out.HumanReview)
	assert.False(t, out.Degraded)
	require.Len(t, out.Result.AppliedRules, 1)
	assert.Equal(t, "3901-CETA", out.Result.AppliedRules[0].ID)

	require.NotNil(t, out.Certificate)
	assert.Equal(t, model.CertificateStatusDone, out.Certificate.Status)
	assert.Equal(t, "390110", out.Certificate.HS6)

	payload, err := out.Certificate.Payload()
	require.NoError(t, err)
	assert.True(t, payload.IsConform)
	assert.Equal(t, []model.RuleRef{{ID: "3901-CETA", RuleText: out.Result.AppliedRules[0].RuleText, Priority: 2}}, payload.AppliedRules)

	assert.Empty(t, f.queue.Jobs())
	assert.Equal(t, 1, f.submitter.count(audit.TaskKind))
	require.Len(t, f.audit.events, 1)
	assert.Equal(t, audit.ActionOriginCalculation, f.audit.events[0].Action)
	assert.Equal(t, out.Certificate.ID, f.audit.events[0].ResourceID)

	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.Determinations.WithLabelValues(PathRuleMatched, "true")), 1e-9)
}

func TestDetermine_NonConformingIsEscalated(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	out, err := f.svc.Determine(context.Background(), []byte(scenarioB))
	require.NoError(t, err)

	assert.False(t, out.Result.IsConform)
	assert.InDelta(t, 20.0, out.Result.Calculations.RVC, 1e-9)
	assert.True(t, out.Result.HumanReviewRequired)
	require.NotNil(t, out.HumanReview)
	assert.Equal(t, ReviewStatusQueued, out.HumanReview.Status)

	jobs := f.queue.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, out.HumanReview.JobID, jobs[0].ID)
	assert.Equal(t, model.ReviewReasonNonConforming, jobs[0].Reason)
	assert.Equal(t, "SKU-1", jobs[0].ProductSKU)

	payload, err := out.Certificate.Payload()
	require.NoError(t, err)
	assert.True(t, payload.AIInsights.HumanReviewRequired)
}

func TestDetermine_RepeatedRequestUpdatesOneCertificate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	first, err := f.svc.Determine(context.Background(), []byte(scenarioA))
	require.NoError(t, err)
	second, err := f.svc.Determine(context.Background(), []byte(scenarioB))
	require.NoError(t, err)

	assert.Equal(t, first.Certificate.ID, second.Certificate.ID)
	list, err := f.store.List(context.Background(), store.CertificateFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)

	payload, err := list[0].Payload()
	require.NoError(t, err)
	assert.False(t, payload.IsConform, "latest determination wins")
}

func TestDetermine_UnmatchedUsesFallback(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	out, err := f.svc.Determine(context.Background(), []byte(`{
		"productSku": "SKU-9",
		"hsCode": "940360",
		"tradeAgreement": "GSP",
		"productValue": 1000,
		"materials": [{"hsCode": "440710", "origin": "CN", "value": 200}]
	}`))
	require.NoError(t, err)

	assert.Equal(t, PathFallback, out.Path)
	assert.False(t, out.Result.AIConsensusEnabled)
	assert.Empty(t, out.Result.AppliedRules)
	assert.Equal(t, "Fallback origin calculation completed for 940360 under GSP.", out.Result.Explanation)
	assert.InDelta(t, 80.0, out.Result.Calculations.RVC, 1e-9)
}

func TestDetermine_ValidationRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	out, err := f.svc.Determine(context.Background(), []byte(`{"productSku":"SKU-1"}`))
	require.Error(t, err)
	assert.Nil(t, out)

	verr, ok := validate.As(err)
	require.True(t, ok)
	assert.Equal(t, validate.MsgMissingFields, verr.Summary)
	assert.InDelta(t, 1, f.failures(validate.ReasonMissingFields), 1e-9)

	list, err := f.store.List(context.Background(), store.CertificateFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDetermine_PersistFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, failingStore{})
	_, err := f.svc.Determine(context.Background(), []byte(scenarioA))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistFailed)
	assert.InDelta(t, 1, f.failures(metrics.ReasonPersistence), 1e-9)

	require.Len(t, f.audit.events, 1)
	assert.False(t, f.audit.events[0].Success)
}

func TestDetermine_DegradedStoreIsReported(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, degradedStore{store.NewMemory()})
	out, err := f.svc.Determine(context.Background(), []byte(scenarioA))
	require.NoError(t, err)
	assert.True(t, out.Degraded)
}

func TestDetermine_ReviewQueueRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	f.submitter.reject[escalation.TaskKind] = dispatch.ErrQueueFull

	out, err := f.svc.Determine(context.Background(), []byte(scenarioB))
	require.NoError(t, err)
	assert.True(t, out.Result.HumanReviewRequired)
	assert.Nil(t, out.HumanReview)
	assert.Equal(t, StateResponded, out.State)
	assert.InDelta(t, 1, f.failures(metrics.ReasonHumanReviewQueueFull), 1e-9)
}

func qualifiedResponse(status string) *ltsd.EvaluationResponse {
	return &ltsd.EvaluationResponse{
		Verdict: ltsd.EvaluationVerdict{
			EvaluationID: "8f7a3a4e-0a51-4c1a-b4e4-5d2f1a9e0c11",
			RuleID:       "CETA-HS39-001",
			Status:       status,
			DecidedAt:    "2025-02-15T12:00:00Z",
			Confidence:   0.93,
			Citations:    []ltsd.Citation{{Reference: "CETA Annex 5", Section: "Chapter 39"}},
		},
		LedgerReference: "ledger://psra/ceta/2025/0001",
	}
}

func TestDetermine_DelegatesToEvaluator(t *testing.T) {
	t.Parallel()

	client := ltsdmocks.NewMockClient(t)
	client.On("Evaluate", mock.Anything, mock.MatchedBy(func(req ltsd.EvaluationRequest) bool {
		ctx := req.EvaluationInput.Context
		return req.RuleID == "CETA-HS39-001" &&
			ctx.HSCode.Chapter == "39" && ctx.HSCode.Heading == "3901" &&
			ctx.ExportCountry == "CA" &&
			len(req.EvaluationInput.BillOfMaterials) == 1 &&
			req.EvaluationInput.BillOfMaterials[0].IsOriginating
	})).Return(qualifiedResponse(ltsd.StatusQualified), nil)

	f := newFixture(t, client, nil)
	out, err := f.svc.Determine(context.Background(), []byte(scenarioA))
	require.NoError(t, err)

	assert.Equal(t, PathEvaluator, out.Path)
	assert.True(t, out.Result.IsConform)
	assert.InDelta(t, 0.93, out.Result.Confidence, 1e-9)
	require.NotNil(t, out.Result.Evidence)
	assert.Equal(t, "ledger://psra/ceta/2025/0001", out.Result.Evidence.LedgerReference)
	assert.Equal(t, AltExternalEvaluation, out.Result.Alternatives[len(out.Result.Alternatives)-1].Type)
	assert.False(t, out.Result.HumanReviewRequired)

	payload, err := out.Certificate.Payload()
	require.NoError(t, err)
	require.NotNil(t, payload.Evidence)
	assert.Equal(t, "CETA-HS39-001", payload.Evidence.RuleID)
}

func TestDetermine_ManualReviewVerdict(t *testing.T) {
	t.Parallel()

	client := ltsdmocks.NewMockClient(t)
	client.On("Evaluate", mock.Anything, mock.Anything).Return(qualifiedResponse(ltsd.StatusManualReview), nil)

	f := newFixture(t, client, nil)
	out, err := f.svc.Determine(context.Background(), []byte(scenarioA))
	require.NoError(t, err)

	assert.False(t, out.Result.IsConform)
	assert.True(t, out.Result.HumanReviewRequired)
	require.NotNil(t, out.HumanReview)
	assert.Contains(t, out.Result.Explanation, "requires manual review")
}

func TestDetermine_EvaluatorUnavailableFallsBack(t *testing.T) {
	t.Parallel()

	client := ltsdmocks.NewMockClient(t)
	client.On("Evaluate", mock.Anything, mock.Anything).
		Return(nil, &ltsd.UpstreamError{Status: 504, Message: "Evaluation service timed out", Unreachable: true})

	f := newFixture(t, client, nil)
	out, err := f.svc.Determine(context.Background(), []byte(scenarioA))
	require.NoError(t, err)

	assert.Equal(t, PathFallback, out.Path)
	assert.False(t, out.Result.AIConsensusEnabled)
	assert.Nil(t, out.Result.Evidence)
	assert.InDelta(t, 1, f.failures(metrics.ReasonEvaluationUnavailable), 1e-9)
}

func TestDetermine_InvalidVerdictFallsBack(t *testing.T) {
	t.Parallel()

	bad := qualifiedResponse(ltsd.StatusQualified)
	bad.Verdict.Citations = nil

	client := ltsdmocks.NewMockClient(t)
	client.On("Evaluate", mock.Anything, mock.Anything).Return(bad, nil)

	f := newFixture(t, client, nil)
	out, err := f.svc.Determine(context.Background(), []byte(scenarioA))
	require.NoError(t, err)

	assert.Equal(t, PathFallback, out.Path)
	assert.InDelta(t, 1, f.failures(metrics.ReasonEvaluationFailed), 1e-9)
}

func TestEvaluationRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	req := model.OriginCalculationRequest{
		ProductSKU:             "SKU-1",
		HSCode:                 "390110",
		TradeAgreement:         "CETA",
		ProductValue:           1000,
		ManufacturingProcesses: []string{"polymerization", " extrusion line "},
		Materials: []model.Material{
			{HSCode: "290110", Origin: "ca", Value: 250},
			{HSCode: "381400", Origin: "CN", Value: 500},
			{HSCode: "271000", Origin: "EU", Value: 100},
		},
	}
	got := f.svc.evaluationRequest(req, "CETA-HS39-001")

	in := got.EvaluationInput
	assert.Equal(t, "EU-Canada Comprehensive Economic and Trade Agreement", in.Context.Agreement.Name)
	assert.Equal(t, "390110", in.Context.HSCode.Subheading)
	assert.Equal(t, "NL", in.Context.ImportCountry)
	assert.Equal(t, "CN", in.Context.ExportCountry)
	require.Len(t, in.BillOfMaterials, 3)
	assert.Equal(t, "CA", in.BillOfMaterials[0].CountryOfOrigin)
	assert.True(t, in.BillOfMaterials[0].IsOriginating)
	assert.False(t, in.BillOfMaterials[1].IsOriginating)
	assert.True(t, in.BillOfMaterials[2].IsOriginating)
	assert.Equal(t, "EUR", in.BillOfMaterials[1].Value.Currency)
	assert.Equal(t, []ltsd.Operation{{Code: "POLYMERIZATION"}, {Code: "EXTRUSION_LINE"}}, in.Process.PerformedOperations)
	assert.InDelta(t, 25.0, in.Process.ValueAddedPercentage, 1e-9)

	raw, err := json.Marshal(got)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"ruleId":"CETA-HS39-001"`)
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	assert.True(t, CanTransition(StateReceived, StateValidated))
	assert.True(t, CanTransition(StateFallback, StateEscalated))
	assert.True(t, CanTransition(StateEscalated, StatePersistFailed))
	assert.False(t, CanTransition(StateValidated, StatePersisted))
	assert.False(t, CanTransition(StateResponded, StateReceived))
	assert.True(t, StateRejected.Terminal())
	assert.False(t, StatePersisted.Terminal())
}
