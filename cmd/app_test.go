package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/origin-engine/internal/audit"
	"github.com/sells-group/origin-engine/internal/config"
	"github.com/sells-group/origin-engine/internal/escalation"
	"github.com/sells-group/origin-engine/internal/monitoring"
	"github.com/sells-group/origin-engine/internal/store"
)

func TestNewApp_MemoryWiring(t *testing.T) {
	a, err := newApp(context.Background(), testConfig())
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &store.MemoryStore{}, a.store)
	assert.IsType(t, &audit.LogPublisher{}, a.publisher)
	assert.Nil(t, a.checker)
	assert.Nil(t, a.worker)

	a.dispatcher.Start(context.Background())
	defer a.dispatcher.Shutdown(context.Background()) //nolint:errcheck

	rr := httptest.NewRecorder()
	body := `{"productSku":"SKU-1","hsCode":"390110","tradeAgreement":"CETA","productValue":1000,"materials":[{"hsCode":"290110","origin":"CA","value":400}]}`
	a.server.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/origin/calculate", strings.NewReader(body)))
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = httptest.NewRecorder()
	a.server.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rr.Body.String(), "origin_determinations_total")
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestNewApp_MonitoringEnabled(t *testing.T) {
	c := testConfig()
	c.Monitoring.Enabled = true

	a, err := newApp(context.Background(), c)
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.checker)
}

func TestNewApp_FallbackWrapsDurableStore(t *testing.T) {
	c := testConfig()
	c.Store = config.StoreConfig{
		Driver:         "sqlite",
		DatabaseURL:    filepath.Join(t.TempDir(), "origin.db"),
		FallbackMemory: true,
	}

	a, err := newApp(context.Background(), c)
	require.NoError(t, err)
	defer a.Close()

	fb, ok := a.store.(*store.FallbackStore)
	require.True(t, ok)
	assert.False(t, fb.Degraded())
}

func TestNewApp_BadCatalogPath(t *testing.T) {
	c := testConfig()
	c.Rules.CatalogPath = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := newApp(context.Background(), c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load rule catalog")
}

func TestInitQueue_DefaultsToMemory(t *testing.T) {
	a := &app{cfg: testConfig()}
	q, err := a.initQueue(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &escalation.MemoryQueue{}, q)
}

func TestInitPublisher(t *testing.T) {
	pub, err := initPublisher(config.AuditConfig{})
	require.NoError(t, err)
	assert.IsType(t, &audit.LogPublisher{}, pub)

	pub, err = initPublisher(config.AuditConfig{KafkaBrokers: "localhost:9092", KafkaTopic: "origin.audit"})
	require.NoError(t, err)
	assert.IsType(t, &audit.KafkaPublisher{}, pub)
	require.NoError(t, pub.Close())
}

func TestInitEvaluator(t *testing.T) {
	assert.Nil(t, initEvaluator(config.EvaluatorConfig{}))
	assert.NotNil(t, initEvaluator(config.EvaluatorConfig{BaseURL: "http://ltsd.local", TimeoutMS: 500, MaxAttempts: 2}))
}

func TestInitOrchestrator_WithoutKey(t *testing.T) {
	c := testConfig()
	c.Consensus.Enabled = true

	// Consensus without an API key falls back to rules only.
	assert.NotNil(t, initOrchestrator(c))
}

func TestPublishKPIs(t *testing.T) {
	c := testConfig()
	a, err := newApp(context.Background(), c)
	require.NoError(t, err)
	defer a.Close()

	a.publishKPIs(&monitoring.Snapshot{
		ConformRate: 0.5,
		ReviewRate:  0.2,
		ByAgreement: []monitoring.AgreementKPI{{Agreement: "CETA", Total: 4, Conforming: 3}, {Agreement: "EMPTY"}},
	})

	assert.InDelta(t, 0.75, testutil.ToFloat64(a.metrics.ConformRate.WithLabelValues("CETA")), 1e-9)
	assert.InDelta(t, 0.2, testutil.ToFloat64(a.metrics.ReviewRate), 1e-9)
}
