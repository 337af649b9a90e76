package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/rules"
	"github.com/sells-group/origin-engine/internal/validate"
)

func loadCatalog(t *testing.T) *rules.Catalog {
	t.Helper()
	catalog, err := rules.LoadCatalog("")
	require.NoError(t, err)
	return catalog
}

func TestReadInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "req.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0o600))

	raw, err := readInput(nil, path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(raw))

	raw, err = readInput(strings.NewReader(`{"b":2}`), "-")
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(raw))

	_, err = readInput(nil, filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestCheckPartner(t *testing.T) {
	raw := []byte(`{
		"productSku": "SKU-42",
		"hsCode": "390110",
		"agreement": "CETA",
		"exWorksValue": 1000,
		"materials": [{"hsCode": "290110", "origin": "CN", "value": 500}]
	}`)

	res, err := checkPartner(loadCatalog(t), raw)
	require.NoError(t, err)
	assert.False(t, res.Result.IsConform)
	assert.Equal(t, model.VerdictNonPreferential, res.Result.Verdict)
	assert.InDelta(t, 50.0, res.Calculations.RegionalValueContent, 1e-9)
}

func TestCheckPartner_Invalid(t *testing.T) {
	_, err := checkPartner(loadCatalog(t), []byte(`{"productSku": "SKU-42"}`))
	require.Error(t, err)
	verr, ok := validate.As(err)
	require.True(t, ok)
	assert.NotEmpty(t, verr.Issues)
}

func TestCheckDetermination(t *testing.T) {
	cfg = testConfig()

	raw := []byte(`{
		"productSku": "SKU-1",
		"hsCode": "3901.10",
		"tradeAgreement": "CETA",
		"productValue": 1000,
		"materials": [{"hsCode": "290110", "origin": "CA", "value": 400}]
	}`)

	out, err := checkDetermination(context.Background(), loadCatalog(t), raw)
	require.NoError(t, err)
	assert.Equal(t, "390110", out.HSCode)
	assert.True(t, out.Result.IsConform)
	assert.InDelta(t, 60.0, out.Result.Calculations.RVC, 1e-9)
	assert.Nil(t, out.HumanReview)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(out))
	assert.Contains(t, buf.String(), `"humanReview":null`)
}

func TestCheckDetermination_Rejected(t *testing.T) {
	cfg = testConfig()

	_, err := checkDetermination(context.Background(), loadCatalog(t), []byte(`{"productSku": "SKU-1"}`))
	require.Error(t, err)
	assert.Equal(t, validate.MsgMissingFields, err.Error())
}
