package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/origin-engine/internal/monitoring"
)

func TestFormatPercent(t *testing.T) {
	assert.Equal(t, "75.0%", formatPercent(0.75))
	assert.Equal(t, "0.0%", formatPercent(0))
}

func TestPrintSnapshot(t *testing.T) {
	snap := &monitoring.Snapshot{
		CertificatesTotal: 4,
		Done:              4,
		Decided:           4,
		Conforming:        3,
		ConformRate:       0.75,
		ReviewRequired:    1,
		ReviewRate:        0.25,
		AvgConfidence:     0.8,
		AvgRVC:            56.25,
		ByAgreement: []monitoring.AgreementKPI{
			{Agreement: "CETA", Total: 3, Conforming: 2, AvgRVC: 55},
		},
		LookbackHours: 24,
	}

	var buf bytes.Buffer
	printSnapshot(&buf, snap, nil)
	out := buf.String()

	assert.Contains(t, out, "KPIs for the last 24h")
	assert.Contains(t, out, "75.0% (3 of 4)")
	assert.Contains(t, out, "56.2%")
	assert.Contains(t, out, "CETA")
	assert.Contains(t, out, "No thresholds breached.")
}

func TestPrintSnapshot_Alerts(t *testing.T) {
	var buf bytes.Buffer
	printSnapshot(&buf, &monitoring.Snapshot{LookbackHours: 1}, []monitoring.Alert{
		{Severity: "critical", Message: "store degraded"},
	})

	assert.Contains(t, buf.String(), "[critical] store degraded")
	assert.NotContains(t, buf.String(), "No thresholds breached.")
}
