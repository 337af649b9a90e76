package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/origin-engine/internal/config"
)

// testConfig mirrors the loaded defaults with an in-memory store.
func testConfig() *config.Config {
	return &config.Config{
		Store:  config.StoreConfig{Driver: "memory"},
		Server: config.ServerConfig{Port: 8080, CORSOrigins: []string{"*"}, ShutdownTimeoutS: 1},
		Log:    config.LogConfig{Level: "info", Format: "json"},
		Rules:  config.RulesConfig{ConsensusThreshold: 0.75},
		Evaluator: config.EvaluatorConfig{
			TimeoutMS:        1000,
			FailureThreshold: 5,
			ResetTimeoutSecs: 30,
			MaxAttempts:      2,
		},
		Escalation: config.EscalationConfig{Backend: "memory"},
		Dispatch:   config.DispatchConfig{Workers: 2, QueueSize: 16, MaxAttempts: 2},
		Consensus:  config.ConsensusConfig{TimeoutSecs: 5, Retries: 1},
		Partner:    config.PartnerConfig{RateLimit: 100, RateWindowSecs: 60},
		Monitoring: config.MonitoringConfig{LookbackHours: 24, ConformRateFloor: 0.5, ReviewRateCeiling: 0.4},
		Determination: config.DeterminationConfig{
			TenantID:      "00000000-0000-0000-0000-000000000000",
			ImportCountry: "NL",
			Currency:      "EUR",
		},
	}
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"serve", "migrate", "check", "export", "kpi"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "origin-engine", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestCommands_DeclareConfigMode(t *testing.T) {
	tests := map[string]string{
		"serve":   config.ModeServe,
		"migrate": config.ModeMigrate,
		"check":   config.ModeCheck,
		"export":  config.ModeExport,
		"kpi":     config.ModeKPI,
	}
	for _, c := range rootCmd.Commands() {
		want, ok := tests[c.Name()]
		if !ok {
			continue
		}
		assert.Equal(t, want, c.Annotations[modeAnnotation], c.Name())
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestCheckCommand_Flags(t *testing.T) {
	for _, name := range []string{"file", "partner"} {
		assert.NotNil(t, checkCmd.Flags().Lookup(name), "check should have --%s flag", name)
	}
}

func TestExportCommand_Flags(t *testing.T) {
	flag := exportCmd.Flags().Lookup("out")
	require.NotNil(t, flag)
	assert.Equal(t, "certificates.xlsx", flag.DefValue)

	limit := exportCmd.Flags().Lookup("limit")
	require.NotNil(t, limit)
	assert.Equal(t, "1000", limit.DefValue)
}

func TestKPICommand_Flags(t *testing.T) {
	for _, name := range []string{"lookback-hours", "json", "send-alerts"} {
		assert.NotNil(t, kpiCmd.Flags().Lookup(name), "kpi should have --%s flag", name)
	}
}

func TestTestConfig_ValidForServe(t *testing.T) {
	require.NoError(t, testConfig().Validate(config.ModeServe))
}
