package config

import (
	"slices"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/rotisserie/eris"
)

// Modes name the commands whose requirements Validate checks.
const (
	ModeServe   = "serve"
	ModeMigrate = "migrate"
	ModeExport  = "export"
	ModeKPI     = "kpi"
	ModeCheck   = "check"
)

var (
	modes              = []string{ModeServe, ModeMigrate, ModeExport, ModeKPI, ModeCheck}
	storeDrivers       = []string{"postgres", "sqlite", "memory"}
	escalationBackends = []string{"memory", "redis", "temporal"}
)

// Validate checks that the configuration can run the given command. All
// problems are reported together.
func (c *Config) Validate(mode string) error {
	if !slices.Contains(modes, mode) {
		return eris.Errorf("config: unknown mode %q", mode)
	}

	var problems []string
	add := func(msg string) { problems = append(problems, msg) }

	needsStore := mode != ModeCheck
	if needsStore {
		if !slices.Contains(storeDrivers, c.Store.Driver) {
			add("store.driver must be one of " + strings.Join(storeDrivers, ", "))
		}
		if c.Store.Driver != "memory" && c.Store.DatabaseURL == "" {
			add("store.database_url is required for driver " + c.Store.Driver)
		}
		if c.Store.Driver == "memory" && (mode == ModeMigrate || mode == ModeExport || mode == ModeKPI) {
			add("store.driver memory holds no data for " + mode)
		}
		if c.Store.MinConns > c.Store.MaxConns && c.Store.MaxConns > 0 {
			add("store.min_conns must not exceed store.max_conns")
		}
	}

	if t := c.Rules.ConsensusThreshold; t <= 0 || t > 1 {
		add("rules.consensus_threshold must be in (0, 1]")
	}

	if mode == ModeServe {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server.port must be between 1 and 65535")
		}
		if c.Evaluator.BaseURL != "" && !govalidator.IsURL(c.Evaluator.BaseURL) {
			add("evaluator.base_url must be a URL")
		}
		if !slices.Contains(escalationBackends, c.Escalation.Backend) {
			add("escalation.backend must be one of " + strings.Join(escalationBackends, ", "))
		}
		if c.Escalation.Backend == "redis" && c.Escalation.RedisURL == "" {
			add("escalation.redis_url is required for the redis backend")
		}
		if c.Escalation.Backend == "temporal" && c.Escalation.TemporalHost == "" {
			add("escalation.temporal_host is required for the temporal backend")
		}
		if c.Partner.RateLimit <= 0 || c.Partner.RateWindowSecs <= 0 {
			add("partner.rate_limit and partner.rate_window_secs must be positive")
		}
		for _, k := range c.Partner.APIKeys {
			if len(k) != 64 || !govalidator.IsHexadecimal(k) {
				add("partner.api_keys entries must be 64 hex characters")
				break
			}
		}
	}

	if mode == ModeServe || mode == ModeKPI {
		if c.Monitoring.WebhookURL != "" && !govalidator.IsURL(c.Monitoring.WebhookURL) {
			add("monitoring.webhook_url must be a URL")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}
