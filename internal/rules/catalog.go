// Package rules holds origin reference data and the local rule engine.
package rules

import (
	_ "embed"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/origin-engine/internal/model"
)

//go:embed rules.yaml
var defaultCatalog []byte

// Catalog is the origin reference data: agreement thresholds and origin rules.
type Catalog struct {
	Defaults   Defaults                   `yaml:"defaults"`
	Agreements map[string]AgreementConfig `yaml:"agreements"`
	Rules      []model.OriginRule         `yaml:"rules"`
}

// Defaults holds thresholds used when an agreement does not override them.
type Defaults struct {
	Threshold          float64 `yaml:"threshold"`
	PartnerThreshold   float64 `yaml:"partner_threshold"`
	ConfidenceFloor    float64 `yaml:"confidence_floor"`
	MatchedConfidence  float64 `yaml:"matched_confidence"`
	PartnerConfidence  float64 `yaml:"partner_confidence"`
	ConsensusThreshold float64 `yaml:"consensus_threshold"`
}

// AgreementConfig configures one trade agreement.
type AgreementConfig struct {
	Name             string   `yaml:"name"`
	Parties          []string `yaml:"parties"`
	Threshold        float64  `yaml:"threshold"`
	PartnerThreshold float64  `yaml:"partner_threshold"`
}

// IsParty reports whether country is a party to the agreement.
func (a AgreementConfig) IsParty(country string) bool {
	for _, p := range a.Parties {
		if strings.EqualFold(p, country) {
			return true
		}
	}
	return false
}

// LoadCatalog reads a catalog from a YAML file. An empty path loads the
// built-in catalog.
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "rules: read catalog %s", path)
		}
		data = b
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes catalog YAML and applies defaults per agreement.
func ParseCatalog(data []byte) (*Catalog, error) {
	var wrapper struct {
		Catalog Catalog `yaml:"catalog"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "rules: parse catalog")
	}

	c := &wrapper.Catalog
	c.Defaults = withBaseDefaults(c.Defaults)

	agreements := make(map[string]AgreementConfig, len(c.Agreements))
	for code, ac := range c.Agreements {
		if ac.Threshold == 0 {
			ac.Threshold = c.Defaults.Threshold
		}
		if ac.PartnerThreshold == 0 {
			ac.PartnerThreshold = c.Defaults.PartnerThreshold
		}
		agreements[strings.ToUpper(code)] = ac
	}
	c.Agreements = agreements

	for i, r := range c.Rules {
		if r.ID == "" {
			return nil, eris.Errorf("rules: rule %d has no id", i)
		}
		if r.HSCode == "" || r.TradeAgreement == "" {
			return nil, eris.Errorf("rules: rule %s needs hs_code and trade_agreement", r.ID)
		}
	}

	return c, nil
}

// BaseDefaults returns the thresholds used when a catalog sets none.
func BaseDefaults() Defaults {
	return withBaseDefaults(Defaults{})
}

func withBaseDefaults(d Defaults) Defaults {
	if d.Threshold == 0 {
		d.Threshold = 50
	}
	if d.PartnerThreshold == 0 {
		d.PartnerThreshold = 55
	}
	if d.ConfidenceFloor == 0 {
		d.ConfidenceFloor = 0.65
	}
	if d.MatchedConfidence == 0 {
		d.MatchedConfidence = 0.85
	}
	if d.PartnerConfidence == 0 {
		d.PartnerConfidence = 0.95
	}
	if d.ConsensusThreshold == 0 {
		d.ConsensusThreshold = 0.75
	}
	return d
}

// Agreement returns the config for an agreement code, falling back to defaults.
func (c *Catalog) Agreement(code string) AgreementConfig {
	if ac, ok := c.Agreements[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return ac
	}
	return AgreementConfig{
		Name:             code,
		Threshold:        c.Defaults.Threshold,
		PartnerThreshold: c.Defaults.PartnerThreshold,
	}
}
