package config

import "testing"

func validBase() Config {
	return Config{
		Rules: []Rule{
			{ID: "r1", Condition: "amount > 0", Message: "amount must be positive", Severity: "INFO", Priority: 100},
		},
	}
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	cfg := validBase()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateSeverity(t *testing.T) {
	cfg := validBase()
	cfg.Rules[0].Severity = "FATAL"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected severity error")
	}
}

func TestValidateRESTDataset(t *testing.T) {
	cfg := validBase()
	cfg.DataSources = []DataSource{{Name: "fx-api", Type: "rest-api", BaseURL: "http://localhost"}}
	cfg.Enrichments = []Enrichment{{
		ID:   "fx",
		Type: EnrichmentLookup,
		LookupConfig: &LookupConfig{
			LookupKey: "currency",
			LookupDataset: &LookupDataset{
				Type:           DatasetRESTAPI,
				KeyField:       "code",
				ConnectionName: "fx-api",
				Endpoint:       "/rates/{key}",
			},
		},
	}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	cfg.Enrichments[0].LookupConfig.LookupDataset.ConnectionName = "unknown"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown data source error")
	}
}

func TestEnrichmentEnabledDefault(t *testing.T) {
	var e Enrichment
	if !e.IsEnabled() {
		t.Fatal("absent enabled flag must mean enabled")
	}
	off := false
	e.Enabled = &off
	if e.IsEnabled() {
		t.Fatal("enabled=false must disable")
	}
}

func TestExecutionSettingsDefault(t *testing.T) {
	var s ExecutionSettings
	if !s.StopsOnFirstMatch() {
		t.Fatal("stopOnFirstMatch defaults to true")
	}
	cont := false
	s.StopOnFirstMatch = &cont
	if s.StopsOnFirstMatch() {
		t.Fatal("explicit false must be honored")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{
		Rules:      []Rule{{ID: "r1", Condition: "true", Message: "m"}},
		RuleGroups: []RuleGroup{{ID: "g1"}},
	}
	cfg.ApplyDefaults()
	if cfg.Rules[0].Priority != 100 || cfg.Rules[0].Severity != "INFO" {
		t.Fatalf("rule defaults = %+v", cfg.Rules[0])
	}
	if cfg.RuleGroups[0].Operator != "AND" || cfg.RuleGroups[0].Priority != 100 {
		t.Fatalf("group defaults = %+v", cfg.RuleGroups[0])
	}
}
