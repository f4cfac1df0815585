package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleDoc = `
metadata:
  name: otc-options
  version: "1.0"
engine:
  logging:
    level: debug
rules:
  - id: notional-limit
    name: Notional Limit
    condition: "notional > 10000000"
    message: notional exceeds limit
    severity: ERROR
    priority: 10
  - id: currency-known
    name: Currency Known
    condition: "currency != null"
    message: currency missing
rule-groups:
  - id: pre-trade
    name: Pre-Trade Checks
    operator: AND
    stop-on-first-failure: true
    rule-refs:
      - sequence: 1
        rule-id: notional-limit
      - sequence: 2
        rule-id: currency-known
enrichments:
  - id: currency-lookup
    type: lookup-enrichment
    priority: 20
    lookup-config:
      lookup-key: "currency"
      cache-enabled: true
      cache-ttl-seconds: 120
      lookup-dataset:
        type: inline
        key-field: code
        data:
          - code: USD
            name: US Dollar
          - code: EUR
            name: Euro
      field-mappings:
        - source-field: name
          target-field: currencyName
          required: true
  - id: notional-band
    type: calculation-enrichment
    expression: "notional > 1000000 ? 'LARGE' : 'SMALL'"
    result-field: notionalBand
`

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "apex.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestLoadKebabCaseDocument(t *testing.T) {
	cfg, err := LoadFile(context.Background(), writeConfig(t, sampleDoc))
	require.NoError(t, err)

	require.Equal(t, "otc-options", cfg.Metadata.Name)
	require.Equal(t, "debug", cfg.Engine.Logging.Level)
	require.Equal(t, "json", cfg.Engine.Logging.Format, "default format applies")

	require.Len(t, cfg.Rules, 2)
	require.Equal(t, 10, cfg.Rules[0].Priority)
	require.Equal(t, "ERROR", cfg.Rules[0].Severity)
	// Omitted priority and severity fall back to 100 / INFO.
	require.Equal(t, 100, cfg.Rules[1].Priority)
	require.Equal(t, "INFO", cfg.Rules[1].Severity)

	require.Len(t, cfg.RuleGroups, 1)
	group := cfg.RuleGroups[0]
	require.True(t, group.StopOnFirstFailure)
	require.Len(t, group.RuleRefs, 2)
	require.Equal(t, "currency-known", group.RuleRefs[1].RuleID)

	require.Len(t, cfg.Enrichments, 2)
	lookup := cfg.Enrichments[0]
	require.NotNil(t, lookup.LookupConfig)
	require.Equal(t, "currency", lookup.LookupConfig.LookupKey)
	require.True(t, lookup.LookupConfig.CacheEnabled)
	require.Equal(t, 120, lookup.LookupConfig.CacheTTLSeconds)

	ds := lookup.LookupConfig.LookupDataset
	require.NotNil(t, ds)
	require.Equal(t, DatasetInline, ds.Type)
	require.Equal(t, "code", ds.KeyField)
	require.Len(t, ds.Data, 2)
	require.Equal(t, "USD", ds.Data[0]["code"])

	mapping := lookup.LookupConfig.FieldMappings[0]
	require.Equal(t, "name", mapping.SourceField)
	require.Equal(t, "currencyName", mapping.TargetField)
	require.True(t, mapping.Required)

	calc := cfg.Enrichments[1]
	require.Equal(t, EnrichmentCalculation, calc.Type)
	require.Equal(t, "notionalBand", calc.ResultField)
}

func TestLoadCamelCaseDocument(t *testing.T) {
	doc := `
rules:
  - id: r1
    condition: "true"
    message: ok
ruleGroups:
  - id: g1
    operator: OR
    ruleRefs:
      - sequence: 1
        ruleId: r1
`
	cfg, err := LoadFile(context.Background(), writeConfig(t, doc))
	require.NoError(t, err)
	require.Len(t, cfg.RuleGroups, 1)
	require.Equal(t, "r1", cfg.RuleGroups[0].RuleRefs[0].RuleID)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("APEX_ENGINE__LOGGING__LEVEL", "warn")
	doc := "engine:\n  logging:\n    level: info\n"
	cfg, err := NewLoader("APEX", writeConfig(t, doc)).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.Engine.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFile(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsInvalidDocument(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"rule without condition", "rules:\n  - id: r1\n    message: m\n"},
		{"duplicate rule id", "rules:\n  - id: r1\n    condition: 'true'\n    message: m\n  - id: r1\n    condition: 'true'\n    message: m\n"},
		{"group references unknown rule", "rule-groups:\n  - id: g1\n    rule-refs:\n      - sequence: 1\n        rule-id: ghost\n"},
		{"duplicate sequence", "rules:\n  - id: r1\n    condition: 'true'\n    message: m\nrule-groups:\n  - id: g1\n    rule-refs:\n      - sequence: 1\n        rule-id: r1\n      - sequence: 1\n        rule-id: r1\n"},
		{"unknown enrichment type", "enrichments:\n  - id: e1\n    type: mystery-enrichment\n"},
		{"lookup without key", "enrichments:\n  - id: e1\n    type: lookup-enrichment\n    lookup-config:\n      lookup-service: svc\n"},
		{"database dataset without source", "enrichments:\n  - id: e1\n    type: lookup-enrichment\n    lookup-config:\n      lookup-key: k\n      lookup-dataset:\n        type: database\n        key-field: id\n        query: select 1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFile(context.Background(), writeConfig(t, tc.doc))
			require.Error(t, err)
		})
	}
}
