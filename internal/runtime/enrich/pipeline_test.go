package enrich

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/mraysmit/apex/internal/config"
	"github.com/mraysmit/apex/internal/expr"
	"github.com/mraysmit/apex/internal/runtime/cache"
	"github.com/mraysmit/apex/internal/runtime/lookup"
	"github.com/mraysmit/apex/internal/runtime/pipeline"
	"github.com/mraysmit/apex/internal/templates"
)

func newTestPipeline(t *testing.T, enrichments []config.Enrichment) (*Pipeline, *lookup.Registry) {
	t.Helper()
	manager := cache.NewManager()
	registry := lookup.NewRegistry(manager)
	resolver := lookup.NewResolver(manager, registry, nil, nil)
	compiler := expr.NewCompiler(cache.NewScopeStore(manager, cache.ScopeExpression))
	renderer := templates.NewRenderer(nil)
	return New(enrichments, compiler, resolver, renderer, NewResultCache(manager), nil), registry
}

func currencyDataset() *config.LookupDataset {
	return &config.LookupDataset{
		Type:     config.DatasetInline,
		KeyField: "code",
		Data: []map[string]any{
			{"code": "USD", "name": "US Dollar", "region": "Americas"},
			{"code": "EUR", "name": "Euro"},
		},
	}
}

func TestLookupEnrichment(t *testing.T) {
	p, _ := newTestPipeline(t, []config.Enrichment{{
		ID:   "currency-lookup",
		Type: config.EnrichmentLookup,
		LookupConfig: &config.LookupConfig{
			LookupKey:     "currency",
			LookupDataset: currencyDataset(),
			FieldMappings: []config.FieldMapping{
				{SourceField: "name", TargetField: "currencyName", Required: true},
				{SourceField: "region", TargetField: "currencyRegion", DefaultValue: "Unknown"},
			},
		},
	}})

	record := pipeline.Record{"currency": "USD"}
	result := p.Run(context.Background(), record, nil)
	if result.Failed() {
		t.Fatalf("failures: %v", result.FailureMessages)
	}
	if record["currencyName"] != "US Dollar" || record["currencyRegion"] != "Americas" {
		t.Fatalf("record = %#v", record)
	}

	// Missing optional field falls back to the default.
	record = pipeline.Record{"currency": "EUR"}
	result = p.Run(context.Background(), record, nil)
	if result.Failed() {
		t.Fatalf("failures: %v", result.FailureMessages)
	}
	if record["currencyRegion"] != "Unknown" {
		t.Fatalf("default not applied: %#v", record)
	}
}

func TestLookupRequiredFieldFailure(t *testing.T) {
	p, _ := newTestPipeline(t, []config.Enrichment{{
		ID:   "strict-lookup",
		Type: config.EnrichmentLookup,
		LookupConfig: &config.LookupConfig{
			LookupKey:     "currency",
			LookupDataset: currencyDataset(),
			FieldMappings: []config.FieldMapping{
				{SourceField: "region", TargetField: "region", Required: true},
				{SourceField: "name", TargetField: "currencyName"},
			},
		},
	}})

	record := pipeline.Record{"currency": "EUR"}
	result := p.Run(context.Background(), record, nil)
	if !result.Failed() {
		t.Fatal("expected a required-field failure")
	}
	if result.Severity != pipeline.SeverityError {
		t.Fatalf("severity = %v, want ERROR", result.Severity)
	}
	// Fail-soft: the remaining mapping still applied.
	if record["currencyName"] != "Euro" {
		t.Fatalf("partial enrichment missing: %#v", record)
	}
}

func TestLookupMissSentinel(t *testing.T) {
	p, _ := newTestPipeline(t, []config.Enrichment{{
		ID:   "miss-lookup",
		Type: config.EnrichmentLookup,
		LookupConfig: &config.LookupConfig{
			LookupKey:     "currency",
			LookupDataset: currencyDataset(),
			FieldMappings: []config.FieldMapping{
				{SourceField: "name", TargetField: "currencyName", DefaultValue: "N/A"},
				{SourceField: "region", TargetField: "region"},
			},
		},
	}})

	// Unknown key: the service returns nil, so only default-valued mappings
	// apply.
	record := pipeline.Record{"currency": "GBP"}
	result := p.Run(context.Background(), record, nil)
	if result.Failed() {
		t.Fatalf("failures: %v", result.FailureMessages)
	}
	if record["currencyName"] != "N/A" {
		t.Fatalf("default mapping not applied: %#v", record)
	}
	if _, ok := record["region"]; ok {
		t.Fatalf("non-default mapping applied on miss: %#v", record)
	}
}

func TestLookupNullKeySkips(t *testing.T) {
	p, _ := newTestPipeline(t, []config.Enrichment{{
		ID:   "null-key",
		Type: config.EnrichmentLookup,
		LookupConfig: &config.LookupConfig{
			LookupKey:     "currency",
			LookupDataset: currencyDataset(),
			FieldMappings: []config.FieldMapping{
				{SourceField: "name", TargetField: "currencyName", DefaultValue: "N/A"},
			},
		},
	}})

	record := pipeline.Record{}
	result := p.Run(context.Background(), record, nil)
	if result.Failed() {
		t.Fatalf("failures: %v", result.FailureMessages)
	}
	if record["currencyName"] != "N/A" {
		t.Fatalf("default mapping not applied on null key: %#v", record)
	}
}

type countingService struct {
	name  string
	calls atomic.Int64
	rows  map[string]any
}

func (s *countingService) Name() string { return s.name }

func (s *countingService) Transform(_ context.Context, key any, _ pipeline.Record) (any, error) {
	s.calls.Add(1)
	return s.rows[expr.FormatValue(key)], nil
}

func TestLookupResultCaching(t *testing.T) {
	service := &countingService{
		name: "counter",
		rows: map[string]any{"USD": pipeline.Record{"name": "US Dollar"}},
	}
	p, registry := newTestPipeline(t, []config.Enrichment{{
		ID:   "cached-lookup",
		Type: config.EnrichmentLookup,
		LookupConfig: &config.LookupConfig{
			LookupKey:       "currency",
			LookupService:   "counter",
			CacheEnabled:    true,
			CacheTTLSeconds: 60,
			FieldMappings: []config.FieldMapping{
				{SourceField: "name", TargetField: "currencyName"},
			},
		},
	}})
	registry.Register(service)

	for i := 0; i < 5; i++ {
		record := pipeline.Record{"currency": "USD"}
		result := p.Run(context.Background(), record, nil)
		if result.Failed() {
			t.Fatalf("failures: %v", result.FailureMessages)
		}
		// Mappings re-apply on every hit.
		if record["currencyName"] != "US Dollar" {
			t.Fatalf("iteration %d: %#v", i, record)
		}
	}
	if n := service.calls.Load(); n != 1 {
		t.Fatalf("expected one service call, got %d", n)
	}
}

type failingService struct{ err error }

func (s *failingService) Name() string { return "flaky" }

func (s *failingService) Transform(context.Context, any, pipeline.Record) (any, error) {
	return nil, s.err
}

func TestLookupTransportErrorDegradesToMiss(t *testing.T) {
	p, registry := newTestPipeline(t, []config.Enrichment{{
		ID:   "flaky-lookup",
		Type: config.EnrichmentLookup,
		LookupConfig: &config.LookupConfig{
			LookupKey:     "currency",
			LookupService: "flaky",
			FieldMappings: []config.FieldMapping{
				{SourceField: "name", TargetField: "currencyName", DefaultValue: "N/A"},
			},
		},
	}})
	registry.Register(&failingService{err: &lookup.TransportError{Service: "flaky", Status: 503, Detail: "upstream down"}})

	record := pipeline.Record{"currency": "USD"}
	result := p.Run(context.Background(), record, nil)
	if result.Failed() {
		t.Fatalf("transport errors must not fail the pipeline: %v", result.FailureMessages)
	}
	if record["currencyName"] != "N/A" {
		t.Fatalf("defaults must apply on transport failure: %#v", record)
	}
}

func TestLookupConnectionErrorDegradesToMiss(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	base := server.URL
	server.Close()

	p, registry := newTestPipeline(t, []config.Enrichment{{
		ID:   "remote-lookup",
		Type: config.EnrichmentLookup,
		LookupConfig: &config.LookupConfig{
			LookupKey:     "currency",
			LookupService: "remote-fx",
			FieldMappings: []config.FieldMapping{
				{SourceField: "rate", TargetField: "rate", DefaultValue: 1.0},
			},
		},
	}})
	registry.Register(lookup.NewRESTService("remote-fx", lookup.RESTOptions{
		BaseURL:  base,
		Endpoint: "/rates/{key}",
	}))

	record := pipeline.Record{"currency": "USD"}
	result := p.Run(context.Background(), record, nil)
	if result.Failed() {
		t.Fatalf("connection errors must not fail the pipeline: %v", result.FailureMessages)
	}
	if record["rate"] != 1.0 {
		t.Fatalf("defaults must apply on connection failure: %#v", record)
	}
}

func TestLookupServiceErrorFails(t *testing.T) {
	p, registry := newTestPipeline(t, []config.Enrichment{{
		ID:   "broken-lookup",
		Type: config.EnrichmentLookup,
		LookupConfig: &config.LookupConfig{
			LookupKey:     "currency",
			LookupService: "flaky",
			FieldMappings: []config.FieldMapping{{SourceField: "name", TargetField: "n"}},
		},
	}})
	registry.Register(&failingService{err: errors.New("query timeout")})

	result := p.Run(context.Background(), pipeline.Record{"currency": "USD"}, nil)
	if !result.Failed() || !strings.Contains(result.FailureMessages[0], "broken-lookup") {
		t.Fatalf("non-transport errors must fail: %v", result.FailureMessages)
	}
}

func TestMappingTransformation(t *testing.T) {
	p, _ := newTestPipeline(t, []config.Enrichment{{
		ID:   "transform",
		Type: config.EnrichmentLookup,
		LookupConfig: &config.LookupConfig{
			LookupKey:     "currency",
			LookupDataset: currencyDataset(),
			FieldMappings: []config.FieldMapping{
				{SourceField: "name", TargetField: "upperName", Transformation: "#value.toUpperCase()"},
				{SourceField: "name", TargetField: "labelled", Transformation: "{{ .value | lower }}"},
			},
		},
	}})

	record := pipeline.Record{"currency": "USD"}
	result := p.Run(context.Background(), record, nil)
	if result.Failed() {
		t.Fatalf("failures: %v", result.FailureMessages)
	}
	if record["upperName"] != "US DOLLAR" {
		t.Fatalf("expression transformation = %v", record["upperName"])
	}
	if record["labelled"] != "us dollar" {
		t.Fatalf("template transformation = %v", record["labelled"])
	}
}

func TestMappingTransformationFile(t *testing.T) {
	dir := t.TempDir()
	doc := `{{ .value | upper }} ({{ .record.currency }})`
	if err := os.WriteFile(filepath.Join(dir, "label.tmpl"), []byte(doc), 0o600); err != nil {
		t.Fatalf("write template: %v", err)
	}
	sandbox, err := templates.NewSandbox(dir, nil)
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}

	enrichments := []config.Enrichment{{
		ID:   "labelled-lookup",
		Type: config.EnrichmentLookup,
		LookupConfig: &config.LookupConfig{
			LookupKey:     "currency",
			LookupDataset: currencyDataset(),
			FieldMappings: []config.FieldMapping{
				{SourceField: "name", TargetField: "label", TransformationFile: "label.tmpl"},
			},
		},
	}}

	manager := cache.NewManager()
	registry := lookup.NewRegistry(manager)
	resolver := lookup.NewResolver(manager, registry, nil, nil)
	compiler := expr.NewCompiler(cache.NewScopeStore(manager, cache.ScopeExpression))
	p := New(enrichments, compiler, resolver, templates.NewRenderer(sandbox), NewResultCache(manager), nil)

	record := pipeline.Record{"currency": "USD"}
	result := p.Run(context.Background(), record, nil)
	if result.Failed() {
		t.Fatalf("failures: %v", result.FailureMessages)
	}
	if record["label"] != "US DOLLAR (USD)" {
		t.Fatalf("file transformation = %v", record["label"])
	}

	// Without a sandbox, file templates are a failure, not a silent skip.
	bare, _ := newTestPipeline(t, enrichments)
	result = bare.Run(context.Background(), pipeline.Record{"currency": "USD"}, nil)
	if !result.Failed() {
		t.Fatal("file template without a sandbox must fail the enrichment")
	}
}

func TestCalculationEnrichment(t *testing.T) {
	p, _ := newTestPipeline(t, []config.Enrichment{
		{
			ID:          "band",
			Type:        config.EnrichmentCalculation,
			Expression:  "notional > 1000000 ? 'LARGE' : 'SMALL'",
			ResultField: "band",
			Priority:    10,
		},
		{
			ID:           "broken-with-default",
			Type:         config.EnrichmentCalculation,
			Expression:   "missing.field.deref",
			ResultField:  "fallback",
			DefaultValue: "default",
			Priority:     20,
		},
		{
			ID:          "broken-no-default",
			Type:        config.EnrichmentCalculation,
			Expression:  "missing.field.deref",
			ResultField: "never",
			Priority:    30,
		},
	})

	record := pipeline.Record{"notional": 5000000}
	result := p.Run(context.Background(), record, nil)
	if record["band"] != "LARGE" {
		t.Fatalf("band = %v", record["band"])
	}
	if record["fallback"] != "default" {
		t.Fatalf("default not written: %#v", record)
	}
	if len(result.FailureMessages) != 1 || !strings.Contains(result.FailureMessages[0], "broken-no-default") {
		t.Fatalf("failures = %v", result.FailureMessages)
	}
}

func TestFieldEnrichmentConditionalMappings(t *testing.T) {
	p, _ := newTestPipeline(t, []config.Enrichment{{
		ID:   "classify",
		Type: config.EnrichmentField,
		ConditionalMappings: []config.ConditionalMapping{
			{
				Conditions: config.ConditionGroup{Operator: "AND", Rules: []config.ConditionRule{
					{Condition: "amount > 100"},
				}},
				FieldMappings: []config.FieldMapping{
					{TargetField: "large", DefaultValue: true, SourceField: "absent"},
				},
			},
			{
				Conditions: config.ConditionGroup{Operator: "AND", Rules: []config.ConditionRule{
					{Condition: "currency == 'USD'"},
				}},
				FieldMappings: []config.FieldMapping{
					{TargetField: "domestic", DefaultValue: true, SourceField: "absent"},
				},
			},
		},
		FieldMappings: []config.FieldMapping{
			{SourceField: "currency", TargetField: "ccy"},
		},
	}})

	record := pipeline.Record{"amount": 500, "currency": "USD"}
	result := p.Run(context.Background(), record, nil)
	if result.Failed() {
		t.Fatalf("failures: %v", result.FailureMessages)
	}
	// All matching groups apply, not just the first.
	if record["large"] != true || record["domestic"] != true {
		t.Fatalf("conditional mappings = %#v", record)
	}
	if record["ccy"] != "USD" {
		t.Fatalf("top-level mapping = %#v", record)
	}
}

func TestConditionGroupSemantics(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	record := pipeline.Record{"a": 1}

	// Empty group passes.
	if !p.evalConditionGroup(config.ConditionGroup{}, record, nil) {
		t.Fatal("empty group must pass")
	}
	// AND: an erroring sub-condition fails the group.
	failing := config.ConditionGroup{Operator: "AND", Rules: []config.ConditionRule{
		{Condition: "missing.deref > 0"},
		{Condition: "a == 1"},
	}}
	if p.evalConditionGroup(failing, record, nil) {
		t.Fatal("AND with erroring sub-condition must fail")
	}
	// OR: erroring sub-conditions are skipped.
	skipping := config.ConditionGroup{Operator: "OR", Rules: []config.ConditionRule{
		{Condition: "missing.deref > 0"},
		{Condition: "a == 1"},
	}}
	if !p.evalConditionGroup(skipping, record, nil) {
		t.Fatal("OR must skip erroring sub-conditions")
	}
}

func TestConditionalMappingEnrichment(t *testing.T) {
	stop := true
	p, _ := newTestPipeline(t, []config.Enrichment{{
		ID:          "risk-tier",
		Type:        config.EnrichmentConditionalMapping,
		TargetField: "riskTier",
		ExecutionSettings: config.ExecutionSettings{
			StopOnFirstMatch: &stop,
		},
		MappingRules: []config.MappingRule{
			{
				Name:     "high",
				Priority: 10,
				Type:     config.MappingRuleDirect,
				Conditions: config.ConditionGroup{Rules: []config.ConditionRule{
					{Condition: "notional > 1000000"},
				}},
				Transformation: "'HIGH'",
			},
			{
				Name:     "low",
				Priority: 20,
				Type:     config.MappingRuleDirect,
				Conditions: config.ConditionGroup{Rules: []config.ConditionRule{
					{Condition: "notional > 0"},
				}},
				Transformation: "'LOW'",
			},
		},
	}})

	record := pipeline.Record{"notional": 2000000}
	p.Run(context.Background(), record, nil)
	if record["riskTier"] != "HIGH" {
		t.Fatalf("first match must win: %v", record["riskTier"])
	}

	record = pipeline.Record{"notional": 100}
	p.Run(context.Background(), record, nil)
	if record["riskTier"] != "LOW" {
		t.Fatalf("later rule must apply: %v", record["riskTier"])
	}
}

func TestConditionalMappingDirectSourceField(t *testing.T) {
	p, _ := newTestPipeline(t, []config.Enrichment{{
		ID:          "copy",
		Type:        config.EnrichmentConditionalMapping,
		TargetField: "venue",
		MappingRules: []config.MappingRule{
			{Name: "passthrough", Type: config.MappingRuleDirect, SourceField: "exchange"},
		},
	}})
	record := pipeline.Record{"exchange": "NYSE"}
	p.Run(context.Background(), record, nil)
	if record["venue"] != "NYSE" {
		t.Fatalf("direct rule without transformation must copy the source field: %#v", record)
	}
}

func TestConditionalMappingLookupRequiresTransformation(t *testing.T) {
	p, _ := newTestPipeline(t, []config.Enrichment{{
		ID:          "bad-lookup-rule",
		Type:        config.EnrichmentConditionalMapping,
		TargetField: "out",
		MappingRules: []config.MappingRule{
			{Name: "lookup-no-transform", Type: config.MappingRuleLookup},
		},
	}})
	record := pipeline.Record{}
	result := p.Run(context.Background(), record, nil)
	if len(result.FailureMessages) != 1 || !strings.Contains(result.FailureMessages[0], "require a transformation") {
		t.Fatalf("failures = %v", result.FailureMessages)
	}
}

func TestConditionalMappingFallback(t *testing.T) {
	p, _ := newTestPipeline(t, []config.Enrichment{{
		ID:          "fallback",
		Type:        config.EnrichmentConditionalMapping,
		TargetField: "out",
		MappingRules: []config.MappingRule{
			{Name: "broken", Type: config.MappingRuleDirect, Transformation: "missing.deref.boom", FallbackValue: "safe"},
		},
	}})
	record := pipeline.Record{}
	result := p.Run(context.Background(), record, nil)
	if result.Failed() {
		t.Fatalf("fallback must absorb the failure: %v", result.FailureMessages)
	}
	if record["out"] != "safe" {
		t.Fatalf("fallback value not written: %#v", record)
	}
}

func TestPipelineOrderingAndChaining(t *testing.T) {
	p, _ := newTestPipeline(t, []config.Enrichment{
		{
			ID:          "second",
			Type:        config.EnrichmentCalculation,
			Expression:  "base * 2",
			ResultField: "doubled",
			Priority:    20,
		},
		{
			ID:          "first",
			Type:        config.EnrichmentCalculation,
			Expression:  "10",
			ResultField: "base",
			Priority:    10,
		},
	})

	record := pipeline.Record{}
	result := p.Run(context.Background(), record, nil)
	if result.Failed() {
		t.Fatalf("failures: %v", result.FailureMessages)
	}
	// Priority order, not declaration order; later steps see earlier writes.
	if record["doubled"] != int64(20) {
		t.Fatalf("chaining = %#v", record)
	}
}

func TestPipelineGating(t *testing.T) {
	off := false
	p, _ := newTestPipeline(t, []config.Enrichment{
		{ID: "disabled", Type: config.EnrichmentCalculation, Enabled: &off, Expression: "1", ResultField: "a"},
		{ID: "wrong-type", Type: config.EnrichmentCalculation, TargetType: "Settlement", Expression: "1", ResultField: "b"},
		{ID: "false-condition", Type: config.EnrichmentCalculation, Condition: "amount > 100", Expression: "1", ResultField: "c"},
		{ID: "runs", Type: config.EnrichmentCalculation, Condition: "amount > 0", Expression: "1", ResultField: "d"},
	})

	record := pipeline.Record{"type": "Trade", "amount": 50}
	result := p.Run(context.Background(), record, nil)
	if result.Failed() {
		t.Fatalf("failures: %v", result.FailureMessages)
	}
	for _, field := range []string{"a", "b", "c"} {
		if _, ok := record[field]; ok {
			t.Fatalf("gated enrichment wrote %q: %#v", field, record)
		}
	}
	if record["d"] != int64(1) {
		t.Fatalf("eligible enrichment skipped: %#v", record)
	}
}

func TestMatchesTargetType(t *testing.T) {
	cases := []struct {
		typeName, target string
		want             bool
	}{
		{"Trade", "", true},
		{"Trade", "Trade", true},
		{"Trade", "com.example.model.Trade", true},
		{"OptionTrade", "Trade", true},
		{"Trade", "OptionTrade", true},
		{"Settlement", "Trade", false},
	}
	for _, tc := range cases {
		if got := matchesTargetType(tc.typeName, tc.target); got != tc.want {
			t.Fatalf("matchesTargetType(%q, %q) = %v", tc.typeName, tc.target, got)
		}
	}
}

func TestAmbientVariables(t *testing.T) {
	p, _ := newTestPipeline(t, []config.Enrichment{{
		ID:          "uses-rule-results",
		Type:        config.EnrichmentCalculation,
		Condition:   "#ruleResults['limit-check'] == true",
		Expression:  "'flagged'",
		ResultField: "status",
	}})

	record := pipeline.Record{}
	ambient := map[string]any{"ruleResults": map[string]any{"limit-check": true}}
	p.Run(context.Background(), record, ambient)
	if record["status"] != "flagged" {
		t.Fatalf("ambient variable not visible: %#v", record)
	}
}
