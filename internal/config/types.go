package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the immutable aggregate parsed from YAML: the rules, rule groups,
// enrichments, and data-source descriptors one evaluation runs against, plus
// the engine-level knobs (logging, cache).
type Config struct {
	Metadata    Metadata     `koanf:"metadata"`
	Engine      EngineConfig `koanf:"engine"`
	Rules       []Rule       `koanf:"rules"`
	RuleGroups  []RuleGroup  `koanf:"ruleGroups"`
	Enrichments []Enrichment `koanf:"enrichments"`
	DataSources []DataSource `koanf:"dataSources"`
}

// Metadata describes the configuration document itself.
type Metadata struct {
	Name        string   `koanf:"name"`
	Version     string   `koanf:"version"`
	Description string   `koanf:"description"`
	Author      string   `koanf:"author"`
	Tags        []string `koanf:"tags"`
}

// EngineConfig collects process-level options outside any single evaluation.
type EngineConfig struct {
	Logging   LoggingConfig   `koanf:"logging"`
	Cache     CacheConfig     `koanf:"cache"`
	Templates TemplatesConfig `koanf:"templates"`
}

// LoggingConfig expresses log level and output format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TemplatesConfig roots file-backed transformation templates and allow-lists
// the environment variables template helpers may read. Without a root, file
// templates are disabled and env helpers resolve empty.
type TemplatesConfig struct {
	Root       string   `koanf:"root"`
	AllowedEnv []string `koanf:"allowedEnv"`
}

// CacheConfig overrides per-scope cache policies and optionally enables a
// valkey remote tier for lookup results.
type CacheConfig struct {
	Scopes map[string]ScopePolicy `koanf:"scopes"`
	Valkey ValkeyCacheConfig      `koanf:"valkey"`
}

// ScopePolicy is a per-scope TTL and capacity override.
type ScopePolicy struct {
	TTLSeconds int `koanf:"ttlSeconds"`
	MaxEntries int `koanf:"maxEntries"`
}

// ValkeyCacheConfig configures the optional remote cache tier.
type ValkeyCacheConfig struct {
	Enabled   bool                 `koanf:"enabled"`
	Address   string               `koanf:"address"`
	Username  string               `koanf:"username"`
	Password  string               `koanf:"password"`
	DB        int                  `koanf:"db"`
	KeyPrefix string               `koanf:"keyPrefix"`
	TLS       ValkeyCacheTLSConfig `koanf:"tls"`
}

type ValkeyCacheTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// Rule is a single named condition over the record.
type Rule struct {
	ID         string         `koanf:"id"`
	Name       string         `koanf:"name"`
	Condition  string         `koanf:"condition"`
	Message    string         `koanf:"message"`
	Severity   string         `koanf:"severity"`
	Priority   int            `koanf:"priority"`
	Categories []string       `koanf:"categories"`
	Metadata   map[string]any `koanf:"metadata"`
}

// RuleRef binds a rule into a group at an explicit sequence position.
type RuleRef struct {
	Sequence int    `koanf:"sequence"`
	RuleID   string `koanf:"ruleId"`
}

// RuleGroup combines rules under an AND/OR operator with execution controls.
type RuleGroup struct {
	ID                 string    `koanf:"id"`
	Name               string    `koanf:"name"`
	Description        string    `koanf:"description"`
	Priority           int       `koanf:"priority"`
	Operator           string    `koanf:"operator"`
	RuleRefs           []RuleRef `koanf:"ruleRefs"`
	StopOnFirstFailure bool      `koanf:"stopOnFirstFailure"`
	ParallelExecution  bool      `koanf:"parallelExecution"`
	DebugMode          bool      `koanf:"debugMode"`
}

// Enrichment type discriminators.
const (
	EnrichmentLookup             = "lookup-enrichment"
	EnrichmentCalculation        = "calculation-enrichment"
	EnrichmentField              = "field-enrichment"
	EnrichmentConditionalMapping = "conditional-mapping-enrichment"
)

// Enrichment is one declarative record transformation. Type selects which of
// the type-specific sub-configurations applies.
type Enrichment struct {
	ID         string `koanf:"id"`
	Type       string `koanf:"type"`
	Enabled    *bool  `koanf:"enabled"`
	TargetType string `koanf:"targetType"`
	Condition  string `koanf:"condition"`
	Priority   int    `koanf:"priority"`
	Severity   string `koanf:"severity"`

	// lookup-enrichment
	LookupConfig *LookupConfig `koanf:"lookupConfig"`

	// calculation-enrichment
	Expression   string `koanf:"expression"`
	ResultField  string `koanf:"resultField"`
	DefaultValue any    `koanf:"defaultValue"`

	// field-enrichment
	FieldMappings       []FieldMapping       `koanf:"fieldMappings"`
	ConditionalMappings []ConditionalMapping `koanf:"conditionalMappings"`

	// conditional-mapping-enrichment
	TargetField       string            `koanf:"targetField"`
	MappingRules      []MappingRule     `koanf:"mappingRules"`
	ExecutionSettings ExecutionSettings `koanf:"executionSettings"`
}

// IsEnabled treats an absent enabled flag as true.
func (e Enrichment) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// LookupConfig drives a lookup-enrichment: key extraction, the service or
// dataset to resolve against, and the mappings applied to the result.
type LookupConfig struct {
	LookupKey       string         `koanf:"lookupKey"`
	LookupService   string         `koanf:"lookupService"`
	LookupDataset   *LookupDataset `koanf:"lookupDataset"`
	FieldMappings   []FieldMapping `koanf:"fieldMappings"`
	CacheEnabled    bool           `koanf:"cacheEnabled"`
	CacheTTLSeconds int            `koanf:"cacheTtlSeconds"`
}

// Dataset type discriminators.
const (
	DatasetInline   = "inline"
	DatasetFile     = "file"
	DatasetDatabase = "database"
	DatasetRESTAPI  = "rest-api"
)

// LookupDataset is the tagged union of dataset descriptors. Exactly one
// variant's fields apply, selected by Type.
type LookupDataset struct {
	Type     string `koanf:"type"`
	KeyField string `koanf:"keyField"`

	// inline
	Data []map[string]any `koanf:"data"`

	// file
	FilePath string `koanf:"filePath"`
	Format   string `koanf:"format"`

	// database
	ConnectionName string           `koanf:"connectionName"`
	DataSourceRef  string           `koanf:"dataSourceRef"`
	Query          string           `koanf:"query"`
	QueryRef       string           `koanf:"queryRef"`
	Parameters     []QueryParameter `koanf:"parameters"`

	// rest-api
	Endpoint     string `koanf:"endpoint"`
	OperationRef string `koanf:"operationRef"`
}

// QueryParameter names a record field bound into a database query.
type QueryParameter struct {
	Field string `koanf:"field"`
	Type  string `koanf:"type"`
}

// FieldMapping moves one field from a lookup result (or the record itself)
// into the target record, with optional transformation and default.
type FieldMapping struct {
	SourceField    string `koanf:"sourceField"`
	TargetField    string `koanf:"targetField"`
	Transformation string `koanf:"transformation"`
	// TransformationFile names a template file resolved through the engine's
	// template sandbox. Takes precedence over Transformation.
	TransformationFile string `koanf:"transformationFile"`
	DefaultValue       any    `koanf:"defaultValue"`
	Required           bool   `koanf:"required"`
}

// ConditionalMapping pairs a condition group with the mappings applied when
// the group passes. All matching groups apply.
type ConditionalMapping struct {
	Conditions    ConditionGroup `koanf:"conditions"`
	FieldMappings []FieldMapping `koanf:"fieldMappings"`
}

// ConditionGroup is an AND/OR bundle of sub-conditions. Empty groups pass.
type ConditionGroup struct {
	Operator string          `koanf:"operator"`
	Rules    []ConditionRule `koanf:"rules"`
}

// ConditionRule wraps a single condition expression.
type ConditionRule struct {
	Condition string `koanf:"condition"`
}

// Mapping-rule type discriminators.
const (
	MappingRuleDirect = "direct"
	MappingRuleLookup = "lookup"
)

// MappingRule computes one candidate value for a conditional-mapping
// enrichment's target field.
type MappingRule struct {
	Name           string         `koanf:"name"`
	Priority       int            `koanf:"priority"`
	Type           string         `koanf:"type"`
	Conditions     ConditionGroup `koanf:"conditions"`
	SourceField    string         `koanf:"sourceField"`
	Transformation string         `koanf:"transformation"`
	FallbackValue  any            `koanf:"fallbackValue"`
}

// ExecutionSettings controls conditional-mapping iteration.
type ExecutionSettings struct {
	StopOnFirstMatch *bool `koanf:"stopOnFirstMatch"`
	LogMatchedRule   bool  `koanf:"logMatchedRule"`
}

// StopsOnFirstMatch treats an absent flag as true.
func (s ExecutionSettings) StopsOnFirstMatch() bool {
	return s.StopOnFirstMatch == nil || *s.StopOnFirstMatch
}

// DataSource describes an external collaborator referenced by name from
// database and rest-api datasets.
type DataSource struct {
	Name           string            `koanf:"name"`
	Type           string            `koanf:"type"`
	DSN            string            `koanf:"dsn"`
	BaseURL        string            `koanf:"baseUrl"`
	Queries        map[string]string `koanf:"queries"`
	Endpoints      map[string]string `koanf:"endpoints"`
	TimeoutSeconds int               `koanf:"timeoutSeconds"`
	RateLimit      float64           `koanf:"rateLimit"`
	RateBurst      int               `koanf:"rateBurst"`
	Headers        map[string]string `koanf:"headers"`
}

// DefaultPriority applies when a rule, group, or enrichment omits priority.
const DefaultPriority = 100

// ApplyDefaults fills omitted priorities and severities in place.
func (c *Config) ApplyDefaults() {
	for i := range c.Rules {
		if c.Rules[i].Priority == 0 {
			c.Rules[i].Priority = DefaultPriority
		}
		if c.Rules[i].Severity == "" {
			c.Rules[i].Severity = "INFO"
		}
	}
	for i := range c.RuleGroups {
		if c.RuleGroups[i].Priority == 0 {
			c.RuleGroups[i].Priority = DefaultPriority
		}
		if c.RuleGroups[i].Operator == "" {
			c.RuleGroups[i].Operator = "AND"
		}
	}
	for i := range c.Enrichments {
		if c.Enrichments[i].Priority == 0 {
			c.Enrichments[i].Priority = DefaultPriority
		}
	}
}

// Validate enforces the structural invariants the runtime relies on.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	ruleIDs := make(map[string]bool, len(c.Rules))
	for i, rule := range c.Rules {
		if strings.TrimSpace(rule.ID) == "" {
			return fmt.Errorf("config: rules[%d] id required", i)
		}
		if strings.TrimSpace(rule.Condition) == "" {
			return fmt.Errorf("config: rule %q condition required", rule.ID)
		}
		if strings.TrimSpace(rule.Message) == "" {
			return fmt.Errorf("config: rule %q message required", rule.ID)
		}
		if ruleIDs[rule.ID] {
			return fmt.Errorf("config: rule id %q duplicated", rule.ID)
		}
		ruleIDs[rule.ID] = true
		if err := validateSeverity(rule.Severity); err != nil {
			return fmt.Errorf("config: rule %q: %w", rule.ID, err)
		}
	}
	for i, group := range c.RuleGroups {
		if strings.TrimSpace(group.ID) == "" {
			return fmt.Errorf("config: ruleGroups[%d] id required", i)
		}
		switch strings.ToUpper(group.Operator) {
		case "", "AND", "OR":
		default:
			return fmt.Errorf("config: rule group %q operator unsupported: %s", group.ID, group.Operator)
		}
		sequences := make(map[int]bool, len(group.RuleRefs))
		for _, ref := range group.RuleRefs {
			if sequences[ref.Sequence] {
				return fmt.Errorf("config: rule group %q sequence %d duplicated", group.ID, ref.Sequence)
			}
			sequences[ref.Sequence] = true
			if !ruleIDs[ref.RuleID] {
				return fmt.Errorf("config: rule group %q references unknown rule %q", group.ID, ref.RuleID)
			}
		}
	}
	sources := make(map[string]bool, len(c.DataSources))
	for i, ds := range c.DataSources {
		if strings.TrimSpace(ds.Name) == "" {
			return fmt.Errorf("config: dataSources[%d] name required", i)
		}
		if sources[ds.Name] {
			return fmt.Errorf("config: data source %q duplicated", ds.Name)
		}
		sources[ds.Name] = true
	}
	for i, enrichment := range c.Enrichments {
		if strings.TrimSpace(enrichment.ID) == "" {
			return fmt.Errorf("config: enrichments[%d] id required", i)
		}
		if err := validateEnrichment(enrichment, sources); err != nil {
			return err
		}
	}
	return nil
}

func validateEnrichment(e Enrichment, sources map[string]bool) error {
	switch e.Type {
	case EnrichmentLookup:
		if e.LookupConfig == nil {
			return fmt.Errorf("config: enrichment %q lookupConfig required", e.ID)
		}
		if strings.TrimSpace(e.LookupConfig.LookupKey) == "" {
			return fmt.Errorf("config: enrichment %q lookupKey required", e.ID)
		}
		if e.LookupConfig.LookupService == "" && e.LookupConfig.LookupDataset == nil {
			return fmt.Errorf("config: enrichment %q requires lookupService or lookupDataset", e.ID)
		}
		if ds := e.LookupConfig.LookupDataset; ds != nil {
			if err := validateDataset(e.ID, ds, sources); err != nil {
				return err
			}
		}
	case EnrichmentCalculation:
		if strings.TrimSpace(e.Expression) == "" {
			return fmt.Errorf("config: enrichment %q expression required", e.ID)
		}
		if strings.TrimSpace(e.ResultField) == "" {
			return fmt.Errorf("config: enrichment %q resultField required", e.ID)
		}
	case EnrichmentField:
		if len(e.FieldMappings) == 0 && len(e.ConditionalMappings) == 0 {
			return fmt.Errorf("config: enrichment %q requires fieldMappings or conditionalMappings", e.ID)
		}
	case EnrichmentConditionalMapping:
		if strings.TrimSpace(e.TargetField) == "" {
			return fmt.Errorf("config: enrichment %q targetField required", e.ID)
		}
		for _, rule := range e.MappingRules {
			switch rule.Type {
			case "", MappingRuleDirect, MappingRuleLookup:
			default:
				return fmt.Errorf("config: enrichment %q mapping rule %q type unsupported: %s", e.ID, rule.Name, rule.Type)
			}
		}
	default:
		return fmt.Errorf("config: enrichment %q type unsupported: %s", e.ID, e.Type)
	}
	return nil
}

func validateDataset(enrichmentID string, ds *LookupDataset, sources map[string]bool) error {
	if strings.TrimSpace(ds.KeyField) == "" {
		return fmt.Errorf("config: enrichment %q dataset keyField required", enrichmentID)
	}
	switch ds.Type {
	case DatasetInline:
		if len(ds.Data) == 0 {
			return fmt.Errorf("config: enrichment %q inline dataset data required", enrichmentID)
		}
	case DatasetFile:
		if strings.TrimSpace(ds.FilePath) == "" {
			return fmt.Errorf("config: enrichment %q file dataset filePath required", enrichmentID)
		}
	case DatasetDatabase:
		ref := firstNonEmpty(ds.ConnectionName, ds.DataSourceRef)
		if ref == "" {
			return fmt.Errorf("config: enrichment %q database dataset requires connectionName or dataSourceRef", enrichmentID)
		}
		if !sources[ref] {
			return fmt.Errorf("config: enrichment %q references unknown data source %q", enrichmentID, ref)
		}
		if ds.Query == "" && ds.QueryRef == "" {
			return fmt.Errorf("config: enrichment %q database dataset requires query or queryRef", enrichmentID)
		}
	case DatasetRESTAPI:
		ref := firstNonEmpty(ds.ConnectionName, ds.DataSourceRef)
		if ref == "" {
			return fmt.Errorf("config: enrichment %q rest-api dataset requires connectionName or dataSourceRef", enrichmentID)
		}
		if !sources[ref] {
			return fmt.Errorf("config: enrichment %q references unknown data source %q", enrichmentID, ref)
		}
		if ds.Endpoint == "" && ds.OperationRef == "" {
			return fmt.Errorf("config: enrichment %q rest-api dataset requires endpoint or operationRef", enrichmentID)
		}
	default:
		return fmt.Errorf("config: enrichment %q dataset type unsupported: %s", enrichmentID, ds.Type)
	}
	return nil
}

func validateSeverity(s string) error {
	switch strings.ToUpper(s) {
	case "", "INFO", "WARNING", "ERROR":
		return nil
	default:
		return fmt.Errorf("severity unsupported: %s", s)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultConfig returns the baseline engine values.
func DefaultConfig() Config {
	return Config{
		Engine: EngineConfig{
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
	}
}
