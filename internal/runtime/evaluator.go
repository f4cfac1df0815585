package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mraysmit/apex/internal/config"
	"github.com/mraysmit/apex/internal/expr"
	"github.com/mraysmit/apex/internal/metrics"
	"github.com/mraysmit/apex/internal/runtime/cache"
	"github.com/mraysmit/apex/internal/runtime/enrich"
	"github.com/mraysmit/apex/internal/runtime/lookup"
	"github.com/mraysmit/apex/internal/runtime/pipeline"
	"github.com/mraysmit/apex/internal/templates"
)

// Engine is the evaluation entry point. It wires the expression compiler,
// the unified cache, the lookup resolver, the enrichment pipeline, and the
// rule evaluators over one configuration.
type Engine struct {
	cfg      *config.Config
	cache    cache.Manager
	registry *lookup.Registry
	enrich   *enrich.Pipeline
	rules    *RuleEvaluator
	groups   *GroupEvaluator
	recorder *metrics.Recorder
	logger   *slog.Logger
}

// EngineOption customizes engine construction.
type EngineOption func(*engineDeps)

type engineDeps struct {
	cache    cache.Manager
	recorder *metrics.Recorder
	logger   *slog.Logger
}

// WithCache supplies a prebuilt cache manager instead of one derived from the
// configuration.
func WithCache(manager cache.Manager) EngineOption {
	return func(d *engineDeps) { d.cache = manager }
}

// WithRecorder attaches a metrics recorder. Nil recorders are inert.
func WithRecorder(recorder *metrics.Recorder) EngineOption {
	return func(d *engineDeps) { d.recorder = recorder }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(d *engineDeps) { d.logger = logger }
}

// NewEngine assembles an engine for one configuration. The configuration is
// treated as read-only; reloading means building a new engine.
func NewEngine(cfg *config.Config, opts ...EngineOption) (*Engine, error) {
	deps := engineDeps{}
	for _, opt := range opts {
		opt(&deps)
	}
	if deps.logger == nil {
		deps.logger = slog.Default()
	}

	manager := deps.cache
	if manager == nil {
		var err error
		manager, err = buildCache(cfg, deps.logger)
		if err != nil {
			return nil, err
		}
	}

	compiler := expr.NewCompiler(cache.NewScopeStore(manager, cache.ScopeExpression))
	registry := lookup.NewRegistry(manager)

	var sources []config.DataSource
	var enrichments []config.Enrichment
	if cfg != nil {
		sources = cfg.DataSources
		enrichments = cfg.Enrichments
	}
	resolver := lookup.NewResolver(manager, registry, sources, deps.logger)

	var sandbox *templates.Sandbox
	if cfg != nil && cfg.Engine.Templates.Root != "" {
		var err error
		sandbox, err = templates.NewSandbox(cfg.Engine.Templates.Root, cfg.Engine.Templates.AllowedEnv)
		if err != nil {
			return nil, fmt.Errorf("runtime: template sandbox: %w", err)
		}
	}
	renderer := templates.NewRenderer(sandbox)

	enrichPipeline := enrich.New(enrichments, compiler, resolver, renderer, enrich.NewResultCache(manager), deps.logger)
	if deps.recorder != nil {
		enrichPipeline.SetObserver(deps.recorder.ObserveEnrichment)
	}

	var observer RuleObserver
	if deps.recorder != nil {
		observer = deps.recorder.ObserveRule
	}
	ruleEval := NewRuleEvaluator(compiler, deps.logger, observer)

	var catalog []config.Rule
	if cfg != nil {
		catalog = cfg.Rules
	}
	groupEval := NewGroupEvaluator(catalog, ruleEval, deps.logger)

	return &Engine{
		cfg:      cfg,
		cache:    manager,
		registry: registry,
		enrich:   enrichPipeline,
		rules:    ruleEval,
		groups:   groupEval,
		recorder: deps.recorder,
		logger:   deps.logger,
	}, nil
}

// buildCache derives cache policies from the configuration and attaches the
// valkey remote tier for lookup results when enabled. Without any cache
// customization the process-wide manager is shared, so identical dataset
// signatures coalesce across engines.
func buildCache(cfg *config.Config, logger *slog.Logger) (cache.Manager, error) {
	if cfg == nil || (len(cfg.Engine.Cache.Scopes) == 0 && !cfg.Engine.Cache.Valkey.Enabled) {
		return cache.Default(), nil
	}

	opts := []cache.Option{cache.WithLogger(logger)}
	if len(cfg.Engine.Cache.Scopes) > 0 {
		policies := cache.DefaultPolicies()
		for name, override := range cfg.Engine.Cache.Scopes {
			scope := cache.Scope(name)
			policy, ok := policies[scope]
			if !ok {
				return nil, fmt.Errorf("runtime: unknown cache scope %q", name)
			}
			if override.TTLSeconds > 0 {
				policy.TTL = time.Duration(override.TTLSeconds) * time.Second
			}
			if override.MaxEntries > 0 {
				policy.MaxEntries = override.MaxEntries
			}
			policies[scope] = policy
		}
		opts = append(opts, cache.WithPolicies(policies))
	}

	if cfg.Engine.Cache.Valkey.Enabled {
		vc := cfg.Engine.Cache.Valkey
		store, err := cache.NewValkey(cache.ValkeyConfig{
			Address:   vc.Address,
			Username:  vc.Username,
			Password:  vc.Password,
			DB:        vc.DB,
			KeyPrefix: vc.KeyPrefix,
			TLS: cache.ValkeyTLSConfig{
				Enabled: vc.TLS.Enabled,
				CAFile:  vc.TLS.CAFile,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("runtime: valkey cache tier: %w", err)
		}
		opts = append(opts, cache.WithRemote(cache.ScopeLookupResult, store))
	}

	return cache.NewManager(opts...), nil
}

// Cache exposes the engine's cache manager for statistics inspection.
func (e *Engine) Cache() cache.Manager { return e.cache }

// Registry exposes the lookup service registry so callers can register named
// services before evaluating.
func (e *Engine) Registry() *lookup.Registry { return e.registry }

// Evaluate runs one synchronous evaluation: rule pre-pass, enrichments, rule
// list, rule-group list, then composition into a single consolidated result.
// Every error path yields a well-formed result; nothing panics across this
// boundary.
func (e *Engine) Evaluate(ctx context.Context, input pipeline.Record) *pipeline.RuleResult {
	start := time.Now()
	correlationID := uuid.NewString()
	logger := e.logger.With(slog.String("correlation_id", correlationID))

	if e.cfg == nil {
		return e.finish(failureResult(correlationID, "no configuration provided"), start)
	}
	if input == nil {
		return e.finish(failureResult(correlationID, "no input data provided"), start)
	}

	record := pipeline.CloneRecord(input)
	ambient := e.rulePrePass(ctx, record)

	enrichResult := e.enrich.Run(ctx, record, ambient)
	failures := enrichResult.FailureMessages
	severity := enrichResult.Severity

	listResult := e.rules.EvaluateRules(e.cfg.Rules, record)
	if listResult.ResultType == pipeline.ResultError {
		failures = append(failures, listResult.FailureMessages...)
	}
	groupResult := e.groups.EvaluateGroups(ctx, e.cfg.RuleGroups, record)
	if groupResult.ResultType == pipeline.ResultError {
		failures = append(failures, groupResult.FailureMessages...)
	}

	base := chooseBase(listResult, groupResult)
	final := &pipeline.RuleResult{
		ID:              correlationID,
		RuleMatchedName: base.RuleMatchedName,
		Message:         base.Message,
		Severity:        base.Severity.Max(severity),
		Triggered:       base.Triggered,
		ResultType:      base.ResultType,
		Timestamp:       time.Now().UTC(),
		Performance:     base.Performance,
		Diagnostics:     base.Diagnostics,
		EnrichedData:    record,
		FailureMessages: failures,
		Success:         len(failures) == 0,
	}

	logger.Debug("runtime: evaluation complete",
		slog.Bool("success", final.Success),
		slog.String("result_type", string(final.ResultType)),
		slog.Int("failures", len(final.FailureMessages)))
	return e.finish(final, start)
}

// rulePrePass evaluates rules and groups against the raw input so enrichment
// conditions can reference #ruleResults and #ruleGroupResults. The variables
// stay unbound when the configuration declares no rules.
func (e *Engine) rulePrePass(ctx context.Context, record pipeline.Record) map[string]any {
	if len(e.cfg.Rules) == 0 && len(e.cfg.RuleGroups) == 0 {
		return nil
	}

	ruleResults := make(map[string]any, len(e.cfg.Rules))
	for _, rule := range e.cfg.Rules {
		outcome := e.rules.EvaluateRule(rule, record)
		ruleResults[rule.ID] = outcome.Error == "" && outcome.Triggered
	}

	groupResults := make(map[string]any, len(e.cfg.RuleGroups))
	for _, group := range e.cfg.RuleGroups {
		gr := e.groups.EvaluateGroup(ctx, group, record)
		entry := map[string]any{"passed": gr.GroupResult}
		for _, outcome := range gr.IndividualResults {
			entry[outcome.RuleName] = outcome.Error == "" && outcome.Triggered
		}
		groupResults[group.ID] = entry
	}

	return map[string]any{
		"ruleResults":      ruleResults,
		"ruleGroupResults": groupResults,
	}
}

// chooseBase picks which phase result carries the match identity: a rule-list
// match wins over a group match; with no match anywhere, group diagnostics
// win over a bare NO_MATCH.
func chooseBase(listResult, groupResult *pipeline.RuleResult) *pipeline.RuleResult {
	switch {
	case listResult.ResultType == pipeline.ResultMatch:
		return listResult
	case groupResult.ResultType == pipeline.ResultMatch:
		return groupResult
	case groupResult.ResultType == pipeline.ResultNoMatch:
		return groupResult
	default:
		return listResult
	}
}

func (e *Engine) finish(result *pipeline.RuleResult, start time.Time) *pipeline.RuleResult {
	e.recorder.ObserveEvaluation(result.Success, time.Since(start))
	return result
}

func failureResult(correlationID, message string) *pipeline.RuleResult {
	result := pipeline.Failure(message, pipeline.SeverityError)
	result.ID = correlationID
	return result
}
