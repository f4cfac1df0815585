package enrich

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/mraysmit/apex/internal/config"
	"github.com/mraysmit/apex/internal/expr"
	"github.com/mraysmit/apex/internal/runtime/lookup"
	"github.com/mraysmit/apex/internal/runtime/pipeline"
	"github.com/mraysmit/apex/internal/templates"
)

// Result carries the outcome of one pipeline run: the enriched record, the
// human-readable failure messages, and the aggregated severity.
type Result struct {
	Record          pipeline.Record
	FailureMessages []string
	Severity        pipeline.Severity
}

// Failed reports whether any enrichment step failed.
func (r *Result) Failed() bool { return len(r.FailureMessages) > 0 }

// Pipeline executes enrichments in priority order against a record.
// Enrichments are strictly sequential; later enrichments observe the writes
// of earlier ones.
type Pipeline struct {
	enrichments []config.Enrichment
	compiler    *expr.Compiler
	resolver    *lookup.Resolver
	renderer    *templates.Renderer
	results     ResultCache
	logger      *slog.Logger
	observer    func(enrichmentType string, failed bool)
}

// ResultCache is the slice of the unified cache the pipeline uses for lookup
// results.
type ResultCache interface {
	Get(key string) (any, bool)
	PutTTL(key string, value any, ttlSeconds int)
}

// New builds a pipeline over the configured enrichments.
func New(enrichments []config.Enrichment, compiler *expr.Compiler, resolver *lookup.Resolver, renderer *templates.Renderer, results ResultCache, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		enrichments: enrichments,
		compiler:    compiler,
		resolver:    resolver,
		renderer:    renderer,
		results:     results,
		logger:      logger,
	}
}

// SetObserver installs a per-step callback invoked after each dispatched
// enrichment with its type and whether it failed.
func (p *Pipeline) SetObserver(fn func(enrichmentType string, failed bool)) {
	p.observer = fn
}

// Run executes all applicable enrichments against record, mutating it in
// place. Ambient variables (rule results from the pre-pass) are bound into
// every evaluation context.
func (p *Pipeline) Run(ctx context.Context, record pipeline.Record, ambient map[string]any) *Result {
	ordered := make([]config.Enrichment, len(p.enrichments))
	copy(ordered, p.enrichments)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	result := &Result{Record: record, Severity: pipeline.SeverityInfo}
	requiredFailure := false

	for _, enrichment := range ordered {
		if !enrichment.IsEnabled() {
			continue
		}
		if !matchesTargetType(pipeline.TypeName(record), enrichment.TargetType) {
			continue
		}
		if enrichment.Condition != "" {
			pass, err := p.evalBool(enrichment.Condition, record, ambient)
			if err != nil {
				result.FailureMessages = append(result.FailureMessages,
					"enrichment '"+enrichment.ID+"' condition failed: "+err.Error())
				continue
			}
			if !pass {
				continue
			}
		}

		severity := pipeline.ParseSeverity(enrichment.Severity)
		result.Severity = result.Severity.Max(severity)

		var failures []string
		var required bool
		switch enrichment.Type {
		case config.EnrichmentLookup:
			failures, required = p.runLookup(ctx, enrichment, record, ambient)
		case config.EnrichmentCalculation:
			failures = p.runCalculation(enrichment, record, ambient)
		case config.EnrichmentField:
			failures, required = p.runField(enrichment, record, ambient)
		case config.EnrichmentConditionalMapping:
			failures = p.runConditionalMapping(enrichment, record, ambient)
		default:
			failures = []string{"enrichment '" + enrichment.ID + "' has unsupported type " + enrichment.Type}
		}
		result.FailureMessages = append(result.FailureMessages, failures...)
		requiredFailure = requiredFailure || required
		if p.observer != nil {
			p.observer(enrichment.Type, len(failures) > 0 || required)
		}
	}

	if requiredFailure {
		result.Severity = pipeline.SeverityError
	}
	return result
}

// newContext binds the record as root and the ambient variables.
func (p *Pipeline) newContext(record pipeline.Record, ambient map[string]any) *expr.Context {
	ctx := expr.NewContext(record)
	for name, value := range ambient {
		ctx.SetVariable(name, value)
	}
	return ctx
}

func (p *Pipeline) eval(source string, record pipeline.Record, ambient map[string]any) (any, error) {
	compiled, err := p.compiler.Compile(source)
	if err != nil {
		return nil, err
	}
	return compiled.Eval(p.newContext(record, ambient))
}

func (p *Pipeline) evalBool(source string, record pipeline.Record, ambient map[string]any) (bool, error) {
	compiled, err := p.compiler.Compile(source)
	if err != nil {
		return false, err
	}
	return compiled.EvalBool(p.newContext(record, ambient))
}

// runCalculation evaluates the expression and writes the result field. On
// evaluation failure a configured default applies; otherwise the enrichment
// fails.
func (p *Pipeline) runCalculation(e config.Enrichment, record pipeline.Record, ambient map[string]any) []string {
	value, err := p.eval(e.Expression, record, ambient)
	if err != nil {
		if e.DefaultValue != nil {
			record[e.ResultField] = e.DefaultValue
			return nil
		}
		return []string{"enrichment '" + e.ID + "' calculation failed: " + err.Error()}
	}
	record[e.ResultField] = value
	return nil
}

// runField processes conditional mappings first (all matching groups apply),
// then the top-level mappings with the record as both source and target.
func (p *Pipeline) runField(e config.Enrichment, record pipeline.Record, ambient map[string]any) ([]string, bool) {
	var failures []string
	requiredFailure := false
	for _, cm := range e.ConditionalMappings {
		if !p.evalConditionGroup(cm.Conditions, record, ambient) {
			continue
		}
		msgs, required := p.applyMappings(e.ID, cm.FieldMappings, record, record, ambient)
		failures = append(failures, msgs...)
		requiredFailure = requiredFailure || required
	}
	msgs, required := p.applyMappings(e.ID, e.FieldMappings, record, record, ambient)
	failures = append(failures, msgs...)
	return failures, requiredFailure || required
}

// evalConditionGroup applies AND/OR with short-circuit. Under AND an erroring
// sub-condition fails the group; under OR it is skipped. Empty groups pass.
func (p *Pipeline) evalConditionGroup(group config.ConditionGroup, record pipeline.Record, ambient map[string]any) bool {
	if len(group.Rules) == 0 {
		return true
	}
	or := strings.EqualFold(group.Operator, "OR")
	for _, rule := range group.Rules {
		pass, err := p.evalBool(rule.Condition, record, ambient)
		if or {
			if err != nil {
				continue
			}
			if pass {
				return true
			}
			continue
		}
		if err != nil || !pass {
			return false
		}
	}
	return !or
}

// matchesTargetType applies the flexible dispatch policy: an empty target
// matches everything; otherwise exact, short-name, or substring matches
// count, as does the Trade alias.
func matchesTargetType(typeName, target string) bool {
	if target == "" {
		return true
	}
	if typeName == target {
		return true
	}
	if i := strings.LastIndex(target, "."); i >= 0 && typeName == target[i+1:] {
		return true
	}
	if strings.Contains(typeName, target) || strings.Contains(target, typeName) {
		return true
	}
	if strings.Contains(target, "Trade") && strings.Contains(typeName, "Trade") {
		return true
	}
	return false
}
