package enrich

import (
	"log/slog"
	"sort"

	"github.com/mraysmit/apex/internal/config"
	"github.com/mraysmit/apex/internal/runtime/pipeline"
)

// runConditionalMapping sorts mapping rules by priority and writes the first
// matching rule's value to the target field; with stopOnFirstMatch disabled
// every matching rule applies in turn, later writes overwriting earlier ones.
func (p *Pipeline) runConditionalMapping(e config.Enrichment, record pipeline.Record, ambient map[string]any) []string {
	rules := make([]config.MappingRule, len(e.MappingRules))
	copy(rules, e.MappingRules)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})

	var failures []string
	for _, rule := range rules {
		if !p.evalConditionGroup(rule.Conditions, record, ambient) {
			continue
		}

		value, err := p.mappingRuleValue(e.ID, rule, record, ambient)
		if err != nil {
			if rule.FallbackValue != nil {
				value = rule.FallbackValue
			} else {
				failures = append(failures,
					"enrichment '"+e.ID+"' mapping rule '"+rule.Name+"' failed: "+err.Error())
				continue
			}
		}

		if value != nil {
			record[e.TargetField] = value
		}
		if e.ExecutionSettings.LogMatchedRule {
			p.logger.Info("enrich: mapping rule matched",
				slog.String("enrichment", e.ID), slog.String("rule", rule.Name))
		}
		if e.ExecutionSettings.StopsOnFirstMatch() {
			break
		}
	}
	return failures
}

// mappingRuleValue computes the candidate value for one mapping rule.
func (p *Pipeline) mappingRuleValue(enrichmentID string, rule config.MappingRule, record pipeline.Record, ambient map[string]any) (any, error) {
	switch rule.Type {
	case "", config.MappingRuleDirect:
		if rule.Transformation != "" {
			return p.transform(rule.Transformation, record, ambient, record[rule.SourceField])
		}
		return record[rule.SourceField], nil
	case config.MappingRuleLookup:
		if rule.Transformation != "" {
			return p.transform(rule.Transformation, record, ambient, record[rule.SourceField])
		}
		return nil, pipeline.ConfigErrorf(
			"enrichment %q mapping rule %q: lookup rules require a transformation", enrichmentID, rule.Name)
	default:
		return nil, pipeline.ConfigErrorf(
			"enrichment %q mapping rule %q: type %q unsupported", enrichmentID, rule.Name, rule.Type)
	}
}
