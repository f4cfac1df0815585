package runtime

import (
	"context"
	"log/slog"
	goruntime "runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mraysmit/apex/internal/config"
	"github.com/mraysmit/apex/internal/runtime/pipeline"
)

// GroupEvaluator evaluates rule-groups against a rule catalog. Sequential
// evaluation honors stopOnFirstFailure short-circuiting; parallel evaluation
// runs every member through a bounded worker pool with short-circuit
// disabled.
type GroupEvaluator struct {
	rules  map[string]config.Rule
	eval   *RuleEvaluator
	logger *slog.Logger
}

// NewGroupEvaluator builds a group evaluator. The catalog maps rule IDs to
// rule definitions; rule-group refs resolve against it.
func NewGroupEvaluator(catalog []config.Rule, eval *RuleEvaluator, logger *slog.Logger) *GroupEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	rules := make(map[string]config.Rule, len(catalog))
	for _, rule := range catalog {
		rules[rule.ID] = rule
	}
	return &GroupEvaluator{rules: rules, eval: eval, logger: logger}
}

func (g *GroupEvaluator) members(group config.RuleGroup) []config.Rule {
	refs := make([]config.RuleRef, len(group.RuleRefs))
	copy(refs, group.RuleRefs)
	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].Sequence < refs[j].Sequence
	})
	members := make([]config.Rule, 0, len(refs))
	for _, ref := range refs {
		rule, ok := g.rules[ref.RuleID]
		if !ok {
			g.logger.Warn("runtime: rule-group references unknown rule",
				slog.String("group", group.ID), slog.String("rule", ref.RuleID))
			continue
		}
		members = append(members, rule)
	}
	return members
}

// EvaluateGroup evaluates one rule-group. An empty group returns false.
func (g *GroupEvaluator) EvaluateGroup(ctx context.Context, group config.RuleGroup, record pipeline.Record) pipeline.RuleGroupEvaluationResult {
	start := time.Now()
	result := pipeline.RuleGroupEvaluationResult{
		GroupID:            group.ID,
		GroupName:          group.Name,
		Operator:           groupOperator(group.Operator),
		AggregatedSeverity: pipeline.SeverityInfo,
		StartedAt:          start.UTC(),
	}

	members := g.members(group)
	if len(members) == 0 {
		result.Duration = time.Since(start)
		return result
	}

	if group.ParallelExecution && len(members) > 1 {
		result.IndividualResults = g.evaluateParallel(ctx, members, record)
		if ctx.Err() != nil {
			result.GroupResult = false
			result.Duration = time.Since(start)
			return result
		}
	} else {
		result.IndividualResults = g.evaluateSequential(group, members, record)
	}

	g.finalize(&result)
	result.Duration = time.Since(start)
	return result
}

// evaluateSequential walks members in sequence order. Short-circuit applies
// iff stopOnFirstFailure is set and debugMode is not: under AND the first
// false (or error) stops the group, under OR the first true does.
func (g *GroupEvaluator) evaluateSequential(group config.RuleGroup, members []config.Rule, record pipeline.Record) []pipeline.RuleOutcome {
	and := groupOperator(group.Operator) == pipeline.OperatorAnd
	shortCircuit := group.StopOnFirstFailure && !group.DebugMode

	outcomes := make([]pipeline.RuleOutcome, 0, len(members))
	for _, rule := range members {
		outcome := g.eval.EvaluateRule(rule, record)
		outcomes = append(outcomes, outcome)
		if !shortCircuit {
			continue
		}
		if and && (outcome.Error != "" || !outcome.Triggered) {
			break
		}
		if !and && outcome.Error == "" && outcome.Triggered {
			break
		}
	}
	return outcomes
}

// evaluateParallel dispatches every member to a worker pool sized
// min(members, cores). All members always run; outcomes land at their
// sequence position.
func (g *GroupEvaluator) evaluateParallel(ctx context.Context, members []config.Rule, record pipeline.Record) []pipeline.RuleOutcome {
	workers := len(members)
	if cores := goruntime.NumCPU(); cores < workers {
		workers = cores
	}

	outcomes := make([]pipeline.RuleOutcome, len(members))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = g.eval.EvaluateRule(members[i], record)
			}
		}()
	}

dispatch:
	for i := range members {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()
	return outcomes
}

// finalize combines outcomes by operator and computes aggregated severity.
func (g *GroupEvaluator) finalize(result *pipeline.RuleGroupEvaluationResult) {
	outcomes := result.IndividualResults
	result.TotalEvaluated = len(outcomes)

	anyTriggered := false
	allTriggered := len(outcomes) > 0
	for _, o := range outcomes {
		triggered := o.Error == "" && o.Triggered
		if triggered {
			result.Passed++
			anyTriggered = true
		} else {
			result.Failed++
			allTriggered = false
		}
	}

	if result.Operator == pipeline.OperatorAnd {
		result.GroupResult = allTriggered
		result.AggregatedSeverity = andSeverity(outcomes)
	} else {
		result.GroupResult = anyTriggered
		result.AggregatedSeverity = orSeverity(outcomes)
	}
}

// andSeverity: when any member failed, the max severity across failed
// members; otherwise the max across all members.
func andSeverity(outcomes []pipeline.RuleOutcome) pipeline.Severity {
	severity := pipeline.SeverityInfo
	anyFailed := false
	for _, o := range outcomes {
		if o.Failed() {
			anyFailed = true
		}
	}
	for _, o := range outcomes {
		if anyFailed && !o.Failed() {
			continue
		}
		severity = severity.Max(o.Severity)
	}
	return severity
}

// orSeverity: the severity of the first triggered member in sequence order;
// when none triggered, the max across all evaluated members.
func orSeverity(outcomes []pipeline.RuleOutcome) pipeline.Severity {
	for _, o := range outcomes {
		if o.Error == "" && o.Triggered {
			return o.Severity
		}
	}
	severity := pipeline.SeverityInfo
	for _, o := range outcomes {
		severity = severity.Max(o.Severity)
	}
	return severity
}

// EvaluateGroups iterates rule-groups in ascending priority with first-match
// semantics. A passing group yields a MATCH result. When no group passes, the
// NO_MATCH result carries diagnostics for the failed group with the highest
// aggregated severity.
func (g *GroupEvaluator) EvaluateGroups(ctx context.Context, groups []config.RuleGroup, record pipeline.Record) *pipeline.RuleResult {
	if len(groups) == 0 {
		return pipeline.NoRules()
	}

	ordered := make([]config.RuleGroup, len(groups))
	copy(ordered, groups)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	var worst *pipeline.RuleGroupEvaluationResult
	for i := range ordered {
		group := ordered[i]
		gr := g.EvaluateGroup(ctx, group, record)
		if gr.GroupResult {
			result := pipeline.Match(group.Name, groupMessage(group, gr), gr.AggregatedSeverity)
			result.ID = group.ID
			return result
		}
		if worst == nil || !worst.AggregatedSeverity.AtLeast(gr.AggregatedSeverity) {
			worst = &gr
		}
	}

	result := pipeline.NoMatch()
	if worst != nil {
		result.Diagnostics = pipeline.FailureDiagnostics{
			LastFailedGroupName:    worst.GroupName,
			LastFailedGroupMessage: groupFailureMessage(worst),
			HighestFailedSeverity:  worst.AggregatedSeverity,
		}
	}
	return result
}

func groupMessage(group config.RuleGroup, gr pipeline.RuleGroupEvaluationResult) string {
	if group.Description != "" {
		return group.Description
	}
	return "rule group '" + group.ID + "' passed (" + string(gr.Operator) + ")"
}

func groupFailureMessage(gr *pipeline.RuleGroupEvaluationResult) string {
	return "rule group '" + gr.GroupID + "' failed (" +
		string(gr.Operator) + ", " + strconv.Itoa(gr.Failed) + "/" + strconv.Itoa(gr.TotalEvaluated) + " rules failed)"
}

// EvaluateMixed applies first-match semantics over a heterogeneous list of
// rules and rule-groups ordered by priority. Homogeneous lists delegate to
// the dedicated list evaluators.
func (g *GroupEvaluator) EvaluateMixed(ctx context.Context, rules []config.Rule, groups []config.RuleGroup, record pipeline.Record) *pipeline.RuleResult {
	switch {
	case len(rules) == 0 && len(groups) == 0:
		return pipeline.NoRules()
	case len(groups) == 0:
		return g.eval.EvaluateRules(rules, record)
	case len(rules) == 0:
		return g.EvaluateGroups(ctx, groups, record)
	}

	type element struct {
		priority int
		rule     *config.Rule
		group    *config.RuleGroup
	}
	elements := make([]element, 0, len(rules)+len(groups))
	for i := range rules {
		elements = append(elements, element{priority: rules[i].Priority, rule: &rules[i]})
	}
	for i := range groups {
		elements = append(elements, element{priority: groups[i].Priority, group: &groups[i]})
	}
	sort.SliceStable(elements, func(i, j int) bool {
		return elements[i].priority < elements[j].priority
	})

	var worst *pipeline.RuleGroupEvaluationResult
	for _, el := range elements {
		if el.rule != nil {
			outcome := g.eval.EvaluateRule(*el.rule, record)
			if outcome.Error == "" && outcome.Triggered {
				result := pipeline.Match(el.rule.Name, el.rule.Message, outcome.Severity)
				result.ID = el.rule.ID
				return result
			}
			continue
		}
		gr := g.EvaluateGroup(ctx, *el.group, record)
		if gr.GroupResult {
			result := pipeline.Match(el.group.Name, groupMessage(*el.group, gr), gr.AggregatedSeverity)
			result.ID = el.group.ID
			return result
		}
		if worst == nil || !worst.AggregatedSeverity.AtLeast(gr.AggregatedSeverity) {
			worst = &gr
		}
	}

	result := pipeline.NoMatch()
	if worst != nil {
		result.Diagnostics = pipeline.FailureDiagnostics{
			LastFailedGroupName:    worst.GroupName,
			LastFailedGroupMessage: groupFailureMessage(worst),
			HighestFailedSeverity:  worst.AggregatedSeverity,
		}
	}
	return result
}

func groupOperator(op string) pipeline.GroupOperator {
	if strings.EqualFold(op, "OR") {
		return pipeline.OperatorOr
	}
	return pipeline.OperatorAnd
}
