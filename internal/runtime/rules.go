package runtime

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mraysmit/apex/internal/config"
	"github.com/mraysmit/apex/internal/expr"
	"github.com/mraysmit/apex/internal/runtime/pipeline"
)

// RuleObserver receives one callback per rule evaluation. Used to bridge into
// the metrics recorder without the evaluator importing it.
type RuleObserver func(ruleID string, triggered bool, errored bool, d time.Duration)

// RuleEvaluator evaluates single rules and rule lists. It keeps per-rule
// timing aggregates for the performance block on matched results.
type RuleEvaluator struct {
	compiler *expr.Compiler
	logger   *slog.Logger
	observer RuleObserver

	mu    sync.Mutex
	stats map[string]*ruleStats
}

type ruleStats struct {
	count      int64
	failed     int64
	total      time.Duration
	min        time.Duration
	max        time.Duration
	complexity float64
}

// NewRuleEvaluator builds a rule evaluator over the shared expression
// compiler. Observer may be nil.
func NewRuleEvaluator(compiler *expr.Compiler, logger *slog.Logger, observer RuleObserver) *RuleEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleEvaluator{
		compiler: compiler,
		logger:   logger,
		observer: observer,
		stats:    make(map[string]*ruleStats),
	}
}

// EvaluateRule evaluates one rule's condition against the record. Evaluation
// errors never propagate; they surface on the outcome with triggered false
// and the rule's severity, defaulting to ERROR when the rule declares none.
func (e *RuleEvaluator) EvaluateRule(rule config.Rule, record pipeline.Record) pipeline.RuleOutcome {
	start := time.Now()
	outcome := pipeline.RuleOutcome{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Severity: pipeline.ParseSeverity(rule.Severity),
		Message:  rule.Message,
	}

	triggered, err := e.evalCondition(rule.Condition, record)
	outcome.Duration = time.Since(start)
	if err != nil {
		outcome.Error = err.Error()
		if rule.Severity == "" {
			outcome.Severity = pipeline.SeverityError
		}
		e.logger.Warn("runtime: rule evaluation failed",
			slog.String("rule", rule.ID), slog.String("error", err.Error()))
	} else {
		outcome.Triggered = triggered
	}

	e.record(rule.ID, rule.Condition, outcome.Duration, err != nil)
	if e.observer != nil {
		e.observer(rule.ID, outcome.Triggered, err != nil, outcome.Duration)
	}
	return outcome
}

func (e *RuleEvaluator) evalCondition(condition string, record pipeline.Record) (bool, error) {
	compiled, err := e.compiler.Compile(condition)
	if err != nil {
		return false, err
	}
	return compiled.EvalBool(expr.NewContext(record))
}

// EvaluateRules runs a rule list with first-match semantics: rules in
// ascending priority, return on the first triggered rule. Evaluation errors
// are recorded and do not short-circuit the list; if nothing triggers and
// errors occurred the result is error-typed so callers can surface them.
func (e *RuleEvaluator) EvaluateRules(rules []config.Rule, record pipeline.Record) *pipeline.RuleResult {
	if len(rules) == 0 {
		return pipeline.NoRules()
	}

	ordered := make([]config.Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	var errMessages []string
	errSeverity := pipeline.SeverityInfo
	for _, rule := range ordered {
		outcome := e.EvaluateRule(rule, record)
		if outcome.Error != "" {
			errMessages = append(errMessages,
				"rule '"+rule.ID+"' evaluation failed: "+outcome.Error)
			errSeverity = errSeverity.Max(outcome.Severity)
			continue
		}
		if outcome.Triggered {
			result := pipeline.Match(rule.Name, rule.Message, outcome.Severity)
			result.ID = rule.ID
			result.Performance = e.Metrics(rule.ID)
			return result
		}
	}

	if len(errMessages) > 0 {
		result := pipeline.Failure(errMessages[0], errSeverity)
		result.FailureMessages = errMessages
		return result
	}
	return pipeline.NoMatch()
}

func (e *RuleEvaluator) record(ruleID, condition string, d time.Duration, failed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.stats[ruleID]
	if !ok {
		// Condition length stands in for expression complexity.
		s = &ruleStats{min: d, max: d, complexity: float64(len(condition))}
		e.stats[ruleID] = s
	}
	s.count++
	if failed {
		s.failed++
	}
	s.total += d
	if d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}
}

// Metrics returns the timing aggregates for one rule, or nil if the rule has
// never been evaluated.
func (e *RuleEvaluator) Metrics(ruleID string) *pipeline.PerformanceMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.stats[ruleID]
	if !ok {
		return nil
	}
	m := &pipeline.PerformanceMetrics{
		RuleName:          ruleID,
		EvaluationCount:   s.count,
		TotalTime:         s.total,
		MinTime:           s.min,
		MaxTime:           s.max,
		FailedEvaluations: s.failed,
	}
	if s.count > 0 {
		m.AverageTime = s.total / time.Duration(s.count)
		m.SuccessRate = float64(s.count-s.failed) / float64(s.count)
	}
	m.AverageComplexity = s.complexity
	return m
}
