package pipeline

import (
	"time"
)

// ResultType classifies the outcome of a rule or rule-list evaluation.
type ResultType string

const (
	ResultMatch   ResultType = "MATCH"
	ResultNoMatch ResultType = "NO_MATCH"
	ResultNoRules ResultType = "NO_RULES"
	ResultError   ResultType = "ERROR"
)

// PerformanceMetrics carries per-rule timing aggregates emitted on a result.
// External tooling aggregates these across evaluations.
type PerformanceMetrics struct {
	RuleName          string        `json:"ruleName"`
	EvaluationCount   int64         `json:"evaluationCount"`
	TotalTime         time.Duration `json:"totalTime"`
	MinTime           time.Duration `json:"minTime"`
	MaxTime           time.Duration `json:"maxTime"`
	AverageTime       time.Duration `json:"averageTime"`
	AverageMemory     int64         `json:"averageMemory"`
	AverageComplexity float64       `json:"averageComplexity"`
	FailedEvaluations int64         `json:"failedEvaluations"`
	SuccessRate       float64       `json:"successRate"`
}

// FailureDiagnostics records which rule-group caused a NO_MATCH result to be
// considered the most severe failure. Fields are populated only when the
// result is not triggered.
type FailureDiagnostics struct {
	LastFailedGroupName    string   `json:"lastFailedGroupName,omitempty"`
	LastFailedGroupMessage string   `json:"lastFailedGroupMessage,omitempty"`
	HighestFailedSeverity  Severity `json:"highestFailedSeverity,omitempty"`
}

// RuleResult is the consolidated outcome of an evaluation. Every error path
// yields a well-formed RuleResult; callers distinguish success via Success and
// drill into FailureMessages for details.
type RuleResult struct {
	ID              string              `json:"id"`
	RuleMatchedName string              `json:"ruleMatchedName,omitempty"`
	Message         string              `json:"message"`
	Severity        Severity            `json:"severity"`
	Triggered       bool                `json:"triggered"`
	ResultType      ResultType          `json:"resultType"`
	Timestamp       time.Time           `json:"timestamp"`
	Performance     *PerformanceMetrics `json:"performanceMetrics,omitempty"`
	Diagnostics     FailureDiagnostics  `json:"failureDiagnostics"`
	EnrichedData    Record              `json:"enrichedData,omitempty"`
	FailureMessages []string            `json:"failureMessages,omitempty"`
	Success         bool                `json:"success"`
}

// Match builds a triggered result carrying the matched rule's identity.
func Match(ruleName, message string, severity Severity) *RuleResult {
	return &RuleResult{
		RuleMatchedName: ruleName,
		Message:         message,
		Severity:        severity,
		Triggered:       true,
		ResultType:      ResultMatch,
		Timestamp:       time.Now().UTC(),
		Success:         true,
	}
}

// NoMatch builds a result for an evaluation where no rule triggered.
func NoMatch() *RuleResult {
	return &RuleResult{
		Message:    "no rules matched",
		Severity:   SeverityInfo,
		ResultType: ResultNoMatch,
		Timestamp:  time.Now().UTC(),
		Success:    true,
	}
}

// NoRules builds a result for an evaluation with an empty rule list.
func NoRules() *RuleResult {
	return &RuleResult{
		Message:    "no rules to evaluate",
		Severity:   SeverityInfo,
		ResultType: ResultNoRules,
		Timestamp:  time.Now().UTC(),
		Success:    true,
	}
}

// Failure builds an error-typed result with the supplied message and severity.
func Failure(message string, severity Severity) *RuleResult {
	return &RuleResult{
		Message:         message,
		Severity:        severity,
		ResultType:      ResultError,
		Timestamp:       time.Now().UTC(),
		FailureMessages: []string{message},
	}
}

// AddFailure appends a failure message and clears the success flag.
func (r *RuleResult) AddFailure(message string) {
	r.FailureMessages = append(r.FailureMessages, message)
	r.Success = false
}

// RuleOutcome is the outcome of a single rule inside a list or group.
type RuleOutcome struct {
	RuleID    string        `json:"ruleId"`
	RuleName  string        `json:"ruleName"`
	Triggered bool          `json:"triggered"`
	Severity  Severity      `json:"severity"`
	Message   string        `json:"message"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"durationNs"`
}

// Failed reports whether the rule either errored or did not trigger.
func (o RuleOutcome) Failed() bool {
	return o.Error != "" || !o.Triggered
}

// GroupOperator combines member rule outcomes within a rule-group.
type GroupOperator string

const (
	OperatorAnd GroupOperator = "AND"
	OperatorOr  GroupOperator = "OR"
)

// RuleGroupEvaluationResult captures a rule-group evaluation, including the
// individual member outcomes that were actually evaluated.
type RuleGroupEvaluationResult struct {
	GroupID            string        `json:"groupId"`
	GroupName          string        `json:"groupName"`
	Operator           GroupOperator `json:"operator"`
	GroupResult        bool          `json:"groupResult"`
	IndividualResults  []RuleOutcome `json:"individualResults"`
	AggregatedSeverity Severity      `json:"aggregatedSeverity"`
	StartedAt          time.Time     `json:"startedAt"`
	Duration           time.Duration `json:"durationNs"`
	TotalEvaluated     int           `json:"totalEvaluated"`
	Passed             int           `json:"passed"`
	Failed             int           `json:"failed"`
}
