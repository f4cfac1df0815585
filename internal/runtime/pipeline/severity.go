package pipeline

import "strings"

// Severity classifies rules and enrichment failures. Ordering is
// ERROR > WARNING > INFO for aggregation purposes.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// ParseSeverity normalizes a configured severity string. Empty or unknown
// values fall back to INFO, matching the configuration default.
func ParseSeverity(s string) Severity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR":
		return SeverityError
	case "WARNING", "WARN":
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func (s Severity) rank() int {
	switch s {
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Max returns the higher-ranked of the two severities.
func (s Severity) Max(other Severity) Severity {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

// AtLeast reports whether s ranks at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}
