// Package aggregate turns log entries, or issue summaries supplied by the
// reasoning collaborator, into qualifying issues.
package aggregate

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"incidentline/internal/domain"
	"incidentline/internal/ingest"
)

type Mode string

const (
	ModePassThrough Mode = "passthrough"
	ModeFallback    Mode = "fallback"
)

// ParseMode accepts "", "auto", "passthrough" and "fallback". Auto is
// returned as the empty Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return "", nil
	case string(ModePassThrough), "pass-through":
		return ModePassThrough, nil
	case string(ModeFallback):
		return ModeFallback, nil
	default:
		return "", fmt.Errorf("invalid mode %q", s)
	}
}

type Criteria struct {
	Threshold  int
	Severities []string
}

func DefaultCriteria() Criteria {
	return Criteria{Threshold: 5, Severities: []string{domain.SeverityCritical, domain.SeverityFatal}}
}

// Qualifies reports whether an issue warrants a ticket.
func (c Criteria) Qualifies(issue domain.Issue) bool {
	if issue.Count < c.Threshold {
		return false
	}
	sev := domain.NormalizeSeverity(issue.Severity)
	for _, s := range c.Severities {
		if domain.NormalizeSeverity(s) == sev {
			return true
		}
	}
	return false
}

// Note is a narrative line for the session stream.
type Note struct {
	Type    domain.StepType
	Content string
}

type Result struct {
	Mode   Mode
	Issues []domain.Issue
	Notes  []Note
}

func (r *Result) note(t domain.StepType, format string, args ...any) {
	r.Notes = append(r.Notes, Note{Type: t, Content: fmt.Sprintf(format, args...)})
}

// PassThrough validates externally supplied issue candidates. Candidates that
// are malformed or do not qualify are dropped with a warning note.
func PassThrough(c Criteria, candidates []map[string]any) Result {
	res := Result{Mode: ModePassThrough}
	for i, cand := range candidates {
		issue, err := decodeCandidate(cand)
		if err != nil {
			res.note(domain.StepError, "Warning: dropped issue %d from analysis: %v", i, err)
			continue
		}
		if !c.Qualifies(issue) {
			res.note(domain.StepError, "Warning: dropped issue %s in %s: %s with %d occurrences does not qualify (threshold %d)",
				issue.IssueType, issue.Service, issue.Severity, issue.Count, c.Threshold)
			continue
		}
		res.Issues = append(res.Issues, issue)
		res.note(domain.StepIssue, "%s", describe(issue))
	}
	res.note(domain.StepSummary, "Analysis reported %d issue(s); %d qualify for a ticket.", len(candidates), len(res.Issues))
	return res
}

func decodeCandidate(cand map[string]any) (domain.Issue, error) {
	var issue domain.Issue
	var err error
	if issue.Service, err = requiredString(cand, "service"); err != nil {
		return issue, err
	}
	if issue.IssueType, err = requiredString(cand, "issue_type"); err != nil {
		return issue, err
	}
	sev, err := requiredString(cand, "severity")
	if err != nil {
		return issue, err
	}
	issue.Severity = domain.NormalizeSeverity(sev)
	if issue.Description, err = requiredString(cand, "description"); err != nil {
		return issue, err
	}
	raw, ok := cand["count"]
	if !ok || raw == nil {
		return issue, fmt.Errorf("count is required")
	}
	if issue.Count, err = toCount(raw); err != nil {
		return issue, err
	}
	for _, field := range []string{"first_seen", "last_seen"} {
		v, ok := cand[field].(string)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		ts, err := ingest.ParseTimestamp(v)
		if err != nil {
			return issue, fmt.Errorf("%s: %w", field, err)
		}
		if field == "first_seen" {
			issue.FirstSeen = ts
		} else {
			issue.LastSeen = ts
		}
	}
	if lvl, ok := cand["level"].(string); ok {
		if parsed, err := domain.ParseLevel(lvl); err == nil {
			issue.Level = parsed
		}
	}
	return issue, nil
}

func requiredString(cand map[string]any, key string) (string, error) {
	raw, ok := cand[key]
	if !ok || raw == nil {
		return "", fmt.Errorf("%s is required", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%s is empty", key)
	}
	return s, nil
}

func toCount(raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) || v < 0 {
			return 0, fmt.Errorf("count must be a non-negative integer")
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil || n < 0 {
			return 0, fmt.Errorf("count must be a non-negative integer")
		}
		return int(n), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("count must be a non-negative integer")
		}
		return n, nil
	default:
		return 0, fmt.Errorf("count has unsupported type %T", raw)
	}
}

func describe(issue domain.Issue) string {
	return fmt.Sprintf("%s %s in %s (%d occurrences)", issue.Severity, issue.IssueType, issue.Service, issue.Count)
}
