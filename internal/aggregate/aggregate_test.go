package aggregate_test

import (
	"strings"
	"testing"
	"time"

	"incidentline/internal/aggregate"
	"incidentline/internal/domain"
)

func scenarioEntries() []domain.LogEntry {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var entries []domain.LogEntry
	for i := 0; i < 6; i++ {
		entries = append(entries, domain.LogEntry{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Service:   "inventory-service",
			Level:     domain.LevelFatal,
			Message:   "OutOfMemoryError",
		})
	}
	entries = append(entries,
		domain.LogEntry{Timestamp: base, Service: "api-gateway", Level: domain.LevelInfo, Message: "request served in 12ms"},
		domain.LogEntry{Timestamp: base, Service: "api-gateway", Level: domain.LevelWarn, Message: "slow upstream"},
		domain.LogEntry{Timestamp: base, Service: "auth-service", Level: domain.LevelFatal, Message: "token store unreachable"},
		domain.LogEntry{Timestamp: base, Service: "inventory-service", Level: domain.LevelError, Message: "OutOfMemoryError"},
	)
	return entries
}

func TestFallbackScenario(t *testing.T) {
	res := aggregate.Fallback(aggregate.DefaultCriteria(), scenarioEntries())
	if res.Mode != aggregate.ModeFallback {
		t.Fatalf("unexpected mode %s", res.Mode)
	}
	if len(res.Issues) != 1 {
		t.Fatalf("expected 1 issue, got %d: %+v", len(res.Issues), res.Issues)
	}
	issue := res.Issues[0]
	if issue.Service != "inventory-service" || issue.IssueType != "OutOfMemoryError" {
		t.Fatalf("unexpected issue identity: %+v", issue)
	}
	if issue.Severity != domain.SeverityCritical || issue.Count != 6 || issue.Level != domain.LevelFatal {
		t.Fatalf("unexpected issue classification: %+v", issue)
	}
	if want := time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC); !issue.LastSeen.Equal(want) {
		t.Fatalf("expected last_seen %s, got %s", want, issue.LastSeen)
	}
	var issueNotes int
	for _, n := range res.Notes {
		if n.Type == domain.StepIssue {
			issueNotes++
		}
	}
	if issueNotes != 1 {
		t.Fatalf("expected one issue note, got %d", issueNotes)
	}
}

func TestFallbackBelowThreshold(t *testing.T) {
	res := aggregate.Fallback(aggregate.DefaultCriteria(), scenarioEntries()[:4])
	if len(res.Issues) != 0 {
		t.Fatalf("expected no issues, got %+v", res.Issues)
	}
}

func TestTemplateMasksVariableTokens(t *testing.T) {
	a := aggregate.Template(`order 1234 failed for user "bob" from 10.0.0.1:8080 trace 9f86d081884c`)
	b := aggregate.Template(`order 99 failed for user "alice" from 192.168.1.7:443 trace 2c26b46b68ff`)
	if a != b {
		t.Fatalf("expected identical templates, got %q and %q", a, b)
	}
	if strings.Contains(a, "1234") {
		t.Fatalf("number not masked: %q", a)
	}
	if got := aggregate.Template("OutOfMemoryError"); got != "OutOfMemoryError" {
		t.Fatalf("plain message changed: %q", got)
	}
}

func TestPassThroughDropsInvalid(t *testing.T) {
	candidates := []map[string]any{
		{"service": "payment-service", "issue_type": "DeadlockDetected", "severity": "critical", "count": float64(7), "description": "deadlocks", "first_seen": "2024-05-01T10:00:00Z"},
		{"service": "payment-service", "issue_type": "SlowQuery", "severity": "High", "count": float64(50), "description": "slow"},
		{"service": "payment-service", "issue_type": "Flaky", "severity": "Critical", "count": float64(2), "description": "rare"},
		{"issue_type": "NoService", "severity": "Critical", "count": float64(9), "description": "x"},
		{"service": "auth-service", "issue_type": "Crash", "severity": "Fatal", "count": "8", "description": "crash loop"},
		{"service": "auth-service", "issue_type": "BadCount", "severity": "Fatal", "count": 2.5, "description": "x"},
	}
	res := aggregate.PassThrough(aggregate.DefaultCriteria(), candidates)
	if len(res.Issues) != 2 {
		t.Fatalf("expected 2 issues, got %d: %+v", len(res.Issues), res.Issues)
	}
	if res.Issues[0].IssueType != "DeadlockDetected" || res.Issues[0].Severity != domain.SeverityCritical {
		t.Fatalf("unexpected first issue: %+v", res.Issues[0])
	}
	if res.Issues[1].Severity != domain.SeverityFatal || res.Issues[1].Count != 8 {
		t.Fatalf("unexpected second issue: %+v", res.Issues[1])
	}
	var warnings int
	for _, n := range res.Notes {
		if n.Type == domain.StepError && strings.HasPrefix(n.Content, "Warning:") {
			warnings++
		}
	}
	if warnings != 4 {
		t.Fatalf("expected 4 warnings, got %d", warnings)
	}
}

func TestCriteriaQualifies(t *testing.T) {
	c := aggregate.DefaultCriteria()
	cases := []struct {
		issue domain.Issue
		want  bool
	}{
		{domain.Issue{Severity: "Critical", Count: 5}, true},
		{domain.Issue{Severity: "fatal", Count: 10}, true},
		{domain.Issue{Severity: "Critical", Count: 4}, false},
		{domain.Issue{Severity: "High", Count: 100}, false},
	}
	for _, tc := range cases {
		if got := c.Qualifies(tc.issue); got != tc.want {
			t.Fatalf("Qualifies(%+v) = %v, want %v", tc.issue, got, tc.want)
		}
	}
}
