package aggregate

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"incidentline/internal/domain"
)

const maxTemplateLen = 120

var (
	uuidPattern   = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	ipPattern     = regexp.MustCompile(`\b\d{1,3}(\.\d{1,3}){3}(:\d+)?\b`)
	hexPrefixed   = regexp.MustCompile(`(?i)\b0x[0-9a-f]+\b`)
	hexWord       = regexp.MustCompile(`\b[0-9a-fA-F]{6,}\b`)
	quotedPattern = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	numberPattern = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// Template reduces a message to its shape by masking variable tokens.
func Template(message string) string {
	out := uuidPattern.ReplaceAllString(strings.TrimSpace(message), "<uuid>")
	out = ipPattern.ReplaceAllString(out, "<ip>")
	out = hexPrefixed.ReplaceAllString(out, "<hex>")
	out = hexWord.ReplaceAllStringFunc(out, func(w string) string {
		if strings.ContainsAny(w, "0123456789") && strings.ContainsAny(w, "abcdefABCDEF") {
			return "<hex>"
		}
		return w
	})
	out = quotedPattern.ReplaceAllString(out, "<str>")
	out = numberPattern.ReplaceAllString(out, "<num>")
	out = strings.TrimSpace(spacePattern.ReplaceAllString(out, " "))
	if len(out) > maxTemplateLen {
		out = strings.TrimSpace(out[:maxTemplateLen])
	}
	if out == "" {
		out = "<empty>"
	}
	return out
}

type groupKey struct {
	service  string
	template string
}

type group struct {
	key       groupKey
	order     int
	total     int
	fatal     int
	firstSeen time.Time
	lastSeen  time.Time
	sample    string
}

func ensureGroup(m map[groupKey]*group, key groupKey) *group {
	g, ok := m[key]
	if !ok {
		g = &group{key: key, order: len(m)}
		m[key] = g
	}
	return g
}

// Fallback classifies entries by service and message template and flags
// groups whose FATAL occurrences reach the threshold as Critical issues.
func Fallback(c Criteria, entries []domain.LogEntry) Result {
	res := Result{Mode: ModeFallback}
	threshold := c.Threshold
	if threshold < 1 {
		threshold = DefaultCriteria().Threshold
	}

	groups := make(map[groupKey]*group)
	services := make(map[string]struct{})
	for _, e := range entries {
		services[e.Service] = struct{}{}
		g := ensureGroup(groups, groupKey{service: e.Service, template: Template(e.Message)})
		g.total++
		if e.Level != domain.LevelFatal {
			continue
		}
		g.fatal++
		if g.sample == "" {
			g.sample = e.Message
		}
		if g.firstSeen.IsZero() || e.Timestamp.Before(g.firstSeen) {
			g.firstSeen = e.Timestamp
		}
		if e.Timestamp.After(g.lastSeen) {
			g.lastSeen = e.Timestamp
		}
	}
	res.note(domain.StepReasoning, "Analyzing %d log entries across %d services without the reasoning service.", len(entries), len(services))

	flagged := make([]*group, 0)
	for _, g := range groups {
		if g.fatal >= threshold {
			flagged = append(flagged, g)
		}
	}
	sort.Slice(flagged, func(i, j int) bool {
		if !flagged[i].firstSeen.Equal(flagged[j].firstSeen) {
			return flagged[i].firstSeen.Before(flagged[j].firstSeen)
		}
		return flagged[i].order < flagged[j].order
	})

	for _, g := range flagged {
		issue := domain.Issue{
			Service:   g.key.service,
			IssueType: g.key.template,
			Severity:  domain.SeverityCritical,
			Count:     g.fatal,
			FirstSeen: g.firstSeen,
			LastSeen:  g.lastSeen,
			Level:     domain.LevelFatal,
			Description: fmt.Sprintf("%d FATAL occurrences of %q in %s between %s and %s.",
				g.fatal, g.sample, g.key.service, g.firstSeen.Format(time.RFC3339), g.lastSeen.Format(time.RFC3339)),
		}
		res.note(domain.StepReasoning, "Found %d occurrences of FATAL error in %s", g.fatal, g.key.service)
		res.note(domain.StepReasoning, "Analyzing message pattern: `%s`", g.key.template)
		res.note(domain.StepReasoning, "First occurrence at %s, last at %s", g.firstSeen.Format(time.RFC3339), g.lastSeen.Format(time.RFC3339))
		res.Issues = append(res.Issues, issue)
		res.note(domain.StepIssue, "%s", describe(issue))
	}
	res.note(domain.StepSummary, "Found %d recurring FATAL pattern(s) with at least %d occurrences.", len(res.Issues), threshold)
	return res
}
