package ticket

import (
	"fmt"
	"strings"

	"incidentline/internal/config"
	"incidentline/internal/domain"
)

// UnknownServiceError reports an owner lookup miss. It is a warning: the
// ticket is still created with the default on-call owner.
type UnknownServiceError struct {
	Service string
	Team    string
}

func (e *UnknownServiceError) Error() string {
	return fmt.Sprintf("no owner registered for service %s; assigned to %s", e.Service, e.Team)
}

// Directory maps services to owners.
type Directory struct {
	Default  domain.Assignee
	Services map[string]domain.Assignee
}

func DirectoryFromConfig(cfg *config.Config) Directory {
	d := Directory{
		Default:  domain.Assignee(cfg.Owners.Default),
		Services: make(map[string]domain.Assignee, len(cfg.Owners.Services)),
	}
	for svc, o := range cfg.Owners.Services {
		d.Services[strings.ToLower(svc)] = domain.Assignee(o)
	}
	return d
}

func (d Directory) Lookup(service string) (domain.Assignee, error) {
	if a, ok := d.Services[strings.ToLower(strings.TrimSpace(service))]; ok {
		return a, nil
	}
	return d.Default, &UnknownServiceError{Service: service, Team: d.Default.Team}
}

// KnowledgeBase is an ordered list of articles matched by substring.
type KnowledgeBase []config.KnowledgeEntry

// Match returns the articles whose match string occurs in the issue type or
// description, case-insensitively.
func (kb KnowledgeBase) Match(issue domain.Issue) []domain.KnowledgeArticle {
	haystack := strings.ToLower(issue.IssueType + "\n" + issue.Description)
	out := []domain.KnowledgeArticle{}
	for _, entry := range kb {
		if entry.Match == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(entry.Match)) {
			out = append(out, domain.KnowledgeArticle{Title: entry.Title, URL: entry.URL})
		}
	}
	return out
}
