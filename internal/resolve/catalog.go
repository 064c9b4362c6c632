package resolve

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"incidentline/internal/config"
	"incidentline/internal/domain"
	"incidentline/internal/runbook"
)

var ErrNoRunbook = errors.New("no runbook configured for ticket")

// Catalog picks the runbook for a ticket from the configured rules. Files
// are read on every lookup so edits apply without a restart.
type Catalog struct {
	dir      string
	rules    []config.RunbookRule
	fallback string
}

// NewCatalog resolves relative runbook paths against dir.
func NewCatalog(dir string, rules []config.RunbookRule, fallback string) *Catalog {
	return &Catalog{dir: dir, rules: rules, fallback: fallback}
}

func CatalogFromConfig(workspace string, cfg *config.Config) *Catalog {
	return NewCatalog(workspace, cfg.Resolution.Runbooks, cfg.Resolution.DefaultRunbook)
}

// For returns the first rule's runbook whose service and issue type match
// the ticket, or the default runbook.
func (c *Catalog) For(t domain.Ticket) (domain.Runbook, error) {
	for _, rule := range c.rules {
		if matches(rule.Service, t.Issue.Service) && matches(rule.IssueType, t.Issue.IssueType) {
			return runbook.Load(c.path(rule.File))
		}
	}
	if c.fallback != "" {
		return runbook.Load(c.path(c.fallback))
	}
	return domain.Runbook{}, fmt.Errorf("%w %s (%s/%s)", ErrNoRunbook, t.ID, t.Issue.Service, t.Issue.IssueType)
}

// Validate parses every referenced runbook.
func (c *Catalog) Validate() error {
	var errs []error
	files := make([]string, 0, len(c.rules)+1)
	for _, rule := range c.rules {
		files = append(files, rule.File)
	}
	if c.fallback != "" {
		files = append(files, c.fallback)
	}
	for _, f := range files {
		if _, err := runbook.Load(c.path(f)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Catalog) path(file string) string {
	if filepath.IsAbs(file) || c.dir == "" {
		return file
	}
	return filepath.Join(c.dir, file)
}

func matches(pattern, value string) bool {
	return pattern == "" || pattern == "*" || strings.EqualFold(pattern, value)
}
