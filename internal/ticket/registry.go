// Package ticket holds the ticket registry: the only place ticket state is
// created or mutated.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"incidentline/internal/aggregate"
	"incidentline/internal/domain"
	"incidentline/internal/events"
	"incidentline/internal/logging"
	"incidentline/internal/metrics"
)

var (
	ErrNotFound      = errors.New("ticket not found")
	ErrNotQualifying = errors.New("issue does not qualify for a ticket")
)

// Store persists ticket snapshots. Writes are best-effort.
type Store interface {
	SaveTicket(ctx context.Context, t domain.Ticket, evtType string, payload events.Payload) error
	LoadTickets(ctx context.Context) ([]domain.Ticket, error)
}

// Fingerprint is the idempotence key of a ticket.
type Fingerprint struct {
	Dataset   string
	Service   string
	IssueType string
}

func FingerprintOf(dataset string, issue domain.Issue) Fingerprint {
	return Fingerprint{
		Dataset:   dataset,
		Service:   strings.TrimSpace(issue.Service),
		IssueType: strings.TrimSpace(issue.IssueType),
	}
}

type Options struct {
	Store     Store
	Directory Directory
	Knowledge KnowledgeBase
	Criteria  aggregate.Criteria
	Now       func() time.Time
	Logger    *slog.Logger
}

type Registry struct {
	store     Store
	directory Directory
	knowledge KnowledgeBase
	criteria  aggregate.Criteria
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.RWMutex
	tickets map[string]*domain.Ticket
	byPrint map[Fingerprint]string
	order   []string
}

func New(opts Options) *Registry {
	r := &Registry{
		store:     opts.Store,
		directory: opts.Directory,
		knowledge: opts.Knowledge,
		criteria:  opts.Criteria,
		now:       opts.Now,
		logger:    logging.OrDefault(opts.Logger),
		tickets:   make(map[string]*domain.Ticket),
		byPrint:   make(map[Fingerprint]string),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.criteria.Threshold == 0 && len(r.criteria.Severities) == 0 {
		r.criteria = aggregate.DefaultCriteria()
	}
	return r
}

// Load replaces in-memory state with the store's last snapshot. A registry
// without a store starts empty.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	stored, err := r.store.LoadTickets(ctx)
	if err != nil {
		return fmt.Errorf("load tickets: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickets = make(map[string]*domain.Ticket, len(stored))
	r.byPrint = make(map[Fingerprint]string, len(stored))
	r.order = r.order[:0]
	for i := range stored {
		t := stored[i]
		r.tickets[t.ID] = &t
		r.byPrint[FingerprintOf(t.Dataset, t.Issue)] = t.ID
		r.order = append(r.order, t.ID)
	}
	return nil
}

type CreateRequest struct {
	Dataset   string
	SessionID string
	Issue     domain.Issue
}

type CreateResult struct {
	Ticket  domain.Ticket
	Created bool
	// Warning is non-nil when the ticket was created with a fallback owner.
	Warning error
}

// Create opens a ticket for a qualifying issue. A second call for the same
// fingerprint returns the existing ticket with Created=false.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	issue := req.Issue
	issue.Severity = domain.NormalizeSeverity(issue.Severity)
	if !r.criteria.Qualifies(issue) {
		return CreateResult{}, fmt.Errorf("%w: %s %s in %s with %d occurrences", ErrNotQualifying, issue.Severity, issue.IssueType, issue.Service, issue.Count)
	}
	fp := FingerprintOf(req.Dataset, issue)

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byPrint[fp]; ok {
		return CreateResult{Ticket: clone(r.tickets[id])}, nil
	}

	assignee, warn := r.directory.Lookup(issue.Service)
	now := r.now().UTC().Format(time.RFC3339)
	t := &domain.Ticket{
		ID:            r.newIDLocked(),
		Dataset:       req.Dataset,
		SessionID:     req.SessionID,
		Title:         fmt.Sprintf("%s %s in %s", issue.Severity, issue.IssueType, issue.Service),
		Description:   describe(issue),
		Priority:      PriorityFor(issue),
		Status:        domain.StatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
		Issue:         issue,
		AssignedTo:    assignee,
		KnowledgeBase: r.knowledge.Match(issue),
	}
	r.tickets[t.ID] = t
	r.byPrint[fp] = t.ID
	r.order = append(r.order, t.ID)
	metrics.TicketCreated(string(t.Priority))
	r.persistLocked(ctx, t, events.TicketCreated, events.Payload{
		"priority":   t.Priority,
		"service":    issue.Service,
		"issue_type": issue.IssueType,
		"assignee":   assignee.ID,
	})
	r.logger.Info("ticket created", slog.String("ticket", t.ID), slog.String("priority", string(t.Priority)), slog.String("service", issue.Service))
	return CreateResult{Ticket: clone(t), Created: true, Warning: warn}, nil
}

func (r *Registry) newIDLocked() string {
	for {
		id := "TICKET-" + strings.ToUpper(uuid.NewString()[:8])
		if _, taken := r.tickets[id]; !taken {
			return id
		}
	}
}

type UpdateRequest struct {
	Status        domain.TicketStatus
	ResolutionLog string
	FailureReason string
}

// Update moves a ticket to a new status. Transitions outside the lifecycle
// table are rejected with ErrInvalidTransition.
func (r *Registry) Update(ctx context.Context, id string, req UpdateRequest) (domain.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[id]
	if !ok {
		return domain.Ticket{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	from := t.Status
	if err := ValidateTransition(from, req.Status); err != nil {
		return domain.Ticket{}, fmt.Errorf("ticket %s: %w", id, err)
	}
	t.Status = req.Status
	t.UpdatedAt = r.now().UTC().Format(time.RFC3339)
	if req.Status == domain.StatusInProgress {
		t.Attempts++
		t.FailureReason = ""
	}
	if req.ResolutionLog != "" {
		t.ResolutionLog = req.ResolutionLog
	}
	if req.FailureReason != "" {
		t.FailureReason = req.FailureReason
	}
	payload := events.Payload{"from": from, "to": req.Status, "attempt": t.Attempts}
	if t.FailureReason != "" {
		payload["failure_reason"] = t.FailureReason
	}
	evtType := events.TicketStatus
	if req.Status == domain.StatusInProgress {
		evtType = events.TicketAttempt
	}
	r.persistLocked(ctx, t, evtType, payload)
	return clone(t), nil
}

func (r *Registry) persistLocked(ctx context.Context, t *domain.Ticket, evtType string, payload events.Payload) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveTicket(ctx, *t, evtType, payload); err != nil {
		metrics.SnapshotFailed()
		r.logger.Warn("ticket snapshot failed", slog.String("ticket", t.ID), slog.Any("error", err))
	}
}

func (r *Registry) Get(id string) (domain.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tickets[id]
	if !ok {
		return domain.Ticket{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clone(t), nil
}

// Lookup returns the ticket for a fingerprint, if any.
func (r *Registry) Lookup(fp Fingerprint) (domain.Ticket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPrint[fp]
	if !ok {
		return domain.Ticket{}, false
	}
	return clone(r.tickets[id]), true
}

type Filter struct {
	Status    domain.TicketStatus
	Dataset   string
	SessionID string
}

func (f Filter) match(t *domain.Ticket) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Dataset != "" && t.Dataset != f.Dataset {
		return false
	}
	if f.SessionID != "" && t.SessionID != f.SessionID {
		return false
	}
	return true
}

// List returns matching tickets in creation order.
func (r *Registry) List(f Filter) []domain.Ticket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Ticket, 0, len(r.order))
	for _, id := range r.order {
		t := r.tickets[id]
		if f.match(t) {
			out = append(out, clone(t))
		}
	}
	return out
}

// Counts returns the number of tickets per status.
func (r *Registry) Counts() map[domain.TicketStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.TicketStatus]int)
	for _, t := range r.tickets {
		out[t.Status]++
	}
	return out
}

func clone(t *domain.Ticket) domain.Ticket {
	out := *t
	if t.KnowledgeBase != nil {
		out.KnowledgeBase = append([]domain.KnowledgeArticle(nil), t.KnowledgeBase...)
	}
	return out
}

func describe(issue domain.Issue) string {
	var b strings.Builder
	b.WriteString(issue.Description)
	fmt.Fprintf(&b, "\n\nOccurrences: %d", issue.Count)
	if !issue.FirstSeen.IsZero() {
		fmt.Fprintf(&b, "\nFirst seen: %s", issue.FirstSeen.UTC().Format(time.RFC3339))
	}
	if !issue.LastSeen.IsZero() {
		fmt.Fprintf(&b, "\nLast seen: %s", issue.LastSeen.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// PriorityFor maps severity to priority. Issues backed by FATAL log entries
// rank as Fatal regardless of the reported severity.
func PriorityFor(issue domain.Issue) domain.Priority {
	sev := domain.NormalizeSeverity(issue.Severity)
	if issue.Level == domain.LevelFatal {
		sev = domain.SeverityFatal
	}
	switch sev {
	case domain.SeverityFatal:
		return domain.PriorityP0
	case domain.SeverityCritical:
		return domain.PriorityP1
	case domain.SeverityHigh:
		return domain.PriorityP2
	default:
		return domain.PriorityP3
	}
}

// SortByPriority orders tickets P0 first, then by creation time.
func SortByPriority(items []domain.Ticket) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority < items[j].Priority
		}
		return items[i].CreatedAt < items[j].CreatedAt
	})
}
