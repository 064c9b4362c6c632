package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"incidentline/internal/aggregate"
	"incidentline/internal/domain"
	"incidentline/internal/reasoning"
	"incidentline/internal/resolve"
	"incidentline/internal/stream"
	"incidentline/internal/ticket"
)

// narrator writes the analysis narrative through the session's lease. Once
// the session is closed further steps are dropped.
type narrator struct {
	w       *stream.Writer
	session string
	logger  *slog.Logger
	closed  bool
}

func (n *narrator) append(step domain.ReasoningStep) {
	if n.closed {
		return
	}
	if _, _, err := n.w.Append(step); err != nil {
		if errors.Is(err, stream.ErrSessionClosed) {
			n.closed = true
		}
		n.logger.Warn("analysis step dropped", slog.String("session", n.session), slog.Any("error", err))
	}
}

func (n *narrator) say(t domain.StepType, format string, args ...any) {
	n.append(domain.ReasoningStep{Type: t, Content: fmt.Sprintf(format, args...)})
}

func (n *narrator) warn(format string, args ...any) {
	n.say(domain.StepError, "Warning: "+format, args...)
}

func (e *Engine) analyze(ctx context.Context, info SessionInfo, w *stream.Writer, entries []domain.LogEntry, autoResolve bool) {
	n := &narrator{w: w, session: info.ID, logger: e.Logger}
	n.say(domain.StepSummary, "Received %d log entries from %d service(s) for dataset `%s`.", len(entries), countServices(entries), info.Dataset)

	var res *aggregate.Result
	switch {
	case info.Mode == aggregate.ModeFallback:
	case e.Reasoner == nil:
		if info.Mode == aggregate.ModePassThrough {
			n.warn("no reasoning collaborator is configured; using deterministic fallback analysis")
		}
	default:
		r, err := e.passThrough(ctx, n, entries)
		if err != nil {
			if !reasoning.IsTransport(err) && ctx.Err() != nil {
				return
			}
			n.warn("reasoning collaborator unavailable (%v); switching to deterministic fallback analysis", err)
			e.Logger.Warn("reasoning fallback", slog.String("session", info.ID), slog.Any("error", err))
		} else {
			res = &r
		}
	}
	if res == nil {
		r := aggregate.Fallback(e.Criteria, entries)
		res = &r
	}
	recordMode(res.Mode)
	if e.Repo != nil {
		if err := e.Repo.SetSessionMode(ctx, info.ID, string(res.Mode)); err != nil {
			e.Logger.Warn("record session mode failed", slog.String("session", info.ID), slog.Any("error", err))
		}
	}
	for _, note := range res.Notes {
		n.say(note.Type, "%s", note.Content)
	}

	created := 0
	for _, issue := range res.Issues {
		cr, err := e.Tickets.Create(ctx, ticket.CreateRequest{Dataset: info.Dataset, SessionID: info.ID, Issue: issue})
		if err != nil {
			n.warn("could not open a ticket for %s in %s: %v", issue.IssueType, issue.Service, err)
			continue
		}
		tk := cr.Ticket
		if cr.Warning != nil {
			n.append(domain.ReasoningStep{Type: domain.StepError, Content: "Warning: " + cr.Warning.Error(), TicketID: tk.ID})
		}
		if !cr.Created {
			n.append(domain.ReasoningStep{
				Type:     domain.StepReasoning,
				Content:  fmt.Sprintf("%s already tracks %s in %s (status %s); no new ticket.", tk.ID, issue.IssueType, issue.Service, tk.Status),
				TicketID: tk.ID,
			})
			continue
		}
		created++
		n.append(domain.ReasoningStep{
			Type:     domain.StepAgentAction,
			Content:  fmt.Sprintf("Created %s (%s) \"%s\", assigned to %s (%s).", tk.ID, tk.Priority, tk.Title, tk.AssignedTo.Name, tk.AssignedTo.Team),
			TicketID: tk.ID,
		})
		if autoResolve {
			if _, err := e.Resolver.Trigger(ctx, tk.ID, resolve.TriggerOptions{}); err != nil {
				n.append(domain.ReasoningStep{Type: domain.StepError, Content: fmt.Sprintf("Automatic resolution of %s not started: %v", tk.ID, err), TicketID: tk.ID})
			}
		}
	}
	n.say(domain.StepSummary, "Analysis complete in %s mode: %d qualifying issue(s), %d new ticket(s).", res.Mode, len(res.Issues), created)
	e.Logger.Info("analysis finished", slog.String("session", info.ID), slog.String("mode", string(res.Mode)), slog.Int("issues", len(res.Issues)), slog.Int("created", created))
}

// passThrough relays the collaborator's narrative and validates its issues.
func (e *Engine) passThrough(ctx context.Context, n *narrator, entries []domain.LogEntry) (aggregate.Result, error) {
	s, err := e.Reasoner.Analyze(ctx, entries, e.Config.Reasoning.Instruction)
	if err != nil {
		return aggregate.Result{}, err
	}
	for ev := range s.Events() {
		n.append(domain.ReasoningStep{Timestamp: ev.Timestamp, Type: collaboratorStepType(ev.Type), Content: ev.Content})
	}
	if err := s.Err(); err != nil {
		return aggregate.Result{}, err
	}
	return aggregate.PassThrough(e.Criteria, s.Issues()), nil
}

func collaboratorStepType(t domain.StepType) domain.StepType {
	switch t {
	case domain.StepSummary, domain.StepReasoning, domain.StepIssue, domain.StepError:
		return t
	default:
		return domain.StepReasoning
	}
}

func countServices(entries []domain.LogEntry) int {
	seen := make(map[string]struct{})
	for _, e := range entries {
		seen[e.Service] = struct{}{}
	}
	return len(seen)
}
