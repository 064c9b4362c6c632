package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"incidentline/internal/domain"
	"incidentline/internal/logging"
	"incidentline/internal/metrics"
	"incidentline/internal/ticket"
)

var (
	ErrTimeout        = errors.New("resolution timed out")
	ErrCanceled       = errors.New("resolution canceled")
	ErrShutdown       = errors.New("orchestrator shut down")
	ErrAlreadyRunning = errors.New("resolution already running")
	ErrNotRunning     = errors.New("no resolution running")
)

// Tickets is the part of the ticket registry the orchestrator mutates.
type Tickets interface {
	Get(id string) (domain.Ticket, error)
	Update(ctx context.Context, id string, req ticket.UpdateRequest) (domain.Ticket, error)
}

// Sink receives the narrative of a resolution, keyed by the session the
// ticket came from.
type Sink interface {
	Emit(ctx context.Context, sessionID string, step domain.ReasoningStep) error
}

type SinkFunc func(ctx context.Context, sessionID string, step domain.ReasoningStep) error

func (f SinkFunc) Emit(ctx context.Context, sessionID string, step domain.ReasoningStep) error {
	return f(ctx, sessionID, step)
}

type Options struct {
	Tickets  Tickets
	Executor Executor
	Catalog  *Catalog
	Sink     Sink
	Workers  int
	Timeout  time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

type Orchestrator struct {
	tickets  Tickets
	executor Executor
	catalog  *Catalog
	sink     Sink
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
	sem      *semaphore.Weighted
	workers  int

	base     context.Context
	stopBase context.CancelCauseFunc

	mu      sync.Mutex
	running map[string]*task
	closed  bool
	wg      sync.WaitGroup
}

type task struct {
	ticketID  string
	sessionID string
	runbook   string
	started   time.Time
	cancel    context.CancelCauseFunc
	finished  atomic.Bool
	once      sync.Once
}

func New(opts Options) *Orchestrator {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	exec := opts.Executor
	if exec == nil {
		exec = LocalExecutor{}
	}
	base, stop := context.WithCancelCause(context.Background())
	return &Orchestrator{
		tickets:  opts.Tickets,
		executor: exec,
		catalog:  opts.Catalog,
		sink:     opts.Sink,
		timeout:  timeout,
		now:      now,
		logger:   logging.OrDefault(opts.Logger),
		sem:      semaphore.NewWeighted(int64(workers)),
		workers:  workers,
		base:     base,
		stopBase: stop,
		running:  make(map[string]*task),
	}
}

type TriggerOptions struct {
	// Runbook overrides the catalog.
	Runbook *domain.Runbook
	Env     map[string]string
}

// Trigger moves an Open ticket to InProgress and starts its remediation in
// the background. The returned ticket is the InProgress snapshot.
func (o *Orchestrator) Trigger(ctx context.Context, ticketID string, opts TriggerOptions) (domain.Ticket, error) {
	t, err := o.tickets.Get(ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	var rb domain.Runbook
	switch {
	case opts.Runbook != nil:
		rb = *opts.Runbook
	case o.catalog != nil:
		if rb, err = o.catalog.For(t); err != nil {
			return domain.Ticket{}, err
		}
	default:
		return domain.Ticket{}, fmt.Errorf("%w %s", ErrNoRunbook, ticketID)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return domain.Ticket{}, ErrShutdown
	}
	if _, busy := o.running[ticketID]; busy {
		return domain.Ticket{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, ticketID)
	}
	t, err = o.tickets.Update(ctx, ticketID, ticket.UpdateRequest{Status: domain.StatusInProgress})
	if err != nil {
		return domain.Ticket{}, err
	}
	taskCtx, cancel := context.WithCancelCause(o.base)
	tk := &task{
		ticketID:  t.ID,
		sessionID: t.SessionID,
		runbook:   rb.Name,
		started:   o.now(),
		cancel:    cancel,
	}
	o.running[t.ID] = tk
	o.wg.Add(1)
	go o.run(taskCtx, tk, rb, opts.Env)
	o.logger.Info("resolution triggered", slog.String("ticket", t.ID), slog.String("runbook", rb.Name), slog.Int("attempt", t.Attempts))
	return t, nil
}

func (o *Orchestrator) run(ctx context.Context, tk *task, rb domain.Runbook, env map[string]string) {
	defer o.wg.Done()
	defer func() {
		tk.cancel(nil)
		o.mu.Lock()
		delete(o.running, tk.ticketID)
		o.mu.Unlock()
	}()

	o.emit(tk, domain.StepAgentAction, fmt.Sprintf("Starting resolution of %s with runbook %s (%d steps)", tk.ticketID, rb.Name, len(rb.Steps)))
	if !o.sem.TryAcquire(1) {
		o.emit(tk, domain.StepAgentState, fmt.Sprintf("Waiting for a free resolution worker (%d in use)", o.workers))
		if err := o.sem.Acquire(ctx, 1); err != nil {
			o.finishInterrupted(tk, ctx)
			return
		}
	}
	defer o.sem.Release(1)
	if ctx.Err() != nil {
		o.finishInterrupted(tk, ctx)
		return
	}

	// The budget covers execution only; queueing time is visible through
	// the waiting step above.
	timer := time.AfterFunc(o.timeout, func() {
		o.finish(tk, verdict{outcome: metrics.OutcomeTimeout})
		tk.cancel(ErrTimeout)
	})
	defer timer.Stop()

	merged := map[string]string{
		"INCIDENTLINE_TICKET_ID": tk.ticketID,
		"INCIDENTLINE_SESSION":   tk.sessionID,
	}
	for k, v := range env {
		merged[k] = v
	}
	out, err := o.executor.Execute(ctx, Request{
		TicketID: tk.ticketID,
		Runbook:  rb,
		Env:      merged,
		Progress: func(sr domain.StepResult) { o.progress(tk, sr) },
	})
	switch {
	case ctx.Err() != nil:
		o.finishInterrupted(tk, ctx)
	case err != nil:
		o.finish(tk, verdict{outcome: metrics.OutcomeFailed, detail: err.Error(), log: out.Log})
	case out.Succeeded():
		o.finish(tk, verdict{outcome: metrics.OutcomeResolved, log: out.Log})
	default:
		o.finish(tk, verdict{outcome: metrics.OutcomeFailed, detail: failureDetail(out), log: out.Log})
	}
}

func (o *Orchestrator) finishInterrupted(tk *task, ctx context.Context) {
	if errors.Is(context.Cause(ctx), ErrTimeout) {
		o.finish(tk, verdict{outcome: metrics.OutcomeTimeout})
		return
	}
	o.finish(tk, verdict{outcome: metrics.OutcomeCanceled, detail: causeText(ctx)})
}

type verdict struct {
	outcome string
	detail  string
	log     string
}

// finish records the terminal state of a task exactly once, whichever of
// completion, timeout or cancellation gets there first.
func (o *Orchestrator) finish(tk *task, v verdict) {
	tk.once.Do(func() {
		tk.finished.Store(true)
		elapsed := o.now().Sub(tk.started)
		metrics.ObserveResolution(elapsed, v.outcome)

		var req ticket.UpdateRequest
		var step domain.StepType
		var content string
		switch v.outcome {
		case metrics.OutcomeResolved:
			req = ticket.UpdateRequest{Status: domain.StatusResolved, ResolutionLog: v.log}
			step, content = domain.StepAgentState, tk.ticketID+" has been resolved"
		case metrics.OutcomeTimeout:
			req = ticket.UpdateRequest{Status: domain.StatusFailed, FailureReason: domain.FailureTimeout, ResolutionLog: v.log}
			step, content = domain.StepError, fmt.Sprintf("Resolution of %s timed out after %s", tk.ticketID, o.timeout)
		case metrics.OutcomeCanceled:
			req = ticket.UpdateRequest{Status: domain.StatusFailed, FailureReason: domain.FailureCanceled, ResolutionLog: v.log}
			step, content = domain.StepError, fmt.Sprintf("Resolution of %s was canceled: %s", tk.ticketID, v.detail)
		default:
			req = ticket.UpdateRequest{Status: domain.StatusOpen, FailureReason: domain.FailureExecutorFailed, ResolutionLog: v.log}
			step, content = domain.StepError, fmt.Sprintf("Resolution of %s failed: %s", tk.ticketID, v.detail)
		}
		if _, err := o.tickets.Update(context.Background(), tk.ticketID, req); err != nil {
			o.logger.Error("ticket update failed", slog.String("ticket", tk.ticketID), slog.String("outcome", v.outcome), slog.Any("error", err))
		}
		o.emitStep(tk, domain.ReasoningStep{Type: step, Content: content, TicketID: tk.ticketID})
		o.logger.Info("resolution finished", slog.String("ticket", tk.ticketID), slog.String("outcome", v.outcome), slog.Duration("elapsed", elapsed))
	})
}

func (o *Orchestrator) progress(tk *task, sr domain.StepResult) {
	if tk.finished.Load() {
		return
	}
	content := fmt.Sprintf("Step %d (%s %s): %s after %d attempt(s)", sr.Order, sr.Kind, sr.Action, sr.Status, sr.Attempts)
	if sr.Error != "" {
		content += ": " + sr.Error
	}
	o.emit(tk, domain.StepResolutionAgent, content)
}

func (o *Orchestrator) emit(tk *task, t domain.StepType, content string) {
	o.emitStep(tk, domain.ReasoningStep{Type: t, Content: content, TicketID: tk.ticketID})
}

func (o *Orchestrator) emitStep(tk *task, step domain.ReasoningStep) {
	if o.sink == nil || tk.sessionID == "" {
		return
	}
	step.Timestamp = o.now().UTC()
	if err := o.sink.Emit(context.Background(), tk.sessionID, step); err != nil {
		o.logger.Warn("resolution step dropped", slog.String("ticket", tk.ticketID), slog.String("session", tk.sessionID), slog.Any("error", err))
	}
}

// Cancel stops a running resolution. The ticket is marked Failed with
// reason Canceled before the executor has necessarily stopped.
func (o *Orchestrator) Cancel(ticketID string) error {
	o.mu.Lock()
	tk, ok := o.running[ticketID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, ticketID)
	}
	o.finish(tk, verdict{outcome: metrics.OutcomeCanceled, detail: "canceled by operator"})
	tk.cancel(ErrCanceled)
	return nil
}

// Running lists tickets whose executor has not returned yet.
func (o *Orchestrator) Running() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.running))
	for id := range o.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown rejects new triggers, cancels every running task and waits for
// the executors to return or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	tasks := make([]*task, 0, len(o.running))
	for _, tk := range o.running {
		tasks = append(tasks, tk)
	}
	o.mu.Unlock()
	for _, tk := range tasks {
		o.finish(tk, verdict{outcome: metrics.OutcomeCanceled, detail: "shutting down"})
	}
	o.stopBase(ErrShutdown)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d resolution(s): %w", len(o.Running()), ctx.Err())
	}
}

func failureDetail(out Outcome) string {
	for _, sr := range out.Result.StepResults {
		if sr.Status == domain.OverallFailed {
			return fmt.Sprintf("step %d (%s) failed after %d attempt(s): %s", sr.Order, sr.Action, sr.Attempts, sr.Error)
		}
	}
	return fmt.Sprintf("runbook ended with status %s (exit %d)", out.Result.OverallStatus, out.ExitStatus)
}

func causeText(ctx context.Context) string {
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, ErrShutdown):
		return "shutting down"
	case errors.Is(cause, ErrCanceled):
		return "canceled by operator"
	case cause != nil:
		return cause.Error()
	default:
		return "canceled"
	}
}
