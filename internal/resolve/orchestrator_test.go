package resolve_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"incidentline/internal/domain"
	"incidentline/internal/logging"
	"incidentline/internal/resolve"
	"incidentline/internal/ticket"
)

type recordingSink struct {
	mu    sync.Mutex
	steps []domain.ReasoningStep
}

func (s *recordingSink) Emit(_ context.Context, sessionID string, step domain.ReasoningStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
	return nil
}

func (s *recordingSink) find(t domain.StepType, substr string) (domain.ReasoningStep, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.steps {
		if st.Type == t && strings.Contains(st.Content, substr) {
			return st, true
		}
	}
	return domain.ReasoningStep{}, false
}

type execFunc func(ctx context.Context, req resolve.Request) (resolve.Outcome, error)

func (f execFunc) Execute(ctx context.Context, req resolve.Request) (resolve.Outcome, error) {
	return f(ctx, req)
}

func succeeded(log string) resolve.Outcome {
	return resolve.Outcome{Log: log, Result: domain.RunbookResult{OverallStatus: domain.OverallSuccess}}
}

var testRunbook = domain.Runbook{Name: "noop", Steps: []domain.RunbookStep{{Order: 1, Kind: domain.KindCLI, Action: "cli", Params: map[string]string{"command": "true"}}}}

func openTicket(t *testing.T, reg *ticket.Registry, service string) domain.Ticket {
	t.Helper()
	res, err := reg.Create(context.Background(), ticket.CreateRequest{
		Dataset:   "ds",
		SessionID: "sess-1",
		Issue:     domain.Issue{Service: service, IssueType: "OutOfMemoryError", Severity: domain.SeverityCritical, Count: 6},
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return res.Ticket
}

func newOrchestrator(t *testing.T, exec resolve.Executor, workers int, timeout time.Duration) (*resolve.Orchestrator, *ticket.Registry, *recordingSink) {
	t.Helper()
	reg := ticket.New(ticket.Options{Logger: logging.Discard()})
	sink := &recordingSink{}
	o := resolve.New(resolve.Options{
		Tickets:  reg,
		Executor: exec,
		Sink:     sink,
		Workers:  workers,
		Timeout:  timeout,
		Logger:   logging.Discard(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o, reg, sink
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func statusOf(reg *ticket.Registry, id string) domain.TicketStatus {
	tk, _ := reg.Get(id)
	return tk.Status
}

func TestTriggerResolvesOnSuccess(t *testing.T) {
	exec := execFunc(func(ctx context.Context, req resolve.Request) (resolve.Outcome, error) {
		req.Progress(domain.StepResult{Order: 1, Kind: domain.KindCLI, Action: "cli", Status: domain.OverallSuccess, Attempts: 1})
		return succeeded("restarted inventory"), nil
	})
	o, reg, sink := newOrchestrator(t, exec, 1, time.Minute)
	tk := openTicket(t, reg, "inventory-service")

	got, err := o.Trigger(context.Background(), tk.ID, resolve.TriggerOptions{Runbook: &testRunbook})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if got.Status != domain.StatusInProgress || got.Attempts != 1 {
		t.Fatalf("expected InProgress on first attempt, got %+v", got)
	}
	waitFor(t, "resolved", func() bool { return statusOf(reg, tk.ID) == domain.StatusResolved })

	final, _ := reg.Get(tk.ID)
	if final.ResolutionLog != "restarted inventory" {
		t.Fatalf("unexpected resolution log %q", final.ResolutionLog)
	}
	step, ok := sink.find(domain.StepAgentState, tk.ID+" has been resolved")
	if !ok || step.TicketID != tk.ID {
		t.Fatalf("expected agent_state step carrying the ticket id, got %+v", sink.steps)
	}
	if _, ok := sink.find(domain.StepResolutionAgent, "Step 1"); !ok {
		t.Fatalf("expected progress step")
	}
}

func TestFailedRunbookLeavesTicketOpen(t *testing.T) {
	exec := execFunc(func(ctx context.Context, req resolve.Request) (resolve.Outcome, error) {
		return resolve.Outcome{
			Log:        "step 2 failed",
			ExitStatus: 1,
			Result: domain.RunbookResult{
				OverallStatus: domain.OverallFailed,
				StepResults: []domain.StepResult{
					{Order: 1, Action: "go_to", Status: domain.OverallSuccess, Attempts: 1},
					{Order: 2, Action: "cli", Status: domain.OverallFailed, Attempts: 2, Error: "exit status 3: boom"},
				},
			},
		}, nil
	})
	o, reg, sink := newOrchestrator(t, exec, 1, time.Minute)
	tk := openTicket(t, reg, "inventory-service")
	if _, err := o.Trigger(context.Background(), tk.ID, resolve.TriggerOptions{Runbook: &testRunbook}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	waitFor(t, "error step", func() bool {
		_, ok := sink.find(domain.StepError, "boom")
		return ok
	})
	final, _ := reg.Get(tk.ID)
	if final.Status != domain.StatusOpen || final.FailureReason != domain.FailureExecutorFailed {
		t.Fatalf("expected Open/ExecutorFailed, got %s/%s", final.Status, final.FailureReason)
	}
	if _, ok := sink.find(domain.StepAgentState, "has been resolved"); ok {
		t.Fatalf("failed run must not report resolution")
	}

	waitFor(t, "task exit", func() bool { return len(o.Running()) == 0 })
	again, err := o.Trigger(context.Background(), tk.ID, resolve.TriggerOptions{Runbook: &testRunbook})
	if err != nil || again.Attempts != 2 {
		t.Fatalf("expected an explicit second attempt, got %+v / %v", again, err)
	}
}

func TestTimeoutFailsTicketBeforeExecutorStops(t *testing.T) {
	release := make(chan struct{})
	exec := execFunc(func(ctx context.Context, req resolve.Request) (resolve.Outcome, error) {
		<-release
		return succeeded("too late"), nil
	})
	o, reg, sink := newOrchestrator(t, exec, 1, 50*time.Millisecond)
	defer close(release)
	tk := openTicket(t, reg, "inventory-service")
	if _, err := o.Trigger(context.Background(), tk.ID, resolve.TriggerOptions{Runbook: &testRunbook}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	waitFor(t, "failed", func() bool { return statusOf(reg, tk.ID) == domain.StatusFailed })

	final, _ := reg.Get(tk.ID)
	if final.FailureReason != domain.FailureTimeout {
		t.Fatalf("expected Timeout reason, got %q", final.FailureReason)
	}
	if running := o.Running(); len(running) != 1 || running[0] != tk.ID {
		t.Fatalf("stuck executor should still be tracked, got %v", running)
	}
	if _, ok := sink.find(domain.StepError, "timed out"); !ok {
		t.Fatalf("expected timeout step")
	}
}

func TestLateSuccessDoesNotOverrideTimeout(t *testing.T) {
	release := make(chan struct{})
	exec := execFunc(func(ctx context.Context, req resolve.Request) (resolve.Outcome, error) {
		<-release
		return succeeded("late"), nil
	})
	o, reg, _ := newOrchestrator(t, exec, 1, 20*time.Millisecond)
	tk := openTicket(t, reg, "inventory-service")
	if _, err := o.Trigger(context.Background(), tk.ID, resolve.TriggerOptions{Runbook: &testRunbook}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	waitFor(t, "failed", func() bool { return statusOf(reg, tk.ID) == domain.StatusFailed })
	close(release)
	waitFor(t, "task exit", func() bool { return len(o.Running()) == 0 })
	if st := statusOf(reg, tk.ID); st != domain.StatusFailed {
		t.Fatalf("expected Failed to stick, got %s", st)
	}
}

func TestCancelMarksFailedAndStopsExecutor(t *testing.T) {
	started := make(chan struct{})
	stopped := make(chan struct{})
	exec := execFunc(func(ctx context.Context, req resolve.Request) (resolve.Outcome, error) {
		close(started)
		<-ctx.Done()
		close(stopped)
		return resolve.Outcome{}, ctx.Err()
	})
	o, reg, sink := newOrchestrator(t, exec, 1, time.Minute)
	tk := openTicket(t, reg, "inventory-service")
	if _, err := o.Trigger(context.Background(), tk.ID, resolve.TriggerOptions{Runbook: &testRunbook}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("executor never started")
	}
	if err := o.Cancel(tk.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("executor context was not canceled")
	}
	final, _ := reg.Get(tk.ID)
	if final.Status != domain.StatusFailed || final.FailureReason != domain.FailureCanceled {
		t.Fatalf("expected Failed/Canceled, got %s/%s", final.Status, final.FailureReason)
	}
	if _, ok := sink.find(domain.StepError, "canceled"); !ok {
		t.Fatalf("expected cancellation step")
	}
	waitFor(t, "task exit", func() bool { return len(o.Running()) == 0 })
	if err := o.Cancel(tk.ID); !errors.Is(err, resolve.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestCancelWhileQueuedSkipsExecutor(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var invoked []string
	exec := execFunc(func(ctx context.Context, req resolve.Request) (resolve.Outcome, error) {
		mu.Lock()
		invoked = append(invoked, req.TicketID)
		mu.Unlock()
		<-release
		return succeeded("ok"), nil
	})
	o, reg, sink := newOrchestrator(t, exec, 1, time.Minute)
	busy := openTicket(t, reg, "inventory-service")
	queued := openTicket(t, reg, "payment-service")
	if _, err := o.Trigger(context.Background(), busy.ID, resolve.TriggerOptions{Runbook: &testRunbook}); err != nil {
		t.Fatalf("trigger busy: %v", err)
	}
	waitFor(t, "worker busy", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(invoked) == 1
	})
	if _, err := o.Trigger(context.Background(), queued.ID, resolve.TriggerOptions{Runbook: &testRunbook}); err != nil {
		t.Fatalf("trigger queued: %v", err)
	}
	waitFor(t, "waiting step", func() bool {
		st, ok := sink.find(domain.StepAgentState, "Waiting for a free resolution worker")
		return ok && st.TicketID == queued.ID
	})
	if err := o.Cancel(queued.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitFor(t, "queued task exit", func() bool { return len(o.Running()) == 1 })
	final, _ := reg.Get(queued.ID)
	if final.Status != domain.StatusFailed || final.FailureReason != domain.FailureCanceled {
		t.Fatalf("expected Failed/Canceled, got %s/%s", final.Status, final.FailureReason)
	}

	close(release)
	waitFor(t, "busy resolved", func() bool { return statusOf(reg, busy.ID) == domain.StatusResolved })
	mu.Lock()
	defer mu.Unlock()
	if len(invoked) != 1 || invoked[0] != busy.ID {
		t.Fatalf("queued ticket must never reach the executor, invoked %v", invoked)
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	release := make(chan struct{})
	exec := execFunc(func(ctx context.Context, req resolve.Request) (resolve.Outcome, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		active.Add(-1)
		return succeeded("ok"), nil
	})
	o, reg, _ := newOrchestrator(t, exec, 2, time.Minute)
	var ids []string
	for i := 0; i < 5; i++ {
		tk := openTicket(t, reg, fmt.Sprintf("svc-%d", i))
		if _, err := o.Trigger(context.Background(), tk.ID, resolve.TriggerOptions{Runbook: &testRunbook}); err != nil {
			t.Fatalf("trigger %d: %v", i, err)
		}
		ids = append(ids, tk.ID)
	}
	waitFor(t, "two workers busy", func() bool { return active.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	if p := peak.Load(); p != 2 {
		t.Fatalf("expected peak concurrency 2, got %d", p)
	}
	close(release)
	for _, id := range ids {
		id := id
		waitFor(t, id+" resolved", func() bool { return statusOf(reg, id) == domain.StatusResolved })
	}
}

func TestTriggerRejectsDuplicatesAndTerminalTickets(t *testing.T) {
	release := make(chan struct{})
	exec := execFunc(func(ctx context.Context, req resolve.Request) (resolve.Outcome, error) {
		<-release
		return succeeded("ok"), nil
	})
	o, reg, _ := newOrchestrator(t, exec, 1, time.Minute)
	tk := openTicket(t, reg, "inventory-service")
	if _, err := o.Trigger(context.Background(), tk.ID, resolve.TriggerOptions{Runbook: &testRunbook}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if _, err := o.Trigger(context.Background(), tk.ID, resolve.TriggerOptions{Runbook: &testRunbook}); !errors.Is(err, resolve.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	close(release)
	waitFor(t, "resolved", func() bool { return statusOf(reg, tk.ID) == domain.StatusResolved })
	waitFor(t, "task exit", func() bool { return len(o.Running()) == 0 })
	if _, err := o.Trigger(context.Background(), tk.ID, resolve.TriggerOptions{Runbook: &testRunbook}); !errors.Is(err, ticket.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := o.Trigger(context.Background(), "TICKET-MISSING", resolve.TriggerOptions{Runbook: &testRunbook}); !errors.Is(err, ticket.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestShutdownCancelsRunningTasks(t *testing.T) {
	exec := execFunc(func(ctx context.Context, req resolve.Request) (resolve.Outcome, error) {
		<-ctx.Done()
		return resolve.Outcome{}, ctx.Err()
	})
	o, reg, _ := newOrchestrator(t, exec, 1, time.Minute)
	tk := openTicket(t, reg, "inventory-service")
	if _, err := o.Trigger(context.Background(), tk.ID, resolve.TriggerOptions{Runbook: &testRunbook}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	final, _ := reg.Get(tk.ID)
	if final.Status != domain.StatusFailed || final.FailureReason != domain.FailureCanceled {
		t.Fatalf("expected Failed/Canceled, got %s/%s", final.Status, final.FailureReason)
	}
	other := openTicket(t, reg, "payment-service")
	if _, err := o.Trigger(context.Background(), other.ID, resolve.TriggerOptions{Runbook: &testRunbook}); !errors.Is(err, resolve.ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
}
