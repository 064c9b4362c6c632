package runbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"incidentline/internal/domain"
	"incidentline/internal/logging"
	"incidentline/internal/metrics"
)

// StepExecutionError reports a step that still failed after its retries.
type StepExecutionError struct {
	Order    int
	Action   string
	Attempts int
	Err      error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %d (%s) failed after %d attempt(s): %v", e.Order, e.Action, e.Attempts, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// ActionOutput is what one attempt of an action produced.
type ActionOutput struct {
	Output    string
	Artifacts []domain.Artifact
}

// ActionFunc performs one attempt of a step. Artifacts are kept even when
// an error is returned.
type ActionFunc func(ctx context.Context, s *Session, step domain.RunbookStep) (ActionOutput, error)

// DefaultActions maps action names to the built-in backends.
func DefaultActions() map[string]ActionFunc {
	return map[string]ActionFunc{
		"go_to":      goTo,
		"search":     search,
		"get_text":   getText,
		"screenshot": screenshot,
		"cli":        runCLI,
		"api":        callAPI,
	}
}

type Hooks struct {
	OnStepStart func(step domain.RunbookStep, attempt int)
	OnStepDone  func(result domain.StepResult)
}

type RunOptions struct {
	// Env is added to the environment of CLI steps.
	Env   map[string]string
	Hooks Hooks
}

// Report is the executor's answer: the structured result and a textual log.
type Report struct {
	Result domain.RunbookResult
	Log    string
}

type Executor struct {
	Actions   map[string]ActionFunc
	Transport http.RoundTripper
	Now       func() time.Time
	Logger    *slog.Logger
}

func NewExecutor(logger *slog.Logger) *Executor {
	return &Executor{
		Actions: DefaultActions(),
		Now:     time.Now,
		Logger:  logging.OrDefault(logger),
	}
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Run executes the steps in order. A step that fails after its retries
// aborts the run; the report still lists every attempted step and every
// artifact collected. Session resources are released before Run returns.
func (e *Executor) Run(ctx context.Context, rb domain.Runbook, opts RunOptions) (Report, error) {
	logger := logging.OrDefault(e.Logger)
	res := domain.RunbookResult{
		Runbook:       rb.Name,
		OverallStatus: domain.OverallSuccess,
		StepResults:   []domain.StepResult{},
		Artifacts:     []domain.Artifact{},
	}
	var log strings.Builder
	fmt.Fprintf(&log, "runbook %s: %d step(s)\n", rb.Name, len(rb.Steps))

	sess, err := NewSession(SessionOptions{Transport: e.Transport, Env: opts.Env})
	if err != nil {
		res.OverallStatus = domain.OverallFailed
		fmt.Fprintf(&log, "session: %v\n", err)
		return Report{Result: res, Log: log.String()}, fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			logger.Warn("runbook session cleanup", slog.Any("error", cerr))
		}
	}()

	for _, step := range rb.Steps {
		sr, arts, stepErr := e.runStep(ctx, sess, step, opts.Hooks)
		res.StepResults = append(res.StepResults, sr)
		res.Artifacts = append(res.Artifacts, arts...)
		fmt.Fprintf(&log, "[%d/%d] %s %s: %s after %d attempt(s)", step.Order, len(rb.Steps), step.Kind, step.Action, sr.Status, sr.Attempts)
		if sr.Error != "" {
			fmt.Fprintf(&log, ": %s", sr.Error)
		}
		log.WriteString("\n")
		if opts.Hooks.OnStepDone != nil {
			opts.Hooks.OnStepDone(sr)
		}
		if stepErr != nil {
			res.OverallStatus = domain.OverallFailed
			fmt.Fprintf(&log, "aborted; %d step(s) not attempted\n", len(rb.Steps)-len(res.StepResults))
			return Report{Result: res, Log: log.String()}, stepErr
		}
	}
	log.WriteString("completed successfully\n")
	return Report{Result: res, Log: log.String()}, nil
}

func (e *Executor) runStep(ctx context.Context, sess *Session, step domain.RunbookStep, hooks Hooks) (domain.StepResult, []domain.Artifact, error) {
	sr := domain.StepResult{
		Order:     step.Order,
		Kind:      step.Kind,
		Action:    step.Action,
		StartedAt: e.now().UTC().Format(time.RFC3339Nano),
	}
	var artifacts []domain.Artifact
	finish := func(err error) (domain.StepResult, []domain.Artifact, error) {
		sr.FinishedAt = e.now().UTC().Format(time.RFC3339Nano)
		if err == nil {
			sr.Status = domain.OverallSuccess
			return sr, artifacts, nil
		}
		sr.Status = domain.OverallFailed
		sr.Error = err.Error()
		return sr, artifacts, &StepExecutionError{Order: step.Order, Action: step.Action, Attempts: sr.Attempts, Err: err}
	}

	action, ok := e.Actions[step.Action]
	if !ok {
		return finish(fmt.Errorf("no backend for action %q", step.Action))
	}
	retries := step.MaxRetries
	if retries < 0 {
		retries = 0
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = defaultTimeouts[step.Kind]
	}

	var lastErr error
	for attempt := 1; attempt <= retries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		sr.Attempts = attempt
		if hooks.OnStepStart != nil {
			hooks.OnStepStart(step, attempt)
		}
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := action(stepCtx, sess, step)
		if err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		cancel()
		for _, a := range out.Artifacts {
			a.Step = step.Order
			artifacts = append(artifacts, a)
		}
		if err == nil {
			metrics.RunbookStepAttempt(string(step.Kind), domain.OverallSuccess)
			sr.Output = out.Output
			return finish(nil)
		}
		metrics.RunbookStepAttempt(string(step.Kind), domain.OverallFailed)
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return finish(lastErr)
}
