// Package resolve drives remediation of tickets through a runbook executor.
package resolve

import (
	"context"
	"errors"

	"incidentline/internal/domain"
	"incidentline/internal/runbook"
)

// Request is the input contract of an Executor.
type Request struct {
	TicketID string            `json:"ticket_id"`
	Runbook  domain.Runbook    `json:"runbook"`
	Env      map[string]string `json:"env,omitempty"`
	// Progress, when set, receives each finished step.
	Progress func(domain.StepResult) `json:"-"`
}

// Outcome is the output contract of an Executor.
type Outcome struct {
	Result     domain.RunbookResult `json:"result"`
	Log        string               `json:"log"`
	ExitStatus int                  `json:"exit_status"`
}

func (o Outcome) Succeeded() bool {
	return o.Result.OverallStatus == domain.OverallSuccess
}

// Executor runs a runbook for one ticket. A failed runbook is reported in
// the Outcome; an error means the executor itself could not produce one.
// Implementations must stop and release their resources when ctx is done.
type Executor interface {
	Execute(ctx context.Context, req Request) (Outcome, error)
}

// LocalExecutor runs runbooks in-process.
type LocalExecutor struct {
	Runner *runbook.Executor
}

func (l LocalExecutor) Execute(ctx context.Context, req Request) (Outcome, error) {
	runner := l.Runner
	if runner == nil {
		runner = runbook.NewExecutor(nil)
	}
	opts := runbook.RunOptions{Env: req.Env}
	if req.Progress != nil {
		opts.Hooks.OnStepDone = req.Progress
	}
	report, err := runner.Run(ctx, req.Runbook, opts)
	out := Outcome{Result: report.Result, Log: report.Log}
	if !out.Succeeded() {
		out.ExitStatus = 1
	}
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		var stepErr *runbook.StepExecutionError
		if !errors.As(err, &stepErr) {
			return out, err
		}
	}
	return out, nil
}
