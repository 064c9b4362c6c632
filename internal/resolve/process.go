package resolve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"incidentline/internal/domain"
	"incidentline/internal/proc"
	"incidentline/internal/runbook"
)

// frame is one line of the subprocess protocol: step progress lines
// followed by a single outcome line.
type frame struct {
	Step    *domain.StepResult `json:"step,omitempty"`
	Outcome *Outcome           `json:"outcome,omitempty"`
}

// ProcessExecutor runs each runbook in a child process ("il runbook exec"),
// sending the Request as JSON on stdin and reading JSON lines from stdout.
// Cancellation kills the child's process group.
type ProcessExecutor struct {
	Path string
	Args []string
	Env  []string
}

func (p ProcessExecutor) Execute(ctx context.Context, req Request) (Outcome, error) {
	path := p.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return Outcome{}, fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}
	args := p.Args
	if len(args) == 0 {
		args = []string{"runbook", "exec"}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode request: %w", err)
	}

	cmd := proc.Command(ctx, path, args...)
	if len(p.Env) > 0 {
		cmd.Env = append(os.Environ(), p.Env...)
	}
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, err
	}
	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("start %s: %w", path, err)
	}

	var outcome *Outcome
	dec := json.NewDecoder(stdout)
	var decodeErr error
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			if !errors.Is(err, io.EOF) {
				decodeErr = err
				_, _ = io.Copy(io.Discard, stdout)
			}
			break
		}
		if f.Step != nil && req.Progress != nil {
			req.Progress(*f.Step)
		}
		if f.Outcome != nil {
			outcome = f.Outcome
		}
	}
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}
	if outcome == nil {
		cause := waitErr
		if decodeErr != nil {
			cause = decodeErr
		}
		return Outcome{}, fmt.Errorf("runbook process produced no outcome (%v): %s", cause, strings.TrimSpace(stderr.String()))
	}
	outcome.ExitStatus = cmd.ProcessState.ExitCode()
	return *outcome, nil
}

// ServeProcess is the child side of ProcessExecutor. It reads a Request
// from r, runs it in-process and writes frames to w. The returned code is
// the exit status the process should end with.
func ServeProcess(ctx context.Context, r io.Reader, w io.Writer, runner *runbook.Executor) (int, error) {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return 2, fmt.Errorf("decode request: %w", err)
	}
	enc := json.NewEncoder(w)
	req.Progress = func(sr domain.StepResult) {
		_ = enc.Encode(frame{Step: &sr})
	}
	out, err := LocalExecutor{Runner: runner}.Execute(ctx, req)
	if err != nil {
		return 2, err
	}
	if err := enc.Encode(frame{Outcome: &out}); err != nil {
		return 2, err
	}
	return out.ExitStatus, nil
}
