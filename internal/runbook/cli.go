package runbook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"incidentline/internal/domain"
	"incidentline/internal/proc"
)

func runCLI(ctx context.Context, s *Session, step domain.RunbookStep) (ActionOutput, error) {
	command := step.Params["command"]
	cmd := proc.Shell(ctx, command)
	cmd.Dir = s.dir
	if d := step.Params["dir"]; d != "" {
		cmd.Dir = d
	}
	cmd.Env = append(os.Environ(), s.env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	var arts []domain.Artifact
	if stdout.Len() > 0 {
		arts = append(arts, domain.Artifact{Kind: domain.ArtifactOutput, Name: "stdout", Content: truncate(stdout.String())})
	}
	if stderr.Len() > 0 {
		arts = append(arts, domain.Artifact{Kind: domain.ArtifactStderr, Name: "stderr", Content: truncate(stderr.String())})
	}
	out := ActionOutput{Output: strings.TrimSpace(stdout.String()), Artifacts: arts}
	if runErr == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return out, fmt.Errorf("%s: %w", command, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		msg := fmt.Sprintf("exit status %d", exitErr.ExitCode())
		if last := lastLine(stderr.String()); last != "" {
			msg += ": " + last
		}
		return out, errors.New(msg)
	}
	return out, runErr
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
