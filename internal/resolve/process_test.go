package resolve_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"incidentline/internal/config"
	"incidentline/internal/domain"
	"incidentline/internal/logging"
	"incidentline/internal/resolve"
	"incidentline/internal/runbook"
)

func TestHelperProcess(t *testing.T) {
	if os.Getenv("INCIDENTLINE_HELPER_PROCESS") != "1" {
		return
	}
	code, err := resolve.ServeProcess(context.Background(), os.Stdin, os.Stdout, runbook.NewExecutor(logging.Discard()))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(code)
}

func cliRunbook(t *testing.T, commands ...string) domain.Runbook {
	t.Helper()
	rb := domain.Runbook{Name: "cli"}
	for i, c := range commands {
		step, err := runbook.NewStep("cli", map[string]string{"command": c, "retries": "0"})
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		step.Order = i + 1
		rb.Steps = append(rb.Steps, step)
	}
	return rb
}

func TestProcessExecutorStreamsProgressAndOutcome(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	exec := resolve.ProcessExecutor{
		Path: os.Args[0],
		Args: []string{"-test.run=^TestHelperProcess$"},
		Env:  []string{"INCIDENTLINE_HELPER_PROCESS=1"},
	}
	var progress []domain.StepResult
	out, err := exec.Execute(context.Background(), resolve.Request{
		TicketID: "TICKET-1",
		Runbook:  cliRunbook(t, "echo $GREETING", "exit 4"),
		Env:      map[string]string{"GREETING": "hello"},
		Progress: func(sr domain.StepResult) { progress = append(progress, sr) },
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.ExitStatus != 1 || out.Succeeded() {
		t.Fatalf("expected failed outcome with exit 1, got %+v", out)
	}
	if len(progress) != 2 || progress[0].Status != domain.OverallSuccess || progress[1].Status != domain.OverallFailed {
		t.Fatalf("unexpected progress: %+v", progress)
	}
	found := false
	for _, a := range out.Result.Artifacts {
		if a.Kind == domain.ArtifactOutput && strings.TrimSpace(a.Content) == "hello" {
			found = true
		}
	}
	if !found {
		t.Fatalf("stdout artifact missing: %+v", out.Result.Artifacts)
	}
}

func TestServeProcessRejectsGarbage(t *testing.T) {
	var buf bytes.Buffer
	code, err := resolve.ServeProcess(context.Background(), strings.NewReader("not json"), &buf, nil)
	if err == nil || code != 2 {
		t.Fatalf("expected decode failure with code 2, got %d / %v", code, err)
	}
}

func TestServeProcessWritesFrames(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	req, _ := json.Marshal(resolve.Request{TicketID: "T", Runbook: cliRunbook(t, "true")})
	var buf bytes.Buffer
	code, err := resolve.ServeProcess(context.Background(), bytes.NewReader(req), &buf, runbook.NewExecutor(logging.Discard()))
	if err != nil || code != 0 {
		t.Fatalf("serve: %d / %v", code, err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], `"step"`) || !strings.Contains(lines[1], `"outcome"`) {
		t.Fatalf("unexpected frames: %q", buf.String())
	}
}

func TestCatalogMatchesRulesInOrder(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("oom.txt", "ACTION: cli command=\"echo restart\"\n")
	write("generic.txt", "ACTION: cli command=\"echo page\"\n")
	cat := resolve.NewCatalog(dir, []config.RunbookRule{
		{Service: "inventory-service", IssueType: "outofmemoryerror", File: "oom.txt"},
	}, "generic.txt")
	if err := cat.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	oom := domain.Ticket{ID: "T1", Issue: domain.Issue{Service: "inventory-service", IssueType: "OutOfMemoryError"}}
	rb, err := cat.For(oom)
	if err != nil || rb.Name != "oom" {
		t.Fatalf("expected oom runbook, got %q / %v", rb.Name, err)
	}
	other := domain.Ticket{ID: "T2", Issue: domain.Issue{Service: "auth-service", IssueType: "Timeout"}}
	if rb, err = cat.For(other); err != nil || rb.Name != "generic" {
		t.Fatalf("expected default runbook, got %q / %v", rb.Name, err)
	}

	empty := resolve.NewCatalog(dir, nil, "")
	if _, err := empty.For(other); !errors.Is(err, resolve.ErrNoRunbook) {
		t.Fatalf("expected ErrNoRunbook, got %v", err)
	}
	broken := resolve.NewCatalog(dir, []config.RunbookRule{{File: "missing.txt"}}, "")
	if err := broken.Validate(); err == nil {
		t.Fatalf("expected validation error for missing file")
	}
}
