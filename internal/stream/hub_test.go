package stream_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"incidentline/internal/domain"
	"incidentline/internal/stream"
)

func TestHubArchivesClosedSessions(t *testing.T) {
	dir := t.TempDir()
	hub := stream.NewHub(dir, nil)
	b, err := hub.Open("sess-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := hub.Open("sess-1"); !errors.Is(err, stream.ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
	for _, c := range []string{"one", "two", "three"} {
		if _, _, err := b.Publish(context.Background(), domain.ReasoningStep{Type: domain.StepReasoning, Content: c}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	path, err := hub.Close("sess-1")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if path != filepath.Join(dir, "sess-1.jsonl.zst") {
		t.Fatalf("unexpected archive path %s", path)
	}
	if _, ok := hub.Get("sess-1"); ok {
		t.Fatalf("closed session still live")
	}
	steps, err := hub.Steps("sess-1")
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	if len(steps) != 3 || steps[2].Content != "three" || steps[2].SequenceNo != 3 {
		t.Fatalf("unexpected archived steps: %+v", steps)
	}
	if _, err := hub.Steps("missing"); !errors.Is(err, stream.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestHubConcurrentCloseArchivesOnce(t *testing.T) {
	dir := t.TempDir()
	hub := stream.NewHub(dir, nil)
	b, err := hub.Open("sess-2")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 50; i++ {
		if _, _, err := b.Publish(context.Background(), domain.ReasoningStep{Type: domain.StepReasoning, Content: fmt.Sprintf("step %d", i)}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	const closers = 8
	var wg sync.WaitGroup
	var archived atomic.Int32
	for i := 0; i < closers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path, err := hub.Close("sess-2")
			switch {
			case err == nil && path != "":
				archived.Add(1)
			case errors.Is(err, stream.ErrUnknownSession):
			default:
				t.Errorf("close: %q %v", path, err)
			}
		}()
	}
	wg.Wait()
	if n := archived.Load(); n != 1 {
		t.Fatalf("expected exactly one archiving close, got %d", n)
	}
	steps, err := hub.Steps("sess-2")
	if err != nil || len(steps) != 50 {
		t.Fatalf("expected 50 archived steps, got %d %v", len(steps), err)
	}
	if _, err := hub.Close("sess-2"); !errors.Is(err, stream.ErrUnknownSession) {
		t.Fatalf("closing an archived session should fail, got %v", err)
	}
}
