// Package reasoning is the client side of the external analysis
// collaborator: log entries and an instruction go in, a stream of step
// events and a final issue list come out.
package reasoning

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"incidentline/internal/domain"
)

// TransportError means the collaborator could not be reached or spoke
// garbage. Callers switch to fallback analysis.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("reasoning collaborator %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

type Event struct {
	Type      domain.StepType `json:"type"`
	Content   string          `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
}

type Collaborator interface {
	Analyze(ctx context.Context, entries []domain.LogEntry, instruction string) (*Stream, error)
}

// Stream delivers events until the collaborator is done. Issues and Err
// are valid once Events is closed.
type Stream struct {
	events chan Event
	issues []map[string]any
	err    error
}

func NewStream(buffer int) *Stream {
	return &Stream{events: make(chan Event, buffer)}
}

func (s *Stream) Events() <-chan Event { return s.events }

func (s *Stream) Issues() []map[string]any { return s.issues }

func (s *Stream) Err() error { return s.err }

// Finish records the outcome and closes Events. It must be called exactly
// once by the producer.
func (s *Stream) Finish(issues []map[string]any, err error) {
	s.issues = issues
	s.err = err
	close(s.events)
}

// Send delivers one event unless ctx is done.
func (s *Stream) Send(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// HTTPCollaborator posts the entries as JSON and reads an NDJSON answer:
//
//	{"step":{"type":"reasoning_step","content":"..."}}
//	{"issues":[{"service":"...","issue_type":"...",...}]}
//
// An {"error":"..."} line aborts the stream.
type HTTPCollaborator struct {
	Endpoint string
	Client   *http.Client
	Timeout  time.Duration
}

type analyzeRequest struct {
	Instruction string            `json:"instruction"`
	Entries     []domain.LogEntry `json:"entries"`
}

type line struct {
	Step   *Event           `json:"step"`
	Issues []map[string]any `json:"issues"`
	Error  string           `json:"error"`
}

const maxLine = 1 << 20

func (h HTTPCollaborator) Analyze(ctx context.Context, entries []domain.LogEntry, instruction string) (*Stream, error) {
	if strings.TrimSpace(h.Endpoint) == "" {
		return nil, &TransportError{Endpoint: "(none)", Err: errors.New("no endpoint configured")}
	}
	body, err := json.Marshal(analyzeRequest{Instruction: instruction, Entries: entries})
	if err != nil {
		return nil, err
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	cancel := context.CancelFunc(func() {})
	if h.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, &TransportError{Endpoint: h.Endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, &TransportError{Endpoint: h.Endpoint, Err: err}
	}
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, &TransportError{Endpoint: h.Endpoint, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))}
	}

	stream := NewStream(64)
	go func() {
		defer cancel()
		defer resp.Body.Close()
		issues, err := h.read(ctx, resp.Body, stream)
		stream.Finish(issues, err)
	}()
	return stream, nil
}

func (h HTTPCollaborator) read(ctx context.Context, r io.Reader, stream *Stream) ([]map[string]any, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLine)
	n := 0
	for sc.Scan() {
		n++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, &TransportError{Endpoint: h.Endpoint, Err: fmt.Errorf("line %d: %w", n, err)}
		}
		switch {
		case l.Error != "":
			return nil, &TransportError{Endpoint: h.Endpoint, Err: errors.New(l.Error)}
		case l.Issues != nil:
			return l.Issues, nil
		case l.Step != nil:
			ev := *l.Step
			if ev.Type == "" {
				ev.Type = domain.StepReasoning
			}
			if !stream.Send(ctx, ev) {
				return nil, &TransportError{Endpoint: h.Endpoint, Err: ctx.Err()}
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &TransportError{Endpoint: h.Endpoint, Err: err}
	}
	return nil, &TransportError{Endpoint: h.Endpoint, Err: errors.New("stream ended without an issue list")}
}
