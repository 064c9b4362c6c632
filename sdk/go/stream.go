package incidentlinesdk

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrStreamFailed is returned by Follow when the server reports a stream error.
var ErrStreamFailed = errors.New("stream failed")

// errDropped reports that the server dropped this subscriber for falling
// behind. The session itself is unaffected.
var errDropped = errors.New("subscriber dropped")

// Timeline merges steps received from the push stream and from snapshots.
// Steps are keyed by sequence number, so overlapping deliveries are harmless.
type Timeline struct {
	mu    sync.Mutex
	steps map[int64]Step
	last  int64
}

func NewTimeline() *Timeline {
	return &Timeline{steps: make(map[int64]Step)}
}

// Add records steps and reports how many were new.
func (t *Timeline) Add(steps ...Step) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	added := 0
	for _, s := range steps {
		if _, ok := t.steps[s.SequenceNo]; ok {
			continue
		}
		t.steps[s.SequenceNo] = s
		added++
		if s.SequenceNo > t.last {
			t.last = s.SequenceNo
		}
	}
	return added
}

// Last is the highest sequence number seen.
func (t *Timeline) Last() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Steps returns the merged steps in sequence order.
func (t *Timeline) Steps() []Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Step, 0, len(t.steps))
	for _, s := range t.steps {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNo < out[j].SequenceNo })
	return out
}

// Gaps lists sequence numbers below Last that were never received.
func (t *Timeline) Gaps() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []int64
	for seq := int64(1); seq < t.last; seq++ {
		if _, ok := t.steps[seq]; !ok {
			out = append(out, seq)
		}
	}
	return out
}

// FollowOptions tune Follow.
type FollowOptions struct {
	// After resumes the stream after this sequence number.
	After int64
	// Reconnect is the pause between reconnect attempts.
	Reconnect time.Duration
	// MaxReconnects bounds consecutive failed connects; 0 means 5.
	MaxReconnects int
}

// Follow streams the steps of a session into tl, calling fn for every new
// step, until the session closes or ctx is done. Dropped connections are
// resumed with Last-Event-ID. When the server drops a slow subscriber, the
// snapshot fills the gap before reconnecting.
func (c *Client) Follow(ctx context.Context, sessionID string, tl *Timeline, fn func(Step), opts FollowOptions) error {
	if tl == nil {
		tl = NewTimeline()
	}
	if opts.Reconnect <= 0 {
		opts.Reconnect = time.Second
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 5
	}
	deliver := func(s Step) {
		if s.SequenceNo > opts.After && tl.Add(s) > 0 && fn != nil {
			fn(s)
		}
	}
	failures := 0
	for {
		resume := max(tl.Last(), opts.After)
		received, err := c.streamOnce(ctx, sessionID, resume, deliver)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrStreamFailed) {
			return err
		}
		dropped := errors.Is(err, errDropped)
		if err == nil || dropped {
			snap, serr := c.Snapshot(ctx, sessionID)
			if serr == nil {
				for _, s := range snap.ReasoningSteps {
					deliver(s)
				}
				if !snap.Live {
					return nil
				}
			}
		}
		if received > 0 || dropped {
			failures = 0
		}
		failures++
		if failures > opts.MaxReconnects {
			if err == nil {
				err = errors.New("stream ended while session is live")
			}
			return fmt.Errorf("follow %s: %w", sessionID, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.Reconnect):
		}
	}
}

type streamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// streamOnce reads one SSE connection to its end.
func (c *Client) streamOnce(ctx context.Context, sessionID string, after int64, fn func(Step)) (int, error) {
	endpoint := fmt.Sprintf("v0/sessions/%s/stream", url.PathEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(endpoint), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if after > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(after, 10))
	}
	c.authorize(req)
	client := &http.Client{}
	if c.HTTPClient != nil {
		client.Transport = c.HTTPClient.Transport
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return 0, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	received := 0
	var event, data string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			switch event {
			case "step":
				var s Step
				if err := json.Unmarshal([]byte(data), &s); err != nil {
					return received, fmt.Errorf("decode step: %w", err)
				}
				received++
				fn(s)
			case "error":
				var se streamError
				_ = json.Unmarshal([]byte(data), &se)
				if se.Code == "slow_subscriber" {
					return received, fmt.Errorf("%w: %s", errDropped, se.Message)
				}
				return received, fmt.Errorf("%w: %s: %s", ErrStreamFailed, se.Code, se.Message)
			}
			event, data = "", ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	return received, sc.Err()
}
