package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"incidentline/internal/config"
	"incidentline/internal/domain"
	"incidentline/internal/engine"
	"incidentline/internal/logging"
	"incidentline/internal/repo"
)

const (
	webhookPollInterval = 2 * time.Second
	webhookTimeout      = 5 * time.Second
	webhookBatch        = 100
)

// webhookTarget is one enabled webhook and how far into the journal it has
// been served. Only the dispatcher goroutine touches cursor.
type webhookTarget struct {
	url    string
	secret string
	filter eventFilter
	client *http.Client
	cursor int64
}

type webhookDispatcher struct {
	repo    *repo.Repo
	targets []*webhookTarget
	logger  *slog.Logger
}

// StartWebhookDispatcher pushes ticket journal events to the configured
// webhooks until ctx is done. Events recorded before startup are skipped.
func StartWebhookDispatcher(ctx context.Context, e *engine.Engine, logger *slog.Logger) {
	startWebhookDispatcher(ctx, e, logger, webhookPollInterval)
}

func startWebhookDispatcher(ctx context.Context, e *engine.Engine, logger *slog.Logger, interval time.Duration) {
	if e == nil || e.Repo == nil || e.Config == nil {
		return
	}
	d := &webhookDispatcher{
		repo:   e.Repo,
		logger: logging.OrDefault(logger).With(slog.String("component", "webhooks")),
	}
	head, err := d.repo.LatestEventID(ctx)
	if err != nil {
		d.logger.Warn("read journal head", slog.Any("error", err))
	}
	for _, hook := range e.Config.Webhooks {
		if t := newWebhookTarget(hook, head); t != nil {
			d.targets = append(d.targets, t)
		}
	}
	if len(d.targets) == 0 {
		return
	}
	go d.loop(ctx, interval)
}

func newWebhookTarget(hook config.WebhookConfig, cursor int64) *webhookTarget {
	if hook.Enabled != nil && !*hook.Enabled {
		return nil
	}
	if strings.TrimSpace(hook.URL) == "" {
		return nil
	}
	timeout := webhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &webhookTarget{
		url:    strings.TrimSpace(hook.URL),
		secret: strings.TrimSpace(hook.Secret),
		filter: newEventFilter(hook.Events),
		client: &http.Client{Timeout: timeout},
		cursor: cursor,
	}
}

func (d *webhookDispatcher) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick serves every target concurrently; a slow receiver only delays itself
// until the next tick.
func (d *webhookDispatcher) tick(ctx context.Context) {
	var g errgroup.Group
	for _, t := range d.targets {
		g.Go(func() error {
			d.serve(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *webhookDispatcher) serve(ctx context.Context, t *webhookTarget) {
	events, err := d.repo.EventsAfter(ctx, webhookBatch, t.cursor)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("read journal", slog.Any("error", err))
		}
		return
	}
	for _, evt := range events {
		if t.filter.match(evt.Type) {
			if err := t.deliver(ctx, evt); err != nil {
				// Retried from the same event on the next tick.
				d.logger.Warn("webhook delivery", slog.String("url", t.url), slog.Int64("event", evt.ID), slog.Any("error", err))
				return
			}
		}
		t.cursor = evt.ID
	}
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	TicketID   string          `json:"ticket_id"`
	Dataset    string          `json:"dataset,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func newWebhookEvent(evt domain.Event) webhookEvent {
	out := webhookEvent{
		ID:       evt.ID,
		Type:     evt.Type,
		TicketID: evt.TicketID,
		Dataset:  evt.Dataset,
		TS:       evt.TS,
		Payload:  json.RawMessage("{}"),
	}
	switch {
	case evt.Payload == "":
	case json.Valid([]byte(evt.Payload)):
		out.Payload = json.RawMessage(evt.Payload)
	default:
		out.PayloadRaw = evt.Payload
	}
	return out
}

// signPayload returns the X-Incidentline-Signature value for body.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (t *webhookTarget) deliver(ctx context.Context, evt domain.Event) error {
	body, err := json.Marshal(newWebhookEvent(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Incidentline-Event", evt.Type)
	req.Header.Set("X-Incidentline-Delivery", strconv.FormatInt(evt.ID, 10))
	req.Header.Set("X-Incidentline-Ticket", evt.TicketID)
	if t.secret != "" {
		req.Header.Set("X-Incidentline-Signature", signPayload(t.secret, body))
	}
	res, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("receiver answered %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

// eventFilter selects journal event types. Patterns use path.Match syntax,
// so "ticket.*" selects every ticket event. No patterns selects everything.
type eventFilter []string

func newEventFilter(events []string) eventFilter {
	var f eventFilter
	for _, evt := range events {
		if p := strings.TrimSpace(evt); p != "" {
			f = append(f, p)
		}
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if len(f) == 0 {
		return true
	}
	for _, p := range f {
		if ok, _ := path.Match(p, evt); ok {
			return true
		}
	}
	return false
}
