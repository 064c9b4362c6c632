package incidentlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal incidentline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Step is one entry of a session narrative.
type Step struct {
	SequenceNo  int64  `json:"sequence_no"`
	Timestamp   string `json:"timestamp"`
	Type        string `json:"type"`
	Content     string `json:"content"`
	ContentHTML string `json:"content_html,omitempty"`
	TicketID    string `json:"ticket_id,omitempty"`
}

// Assignee is the owner of a ticket.
type Assignee struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Team string `json:"team"`
}

// Ticket represents the API ticket model (partial).
type Ticket struct {
	ID            string   `json:"id"`
	Dataset       string   `json:"dataset"`
	SessionID     string   `json:"session_id,omitempty"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Priority      string   `json:"priority"`
	Status        string   `json:"status"`
	AssignedTo    Assignee `json:"assigned_to"`
	ResolutionLog string   `json:"resolution_log,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
	Attempts      int      `json:"attempts"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
}

// Session describes an analysis session.
type Session struct {
	SessionID  string `json:"session_id"`
	Dataset    string `json:"dataset"`
	Entries    int    `json:"entries"`
	Mode       string `json:"mode"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	Live       bool   `json:"live"`
}

// Snapshot is the polling view of a session.
type Snapshot struct {
	SessionID      string   `json:"session_id"`
	Dataset        string   `json:"dataset"`
	Live           bool     `json:"live"`
	Tickets        []Ticket `json:"tickets"`
	ReasoningSteps []Step   `json:"reasoning_steps"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// UploadOptions tune CreateSession.
type UploadOptions struct {
	Dataset string
	// Mode is auto, passthrough or fallback.
	Mode string
	// ContentType defaults to text/csv.
	ContentType string
	AutoResolve *bool
}

// CreateSession uploads a log batch and starts its analysis.
func (c *Client) CreateSession(ctx context.Context, logs []byte, opts UploadOptions) (Session, error) {
	q := url.Values{}
	if opts.Dataset != "" {
		q.Set("dataset", opts.Dataset)
	}
	if opts.Mode != "" {
		q.Set("mode", opts.Mode)
	}
	if opts.AutoResolve != nil {
		q.Set("auto_resolve", fmt.Sprintf("%t", *opts.AutoResolve))
	}
	endpoint := "v0/sessions"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	ct := opts.ContentType
	if ct == "" {
		ct = "text/csv"
	}
	var resp Session
	err := c.doRaw(ctx, http.MethodPost, endpoint, ct, bytes.NewReader(logs), &resp)
	return resp, err
}

// Sessions lists recent sessions.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var resp struct {
		Items []Session `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/sessions", nil, &resp)
	return resp.Items, err
}

// Snapshot fetches the tickets and steps of a session.
func (c *Client) Snapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	var resp Snapshot
	endpoint := fmt.Sprintf("v0/sessions/%s/snapshot", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CloseSession ends a session.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	endpoint := fmt.Sprintf("v0/sessions/%s/close", url.PathEscape(sessionID))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// Tickets lists tickets, optionally filtered by status.
func (c *Client) Tickets(ctx context.Context, status string) ([]Ticket, error) {
	endpoint := "v0/tickets"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Ticket `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Ticket fetches a ticket by id.
func (c *Client) Ticket(ctx context.Context, id string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodGet, "v0/tickets/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Resolve starts automated resolution of a ticket.
func (c *Client) Resolve(ctx context.Context, id string, env map[string]string) (Ticket, error) {
	var body any
	if len(env) > 0 {
		body = map[string]any{"env": env}
	}
	var resp Ticket
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tickets/%s/resolve", url.PathEscape(id)), body, &resp)
	return resp, err
}

// Cancel stops a running resolution.
func (c *Client) Cancel(ctx context.Context, id string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tickets/%s/cancel", url.PathEscape(id)), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	return c.doRaw(ctx, method, endpoint, "application/json", &buf, out)
}

func (c *Client) doRaw(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	c.authorize(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
}

func (c *Client) url(endpoint string) string {
	return c.base() + "/" + strings.TrimLeft(endpoint, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
