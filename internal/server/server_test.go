package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"incidentline/internal/config"
	"incidentline/internal/db"
	"incidentline/internal/domain"
	"incidentline/internal/engine"
	"incidentline/internal/logging"
	"incidentline/internal/metrics"
	"incidentline/internal/migrate"
	"incidentline/internal/resolve"
	"incidentline/internal/ticket"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

type serverSetup struct {
	cfg      *config.Config
	auth     AuthConfig
	executor resolve.Executor
	gatherer prometheus.Gatherer
}

type succeedingExecutor struct{}

func (succeedingExecutor) Execute(ctx context.Context, req resolve.Request) (resolve.Outcome, error) {
	return resolve.Outcome{Log: "restarted " + req.TicketID, Result: domain.RunbookResult{OverallStatus: domain.OverallSuccess}}, nil
}

func newTestServer(t *testing.T, opts ...func(workspace string, s *serverSetup)) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	setup := &serverSetup{cfg: config.Default(), executor: succeedingExecutor{}}
	for _, opt := range opts {
		opt(workspace, setup)
	}
	e, err := engine.New(context.Background(), engine.Options{
		Workspace: workspace,
		DB:        conn,
		Config:    setup.cfg,
		Executor:  setup.executor,
		Logger:    logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: setup.auth, Gatherer: setup.gatherer, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = e.Close(ctx)
			srv.Shutdown(ctx)
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func withRunbook(workspace string, s *serverSetup) {
	if err := os.WriteFile(filepath.Join(workspace, "restart.txt"), []byte("ACTION: cli command=true\n"), 0o644); err != nil {
		panic(err)
	}
	s.cfg.Resolution.DefaultRunbook = "restart.txt"
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return do(t, client, req)
}

func doRaw(t *testing.T, client *http.Client, url, contentType string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return do(t, client, req)
}

func do(t *testing.T, client *http.Client, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func scenarioCSV() []byte {
	var b strings.Builder
	b.WriteString("timestamp,service,level,message\n")
	for i := 0; i < 6; i++ {
		fmt.Fprintf(&b, "2024-05-01T10:00:0%dZ,inventory-service,FATAL,OutOfMemoryError\n", i)
	}
	b.WriteString("2024-05-01T10:00:10Z,api-gateway,INFO,request served\n")
	b.WriteString("2024-05-01T10:00:11Z,payment-service,ERROR,upstream timeout\n")
	return []byte(b.String())
}

// startSession uploads the scenario and waits for its analysis to finish.
func startSession(t *testing.T, srv *testServer, headers map[string]string) SessionResponse {
	t.Helper()
	res, data := doRaw(t, srv.Client(), srv.URL+"/v0/sessions?dataset=prod-logs", "text/csv", scenarioCSV(), headers)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("create session status %d: %s", res.StatusCode, string(data))
	}
	var created SessionResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Engine.Wait(ctx, created.SessionID); err != nil {
		t.Fatalf("wait: %v", err)
	}
	return created
}

func waitForStatus(t *testing.T, e *engine.Engine, id string, want domain.TicketStatus) domain.Ticket {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		tk, err := e.Tickets.Get(id)
		if err != nil {
			t.Fatalf("get ticket: %v", err)
		}
		if tk.Status == want {
			return tk
		}
		if time.Now().After(deadline) {
			t.Fatalf("ticket %s stuck in %s, want %s", id, tk.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionSnapshotAndTickets(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := startSession(t, srv, nil)
	if created.Dataset != "prod-logs" || created.Entries != 8 || !created.Live {
		t.Fatalf("unexpected session %+v", created)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+created.SessionID+"/snapshot", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("snapshot status %d: %s", res.StatusCode, string(data))
	}
	var snap engine.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if len(snap.Tickets) != 1 {
		t.Fatalf("expected one ticket, got %d", len(snap.Tickets))
	}
	tk := snap.Tickets[0]
	if tk.Priority != domain.PriorityP0 || tk.AssignedTo.Name != "Diana Lee" || tk.Status != domain.StatusOpen {
		t.Fatalf("unexpected ticket %+v", tk)
	}
	for i, step := range snap.ReasoningSteps {
		if step.SequenceNo != int64(i+1) {
			t.Fatalf("step %d has sequence %d", i, step.SequenceNo)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tickets?status=Open&dataset=prod-logs", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tickets status %d: %s", res.StatusCode, string(data))
	}
	var list TicketList
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal tickets: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].ID != tk.ID {
		t.Fatalf("unexpected ticket list %+v", list.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tickets/"+tk.ID+"/events", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ticket events status %d: %s", res.StatusCode, string(data))
	}
	var evts EventList
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evts.Items) == 0 || evts.Items[0].Type != "ticket.created" {
		t.Fatalf("expected ticket.created first, got %+v", evts.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tickets/TKT-missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	var apiErr struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Error.Code != "not_found" {
		t.Fatalf("expected not_found envelope, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var health HealthResponse
	if err := json.Unmarshal(data, &health); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if health.LiveSessions != 1 || health.Tickets["Open"] != 1 {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestCreateSessionRejectsInvalidInput(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	bad := []byte("timestamp,service,level,message\n2024-05-01T10:00:00Z,api-gateway,LOUD,boom\n")
	res, data := doRaw(t, client, srv.URL+"/v0/sessions", "text/csv", bad, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	var apiErr struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &apiErr); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if apiErr.Error.Code != "invalid_input" || apiErr.Error.Details["field"] != "level" {
		t.Fatalf("unexpected error body %+v", apiErr.Error)
	}
	if len(srv.Engine.Sessions()) != 0 {
		t.Fatalf("rejected input must not open a session")
	}

	res, data = doRaw(t, client, srv.URL+"/v0/sessions", "text/csv", []byte("timestamp,service,level,message\n"), nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for header-only csv, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doRaw(t, client, srv.URL+"/v0/sessions?mode=sideways", "text/csv", scenarioCSV(), nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown mode, got %d: %s", res.StatusCode, string(data))
	}
}

func TestCreateSessionFromNDJSON(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var b strings.Builder
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&b, `{"timestamp":"2024-05-01T10:00:0%dZ","service":"payment-service","level":"FATAL","message":"connection refused"}`+"\n", i)
	}
	res, data := doRaw(t, srv.Client(), srv.URL+"/v0/sessions", "application/x-ndjson", []byte(b.String()), nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("create session status %d: %s", res.StatusCode, string(data))
	}
	var created SessionResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if created.Entries != 5 || !strings.HasPrefix(created.Dataset, "ds-") {
		t.Fatalf("unexpected session %+v", created)
	}
}

type sseEvent struct {
	ID    int64
	Event string
	Data  string
}

func readSSE(r io.Reader) []sseEvent {
	var out []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.Event != "" || cur.Data != "" {
				out = append(out, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "id:"):
			cur.ID, _ = strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64)
		case strings.HasPrefix(line, "event:"):
			cur.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			cur.Data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	return out
}

func streamEvents(client *http.Client, url string, headers map[string]string) ([]sseEvent, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stream status %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return nil, fmt.Errorf("unexpected content type %q", ct)
	}
	return readSSE(res.Body), nil
}

func getStream(t *testing.T, client *http.Client, url string, headers map[string]string) []sseEvent {
	t.Helper()
	events, err := streamEvents(client, url, headers)
	if err != nil {
		t.Fatalf("stream %s: %v", url, err)
	}
	return events
}

func TestStreamReplaysLiveSessionUntilClose(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	created := startSession(t, srv, nil)
	streamURL := srv.URL + "/v0/sessions/" + created.SessionID + "/stream"

	var wg sync.WaitGroup
	var live []sseEvent
	var liveErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		live, liveErr = streamEvents(client, streamURL, nil)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b, ok := srv.Engine.Hub.Get(created.SessionID); !ok || b.Subscribers() > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+created.SessionID+"/close", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close status %d: %s", res.StatusCode, string(data))
	}
	wg.Wait()
	if liveErr != nil {
		t.Fatalf("live stream: %v", liveErr)
	}

	if len(live) < 3 {
		t.Fatalf("expected the session narrative, got %d events", len(live))
	}
	for i, evt := range live {
		if evt.Event != "step" || evt.ID != int64(i+1) {
			t.Fatalf("event %d: %+v", i, evt)
		}
		var step domain.ReasoningStep
		if err := json.Unmarshal([]byte(evt.Data), &step); err != nil {
			t.Fatalf("decode step: %v", err)
		}
		if step.SequenceNo != evt.ID {
			t.Fatalf("event id %d carries step %d", evt.ID, step.SequenceNo)
		}
	}

	resumed := getStream(t, client, streamURL, map[string]string{"Last-Event-ID": "2"})
	if len(resumed) != len(live)-2 || resumed[0].ID != 3 {
		t.Fatalf("resume after 2: got %d events starting at %+v", len(resumed), resumed)
	}

	missing := getStream(t, client, srv.URL+"/v0/sessions/sess-missing/stream", nil)
	if len(missing) != 1 || missing[0].Event != "error" || !strings.Contains(missing[0].Data, "not_found") {
		t.Fatalf("expected a not_found error event, got %+v", missing)
	}
}

func TestResolveRequiresOperatorToken(t *testing.T) {
	const secret = "s3cret"
	srv, cleanup := newTestServer(t, withRunbook, func(_ string, s *serverSetup) {
		s.auth = AuthConfig{JWTSecret: secret}
	})
	defer cleanup()
	client := srv.Client()

	token := func(roles ...string) map[string]string {
		tok, err := SignToken(secret, "ops-1", roles, nil, time.Minute)
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		return map[string]string{"Authorization": "Bearer " + tok}
	}

	res, data := doRaw(t, client, srv.URL+"/v0/sessions", "text/csv", scenarioCSV(), nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d: %s", res.StatusCode, string(data))
	}
	created := startSession(t, srv, token("admin"))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tickets?session_id="+created.SessionID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reads stay open, got %d: %s", res.StatusCode, string(data))
	}
	var list TicketList
	if err := json.Unmarshal(data, &list); err != nil || len(list.Items) != 1 {
		t.Fatalf("expected one ticket: %s", string(data))
	}
	id := list.Items[0].ID
	resolveURL := srv.URL + "/v0/tickets/" + id + "/resolve"

	res, _ = doJSON(t, client, http.MethodPost, resolveURL, nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodPost, resolveURL, nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodPost, resolveURL, nil, token("analyst"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for analyst, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, resolveURL, ResolveRequest{Env: map[string]string{"REGION": "eu"}}, token("responder"))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("resolve status %d: %s", res.StatusCode, string(data))
	}
	var started domain.Ticket
	if err := json.Unmarshal(data, &started); err != nil {
		t.Fatalf("unmarshal ticket: %v", err)
	}
	if started.Status != domain.StatusInProgress || started.Attempts != 1 {
		t.Fatalf("unexpected ticket after trigger %+v", started)
	}
	resolved := waitForStatus(t, srv.Engine, id, domain.StatusResolved)
	if !strings.Contains(resolved.ResolutionLog, "restarted "+id) {
		t.Fatalf("unexpected resolution log %q", resolved.ResolutionLog)
	}

	for deadline := time.Now().Add(5 * time.Second); len(srv.Engine.Resolver.Running()) > 0; {
		if time.Now().After(deadline) {
			t.Fatalf("resolution task did not exit")
		}
		time.Sleep(5 * time.Millisecond)
	}

	res, data = doJSON(t, client, http.MethodPost, resolveURL, nil, token("responder"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on a resolved ticket, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets/"+id+"/cancel", nil, token("responder"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 when nothing runs, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, token("responder"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil || me.ActorID != "ops-1" || me.Source != "jwt" {
		t.Fatalf("unexpected principal %s", string(data))
	}
}

func TestResolveWithoutRunbook(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	startSession(t, srv, nil)
	list := srv.Engine.Tickets.List(ticket.Filter{})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tickets/"+list[0].ID+"/resolve", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	if tk, _ := srv.Engine.Tickets.Get(list[0].ID); tk.Status != domain.StatusOpen {
		t.Fatalf("ticket should stay Open, got %s", tk.Status)
	}
}

func TestMetricsAndOpenAPI(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("register metrics: %v", err)
	}
	srv, cleanup := newTestServer(t, func(_ string, s *serverSetup) { s.gatherer = reg })
	defer cleanup()
	startSession(t, srv, nil)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "incidentline_tickets_created_total") {
		t.Fatalf("metrics output misses ticket counter:\n%s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	for _, want := range []string{"stream-session", "create-session", "bearerAuth"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("openapi document misses %q", want)
		}
	}
}

func TestWebhookDeliversTicketEvents(t *testing.T) {
	type delivery struct {
		header string
		body   webhookEvent
	}
	got := make(chan delivery, 16)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		got <- delivery{header: r.Header.Get("X-Incidentline-Event"), body: evt}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	srv, cleanup := newTestServer(t, func(_ string, s *serverSetup) {
		s.cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"ticket.created"}}}
	})
	defer cleanup()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startWebhookDispatcher(ctx, srv.Engine, logging.Discard(), 10*time.Millisecond)

	startSession(t, srv, nil)
	select {
	case d := <-got:
		if d.header != "ticket.created" || d.body.Type != "ticket.created" || d.body.TicketID == "" {
			t.Fatalf("unexpected delivery %+v", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("webhook not delivered")
	}
}

func TestEventFilter(t *testing.T) {
	all := newEventFilter(nil)
	if !all.match("ticket.status") {
		t.Fatalf("empty filter matches everything")
	}
	some := newEventFilter([]string{" ticket.created ", ""})
	if !some.match("ticket.created") || some.match("ticket.status") {
		t.Fatalf("unexpected filter behaviour")
	}
	glob := newEventFilter([]string{"ticket.*"})
	if !glob.match("ticket.attempt") || glob.match("session.closed") {
		t.Fatalf("glob filter should select ticket events only")
	}
}

func TestWebhookSignature(t *testing.T) {
	var gotSig string
	var gotBody []byte
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Incidentline-Signature")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer hook.Close()

	target := newWebhookTarget(config.WebhookConfig{URL: hook.URL, Secret: "s3cret"}, 0)
	evt := domain.Event{ID: 7, Type: "ticket.status", TicketID: "TKT-1", Payload: `{"to":"Resolved"}`}
	if err := target.deliver(context.Background(), evt); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if gotSig != signPayload("s3cret", gotBody) || !strings.HasPrefix(gotSig, "sha256=") {
		t.Fatalf("signature %q does not match body %s", gotSig, gotBody)
	}

	disabled := false
	if newWebhookTarget(config.WebhookConfig{URL: hook.URL, Enabled: &disabled}, 0) != nil {
		t.Fatalf("disabled webhook should not be served")
	}
}
