// Package engine wires ingestion, aggregation, the ticket registry, the
// session streams and the resolution orchestrator into analysis sessions.
package engine

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"incidentline/internal/aggregate"
	"incidentline/internal/config"
	"incidentline/internal/db"
	"incidentline/internal/domain"
	"incidentline/internal/events"
	"incidentline/internal/ingest"
	"incidentline/internal/logging"
	"incidentline/internal/metrics"
	"incidentline/internal/reasoning"
	"incidentline/internal/repo"
	"incidentline/internal/resolve"
	"incidentline/internal/runbook"
	"incidentline/internal/stream"
	"incidentline/internal/ticket"
)

var ErrEmptyInput = errors.New("input contains no log entries")

type Options struct {
	Workspace string
	// DB is optional; without it tickets and sessions live in memory only.
	DB       *sql.DB
	Config   *config.Config
	Reasoner reasoning.Collaborator
	Executor resolve.Executor
	Logger   *slog.Logger
	Now      func() time.Time
}

type Engine struct {
	Repo     *repo.Repo
	Config   *config.Config
	Hub      *stream.Hub
	Tickets  *ticket.Registry
	Resolver *resolve.Orchestrator
	Reasoner reasoning.Collaborator
	Criteria aggregate.Criteria
	Logger   *slog.Logger
	Now      func() time.Time

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	info SessionInfo
	done chan struct{}
}

// SessionInfo describes one analysis session.
type SessionInfo struct {
	ID        string         `json:"session_id"`
	Dataset   string         `json:"dataset"`
	Entries   int            `json:"entries"`
	Mode      aggregate.Mode `json:"mode,omitempty"`
	StartedAt time.Time      `json:"started_at" format:"date-time"`
}

func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := logging.OrDefault(opts.Logger)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	criteria := aggregate.Criteria{Threshold: cfg.Analysis.Threshold, Severities: cfg.Analysis.QualifyingSeverities}

	e := &Engine{
		Config:   cfg,
		Criteria: criteria,
		Reasoner: opts.Reasoner,
		Logger:   logger,
		Now:      now,
		sessions: make(map[string]*sessionState),
	}
	if e.Reasoner == nil && cfg.Reasoning.Endpoint != "" {
		e.Reasoner = reasoning.HTTPCollaborator{Endpoint: cfg.Reasoning.Endpoint, Timeout: cfg.ReasoningTimeout()}
	}

	var store ticket.Store
	if opts.DB != nil {
		e.Repo = &repo.Repo{DB: opts.DB, Events: events.Writer{Now: now}}
		store = e.Repo
	}
	e.Tickets = ticket.New(ticket.Options{
		Store:     store,
		Directory: ticket.DirectoryFromConfig(cfg),
		Knowledge: ticket.KnowledgeBase(cfg.KnowledgeBase),
		Criteria:  criteria,
		Now:       now,
		Logger:    logger,
	})
	if err := e.Tickets.Load(ctx); err != nil {
		return nil, err
	}

	archiveDir := ""
	if cfg.Stream.Archive {
		archiveDir = filepath.Join(db.Dir(opts.Workspace), "sessions")
	}
	e.Hub = stream.NewHub(archiveDir, logger,
		stream.WithBuffer(cfg.Stream.SubscriberBuffer),
		stream.WithKeepalive(cfg.KeepaliveInterval()),
		stream.WithClock(now),
	)

	executor := opts.Executor
	if executor == nil {
		switch cfg.Resolution.Backend {
		case config.BackendProcess:
			executor = resolve.ProcessExecutor{}
		default:
			executor = resolve.LocalExecutor{Runner: runbook.NewExecutor(logger)}
		}
	}
	e.Resolver = resolve.New(resolve.Options{
		Tickets:  e.Tickets,
		Executor: executor,
		Catalog:  resolve.CatalogFromConfig(opts.Workspace, cfg),
		Sink:     resolve.SinkFunc(e.publish),
		Workers:  cfg.Resolution.Workers,
		Timeout:  cfg.ResolutionTimeout(),
		Now:      now,
		Logger:   logger,
	})
	e.base, e.stop = context.WithCancel(context.Background())
	return e, nil
}

// publish appends a step to a live session on behalf of a producer other
// than the session's analysis task.
func (e *Engine) publish(ctx context.Context, sessionID string, step domain.ReasoningStep) error {
	b, ok := e.Hub.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", stream.ErrUnknownSession, sessionID)
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, _, err := b.Publish(ctx, step)
	return err
}

type Input struct {
	// Dataset names the input; the digest of Raw is used when empty.
	Dataset string
	// Format is "csv" (default) or "ndjson".
	Format string
	Raw    []byte
	Mode   aggregate.Mode
	// AutoResolve overrides analysis.auto_resolve.
	AutoResolve *bool
}

// StartSession validates the input synchronously and runs the analysis in
// the background as the session's single writer.
func (e *Engine) StartSession(ctx context.Context, in Input) (SessionInfo, error) {
	entries, err := decode(in)
	if err != nil {
		return SessionInfo{}, err
	}
	if len(entries) == 0 {
		return SessionInfo{}, ErrEmptyInput
	}
	info := SessionInfo{
		ID:        "sess-" + uuid.NewString(),
		Dataset:   strings.TrimSpace(in.Dataset),
		Entries:   len(entries),
		Mode:      in.Mode,
		StartedAt: e.Now().UTC(),
	}
	if info.Dataset == "" {
		info.Dataset = DatasetDigest(in.Raw)
	}
	broker, err := e.Hub.Open(info.ID)
	if err != nil {
		return SessionInfo{}, err
	}
	w, err := broker.Acquire(ctx)
	if err != nil {
		return SessionInfo{}, err
	}
	if e.Repo != nil {
		err := e.Repo.InsertSession(ctx, repo.Session{
			ID:        info.ID,
			Dataset:   info.Dataset,
			Mode:      modeLabel(info.Mode),
			Entries:   info.Entries,
			StartedAt: info.StartedAt.Format(time.RFC3339),
		})
		if err != nil {
			e.Logger.Warn("record session failed", slog.String("session", info.ID), slog.Any("error", err))
		}
	}

	st := &sessionState{info: info, done: make(chan struct{})}
	e.mu.Lock()
	e.sessions[info.ID] = st
	e.mu.Unlock()

	autoResolve := e.Config.Analysis.AutoResolve
	if in.AutoResolve != nil {
		autoResolve = *in.AutoResolve
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(st.done)
		defer w.Release()
		e.analyze(e.base, info, w, entries, autoResolve)
	}()
	e.Logger.Info("session started", slog.String("session", info.ID), slog.String("dataset", info.Dataset), slog.Int("entries", info.Entries))
	return info, nil
}

func decode(in Input) ([]domain.LogEntry, error) {
	switch strings.ToLower(in.Format) {
	case "", "csv":
		return ingest.ParseCSV(bytes.NewReader(in.Raw))
	case "ndjson", "jsonl", "json":
		return ingest.ParseJSONLines(bytes.NewReader(in.Raw))
	default:
		return nil, fmt.Errorf("unsupported input format %q", in.Format)
	}
}

// DatasetDigest names an unnamed dataset after its content.
func DatasetDigest(raw []byte) string {
	sum := blake3.Sum256(raw)
	return "ds-" + hex.EncodeToString(sum[:8])
}

func modeLabel(m aggregate.Mode) string {
	if m == "" {
		return "auto"
	}
	return string(m)
}

// Wait blocks until the analysis of a session has finished.
func (e *Engine) Wait(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	st, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", stream.ErrUnknownSession, sessionID)
	}
	select {
	case <-st.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolve triggers remediation of a ticket.
func (e *Engine) Resolve(ctx context.Context, ticketID string, opts resolve.TriggerOptions) (domain.Ticket, error) {
	return e.Resolver.Trigger(ctx, ticketID, opts)
}

func (e *Engine) Cancel(ticketID string) error {
	return e.Resolver.Cancel(ticketID)
}

// Snapshot is the polling view of a session.
type Snapshot struct {
	SessionID      string                 `json:"session_id"`
	Dataset        string                 `json:"dataset"`
	Live           bool                   `json:"live"`
	Tickets        []domain.Ticket        `json:"tickets"`
	ReasoningSteps []domain.ReasoningStep `json:"reasoning_steps"`
}

// Snapshot returns the tickets of the session's dataset and its steps as of
// now. Sessions closed by an earlier process are read from their archive.
func (e *Engine) Snapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	snap := Snapshot{SessionID: sessionID}
	_, snap.Live = e.Hub.Get(sessionID)
	steps, err := e.Hub.Steps(sessionID)
	dataset, known := e.datasetOf(sessionID)
	if errors.Is(err, stream.ErrUnknownSession) && e.Repo != nil {
		s, rerr := e.Repo.GetSession(ctx, sessionID)
		if rerr == nil {
			dataset, known = s.Dataset, true
			err = nil
			if s.ArchivePath != "" {
				steps, err = stream.ReadArchive(s.ArchivePath)
			}
		}
	}
	if err != nil {
		return Snapshot{}, err
	}
	if !known {
		return Snapshot{}, fmt.Errorf("%w: %s", stream.ErrUnknownSession, sessionID)
	}
	snap.Dataset = dataset
	snap.Tickets = e.Tickets.List(ticket.Filter{Dataset: dataset})
	snap.ReasoningSteps = steps
	if snap.ReasoningSteps == nil {
		snap.ReasoningSteps = []domain.ReasoningStep{}
	}
	return snap, nil
}

func (e *Engine) datasetOf(sessionID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.sessions[sessionID]
	if !ok {
		return "", false
	}
	return st.info.Dataset, true
}

// Sessions lists sessions started by this process, newest first.
func (e *Engine) Sessions() []SessionInfo {
	e.mu.Lock()
	out := make([]SessionInfo, 0, len(e.sessions))
	for _, st := range e.sessions {
		out = append(out, st.info)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// CloseSession ends a session: subscribers are released and the transcript
// is archived.
func (e *Engine) CloseSession(ctx context.Context, sessionID string) (string, error) {
	path, err := e.Hub.Close(sessionID)
	if err != nil {
		return "", err
	}
	if e.Repo != nil {
		if ferr := e.Repo.FinishSession(ctx, sessionID, e.Now(), path); ferr != nil {
			e.Logger.Warn("record session close failed", slog.String("session", sessionID), slog.Any("error", ferr))
		}
	}
	e.Logger.Info("session closed", slog.String("session", sessionID), slog.String("archive", path))
	return path, nil
}

// Close stops analyses and resolutions, then closes every live session so
// the terminal steps are part of the archived transcripts.
func (e *Engine) Close(ctx context.Context) error {
	e.stop()
	var errs []error
	if err := e.Resolver.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for analyses: %w", ctx.Err()))
	}
	for _, id := range e.Hub.Sessions() {
		if _, err := e.CloseSession(ctx, id); err != nil && !errors.Is(err, stream.ErrUnknownSession) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TicketCounts summarizes the registry for health output.
func (e *Engine) TicketCounts() map[domain.TicketStatus]int {
	return e.Tickets.Counts()
}

func recordMode(mode aggregate.Mode) {
	metrics.AnalysisMode(string(mode))
}
