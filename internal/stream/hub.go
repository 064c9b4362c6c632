package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"

	"incidentline/internal/domain"
	"incidentline/internal/logging"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionExists  = errors.New("session already exists")
)

// Hub owns the lifecycle of every session broker in the process.
type Hub struct {
	archiveDir string
	opts       []Option
	logger     *slog.Logger

	mu       sync.RWMutex
	live     map[string]*Broker
	archived map[string]string
	closing  map[string]bool
}

// NewHub returns a Hub. When archiveDir is non-empty, closed sessions are
// written there as zstd-compressed JSON lines.
func NewHub(archiveDir string, logger *slog.Logger, opts ...Option) *Hub {
	return &Hub{
		archiveDir: archiveDir,
		opts:       opts,
		logger:     logging.OrDefault(logger),
		live:       make(map[string]*Broker),
		archived:   make(map[string]string),
		closing:    make(map[string]bool),
	}
}

func (h *Hub) Open(id string) (*Broker, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.live[id]; ok {
		return nil, ErrSessionExists
	}
	if _, ok := h.archived[id]; ok {
		return nil, ErrSessionExists
	}
	b := NewBroker(id, append([]Option{WithLogger(h.logger)}, h.opts...)...)
	h.live[id] = b
	return b, nil
}

func (h *Hub) Get(id string) (*Broker, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.live[id]
	return b, ok
}

// Sessions lists live session ids.
func (h *Hub) Sessions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.live))
	for id := range h.live {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Steps returns the log of a live or archived session.
func (h *Hub) Steps(id string) ([]domain.ReasoningStep, error) {
	h.mu.RLock()
	b, live := h.live[id]
	path, archived := h.archived[id]
	h.mu.RUnlock()
	switch {
	case live:
		return b.Snapshot(), nil
	case archived && path != "":
		return ReadArchive(path)
	case archived:
		return nil, nil
	default:
		return nil, ErrUnknownSession
	}
}

// Close tears a session down and archives its log. It returns the archive
// path, or "" when archiving is disabled. Concurrent closes of one session
// archive it once; the others get ErrUnknownSession.
func (h *Hub) Close(id string) (string, error) {
	h.mu.Lock()
	b, ok := h.live[id]
	if !ok || b.Closed() || h.closing[id] {
		h.mu.Unlock()
		return "", ErrUnknownSession
	}
	h.closing[id] = true
	h.mu.Unlock()

	steps := b.Close()
	var path string
	var archiveErr error
	if h.archiveDir != "" {
		path = filepath.Join(h.archiveDir, id+".jsonl.zst")
		if archiveErr = WriteArchive(path, steps); archiveErr != nil {
			h.logger.Error("archive session failed", slog.String("session", id), slog.Any("error", archiveErr))
			path = ""
		}
	}
	h.mu.Lock()
	delete(h.closing, id)
	if archiveErr == nil {
		delete(h.live, id)
		h.archived[id] = path
	}
	h.mu.Unlock()
	return path, archiveErr
}

// WriteArchive stores steps as zstd-compressed JSON lines.
func WriteArchive(path string, steps []domain.ReasoningStep) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		f.Close()
		return err
	}
	w := bufio.NewWriter(enc)
	je := json.NewEncoder(w)
	for _, step := range steps {
		if err := je.Encode(step); err != nil {
			enc.Close()
			f.Close()
			return fmt.Errorf("encode step %d: %w", step.SequenceNo, err)
		}
	}
	if err := w.Flush(); err != nil {
		enc.Close()
		f.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadArchive loads a session log written by WriteArchive.
func ReadArchive(path string) ([]domain.ReasoningStep, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	jd := json.NewDecoder(dec)
	var out []domain.ReasoningStep
	for {
		var step domain.ReasoningStep
		if err := jd.Decode(&step); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode archive %s: %w", path, err)
		}
		out = append(out, step)
	}
	return out, nil
}
