package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"incidentline/internal/domain"
	"incidentline/internal/engine"
	"incidentline/internal/stream"
)

type streamInput struct {
	SessionID   string `path:"session_id"`
	LastEventID string `header:"Last-Event-ID" doc:"Resume after this sequence number"`
	After       int64  `query:"after" minimum:"0" doc:"Resume after this sequence number"`
}

// resumeFrom picks the larger of the Last-Event-ID header and the after query.
func (in *streamInput) resumeFrom() int64 {
	after := in.After
	if id, err := strconv.ParseInt(strings.TrimSpace(in.LastEventID), 10, 64); err == nil && id > after {
		after = id
	}
	return after
}

func registerStream(api huma.API, e *engine.Engine) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/stream",
		Summary:     "Stream the reasoning steps of a session",
		Description: "Replays steps after Last-Event-ID (or after), then pushes live steps until the session closes. Each step event id is its sequence number.",
	}, map[string]any{
		"step":      domain.ReasoningStep{},
		"keepalive": KeepaliveEvent{},
		"error":     StreamErrorEvent{},
	}, func(ctx context.Context, input *streamInput, send sse.Sender) {
		after := input.resumeFrom()
		b, live := e.Hub.Get(input.SessionID)
		if !live {
			replayClosed(ctx, e, input.SessionID, after, send)
			return
		}
		sub := b.Subscribe(after)
		defer sub.Close()
		for {
			frame, err := sub.Next(ctx)
			switch {
			case err == nil:
			case errors.Is(err, io.EOF), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return
			case errors.Is(err, stream.ErrSlowSubscriber):
				_ = send(sse.Message{Data: StreamErrorEvent{Code: "slow_subscriber", Message: err.Error()}})
				return
			default:
				e.Logger.Warn("stream subscriber failed", slog.String("session", input.SessionID), slog.Any("error", err))
				return
			}
			if frame.Keepalive {
				if err := send(sse.Message{Data: KeepaliveEvent{Keepalive: true}}); err != nil {
					return
				}
				continue
			}
			if err := send(sse.Message{ID: int(frame.Step.SequenceNo), Data: frame.Step}); err != nil {
				return
			}
		}
	})
}

// replayClosed serves a session that is no longer live from its archive.
func replayClosed(ctx context.Context, e *engine.Engine, sessionID string, after int64, send sse.Sender) {
	snap, err := e.Snapshot(ctx, sessionID)
	if err != nil {
		_ = send(sse.Message{Data: StreamErrorEvent{Code: "not_found", Message: err.Error()}})
		return
	}
	for _, step := range snap.ReasoningSteps {
		if step.SequenceNo <= after {
			continue
		}
		if err := send(sse.Message{ID: int(step.SequenceNo), Data: step}); err != nil {
			return
		}
	}
}
