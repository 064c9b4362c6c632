package server

import (
	"encoding/json"
	"time"

	"incidentline/internal/domain"
	"incidentline/internal/engine"
	"incidentline/internal/repo"
)

// Request payloads

type ResolveRequest struct {
	Env map[string]string `json:"env,omitempty" doc:"Extra environment for CLI steps"`
}

// Response payloads

type HealthResponse struct {
	Status       string         `json:"status" example:"ok"`
	LiveSessions int            `json:"live_sessions"`
	Resolutions  []string       `json:"resolutions" doc:"Tickets with a running resolution"`
	Tickets      map[string]int `json:"tickets" doc:"Ticket count per status"`
}

type SessionResponse struct {
	SessionID  string `json:"session_id"`
	Dataset    string `json:"dataset"`
	Entries    int    `json:"entries"`
	Mode       string `json:"mode"`
	StartedAt  string `json:"started_at" format:"date-time"`
	FinishedAt string `json:"finished_at,omitempty" format:"date-time"`
	Live       bool   `json:"live"`
}

type SessionList struct {
	Items []SessionResponse `json:"items"`
}

type CloseSessionResponse struct {
	SessionID string `json:"session_id"`
	Archived  bool   `json:"archived"`
}

type TicketList struct {
	Items []domain.Ticket `json:"items"`
}

type EventResponse struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts" format:"date-time"`
	Type     string         `json:"type"`
	TicketID string         `json:"ticket_id"`
	Dataset  string         `json:"dataset,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

type EventList struct {
	Items []EventResponse `json:"items"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source" enum:"jwt,none"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// Stream event payloads

type KeepaliveEvent struct {
	Keepalive bool `json:"keepalive"`
}

type StreamErrorEvent struct {
	Code    string `json:"code" enum:"not_found,slow_subscriber"`
	Message string `json:"message"`
}

// Mapping helpers

func sessionResponse(info engine.SessionInfo, live bool) SessionResponse {
	return SessionResponse{
		SessionID: info.ID,
		Dataset:   info.Dataset,
		Entries:   info.Entries,
		Mode:      defaultMode(string(info.Mode)),
		StartedAt: info.StartedAt.Format(time.RFC3339),
		Live:      live,
	}
}

func storedSessionResponse(s repo.Session) SessionResponse {
	return SessionResponse{
		SessionID:  s.ID,
		Dataset:    s.Dataset,
		Entries:    s.Entries,
		Mode:       defaultMode(s.Mode),
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:       e.ID,
		TS:       e.TS,
		Type:     e.Type,
		TicketID: e.TicketID,
		Dataset:  e.Dataset,
		Payload:  decodeJSONMap(strPtr(e.Payload)),
	}
}

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func defaultMode(mode string) string {
	if mode == "" {
		return "auto"
	}
	return mode
}

func strPtr(in string) *string {
	return &in
}
