package server

import (
	"encoding/json"

	"agentline/internal/domain"
	"agentline/internal/engine"
)

// Request payloads

type SpawnRequest struct {
	AgentType       string `json:"agent_type"`
	Task            string `json:"task"`
	WorkspacePath   string `json:"workspace_path"`
	ParentSessionID string `json:"parent_session_id,omitempty"`
	TimeoutSeconds  *int   `json:"timeout_seconds,omitempty" minimum:"1"`
	Project         string `json:"project,omitempty"`
	// Wait defaults to true: the call returns once the session is terminal.
	Wait *bool `json:"wait,omitempty"`
}

type RecommendRequest struct {
	Task string `json:"task"`
}

type ArchiveRequest struct {
	OlderThan string `json:"older_than" example:"168h"`
}

type PostMessageRequest struct {
	Project       string `json:"project,omitempty"`
	FromSessionID string `json:"from_session_id,omitempty"`
	ToSessionID   string `json:"to_session_id,omitempty"`
	Kind          string `json:"kind,omitempty" enum:"result,question,status,broadcast"`
	Payload       string `json:"payload"`
	ReplyTo       string `json:"reply_to,omitempty"`
}

type ReplyRequest struct {
	FromSessionID string `json:"from_session_id,omitempty"`
	Kind          string `json:"kind,omitempty" enum:"result,question,status"`
	Payload       string `json:"payload"`
}

type ConsumeRequest struct {
	ReaderID string `json:"reader_id,omitempty"`
}

type DevLoginRequest struct {
	ActorID    string   `json:"actor_id"`
	Scopes     []string `json:"scopes,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	TTLMinutes int      `json:"ttl_minutes,omitempty"`
}

// Response payloads

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	Project    string         `json:"project,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type WhoAmIResponse struct {
	ActorID   string   `json:"actor_id"`
	Scopes    []string `json:"scopes"`
	SessionID string   `json:"session_id,omitempty"`
	Project   string   `json:"project,omitempty"`
	Source    string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedSessions struct {
	Items      []domain.SessionRecord `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type sessionList struct {
	Items []domain.SessionRecord `json:"items"`
}

type agentList struct {
	Items []domain.AgentSpec `json:"items"`
}

type messageList struct {
	Items []domain.Message `json:"items"`
}

type statsList struct {
	Items []domain.AgentStats `json:"items"`
}

type idList struct {
	IDs []string `json:"ids"`
}

type consumeResponse = engine.ConsumeResult

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		Project:    e.Project,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
