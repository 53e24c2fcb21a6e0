package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentline/internal/domain"
	"agentline/internal/engine/auth"
	"agentline/internal/events"
	"agentline/internal/repo"
)

func (e Engine) GetSession(ctx context.Context, id string) (domain.SessionRecord, error) {
	return e.Repo.GetSession(ctx, id)
}

func (e Engine) ListSessions(ctx context.Context, f repo.SessionFilters) ([]domain.SessionRecord, error) {
	if f.Status != "" && f.Status != domain.StatusPending && f.Status != domain.StatusRunning && !domain.IsTerminalStatus(f.Status) {
		return nil, ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", f.Status)}
	}
	return e.Repo.ListSessions(ctx, f)
}

func (e Engine) ListChildren(ctx context.Context, parentID string) ([]domain.SessionRecord, error) {
	if _, err := e.Repo.GetSession(ctx, parentID); err != nil {
		return nil, err
	}
	return e.Repo.ListChildren(ctx, parentID)
}

func (e Engine) ListActive(ctx context.Context) ([]domain.SessionRecord, error) {
	return e.Repo.ListActive(ctx, nil)
}

// AgentStats aggregates outcomes per agent type over the last days (all time when days <= 0).
func (e Engine) AgentStats(ctx context.Context, agentType string, days int) ([]domain.AgentStats, error) {
	since := ""
	if days > 0 {
		since = e.now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)
	}
	return e.Repo.AgentStats(ctx, agentType, since)
}

// ArchiveSessions flags terminal sessions that ended more than olderThan ago. Rows are never deleted.
func (e Engine) ArchiveSessions(ctx context.Context, olderThan time.Duration, actorID string) ([]string, error) {
	if olderThan < 0 {
		return nil, ValidationError{Field: "older_than", Message: "must not be negative"}
	}
	now := e.now().UTC()
	before := now.Add(-olderThan).Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	ids, err := e.Repo.ArchiveSessions(ctx, tx, before, now.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		if err := e.audit().Append(ctx, tx, events.SessionArchived, e.Config.Orchestrator.Project, "session", "", actorID,
			events.EventPayload{"count": len(ids), "before": before}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (e Engine) Agents() []domain.AgentSpec {
	return e.Catalog.List()
}

func (e Engine) Agent(name string) (domain.AgentSpec, error) {
	return e.Catalog.Resolve(name)
}

type Recommendation struct {
	Agent domain.AgentSpec `json:"agent"`
	Score int              `json:"score"`
}

func (e Engine) Recommend(task string) (Recommendation, error) {
	if strings.TrimSpace(task) == "" {
		return Recommendation{}, ValidationError{Field: "task", Message: "required"}
	}
	spec, score, err := e.Catalog.Recommend(task)
	if err != nil {
		return Recommendation{}, err
	}
	return Recommendation{Agent: spec, Score: score}, nil
}

func (e Engine) LatestEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}

// CreateAPIKey stores a new key and returns it with the plaintext secret, which is not retrievable later.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string, scopes []string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", ValidationError{Field: "actor_id", Message: "required"}
	}
	for _, scope := range scopes {
		if !auth.KnownScope(scope) {
			return domain.APIKey{}, "", ValidationError{Field: "scopes", Message: fmt.Sprintf("unknown scope %q", scope)}
		}
	}
	secret := "agl_" + strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		Scopes:    scopes,
		CreatedAt: e.nowString(),
	}
	if len(key.Scopes) == 0 {
		key.Scopes = []string{auth.ScopeAll}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.audit().Append(ctx, tx, events.APIKeyCreated, "", "api_key", key.ID, actorID,
		events.EventPayload{"name": name, "scopes": key.Scopes}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actorID)
}

func (e Engine) DeleteAPIKey(ctx context.Context, id string) error {
	err := e.Repo.DeleteAPIKey(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("api key %s: %w", id, err)
	}
	return err
}
