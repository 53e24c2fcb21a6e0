package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"agentline/internal/domain"
	"agentline/internal/events"
	"agentline/internal/repo"
)

type PostRequest struct {
	Project       string
	FromSessionID string
	// ToSessionID empty makes the message a broadcast.
	ToSessionID string
	Kind        string
	Payload     string
	ReplyTo     string
	ActorID     string
}

// Post stores a message for later polling.
func (e Engine) Post(ctx context.Context, req PostRequest) (domain.Message, error) {
	if req.Kind == "" {
		if req.ToSessionID == "" {
			req.Kind = domain.KindBroadcast
		} else {
			req.Kind = domain.KindResult
		}
	}
	if !domain.IsMessageKind(req.Kind) {
		return domain.Message{}, ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", req.Kind)}
	}
	if req.Kind == domain.KindBroadcast && req.ToSessionID != "" {
		return domain.Message{}, ValidationError{Field: "to_session_id", Message: "broadcasts have no recipient"}
	}
	if req.ToSessionID != "" {
		if _, err := e.Repo.GetSession(ctx, req.ToSessionID); err != nil {
			return domain.Message{}, fmt.Errorf("recipient session %s: %w", req.ToSessionID, err)
		}
	}
	if req.ReplyTo != "" {
		if _, err := e.Repo.GetMessage(ctx, req.ReplyTo); err != nil {
			return domain.Message{}, fmt.Errorf("reply_to message %s: %w", req.ReplyTo, err)
		}
	}
	project := req.Project
	if project == "" {
		project = e.Config.Orchestrator.Project
	}
	m := domain.Message{
		ID:        uuid.NewString(),
		Project:   project,
		Kind:      req.Kind,
		Payload:   req.Payload,
		CreatedAt: e.nowString(),
	}
	if req.FromSessionID != "" {
		from := req.FromSessionID
		m.FromSessionID = &from
	}
	if req.ToSessionID != "" {
		to := req.ToSessionID
		m.ToSessionID = &to
	}
	if req.ReplyTo != "" {
		replyTo := req.ReplyTo
		m.ReplyTo = &replyTo
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMessage(ctx, tx, m); err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	payload := events.EventPayload{"kind": m.Kind, "broadcast": m.Broadcast()}
	if m.ToSessionID != nil {
		payload["to_session_id"] = *m.ToSessionID
	}
	if m.FromSessionID != nil {
		payload["from_session_id"] = *m.FromSessionID
	}
	if err := e.audit().Append(ctx, tx, events.MessagePosted, m.Project, "message", m.ID, actorOr(req.ActorID, req.FromSessionID), payload); err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

// Reply answers a message by posting to its sender, threaded through reply_to.
func (e Engine) Reply(ctx context.Context, messageID string, req PostRequest) (domain.Message, error) {
	orig, err := e.Repo.GetMessage(ctx, messageID)
	if err != nil {
		return domain.Message{}, err
	}
	if orig.FromSessionID == nil {
		return domain.Message{}, ValidationError{Field: "message_id", Message: "message has no sender to reply to"}
	}
	if req.Kind == "" {
		req.Kind = domain.KindResult
	}
	req.Project = orig.Project
	req.ToSessionID = *orig.FromSessionID
	req.ReplyTo = orig.ID
	return e.Post(ctx, req)
}

type PollRequest struct {
	ReaderID          string
	Project           string
	IncludeBroadcasts bool
	IncludeConsumed   bool
	Kind              string
	Limit             int
}

// Poll returns unconsumed messages oldest first without consuming them. IncludeConsumed widens
// it to acknowledged messages as well.
func (e Engine) Poll(ctx context.Context, req PollRequest) ([]domain.Message, error) {
	if req.ReaderID == "" && req.Project == "" {
		return nil, ValidationError{Field: "reader", Message: "session or project required"}
	}
	if req.Kind != "" && !domain.IsMessageKind(req.Kind) {
		return nil, ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", req.Kind)}
	}
	return e.Repo.PollMessages(ctx, repo.PollFilters{
		ReaderID:          req.ReaderID,
		Project:           req.Project,
		IncludeBroadcasts: req.IncludeBroadcasts,
		IncludeConsumed:   req.IncludeConsumed,
		Kind:              req.Kind,
		Limit:             req.Limit,
	})
}

type ConsumeResult struct {
	MessageID  string `json:"message_id"`
	ReaderID   string `json:"reader_id,omitempty"`
	ConsumedAt string `json:"consumed_at"`
	// Recorded is false when the message was already consumed by this reader.
	Recorded bool `json:"recorded"`
}

// MarkConsumed acknowledges a message for reader. Broadcasts need a reader.
func (e Engine) MarkConsumed(ctx context.Context, messageID, readerID, actorID string) (ConsumeResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ConsumeResult{}, err
	}
	defer tx.Rollback()
	at, recorded, err := e.Repo.MarkConsumed(ctx, tx, messageID, readerID, e.nowString())
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ConsumeResult{}, fmt.Errorf("message %s: %w", messageID, err)
		}
		if errors.Is(err, repo.ErrReaderRequired) {
			return ConsumeResult{}, ValidationError{Field: "reader", Message: err.Error()}
		}
		return ConsumeResult{}, err
	}
	res := ConsumeResult{MessageID: messageID, ReaderID: readerID, ConsumedAt: at, Recorded: recorded}
	if !recorded {
		return res, nil
	}
	m, err := e.Repo.GetMessageTx(ctx, tx, messageID)
	if err != nil {
		return ConsumeResult{}, err
	}
	if err := e.audit().Append(ctx, tx, events.MessageConsumed, m.Project, "message", messageID, actorOr(actorID, readerID),
		events.EventPayload{"reader_id": readerID, "broadcast": m.Broadcast()}); err != nil {
		return ConsumeResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ConsumeResult{}, err
	}
	return res, nil
}

func actorOr(actorID, fallback string) string {
	if actorID != "" {
		return actorID
	}
	return fallback
}
