package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentline/internal/domain"
	"agentline/internal/events"
	"agentline/internal/repo"
	"agentline/internal/sandbox"
)

type CancelOptions struct {
	// Force ends a session owned by another process: the row is marked cancelled and
	// the recorded process group is killed.
	Force   bool
	ActorID string
}

// Cancel stops an active session. Local runs go through the same group kill as a timeout
// and Cancel waits until the session is finalized.
func (e Engine) Cancel(ctx context.Context, id string, opts CancelOptions) (domain.SessionRecord, error) {
	rec, err := e.Repo.GetSession(ctx, id)
	if err != nil {
		return domain.SessionRecord{}, err
	}
	if rec.Terminal() {
		return rec, repo.AlreadyTerminalError{SessionID: id, Status: rec.Status}
	}
	if e.tracker != nil {
		if r, ok := e.tracker.get(id); ok {
			e.log().Info("cancelling session", "session_id", id, "actor_id", opts.ActorID)
			r.cancel()
			select {
			case <-r.done:
			case <-ctx.Done():
				return rec, ctx.Err()
			}
			return e.Repo.GetSession(ctx, id)
		}
	}
	if !opts.Force {
		return rec, ErrNotAttached
	}
	return e.forceCancel(ctx, rec, opts.ActorID)
}

func (e Engine) forceCancel(ctx context.Context, rec domain.SessionRecord, actorID string) (domain.SessionRecord, error) {
	elapsed := e.sinceStart(rec)
	summary := "cancelled (forced; not attached to this orchestrator)"
	if actorID != "" {
		summary = fmt.Sprintf("cancelled by %s (forced; not attached to this orchestrator)", actorID)
	}
	if err := e.terminate(ctx, rec, domain.StatusCancelled, summary, elapsed, events.SessionFinished, actorID); err != nil {
		return rec, err
	}
	if rec.PID != nil {
		if err := sandbox.KillGroup(*rec.PID); err != nil {
			e.log().Warn("kill process group", "session_id", rec.ID, "pid", *rec.PID, "error", err)
		}
	}
	e.log().Warn("session force-cancelled", "session_id", rec.ID, "actor_id", actorID)
	return e.Repo.GetSession(ctx, rec.ID)
}

// ReapStale fails active sessions whose owner must have died: they are not run by this
// process and are past their timeout plus every grace window.
func (e Engine) ReapStale(ctx context.Context) ([]string, error) {
	if e.tracker == nil {
		return nil, errors.New("engine not initialized; use engine.New")
	}
	e.tracker.admit.Lock()
	defer e.tracker.admit.Unlock()
	return e.reapStale(ctx)
}

func (e Engine) reapStale(ctx context.Context) ([]string, error) {
	active, err := e.Repo.ListActive(ctx, nil)
	if err != nil {
		return nil, err
	}
	o := e.Config.Orchestrator
	slack := o.Grace() + o.IOWait() + o.StaleSlack()
	now := e.now()
	var reaped []string
	for _, s := range active {
		if e.tracker.local(s.ID) {
			continue
		}
		started, err := time.Parse(time.RFC3339, s.StartedAt)
		if err != nil {
			continue
		}
		if now.Before(started.Add(time.Duration(s.EffectiveTimeoutSeconds)*time.Second + slack)) {
			continue
		}
		if s.PID != nil && sandbox.GroupAlive(*s.PID) {
			_ = sandbox.KillGroup(*s.PID)
		}
		err = e.terminate(ctx, s, domain.StatusFailed, "abandoned: no orchestrator finalized this session before its deadline",
			e.sinceStart(s), events.SessionReaped, "")
		var already repo.AlreadyTerminalError
		if errors.As(err, &already) {
			continue
		}
		if err != nil {
			return reaped, err
		}
		e.log().Warn("reaped abandoned session", "session_id", s.ID, "agent_type", s.AgentType, "started_at", s.StartedAt)
		reaped = append(reaped, s.ID)
	}
	return reaped, nil
}

// terminate writes a terminal state for a session this process is not executing.
func (e Engine) terminate(ctx context.Context, rec domain.SessionRecord, status, summary string, elapsed float64, evtType, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	err = e.Repo.UpdateTerminal(ctx, tx, repo.TerminalUpdate{
		ID:             rec.ID,
		Status:         status,
		EndedAt:        e.nowString(),
		ElapsedSeconds: elapsed,
		ExitSummary:    truncate(summary, e.Config.Orchestrator.SummaryMaxChars),
	})
	if err != nil {
		return err
	}
	if err := e.audit().Append(ctx, tx, evtType, rec.Project, "session", rec.ID, actorID, events.EventPayload{
		"status":          status,
		"elapsed_seconds": elapsed,
		"forced":          true,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// sinceStart estimates elapsed time from the ledger for sessions without a local measurement.
func (e Engine) sinceStart(rec domain.SessionRecord) float64 {
	started, err := time.Parse(time.RFC3339, rec.StartedAt)
	if err != nil {
		return 0
	}
	d := e.now().Sub(started).Seconds()
	if d < 0 {
		return 0
	}
	return d
}
