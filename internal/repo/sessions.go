package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"agentline/internal/domain"
)

// AlreadyTerminalError is returned when a terminal update targets a session that already ended.
type AlreadyTerminalError struct {
	SessionID string
	Status    string
}

func (e AlreadyTerminalError) Error() string {
	return fmt.Sprintf("session %s already terminal (%s)", e.SessionID, e.Status)
}

const sessionColumns = `id,parent_id,agent_type,COALESCE(model_tier,''),COALESCE(project,''),task,workspace_path,status,
requested_timeout_seconds,effective_timeout_seconds,started_at,ended_at,elapsed_seconds,exit_code,exit_summary,
COALESCE(output_text,''),COALESCE(error_text,''),output_truncated,pid,estimated_cost_usd,COALESCE(created_by,''),archived_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.SessionRecord, error) {
	var (
		s                                 domain.SessionRecord
		parentID, endedAt, summary, archd sql.NullString
		requested, exitCode, pid          sql.NullInt64
		elapsed                           sql.NullFloat64
		truncated                         int
	)
	err := row.Scan(&s.ID, &parentID, &s.AgentType, &s.ModelTier, &s.Project, &s.Task, &s.WorkspacePath, &s.Status,
		&requested, &s.EffectiveTimeoutSeconds, &s.StartedAt, &endedAt, &elapsed, &exitCode, &summary,
		&s.Output, &s.ErrorOutput, &truncated, &pid, &s.EstimatedCostUSD, &s.CreatedBy, &archd)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.ParentID = stringPtr(parentID)
	s.RequestedTimeoutSeconds = intPtr(requested)
	s.EndedAt = stringPtr(endedAt)
	s.ElapsedSeconds = floatPtr(elapsed)
	s.ExitCode = intPtr(exitCode)
	s.ExitSummary = stringPtr(summary)
	s.OutputTruncated = truncated != 0
	s.PID = intPtr(pid)
	s.ArchivedAt = stringPtr(archd)
	return s, nil
}

func scanSessions(rows *sql.Rows) ([]domain.SessionRecord, error) {
	defer rows.Close()
	var res []domain.SessionRecord
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// InsertSession creates the ledger row. New rows are always pending.
func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.SessionRecord) error {
	if s.ID == "" {
		return errors.New("id required")
	}
	if s.Status == "" {
		s.Status = domain.StatusPending
	}
	if s.Status != domain.StatusPending {
		return fmt.Errorf("new session must be pending, got %s", s.Status)
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO sessions(id,parent_id,agent_type,model_tier,project,task,workspace_path,status,
requested_timeout_seconds,effective_timeout_seconds,started_at,estimated_cost_usd,created_by)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, nullableStringPtr(s.ParentID), s.AgentType, nullable(s.ModelTier), nullable(s.Project), s.Task, s.WorkspacePath, s.Status,
		nullableIntPtr(s.RequestedTimeoutSeconds), s.EffectiveTimeoutSeconds, s.StartedAt, s.EstimatedCostUSD, nullable(s.CreatedBy))
	return err
}

// MarkSessionRunning moves a pending session to running and records its pid.
// It returns false without error when the session already left pending for running.
func (r Repo) MarkSessionRunning(ctx context.Context, tx *sql.Tx, id string, pid int) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE sessions SET status=?, pid=? WHERE id=? AND status=?`,
		domain.StatusRunning, pid, id, domain.StatusPending)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	status, err := r.sessionStatus(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if domain.IsTerminalStatus(status) {
		return false, AlreadyTerminalError{SessionID: id, Status: status}
	}
	return false, nil
}

// TerminalUpdate carries the fields written exactly once when a session ends.
type TerminalUpdate struct {
	ID              string
	Status          string
	EndedAt         string
	ElapsedSeconds  float64
	ExitCode        *int
	ExitSummary     string
	Output          string
	ErrorOutput     string
	OutputTruncated bool
}

// UpdateTerminal ends a pending or running session. The first terminal write wins;
// later writes get AlreadyTerminalError and leave the row untouched.
func (r Repo) UpdateTerminal(ctx context.Context, tx *sql.Tx, u TerminalUpdate) error {
	if !domain.IsTerminalStatus(u.Status) {
		return fmt.Errorf("status %q is not terminal", u.Status)
	}
	if u.EndedAt == "" {
		return errors.New("ended_at required")
	}
	truncated := 0
	if u.OutputTruncated {
		truncated = 1
	}
	res, err := r.on(tx).ExecContext(ctx, `UPDATE sessions SET status=?, ended_at=?, elapsed_seconds=?, exit_code=?, exit_summary=?,
output_text=?, error_text=?, output_truncated=? WHERE id=? AND status IN (?,?)`,
		u.Status, u.EndedAt, u.ElapsedSeconds, nullableIntPtr(u.ExitCode), nullable(u.ExitSummary),
		nullable(u.Output), nullable(u.ErrorOutput), truncated, u.ID, domain.StatusPending, domain.StatusRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	status, err := r.sessionStatus(ctx, tx, u.ID)
	if err != nil {
		return err
	}
	return AlreadyTerminalError{SessionID: u.ID, Status: status}
}

func (r Repo) sessionStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := r.on(tx).QueryRowContext(ctx, `SELECT status FROM sessions WHERE id=?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return status, err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.SessionRecord, error) {
	return scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.SessionRecord, error) {
	return scanSession(r.on(tx).QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
}

// ListChildren returns the direct children of a session in start order.
func (r Repo) ListChildren(ctx context.Context, parentID string) ([]domain.SessionRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE parent_id=? ORDER BY started_at ASC, id ASC`, parentID)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

// ListActive returns pending and running sessions, oldest first.
func (r Repo) ListActive(ctx context.Context, tx *sql.Tx) ([]domain.SessionRecord, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status IN (?,?) ORDER BY started_at ASC, id ASC`,
		domain.StatusPending, domain.StatusRunning)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

type SessionFilters struct {
	Status          string
	AgentType       string
	ParentID        string
	Project         string
	RootsOnly       bool
	IncludeArchived bool
	Limit           int
	CursorStartedAt string
	CursorID        string
}

// ListSessions returns sessions newest first with keyset pagination on (started_at, id).
func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.SessionRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AgentType != "" {
		clauses = append(clauses, "agent_type=?")
		args = append(args, f.AgentType)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.RootsOnly {
		clauses = append(clauses, "parent_id IS NULL")
	}
	if f.Project != "" {
		clauses = append(clauses, "project=?")
		args = append(args, f.Project)
	}
	if !f.IncludeArchived {
		clauses = append(clauses, "archived_at IS NULL")
	}
	if f.CursorStartedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(started_at < ? OR (started_at = ? AND id < ?))")
		args = append(args, f.CursorStartedAt, f.CursorStartedAt, f.CursorID)
	}
	query := fmt.Sprintf(`SELECT %s FROM sessions WHERE %s ORDER BY started_at DESC, id DESC`, sessionColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

// ArchiveSessions flags terminal sessions that ended before the cutoff and returns their ids.
func (r Repo) ArchiveSessions(ctx context.Context, tx *sql.Tx, before, archivedAt string) ([]string, error) {
	q := r.on(tx)
	rows, err := q.QueryContext(ctx, `SELECT id FROM sessions WHERE archived_at IS NULL AND ended_at IS NOT NULL AND ended_at < ? ORDER BY ended_at ASC`, before)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for _, id := range ids {
		if _, err := q.ExecContext(ctx, `UPDATE sessions SET archived_at=? WHERE id=?`, archivedAt, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// AgentStats aggregates outcomes per agent type. Empty agentType means all types;
// since, when set, limits to sessions started at or after it.
func (r Repo) AgentStats(ctx context.Context, agentType, since string) ([]domain.AgentStats, error) {
	clauses := []string{"1=1"}
	var args []any
	if agentType != "" {
		clauses = append(clauses, "agent_type=?")
		args = append(args, agentType)
	}
	if since != "" {
		clauses = append(clauses, "started_at>=?")
		args = append(args, since)
	}
	query := fmt.Sprintf(`SELECT agent_type, COUNT(*),
SUM(CASE WHEN status='succeeded' THEN 1 ELSE 0 END),
SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END),
SUM(CASE WHEN status='timed_out' THEN 1 ELSE 0 END),
SUM(CASE WHEN status='cancelled' THEN 1 ELSE 0 END),
SUM(CASE WHEN status IN ('pending','running') THEN 1 ELSE 0 END),
COALESCE(AVG(elapsed_seconds),0.0), COALESCE(MAX(elapsed_seconds),0.0), COALESCE(SUM(estimated_cost_usd),0.0)
FROM sessions WHERE %s GROUP BY agent_type ORDER BY agent_type`, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentStats
	for rows.Next() {
		var s domain.AgentStats
		if err := rows.Scan(&s.AgentType, &s.Total, &s.Succeeded, &s.Failed, &s.TimedOut, &s.Cancelled, &s.Active,
			&s.AvgElapsedSeconds, &s.MaxElapsedSeconds, &s.TotalCostUSD); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
