package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"agentline/internal/config"
	"agentline/internal/domain"
	"agentline/internal/engine/auth"
	"agentline/internal/events"
	"agentline/internal/repo"
	"agentline/internal/sandbox"
)

// SpawnRequest asks for one worker process of AgentType.
type SpawnRequest struct {
	AgentType       string
	Task            string
	WorkspacePath   string
	ParentSessionID string
	// TimeoutSeconds overrides the agent default when set.
	TimeoutSeconds *int
	Project        string
	ActorID        string
}

type spawnPlan struct {
	spec  domain.AgentSpec
	rec   domain.SessionRecord
	notes []spawnNote
}

// spawnNote is an audit event recorded together with the session insert.
type spawnNote struct {
	evtType string
	payload events.EventPayload
}

type admitted struct {
	rec  domain.SessionRecord
	spec domain.AgentSpec
	ctx  context.Context
	run  *run
}

// Spawn runs one worker to completion and returns its finalized record.
// Errors before the session exists are returned with no ledger entry; once the
// session exists every outcome is recorded on it and returned as a record.
func (e Engine) Spawn(ctx context.Context, req SpawnRequest) (domain.SessionRecord, error) {
	a, err := e.admit(ctx, ctx, req)
	if err != nil {
		return domain.SessionRecord{}, err
	}
	return e.execute(a)
}

// Start admits a spawn like Spawn but executes it in the background and returns the pending record.
// The run is detached from ctx; use Cancel or Shutdown to stop it.
func (e Engine) Start(ctx context.Context, req SpawnRequest) (domain.SessionRecord, error) {
	a, err := e.admit(ctx, context.WithoutCancel(ctx), req)
	if err != nil {
		return domain.SessionRecord{}, err
	}
	go func() {
		if _, err := e.execute(a); err != nil {
			e.log().Error("background session not finalized", "session_id", a.rec.ID, "agent_type", a.rec.AgentType, "error", err)
		}
	}()
	return a.rec, nil
}

func (e Engine) admit(ctx, runParent context.Context, req SpawnRequest) (*admitted, error) {
	if e.tracker == nil {
		return nil, errors.New("engine not initialized; use engine.New")
	}
	p, err := e.plan(ctx, req)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(runParent)
	o := e.Config.Orchestrator
	logged := false
	for {
		freed := e.tracker.waitFreed()
		a, err := e.tryAdmit(ctx, p, runCtx, cancel)
		if err == nil {
			return a, nil
		}
		var ce CapacityExceededError
		if !errors.As(err, &ce) || o.CapacityPolicy != config.CapacityBlock {
			cancel()
			return nil, err
		}
		if !logged {
			e.log().Info("waiting for capacity", "agent_type", p.spec.Name, "active", ce.Active, "limit", ce.Limit)
			logged = true
		}
		tick := time.NewTimer(o.BlockPoll())
		select {
		case <-ctx.Done():
			tick.Stop()
			cancel()
			return nil, fmt.Errorf("waiting for capacity: %w", ctx.Err())
		case <-freed:
			tick.Stop()
		case <-tick.C:
		}
	}
}

// plan does every check that needs no ledger write.
func (e Engine) plan(ctx context.Context, req SpawnRequest) (spawnPlan, error) {
	if strings.TrimSpace(req.Task) == "" {
		return spawnPlan{}, ValidationError{Field: "task", Message: "required"}
	}
	spec, err := e.Catalog.Resolve(req.AgentType)
	if err != nil {
		return spawnPlan{}, err
	}
	ws, err := e.resolveWorkspace(req.WorkspacePath)
	if err != nil {
		return spawnPlan{}, err
	}
	effective, notes, err := e.effectiveTimeout(spec, req.TimeoutSeconds)
	if err != nil {
		return spawnPlan{}, err
	}
	var parentID *string
	if req.ParentSessionID != "" {
		if err := e.checkDepth(ctx, req.ParentSessionID); err != nil {
			return spawnPlan{}, err
		}
		id := req.ParentSessionID
		parentID = &id
	}
	project := req.Project
	if project == "" {
		project = e.Config.Orchestrator.Project
	}
	var requested *int
	if req.TimeoutSeconds != nil {
		v := *req.TimeoutSeconds
		requested = &v
	}
	return spawnPlan{
		spec: spec,
		rec: domain.SessionRecord{
			ParentID:                parentID,
			AgentType:               spec.Name,
			ModelTier:               spec.ModelTier,
			Project:                 project,
			Task:                    req.Task,
			WorkspacePath:           ws,
			Status:                  domain.StatusPending,
			RequestedTimeoutSeconds: requested,
			EffectiveTimeoutSeconds: effective,
			EstimatedCostUSD:        spec.CostPerTaskUSD,
			CreatedBy:               req.ActorID,
		},
		notes: notes,
	}, nil
}

func (e Engine) resolveWorkspace(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", ValidationError{Field: "workspace_path", Message: "required"}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", ValidationError{Field: "workspace_path", Message: err.Error()}
	}
	roots := e.Config.Orchestrator.WorkspaceRoots
	if len(roots) == 0 {
		return abs, nil
	}
	for _, root := range roots {
		for _, pattern := range []string{root, filepath.Join(root, "**")} {
			ok, err := doublestar.PathMatch(pattern, abs)
			if err != nil {
				return "", fmt.Errorf("workspace_roots pattern %q: %w", root, err)
			}
			if ok {
				return abs, nil
			}
		}
	}
	return "", WorkspaceNotAllowedError{Path: abs, Roots: roots}
}

// effectiveTimeout applies an explicit override as given, warning outside the
// configured band around the default and clamping to the agent maximum.
func (e Engine) effectiveTimeout(spec domain.AgentSpec, requested *int) (int, []spawnNote, error) {
	if requested == nil {
		return spec.DefaultTimeoutSeconds, nil, nil
	}
	req := *requested
	if req <= 0 {
		return 0, nil, ValidationError{Field: "timeout_seconds", Message: "must be positive"}
	}
	o := e.Config.Orchestrator
	var notes []spawnNote
	ratio := float64(req) / float64(spec.DefaultTimeoutSeconds)
	if ratio < o.TimeoutWarnLow || ratio > o.TimeoutWarnHigh {
		e.log().Warn("timeout override outside expected band",
			"agent_type", spec.Name, "requested_seconds", req, "default_seconds", spec.DefaultTimeoutSeconds,
			"ratio", ratio, "band_low", o.TimeoutWarnLow, "band_high", o.TimeoutWarnHigh)
		notes = append(notes, spawnNote{evtType: events.SpawnTimeoutWarning, payload: events.EventPayload{
			"requested_seconds": req,
			"default_seconds":   spec.DefaultTimeoutSeconds,
			"ratio":             ratio,
		}})
	}
	effective := req
	if spec.MaxTimeoutSeconds > 0 && req > spec.MaxTimeoutSeconds {
		effective = spec.MaxTimeoutSeconds
		e.log().Warn("timeout override clamped to agent maximum",
			"agent_type", spec.Name, "requested_seconds", req, "max_seconds", spec.MaxTimeoutSeconds)
		notes = append(notes, spawnNote{evtType: events.SpawnTimeoutClamped, payload: events.EventPayload{
			"requested_seconds": req,
			"max_seconds":       spec.MaxTimeoutSeconds,
		}})
	}
	return effective, notes, nil
}

// checkDepth walks the parent chain. Roots have depth 0; the new child sits one hop below
// its parent. A parent that is itself a child may only spawn when its agent type allows it.
func (e Engine) checkDepth(ctx context.Context, parentID string) error {
	maxDepth := e.Config.Orchestrator.MaxDepth
	parent, err := e.Repo.GetSession(ctx, parentID)
	if err != nil {
		return fmt.Errorf("parent session %s: %w", parentID, err)
	}
	depth := 0
	seen := map[string]bool{parent.ID: true}
	cur := parent
	for cur.ParentID != nil {
		depth++
		if depth+1 > maxDepth {
			return MaxDepthExceededError{ParentID: parentID, Depth: depth + 1, MaxDepth: maxDepth}
		}
		next := *cur.ParentID
		if seen[next] {
			return MaxDepthExceededError{ParentID: parentID, Depth: depth + 1, MaxDepth: maxDepth, Reason: "cycle in parent chain"}
		}
		seen[next] = true
		cur, err = e.Repo.GetSession(ctx, next)
		if errors.Is(err, repo.ErrNotFound) {
			break
		}
		if err != nil {
			return err
		}
	}
	if depth+1 > maxDepth {
		return MaxDepthExceededError{ParentID: parentID, Depth: depth + 1, MaxDepth: maxDepth}
	}
	if parent.ParentID != nil {
		spec, err := e.Catalog.Resolve(parent.AgentType)
		if err != nil {
			// The parent's type was dropped from the catalog after it started.
			return fmt.Errorf("parent session %s: %w", parentID, err)
		}
		if !spec.CanSpawnChildren {
			return MaxDepthExceededError{
				ParentID: parentID, Depth: depth + 1, MaxDepth: maxDepth,
				Reason: fmt.Sprintf("agent type %s may not spawn children", parent.AgentType),
			}
		}
	}
	return nil
}

// tryAdmit counts active sessions and inserts the new one in the same critical section.
func (e Engine) tryAdmit(ctx context.Context, p spawnPlan, runCtx context.Context, cancel context.CancelFunc) (*admitted, error) {
	t := e.tracker
	t.admit.Lock()
	defer t.admit.Unlock()

	if _, err := e.reapStale(ctx); err != nil {
		return nil, err
	}
	active, err := e.Repo.ListActive(ctx, nil)
	if err != nil {
		return nil, err
	}
	if limit := e.Config.Orchestrator.MaxRunning; len(active) >= limit {
		return nil, CapacityExceededError{Active: len(active), Limit: limit}
	}

	rec := p.rec
	rec.ID = uuid.NewString()
	rec.StartedAt = e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSession(ctx, tx, rec); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	payload := events.EventPayload{
		"agent_type":        rec.AgentType,
		"effective_timeout": rec.EffectiveTimeoutSeconds,
		"workspace_path":    rec.WorkspacePath,
	}
	if rec.ParentID != nil {
		payload["parent_id"] = *rec.ParentID
	}
	if err := e.audit().Append(ctx, tx, events.SessionCreated, rec.Project, "session", rec.ID, rec.CreatedBy, payload); err != nil {
		return nil, err
	}
	for _, n := range p.notes {
		if err := e.audit().Append(ctx, tx, n.evtType, rec.Project, "session", rec.ID, rec.CreatedBy, n.payload); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &admitted{rec: rec, spec: p.spec, ctx: runCtx, run: t.add(rec.ID, cancel)}, nil
}

// execute launches the admitted session and records its terminal state.
func (e Engine) execute(a *admitted) (domain.SessionRecord, error) {
	defer e.tracker.release(a.rec.ID)
	bg := context.WithoutCancel(a.ctx)

	if a.ctx.Err() != nil {
		return e.finalize(bg, a, sandbox.Result{Cancelled: true}, nil)
	}
	cmd, err := e.buildCommand(a)
	if err != nil {
		return e.finalize(bg, a, sandbox.Result{}, &sandbox.LaunchError{Path: strings.Join(a.spec.Command, " "), Dir: a.rec.WorkspacePath, Err: err})
	}
	cmd.Started = func(pid int) { e.markRunning(bg, a.rec, pid) }
	timeout := time.Duration(a.rec.EffectiveTimeoutSeconds) * time.Second
	res, runErr := e.Runner.Run(a.ctx, cmd, timeout)
	return e.finalize(bg, a, res, runErr)
}

func (e Engine) markRunning(ctx context.Context, rec domain.SessionRecord, pid int) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.log().Error("mark session running", "session_id", rec.ID, "error", err)
		return
	}
	defer tx.Rollback()
	moved, err := e.Repo.MarkSessionRunning(ctx, tx, rec.ID, pid)
	if err != nil {
		e.log().Error("mark session running", "session_id", rec.ID, "error", err)
		return
	}
	if !moved {
		return
	}
	if err := e.audit().Append(ctx, tx, events.SessionRunning, rec.Project, "session", rec.ID, rec.CreatedBy, events.EventPayload{"pid": pid}); err != nil {
		e.log().Error("mark session running", "session_id", rec.ID, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		e.log().Error("mark session running", "session_id", rec.ID, "error", err)
	}
}

func (e Engine) finalize(ctx context.Context, a *admitted, res sandbox.Result, runErr error) (domain.SessionRecord, error) {
	rec := a.rec
	o := e.Config.Orchestrator
	status, exitCode, summary := outcome(res, runErr, rec.EffectiveTimeoutSeconds, o.SummaryMaxChars)
	logger := e.log().With("session_id", rec.ID, "agent_type", rec.AgentType, "status", status, "elapsed_seconds", res.ElapsedSeconds())
	switch {
	case runErr != nil:
		logger.Error("worker launch failed", "workspace_path", rec.WorkspacePath, "command", a.spec.Command, "error", runErr)
	case res.IOErr != nil:
		logger.Warn("worker output incomplete", "error", res.IOErr)
	case status == domain.StatusTimedOut:
		logger.Info("worker timed out", "effective_timeout", rec.EffectiveTimeoutSeconds)
	default:
		logger.Info("worker finished", "exit_code", res.ExitCode)
	}

	u := repo.TerminalUpdate{
		ID:              rec.ID,
		Status:          status,
		EndedAt:         e.nowString(),
		ElapsedSeconds:  res.ElapsedSeconds(),
		ExitCode:        exitCode,
		ExitSummary:     summary,
		Output:          res.Stdout,
		ErrorOutput:     res.Stderr,
		OutputTruncated: res.Truncated,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTerminal(ctx, tx, u); err != nil {
		var already repo.AlreadyTerminalError
		if errors.As(err, &already) {
			logger.Error("terminal update rejected", "current_status", already.Status)
			_ = tx.Rollback()
			return e.Repo.GetSession(ctx, rec.ID)
		}
		return rec, fmt.Errorf("finalize session %s: %w", rec.ID, err)
	}
	payload := events.EventPayload{
		"status":          status,
		"elapsed_seconds": u.ElapsedSeconds,
		"truncated":       res.Truncated,
	}
	if exitCode != nil {
		payload["exit_code"] = *exitCode
	}
	if err := e.audit().Append(ctx, tx, events.SessionFinished, rec.Project, "session", rec.ID, rec.CreatedBy, payload); err != nil {
		return rec, err
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}
	return e.Repo.GetSession(ctx, rec.ID)
}

// outcome maps a run to a terminal status. A timeout wins over the exit code.
func outcome(res sandbox.Result, runErr error, effectiveSeconds, maxChars int) (string, *int, string) {
	var (
		status  string
		summary string
	)
	code := res.ExitCode
	exitCode := &code
	switch {
	case runErr != nil:
		status, exitCode = domain.StatusFailed, nil
		var le *sandbox.LaunchError
		if errors.As(runErr, &le) {
			summary = "launch failed: " + runErr.Error()
		} else {
			summary = "run failed: " + runErr.Error()
		}
	case res.TimedOut:
		status = domain.StatusTimedOut
		summary = fmt.Sprintf("timed out after %ds (elapsed %.1fs)", effectiveSeconds, res.ElapsedSeconds())
	case res.Cancelled:
		status = domain.StatusCancelled
		summary = fmt.Sprintf("cancelled after %.1fs", res.ElapsedSeconds())
		if res.PID == 0 {
			exitCode = nil
		}
	case res.ExitCode == 0:
		status = domain.StatusSucceeded
		summary = strings.TrimSpace(res.Stdout)
	default:
		status = domain.StatusFailed
		summary = fmt.Sprintf("exit code %d", res.ExitCode)
		detail := strings.TrimSpace(res.Stderr)
		if detail == "" {
			detail = strings.TrimSpace(res.Stdout)
		}
		if detail != "" {
			summary += ": " + detail
		}
	}
	switch {
	case res.IOErr != nil:
		summary += fmt.Sprintf(" [output incomplete: %v]", res.IOErr)
	case res.Truncated:
		summary += " [output truncated]"
	}
	return status, exitCode, truncate(summary, maxChars)
}

func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

// buildCommand expands the agent argv template and the worker environment.
func (e Engine) buildCommand(a *admitted) (sandbox.Command, error) {
	spec, rec := a.spec, a.rec
	if len(spec.Command) == 0 {
		return sandbox.Command{}, fmt.Errorf("agent type %s has no command", spec.Name)
	}
	repl := strings.NewReplacer(
		"{task}", rec.Task,
		"{workspace}", rec.WorkspacePath,
		"{model}", spec.ModelTier,
		"{session_id}", rec.ID,
	)
	argv := make([]string, len(spec.Command))
	for i, arg := range spec.Command {
		argv[i] = repl.Replace(arg)
	}

	env := os.Environ()
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+repl.Replace(spec.Env[k]))
	}
	parent := ""
	if rec.ParentID != nil {
		parent = *rec.ParentID
	}
	env = append(env,
		"AGENTLINE_SESSION_ID="+rec.ID,
		"AGENTLINE_PARENT_SESSION_ID="+parent,
		"AGENTLINE_PROJECT="+rec.Project,
		"AGENTLINE_TASK="+rec.Task,
		"AGENTLINE_WORKSPACE="+rec.WorkspacePath,
	)
	if url := e.Config.Server.PublicURL; url != "" {
		env = append(env, "AGENTLINE_URL="+url)
	}
	if e.TokenSecret != "" {
		ttl := time.Duration(rec.EffectiveTimeoutSeconds)*time.Second + e.Config.Orchestrator.StaleSlack()
		token, err := auth.IssueToken(e.TokenSecret, rec.ID, auth.TokenOptions{
			Scopes:    auth.WorkerScopes(spec.CanSpawnChildren),
			Project:   rec.Project,
			SessionID: rec.ID,
			TTL:       ttl,
			Now:       e.Now,
		})
		if err != nil {
			return sandbox.Command{}, fmt.Errorf("issue worker token: %w", err)
		}
		env = append(env, "AGENTLINE_TOKEN="+token)
	}

	cmd := sandbox.Command{Path: argv[0], Args: argv[1:], Dir: rec.WorkspacePath, Env: env}
	if spec.Stdin {
		cmd.Stdin = fmt.Sprintf("WORKSPACE: %s\n\nTASK:\n%s\n", rec.WorkspacePath, rec.Task)
	}
	return cmd, nil
}
