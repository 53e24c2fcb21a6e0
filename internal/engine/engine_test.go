package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentline/internal/catalog"
	"agentline/internal/config"
	"agentline/internal/db"
	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/events"
	"agentline/internal/migrate"
	"agentline/internal/repo"
	"agentline/internal/sandbox"
)

const testConfig = `orchestrator:
  max_depth: 2
  max_running: 4
  grace_seconds: 0.5
  io_wait_seconds: 0.5
  block_poll_millis: 20
agents:
  echo-worker:
    model_tier: none
    default_timeout_seconds: 5
    max_timeout_seconds: 30
    cost_per_task_usd: 0.25
    keywords: [echo, print]
    command: ["sh", "-c", "printf '%s\n' \"$AGENTLINE_TASK\""]
  sleep-forever:
    default_timeout_seconds: 10
    max_timeout_seconds: 60
    command: ["sh", "-c", "trap '' TERM; while :; do sleep 1; done"]
  fail-worker:
    default_timeout_seconds: 5
    max_timeout_seconds: 10
    command: ["sh", "-c", "echo boom >&2; exit 7"]
  lead:
    default_timeout_seconds: 5
    max_timeout_seconds: 10
    can_spawn_children: true
    command: ["true"]
  worker:
    default_timeout_seconds: 5
    max_timeout_seconds: 10
    command: ["true"]
  missing-binary:
    default_timeout_seconds: 5
    max_timeout_seconds: 10
    command: ["/definitely/not/a/binary"]
`

type testEnv struct {
	Engine    engine.Engine
	Ctx       context.Context
	Workspace string
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg, err := config.FromYAML([]byte(testConfig))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if mutate != nil {
		mutate(cfg)
		if err := cfg.Validate(); err != nil {
			t.Fatalf("mutated config invalid: %v", err)
		}
	}
	eng := engine.New(conn, cfg)
	eng.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = eng.Shutdown(shutdownCtx)
	})
	return testEnv{Engine: eng, Ctx: ctx, Workspace: t.TempDir()}
}

func (env testEnv) spawn(t *testing.T, agentType, task, parent string) (domain.SessionRecord, error) {
	t.Helper()
	return env.Engine.Spawn(env.Ctx, engine.SpawnRequest{
		AgentType:       agentType,
		Task:            task,
		WorkspacePath:   env.Workspace,
		ParentSessionID: parent,
		ActorID:         "tester",
	})
}

func (env testEnv) sessionCount(t *testing.T) int {
	t.Helper()
	all, err := env.Engine.ListSessions(env.Ctx, repo.SessionFilters{IncludeArchived: true})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	return len(all)
}

func (env testEnv) eventTypes(t *testing.T, entityID string) []string {
	t.Helper()
	evts, err := env.Engine.LatestEvents(env.Ctx, repo.EventFilters{EntityID: entityID, Limit: 100})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var types []string
	for i := len(evts) - 1; i >= 0; i-- {
		types = append(types, evts[i].Type)
	}
	return types
}

func (env testEnv) waitTerminal(t *testing.T, id string) domain.SessionRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := env.Engine.GetSession(env.Ctx, id)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if rec.Terminal() {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s still %s", id, rec.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func intPtr(v int) *int { return &v }

func TestEchoWorkerEndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, err := env.spawn(t, "echo-worker", "print hello", "")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if rec.Status != domain.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%v)", rec.Status, rec.ExitSummary)
	}
	if rec.ExitCode == nil || *rec.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", rec.ExitCode)
	}
	if rec.ElapsedSeconds == nil || *rec.ElapsedSeconds >= 5 {
		t.Fatalf("expected elapsed under 5s, got %v", rec.ElapsedSeconds)
	}
	if rec.Output != "print hello\n" || rec.ExitSummary == nil || *rec.ExitSummary != "print hello" {
		t.Fatalf("unexpected output %q summary %v", rec.Output, rec.ExitSummary)
	}
	if rec.EffectiveTimeoutSeconds != 5 || rec.RequestedTimeoutSeconds != nil {
		t.Fatalf("unexpected timeouts: %+v", rec)
	}
	if rec.EndedAt == nil || rec.PID == nil || rec.EstimatedCostUSD != 0.25 || rec.CreatedBy != "tester" {
		t.Fatalf("ledger fields missing: %+v", rec)
	}
	types := env.eventTypes(t, rec.ID)
	want := []string{events.SessionCreated, events.SessionRunning, events.SessionFinished}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("expected events %v, got %v", want, types)
	}
}

func TestFailedExitIsRecorded(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, err := env.spawn(t, "fail-worker", "break", "")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if rec.Status != domain.StatusFailed || rec.ExitCode == nil || *rec.ExitCode != 7 {
		t.Fatalf("expected failed with exit 7, got %+v", rec)
	}
	if rec.ExitSummary == nil || *rec.ExitSummary != "exit code 7: boom" {
		t.Fatalf("unexpected summary %v", rec.ExitSummary)
	}
	if rec.ErrorOutput != "boom\n" {
		t.Fatalf("stderr not persisted: %q", rec.ErrorOutput)
	}
}

func TestLaunchFailureBecomesLedgerState(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, err := env.spawn(t, "missing-binary", "go", "")
	if err != nil {
		t.Fatalf("launch failure must not be returned as error: %v", err)
	}
	if rec.Status != domain.StatusFailed || rec.ExitSummary == nil || !strings.HasPrefix(*rec.ExitSummary, "launch failed:") {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.EndedAt == nil || rec.ElapsedSeconds == nil {
		t.Fatalf("terminal fields missing: %+v", rec)
	}

	_, err = env.Engine.Spawn(env.Ctx, engine.SpawnRequest{
		AgentType:     "echo-worker",
		Task:          "hi",
		WorkspacePath: filepath.Join(env.Workspace, "missing"),
	})
	if err != nil {
		t.Fatalf("missing workspace must not be returned as error: %v", err)
	}
	sessions, _ := env.Engine.ListSessions(env.Ctx, repo.SessionFilters{Status: domain.StatusFailed})
	if len(sessions) != 2 {
		t.Fatalf("expected two failed sessions, got %d", len(sessions))
	}
}

func TestUnknownAgentTypeCreatesNoSession(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.spawn(t, "ghost", "anything", "")
	var unknown catalog.UnknownAgentTypeError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownAgentTypeError, got %v", err)
	}
	if n := env.sessionCount(t); n != 0 {
		t.Fatalf("expected no ledger rows, got %d", n)
	}
}

func TestPreCreationValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	var ve engine.ValidationError
	if _, err := env.spawn(t, "echo-worker", "  ", ""); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for empty task, got %v", err)
	}
	_, err := env.Engine.Spawn(env.Ctx, engine.SpawnRequest{AgentType: "echo-worker", Task: "x", WorkspacePath: env.Workspace, TimeoutSeconds: intPtr(0)})
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for zero timeout, got %v", err)
	}
	if _, err := env.spawn(t, "echo-worker", "x", "no-such-parent"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing parent, got %v", err)
	}
	if n := env.sessionCount(t); n != 0 {
		t.Fatalf("expected no ledger rows, got %d", n)
	}

	restricted := newTestEnv(t, func(c *config.Config) {
		c.Orchestrator.WorkspaceRoots = []string{"/srv/agents"}
	})
	var wna engine.WorkspaceNotAllowedError
	if _, err := restricted.spawn(t, "echo-worker", "x", ""); !errors.As(err, &wna) {
		t.Fatalf("expected WorkspaceNotAllowedError, got %v", err)
	}
	if n := restricted.sessionCount(t); n != 0 {
		t.Fatalf("expected no ledger rows, got %d", n)
	}
}

func TestWorkspaceRootsAllowMatchingPaths(t *testing.T) {
	root := t.TempDir()
	env := newTestEnv(t, func(c *config.Config) {
		c.Orchestrator.WorkspaceRoots = []string{root}
	})
	env.Workspace = root
	rec, err := env.spawn(t, "echo-worker", "inside", "")
	if err != nil || rec.Status != domain.StatusSucceeded {
		t.Fatalf("expected spawn inside root to succeed: %+v %v", rec, err)
	}
}

func TestTimeoutOverrideWarnsAndClamps(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, err := env.Engine.Spawn(env.Ctx, engine.SpawnRequest{
		AgentType: "echo-worker", Task: "hi", WorkspacePath: env.Workspace, TimeoutSeconds: intPtr(100),
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if rec.EffectiveTimeoutSeconds != 30 || rec.RequestedTimeoutSeconds == nil || *rec.RequestedTimeoutSeconds != 100 {
		t.Fatalf("expected clamp to 30 with requested 100, got %+v", rec)
	}
	types := env.eventTypes(t, rec.ID)
	if !contains(types, events.SpawnTimeoutWarning) || !contains(types, events.SpawnTimeoutClamped) {
		t.Fatalf("expected warning and clamp events, got %v", types)
	}

	rec, err = env.Engine.Spawn(env.Ctx, engine.SpawnRequest{
		AgentType: "echo-worker", Task: "hi", WorkspacePath: env.Workspace, TimeoutSeconds: intPtr(6),
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if rec.EffectiveTimeoutSeconds != 6 {
		t.Fatalf("in-band override must be used as given, got %d", rec.EffectiveTimeoutSeconds)
	}
	if types := env.eventTypes(t, rec.ID); contains(types, events.SpawnTimeoutWarning) {
		t.Fatalf("unexpected warning for in-band override: %v", types)
	}
}

func TestDepthLimits(t *testing.T) {
	env := newTestEnv(t, nil)

	a, err := env.spawn(t, "lead", "root", "")
	if err != nil {
		t.Fatalf("spawn A: %v", err)
	}
	b, err := env.spawn(t, "worker", "child", a.ID)
	if err != nil {
		t.Fatalf("spawn B: %v", err)
	}
	if b.ParentID == nil || *b.ParentID != a.ID {
		t.Fatalf("parent not recorded: %+v", b)
	}
	var depthErr engine.MaxDepthExceededError
	if _, err := env.spawn(t, "worker", "grandchild", b.ID); !errors.As(err, &depthErr) {
		t.Fatalf("expected MaxDepthExceeded under a worker that cannot spawn, got %v", err)
	}

	a2, err := env.spawn(t, "lead", "root", "")
	if err != nil {
		t.Fatal(err)
	}
	b2, err := env.spawn(t, "lead", "child", a2.ID)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := env.spawn(t, "lead", "grandchild", b2.ID)
	if err != nil {
		t.Fatalf("chain within max depth must succeed: %v", err)
	}
	if _, err := env.spawn(t, "lead", "too deep", c2.ID); !errors.As(err, &depthErr) || depthErr.Depth != 3 {
		t.Fatalf("expected MaxDepthExceeded at depth 3, got %v", err)
	}

	children, err := env.Engine.ListChildren(env.Ctx, a2.ID)
	if err != nil || len(children) != 1 || children[0].ID != b2.ID {
		t.Fatalf("unexpected children: %+v %v", children, err)
	}
	if n := env.sessionCount(t); n != 5 {
		t.Fatalf("rejected spawns must not create rows, got %d", n)
	}
}

// blockingRunner holds every run until released or cancelled.
type blockingRunner struct {
	started chan string
	release chan struct{}
	running atomic.Int32
	peak    atomic.Int32
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan string, 16), release: make(chan struct{})}
}

func (r *blockingRunner) Run(ctx context.Context, c sandbox.Command, timeout time.Duration) (sandbox.Result, error) {
	start := time.Now()
	if c.Started != nil {
		c.Started(0)
	}
	n := r.running.Add(1)
	defer r.running.Add(-1)
	for {
		peak := r.peak.Load()
		if n <= peak || r.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	for _, kv := range c.Env {
		if strings.HasPrefix(kv, "AGENTLINE_SESSION_ID=") {
			r.started <- strings.TrimPrefix(kv, "AGENTLINE_SESSION_ID=")
		}
	}
	select {
	case <-r.release:
		return sandbox.Result{Stdout: "ok", Elapsed: time.Since(start)}, nil
	case <-ctx.Done():
		return sandbox.Result{Cancelled: true, ExitCode: -1, Elapsed: time.Since(start)}, nil
	}
}

func waitStarted(t *testing.T, r *blockingRunner) string {
	t.Helper()
	select {
	case id := <-r.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("run did not start")
		return ""
	}
}

func TestCapacityFailPolicy(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Orchestrator.MaxRunning = 1
		c.Orchestrator.CapacityPolicy = config.CapacityFail
	})
	runner := newBlockingRunner()
	env.Engine.Runner = runner

	first, err := env.Engine.Start(env.Ctx, engine.SpawnRequest{AgentType: "echo-worker", Task: "one", WorkspacePath: env.Workspace})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if first.Status != domain.StatusPending {
		t.Fatalf("async start must return the pending record, got %s", first.Status)
	}
	waitStarted(t, runner)

	_, err = env.spawn(t, "echo-worker", "two", "")
	var capErr engine.CapacityExceededError
	if !errors.As(err, &capErr) || capErr.Limit != 1 || capErr.Active != 1 {
		t.Fatalf("expected CapacityExceeded, got %v", err)
	}
	if n := env.sessionCount(t); n != 1 {
		t.Fatalf("rejected spawn must not create rows, got %d", n)
	}

	close(runner.release)
	rec := env.waitTerminal(t, first.ID)
	if rec.Status != domain.StatusSucceeded {
		t.Fatalf("expected first session to succeed, got %s", rec.Status)
	}
	if _, err := env.spawn(t, "echo-worker", "three", ""); err != nil {
		t.Fatalf("slot should be free again: %v", err)
	}
}

func TestCapacityBlockPolicyNeverExceedsLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Orchestrator.MaxRunning = 2
		c.Orchestrator.CapacityPolicy = config.CapacityBlock
	})
	runner := newBlockingRunner()
	env.Engine.Runner = runner

	const n = 5
	var wg sync.WaitGroup
	results := make(chan domain.SessionRecord, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := env.spawn(t, "echo-worker", "work", "")
			if err != nil {
				errs <- err
				return
			}
			results <- rec
		}()
	}
	waitStarted(t, runner)
	waitStarted(t, runner)
	time.Sleep(100 * time.Millisecond)
	active, err := env.Engine.ListActive(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active sessions while blocked, got %d", len(active))
	}

	close(runner.release)
	wg.Wait()
	close(results)
	close(errs)
	for err := range errs {
		t.Fatalf("blocked spawn failed: %v", err)
	}
	count := 0
	for rec := range results {
		if rec.Status != domain.StatusSucceeded {
			t.Fatalf("expected succeeded, got %s", rec.Status)
		}
		count++
	}
	if count != n {
		t.Fatalf("expected %d sessions, got %d", n, count)
	}
	if peak := runner.peak.Load(); peak > 2 {
		t.Fatalf("concurrency ceiling exceeded: %d", peak)
	}
}

func TestCapacityBlockHonoursContext(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Orchestrator.MaxRunning = 1
		c.Orchestrator.CapacityPolicy = config.CapacityBlock
	})
	runner := newBlockingRunner()
	env.Engine.Runner = runner
	defer close(runner.release)

	if _, err := env.Engine.Start(env.Ctx, engine.SpawnRequest{AgentType: "echo-worker", Task: "one", WorkspacePath: env.Workspace}); err != nil {
		t.Fatal(err)
	}
	waitStarted(t, runner)
	ctx, cancel := context.WithTimeout(env.Ctx, 150*time.Millisecond)
	defer cancel()
	_, err := env.Engine.Spawn(ctx, engine.SpawnRequest{AgentType: "echo-worker", Task: "two", WorkspacePath: env.Workspace})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error while waiting for capacity, got %v", err)
	}
	if n := env.sessionCount(t); n != 1 {
		t.Fatalf("waiting spawn must not create rows, got %d", n)
	}
}

func TestCancelLocalSession(t *testing.T) {
	env := newTestEnv(t, nil)
	runner := newBlockingRunner()
	env.Engine.Runner = runner

	rec, err := env.Engine.Start(env.Ctx, engine.SpawnRequest{AgentType: "echo-worker", Task: "long", WorkspacePath: env.Workspace})
	if err != nil {
		t.Fatal(err)
	}
	waitStarted(t, runner)
	running, _ := env.Engine.GetSession(env.Ctx, rec.ID)
	if running.Status != domain.StatusRunning {
		t.Fatalf("expected running, got %s", running.Status)
	}

	cancelled, err := env.Engine.Cancel(env.Ctx, rec.ID, engine.CancelOptions{ActorID: "tester"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled || cancelled.EndedAt == nil {
		t.Fatalf("expected cancelled, got %+v", cancelled)
	}
	_, err = env.Engine.Cancel(env.Ctx, rec.ID, engine.CancelOptions{})
	var already repo.AlreadyTerminalError
	if !errors.As(err, &already) || already.Status != domain.StatusCancelled {
		t.Fatalf("expected AlreadyTerminalError, got %v", err)
	}
}

func TestCancelForeignSessionNeedsForce(t *testing.T) {
	env := newTestEnv(t, nil)
	err := env.Engine.Repo.InsertSession(env.Ctx, nil, domain.SessionRecord{
		ID: "foreign", AgentType: "echo-worker", Task: "x", WorkspacePath: env.Workspace,
		EffectiveTimeoutSeconds: 5, StartedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Cancel(env.Ctx, "foreign", engine.CancelOptions{}); !errors.Is(err, engine.ErrNotAttached) {
		t.Fatalf("expected ErrNotAttached, got %v", err)
	}
	rec, err := env.Engine.Cancel(env.Ctx, "foreign", engine.CancelOptions{Force: true, ActorID: "ops"})
	if err != nil {
		t.Fatalf("forced cancel: %v", err)
	}
	if rec.Status != domain.StatusCancelled || rec.ExitSummary == nil || !strings.Contains(*rec.ExitSummary, "ops") {
		t.Fatalf("unexpected record after forced cancel: %+v", rec)
	}
}

func TestReapStaleFailsAbandonedSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	insert := func(id, startedAt string) {
		t.Helper()
		if err := env.Engine.Repo.InsertSession(env.Ctx, nil, domain.SessionRecord{
			ID: id, AgentType: "echo-worker", Task: "x", WorkspacePath: env.Workspace,
			EffectiveTimeoutSeconds: 5, StartedAt: startedAt,
		}); err != nil {
			t.Fatal(err)
		}
	}
	insert("old", "2020-01-01T00:00:00Z")
	insert("fresh", time.Now().UTC().Format(time.RFC3339))

	reaped, err := env.Engine.ReapStale(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(reaped) != 1 || reaped[0] != "old" {
		t.Fatalf("expected only the old session to be reaped, got %v", reaped)
	}
	rec, _ := env.Engine.GetSession(env.Ctx, "old")
	if rec.Status != domain.StatusFailed || !strings.HasPrefix(*rec.ExitSummary, "abandoned") {
		t.Fatalf("unexpected reaped record: %+v", rec)
	}
	if types := env.eventTypes(t, "old"); !contains(types, events.SessionReaped) {
		t.Fatalf("expected reap event, got %v", types)
	}
}

func TestSummaryIsTruncated(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Orchestrator.SummaryMaxChars = 20 })
	rec, err := env.spawn(t, "echo-worker", strings.Repeat("x", 100), "")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ExitSummary == nil || len(*rec.ExitSummary) != 20 || !strings.HasSuffix(*rec.ExitSummary, "...") {
		t.Fatalf("unexpected summary: %v", rec.ExitSummary)
	}
	if len(rec.Output) != 101 {
		t.Fatalf("full output must be kept, got %d bytes", len(rec.Output))
	}
}

func TestStatsAndArchive(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 2; i++ {
		if _, err := env.spawn(t, "echo-worker", "hi", ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.spawn(t, "fail-worker", "x", ""); err != nil {
		t.Fatal(err)
	}
	stats, err := env.Engine.AgentStats(env.Ctx, "", 7)
	if err != nil {
		t.Fatal(err)
	}
	byType := map[string]domain.AgentStats{}
	for _, s := range stats {
		byType[s.AgentType] = s
	}
	if s := byType["echo-worker"]; s.Total != 2 || s.Succeeded != 2 || s.TotalCostUSD != 0.5 {
		t.Fatalf("unexpected echo stats: %+v", s)
	}
	if s := byType["fail-worker"]; s.Total != 1 || s.Failed != 1 {
		t.Fatalf("unexpected fail stats: %+v", s)
	}

	env.Engine.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	ids, err := env.Engine.ArchiveSessions(env.Ctx, time.Hour, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 archived sessions, got %v", ids)
	}
	visible, _ := env.Engine.ListSessions(env.Ctx, repo.SessionFilters{})
	if len(visible) != 0 {
		t.Fatalf("archived sessions still listed: %d", len(visible))
	}
}

func TestRecommend(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, err := env.Engine.Recommend("please PRINT this")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Agent.Name != "echo-worker" || rec.Score != 1 {
		t.Fatalf("unexpected recommendation: %+v", rec)
	}
	if _, err := env.Engine.Recommend("nothing matches"); !errors.Is(err, catalog.ErrNoRecommendation) {
		t.Fatalf("expected ErrNoRecommendation, got %v", err)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	var verr engine.ValidationError
	if _, _, err := env.Engine.CreateAPIKey(env.Ctx, "ci", "bad", []string{"sessions:delete"}); !errors.As(err, &verr) || verr.Field != "scopes" {
		t.Fatalf("expected scopes validation error, got %v", err)
	}
	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, "ci", "build", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(secret, "agl_") || key.KeyHash != repo.HashAPIKey(secret) {
		t.Fatalf("secret and hash do not match: %+v", key)
	}
	if len(key.Scopes) != 1 || key.Scopes[0] != "*" {
		t.Fatalf("keys without scopes should get full access, got %v", key.Scopes)
	}
	if got := env.eventTypes(t, key.ID); !contains(got, events.APIKeyCreated) {
		t.Fatalf("missing apikey.created event: %v", got)
	}
	if err := env.Engine.DeleteAPIKey(env.Ctx, key.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteAPIKey(env.Ctx, key.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

// syncBuffer is a log sink shared with background sessions.
type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStartLogsFinalizeFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	runner := newBlockingRunner()
	env.Engine.Runner = runner
	logs := &syncBuffer{}
	env.Engine.Logger = slog.New(slog.NewTextHandler(logs, nil))

	rec, err := env.Engine.Start(env.Ctx, engine.SpawnRequest{AgentType: "worker", Task: "bg", WorkspacePath: env.Workspace})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStarted(t, runner)
	if err := env.Engine.DB.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}
	close(runner.release)

	deadline := time.Now().Add(5 * time.Second)
	for {
		out := logs.String()
		if strings.Contains(out, "level=ERROR") && strings.Contains(out, "background session not finalized") && strings.Contains(out, "session_id="+rec.ID) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("finalize failure was not logged:\n%s", out)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestParentWithDroppedAgentTypeReportsUnknownType(t *testing.T) {
	env := newTestEnv(t, nil)
	root, err := env.spawn(t, "lead", "root", "")
	if err != nil {
		t.Fatalf("spawn root: %v", err)
	}
	child, err := env.spawn(t, "lead", "child", root.ID)
	if err != nil {
		t.Fatalf("spawn child: %v", err)
	}

	cfg, err := config.FromYAML([]byte(testConfig))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	delete(cfg.Agents, "lead")
	env.Engine = env.Engine.WithConfig(cfg)

	_, err = env.spawn(t, "worker", "grandchild", child.ID)
	var unknown catalog.UnknownAgentTypeError
	if !errors.As(err, &unknown) || unknown.Name != "lead" {
		t.Fatalf("expected UnknownAgentTypeError for lead, got %v", err)
	}
	var depthErr engine.MaxDepthExceededError
	if errors.As(err, &depthErr) {
		t.Fatalf("a dropped parent type is not a depth violation: %v", err)
	}
	if n := env.sessionCount(t); n != 2 {
		t.Fatalf("rejected spawn must not create a row, got %d", n)
	}
}

func TestEventsUseEngineClock(t *testing.T) {
	env := newTestEnv(t, nil)
	pinned := time.Date(2030, 5, 6, 7, 8, 9, 0, time.UTC)
	env.Engine.Now = func() time.Time { return pinned }

	rec, err := env.spawn(t, "echo-worker", "clock", "")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	want := pinned.Format(time.RFC3339)
	if rec.StartedAt != want {
		t.Fatalf("session started_at %s, want %s", rec.StartedAt, want)
	}
	evts, err := env.Engine.LatestEvents(env.Ctx, repo.EventFilters{EntityID: rec.ID, Limit: 10})
	if err != nil || len(evts) == 0 {
		t.Fatalf("events: %v %v", evts, err)
	}
	for _, evt := range evts {
		if evt.TS != want {
			t.Fatalf("event %s stamped %s, want %s", evt.Type, evt.TS, want)
		}
	}
}
