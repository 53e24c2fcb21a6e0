package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"agentline/internal/catalog"
	"agentline/internal/config"
	"agentline/internal/events"
	"agentline/internal/repo"
	"agentline/internal/sandbox"
)

// Runner executes one worker command. sandbox.Runner is the production implementation.
type Runner interface {
	Run(ctx context.Context, c sandbox.Command, timeout time.Duration) (sandbox.Result, error)
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Catalog *catalog.Registry
	Runner  Runner
	Logger  *slog.Logger
	Now     func() time.Time
	// TokenSecret signs the AGENTLINE_TOKEN handed to workers. Empty disables worker tokens.
	TokenSecret string

	tracker *tracker
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	o := cfg.Orchestrator
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Catalog: catalog.FromConfig(cfg),
		Runner: sandbox.Runner{
			Grace:       o.Grace(),
			IOWait:      o.IOWait(),
			OutputLimit: o.OutputMaxBytes,
		},
		Logger:  slog.Default(),
		Now:     time.Now,
		tracker: newTracker(),
	}
}

// WithConfig returns a copy of e using cfg for new spawns. Runs already admitted are unaffected
// and the copy shares the run tracker with e.
func (e Engine) WithConfig(cfg *config.Config) Engine {
	o := cfg.Orchestrator
	e.Config = cfg
	e.Catalog = catalog.FromConfig(cfg)
	if _, ok := e.Runner.(sandbox.Runner); ok {
		e.Runner = sandbox.Runner{Grace: o.Grace(), IOWait: o.IOWait(), OutputLimit: o.OutputMaxBytes}
	}
	return e
}

// audit is the event writer, stamped with the engine clock unless Events sets its own.
func (e Engine) audit() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// tracker holds the sessions executed by this process. Copies of Engine share it.
type tracker struct {
	// admit serializes the capacity check with the ledger insert.
	admit sync.Mutex

	mu    sync.Mutex
	runs  map[string]*run
	freed chan struct{}
	wg    sync.WaitGroup
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newTracker() *tracker {
	return &tracker{runs: map[string]*run{}, freed: make(chan struct{})}
}

func (t *tracker) add(id string, cancel context.CancelFunc) *run {
	r := &run{cancel: cancel, done: make(chan struct{})}
	t.mu.Lock()
	t.runs[id] = r
	t.mu.Unlock()
	t.wg.Add(1)
	return r
}

func (t *tracker) get(id string) (*run, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[id]
	return r, ok
}

func (t *tracker) local(id string) bool {
	_, ok := t.get(id)
	return ok
}

// release drops the run and wakes spawns waiting for capacity.
func (t *tracker) release(id string) {
	t.mu.Lock()
	r, ok := t.runs[id]
	delete(t.runs, id)
	close(t.freed)
	t.freed = make(chan struct{})
	t.mu.Unlock()
	if ok {
		r.cancel()
		close(r.done)
		t.wg.Done()
	}
}

// waitFreed returns a channel closed on the next release.
func (t *tracker) waitFreed() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freed
}

func (t *tracker) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.runs {
		r.cancel()
	}
}

// Shutdown cancels every local run and waits until each is finalized or ctx is done.
func (e Engine) Shutdown(ctx context.Context) error {
	if e.tracker == nil {
		return nil
	}
	e.tracker.cancelAll()
	done := make(chan struct{})
	go func() {
		e.tracker.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
