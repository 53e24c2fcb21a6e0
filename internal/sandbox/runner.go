// Package sandbox runs one worker process in its own process group and
// guarantees the whole group is gone when Run returns.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	defaultGrace       = 3 * time.Second
	defaultIOWait      = 2 * time.Second
	defaultOutputLimit = 1 << 20
)

// LaunchError means the process could not be started at all.
type LaunchError struct {
	Path string
	Dir  string
	Err  error
}

func (e *LaunchError) Error() string {
	if e.Dir != "" {
		return fmt.Sprintf("launch %s in %s: %v", e.Path, e.Dir, e.Err)
	}
	return fmt.Sprintf("launch %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Command describes one process launch.
type Command struct {
	Path  string
	Args  []string
	Dir   string
	Env   []string
	Stdin string
	// Started is called with the pid once the process is running. It runs
	// concurrently with the timeout; Run does not return before it does.
	Started func(pid int)
}

// Result is the outcome of one Run. Elapsed is measured from launch to confirmed
// termination of the group, so on timeout it includes the grace window.
type Result struct {
	PID       int
	ExitCode  int
	Stdout    string
	Stderr    string
	Elapsed   time.Duration
	TimedOut  bool
	Cancelled bool
	Truncated bool
	// IOErr holds the pipe error when output could not be fully collected.
	IOErr error
}

func (r Result) ElapsedSeconds() float64 { return r.Elapsed.Seconds() }

// Runner executes commands with an enforced wall-clock limit.
type Runner struct {
	// Grace is the wait between SIGTERM and SIGKILL to the group.
	Grace time.Duration
	// IOWait bounds how long output pipes may stay open after the leader exits.
	IOWait time.Duration
	// OutputLimit caps captured bytes per stream.
	OutputLimit int
}

func (r Runner) grace() time.Duration {
	if r.Grace > 0 {
		return r.Grace
	}
	return defaultGrace
}

func (r Runner) ioWait() time.Duration {
	if r.IOWait > 0 {
		return r.IOWait
	}
	return defaultIOWait
}

func (r Runner) outputLimit() int {
	if r.OutputLimit > 0 {
		return r.OutputLimit
	}
	return defaultOutputLimit
}

// Run starts c in a new process group and waits for it. When timeout expires or
// ctx is done the group receives SIGTERM, then SIGKILL after the grace period.
// Only launch failures are returned as errors; timeouts, cancellation and pipe
// failures are reported through Result.
func (r Runner) Run(ctx context.Context, c Command, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		return Result{}, fmt.Errorf("timeout must be positive, got %s", timeout)
	}
	if strings.TrimSpace(c.Path) == "" {
		return Result{}, &LaunchError{Path: c.Path, Err: errors.New("empty command")}
	}
	if c.Dir != "" {
		info, err := os.Stat(c.Dir)
		if err != nil {
			return Result{}, &LaunchError{Path: c.Path, Dir: c.Dir, Err: err}
		}
		if !info.IsDir() {
			return Result{}, &LaunchError{Path: c.Path, Dir: c.Dir, Err: errors.New("workspace is not a directory")}
		}
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}
	stdout := newCapture(r.outputLimit())
	stderr := newCapture(r.outputLimit())
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.ioWait()
	launchInNewGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{Elapsed: time.Since(start)}, &LaunchError{Path: c.Path, Dir: c.Dir, Err: err}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	pid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	// The hook may block (it records the pid in the ledger); the deadline
	// runs from launch regardless. Run returns only after the hook has.
	hooked := make(chan struct{})
	go func() {
		defer close(hooked)
		if c.Started != nil {
			c.Started(pid)
		}
	}()
	defer func() { <-hooked }()

	res := Result{PID: pid}
	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		res.TimedOut = true
		waitErr = r.stop(pid, done)
	case <-ctx.Done():
		res.Cancelled = true
		waitErr = r.stop(pid, done)
	}
	// Sweep descendants that outlived the leader.
	_ = killGroup(pid)
	res.Elapsed = time.Since(start)

	res.Stdout, res.Truncated = stdout.result()
	var errTrunc bool
	res.Stderr, errTrunc = stderr.result()
	res.Truncated = res.Truncated || errTrunc

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		res.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.IOErr = waitErr
		res.Truncated = true
		res.ExitCode = -1
		if cmd.ProcessState != nil {
			res.ExitCode = cmd.ProcessState.ExitCode()
		}
	}
	return res, nil
}

// stop terminates the group gracefully, escalating to SIGKILL after the grace period.
func (r Runner) stop(pid int, done <-chan error) error {
	_ = terminateGroup(pid)
	grace := time.NewTimer(r.grace())
	defer grace.Stop()
	select {
	case err := <-done:
		return err
	case <-grace.C:
	}
	_ = killGroup(pid)
	return <-done
}

// capture is a bounded, concurrency-safe output sink. Writes never fail so a
// chatty worker cannot break its own pipe; overflow is recorded instead.
type capture struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCapture(limit int) *capture {
	return &capture{limit: limit}
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *capture) result() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String(), c.truncated
}
