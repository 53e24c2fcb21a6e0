package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotAttached is returned when cancelling an active session owned by another process.
var ErrNotAttached = errors.New("session is not running in this orchestrator")

// ValidationError rejects a malformed request before any session exists.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// MaxDepthExceededError rejects a spawn whose parent chain is too deep or whose parent may not spawn.
type MaxDepthExceededError struct {
	ParentID string
	Depth    int
	MaxDepth int
	Reason   string
}

func (e MaxDepthExceededError) Error() string {
	msg := fmt.Sprintf("spawn depth %d under %s exceeds max depth %d", e.Depth, e.ParentID, e.MaxDepth)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// CapacityExceededError is returned under the fail policy when max_running sessions are active.
type CapacityExceededError struct {
	Active int
	Limit  int
}

func (e CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded: %d of %d sessions active", e.Active, e.Limit)
}

// WorkspaceNotAllowedError rejects a workspace outside orchestrator.workspace_roots.
type WorkspaceNotAllowedError struct {
	Path  string
	Roots []string
}

func (e WorkspaceNotAllowedError) Error() string {
	return fmt.Sprintf("workspace %s is outside the allowed roots (%s)", e.Path, strings.Join(e.Roots, ", "))
}
