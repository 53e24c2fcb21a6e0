package domain

// Session statuses. Terminal statuses are succeeded, failed, timed_out and cancelled.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
	StatusCancelled = "cancelled"
)

// Message kinds.
const (
	KindResult    = "result"
	KindQuestion  = "question"
	KindStatus    = "status"
	KindBroadcast = "broadcast"
)

// IsTerminalStatus reports whether a session in this status can no longer change.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// IsMessageKind reports whether kind is one of the supported message kinds.
func IsMessageKind(kind string) bool {
	switch kind {
	case KindResult, KindQuestion, KindStatus, KindBroadcast:
		return true
	}
	return false
}

// AgentSpec describes one agent type of the catalog.
type AgentSpec struct {
	Name                  string            `json:"name"`
	Description           string            `json:"description,omitempty"`
	ModelTier             string            `json:"model_tier"`
	DefaultTimeoutSeconds int               `json:"default_timeout_seconds"`
	MaxTimeoutSeconds     int               `json:"max_timeout_seconds"`
	Capabilities          []string          `json:"capabilities"`
	CanSpawnChildren      bool              `json:"can_spawn_children"`
	CostPerTaskUSD        float64           `json:"cost_per_task_usd"`
	Keywords              []string          `json:"keywords,omitempty"`
	Command               []string          `json:"command"`
	Stdin                 bool              `json:"stdin"`
	Env                   map[string]string `json:"env,omitempty"`
}

// HasCapability reports whether the agent type declares the capability.
func (s AgentSpec) HasCapability(c string) bool {
	for _, have := range s.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

type SessionRecord struct {
	ID                      string   `json:"id"`
	ParentID                *string  `json:"parent_id,omitempty"`
	AgentType               string   `json:"agent_type"`
	ModelTier               string   `json:"model_tier,omitempty"`
	Project                 string   `json:"project,omitempty"`
	Task                    string   `json:"task"`
	WorkspacePath           string   `json:"workspace_path"`
	Status                  string   `json:"status" enum:"pending,running,succeeded,failed,timed_out,cancelled"`
	RequestedTimeoutSeconds *int     `json:"requested_timeout_seconds,omitempty"`
	EffectiveTimeoutSeconds int      `json:"effective_timeout_seconds"`
	StartedAt               string   `json:"started_at" format:"date-time"`
	EndedAt                 *string  `json:"ended_at,omitempty" format:"date-time"`
	ElapsedSeconds          *float64 `json:"elapsed_seconds,omitempty"`
	ExitCode                *int     `json:"exit_code,omitempty"`
	ExitSummary             *string  `json:"exit_summary,omitempty"`
	Output                  string   `json:"output,omitempty"`
	ErrorOutput             string   `json:"error_output,omitempty"`
	OutputTruncated         bool     `json:"output_truncated"`
	PID                     *int     `json:"pid,omitempty"`
	EstimatedCostUSD        float64  `json:"estimated_cost_usd"`
	CreatedBy               string   `json:"created_by,omitempty"`
	ArchivedAt              *string  `json:"archived_at,omitempty" format:"date-time"`
}

// Terminal reports whether the session reached a terminal status.
func (s SessionRecord) Terminal() bool { return IsTerminalStatus(s.Status) }

type Message struct {
	ID            string  `json:"id"`
	Project       string  `json:"project"`
	FromSessionID *string `json:"from_session_id,omitempty"`
	ToSessionID   *string `json:"to_session_id,omitempty"`
	Kind          string  `json:"kind" enum:"result,question,status,broadcast"`
	Payload       string  `json:"payload"`
	ReplyTo       *string `json:"reply_to,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	ConsumedAt    *string `json:"consumed_at,omitempty" format:"date-time"`
}

// Broadcast reports whether the message has no single recipient.
func (m Message) Broadcast() bool { return m.ToSessionID == nil }

type AgentStats struct {
	AgentType         string  `json:"agent_type"`
	Total             int     `json:"total"`
	Succeeded         int     `json:"succeeded"`
	Failed            int     `json:"failed"`
	TimedOut          int     `json:"timed_out"`
	Cancelled         int     `json:"cancelled"`
	Active            int     `json:"active"`
	AvgElapsedSeconds float64 `json:"avg_elapsed_seconds"`
	MaxElapsedSeconds float64 `json:"max_elapsed_seconds"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Project    string `json:"project,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string   `json:"id"`
	ActorID   string   `json:"actor_id"`
	Name      string   `json:"name,omitempty"`
	KeyHash   string   `json:"key_hash"`
	Scopes    []string `json:"scopes"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}
