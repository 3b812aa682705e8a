// Package agent owns the per-project agent session state machines: one
// exclusive autonomous or interactive session per project, plus any number of
// independent one-off sessions addressed by id. It spawns the agent process
// through the shared launcher, parses its streaming records, queues input
// while the agent is busy, and publishes every classified event to the
// persistence sink and the fan-out hub.
package agent

import (
	"time"
)

// Mode is the operating posture of a session.
type Mode string

const (
	ModeAutonomous  Mode = "autonomous"
	ModeInteractive Mode = "interactive"
	ModeOneOff      Mode = "one-off"
)

// State is the lifecycle state of a session.
type State string

const (
	StateStarting        State = "starting"
	StateRunning         State = "running"
	StateWaitingForInput State = "waiting_for_input"
	StateStopping        State = "stopping"
	StateStopped         State = "stopped"
	StateErrored         State = "errored"
)

// terminal reports whether no further transitions can occur from s.
func (s State) terminal() bool {
	return s == StateStopped || s == StateErrored
}

// QueuedMessage is input waiting for the agent to become ready. Index is the
// original insertion index and never changes, so callers can remove an entry
// they queued earlier even after neighbours were delivered or removed.
type QueuedMessage struct {
	Index   int      `json:"index"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ContextUsage is the agent's self-reported input-window consumption.
type ContextUsage struct {
	Used  int `json:"used"`
	Total int `json:"total"`
}

// CostSummary accumulates spend across completed turns.
type CostSummary struct {
	TotalCostUSD float64 `json:"totalCostUsd"`
	TotalTokens  int     `json:"totalTokens"`
}

// Status is the pull-based read shape for one session.
type Status struct {
	ID                 string        `json:"id"`
	ProjectID          string        `json:"projectId,omitempty"`
	Mode               Mode          `json:"mode"`
	State              State         `json:"state"`
	SessionID          string        `json:"sessionId"` // external conversation id, for resumption
	QueuedMessageCount int           `json:"queuedMessageCount"`
	ContextUsage       *ContextUsage `json:"contextUsage"`
	CostSummary        *CostSummary  `json:"costSummary"`
	Error              string        `json:"error,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	LastActivityAt     time.Time     `json:"lastActivityAt"`
}

// session is the manager-private record for one running agent process. All
// fields are guarded by the manager's mutex; the process handle is owned by
// exactly this record and released exactly once.
type session struct {
	id         string
	projectID  string // informational for one-offs; they are addressed by id
	mode       Mode
	state      State
	externalID string // conversation id reported by the process

	queue     []QueuedMessage
	nextIndex int

	contextUsage *ContextUsage
	costSummary  *CostSummary
	lastError    string

	createdAt      time.Time
	lastActivityAt time.Time

	proc   Process
	parser *StreamParser

	// pendingTools maps tool_use_id → true for invocations that have started
	// but not yet reported a result. SendToolResult only routes matched ids.
	pendingTools map[string]bool

	// stopWhenWaiting tears the session down on its first transition to
	// waiting_for_input. Caller-supplied policy, one-off sessions only.
	stopWhenWaiting bool

	// explicitStop marks a requested shutdown so process exit maps to
	// stopped rather than errored.
	explicitStop bool
}

func (s *session) topic() string {
	if s.mode == ModeOneOff {
		return s.id
	}
	return s.projectID
}

func (s *session) status() Status {
	st := Status{
		ID:                 s.id,
		ProjectID:          s.projectID,
		Mode:               s.mode,
		State:              s.state,
		SessionID:          s.externalID,
		QueuedMessageCount: len(s.queue),
		Error:              s.lastError,
		CreatedAt:          s.createdAt,
		LastActivityAt:     s.lastActivityAt,
	}
	if s.contextUsage != nil {
		cu := *s.contextUsage
		st.ContextUsage = &cu
	}
	if s.costSummary != nil {
		cs := *s.costSummary
		st.CostSummary = &cs
	}
	return st
}
