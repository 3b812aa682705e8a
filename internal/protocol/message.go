// Package protocol defines the wire envelope shared by the realtime server
// and its clients. Every server event carries a topic (a project id or a
// one-off session id) and a kind discriminator; the hub delivers it verbatim
// to every connection subscribed to that topic.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is the envelope for all server-originated messages.
type Event struct {
	Topic     string          `json:"topic"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent creates a server event with the current timestamp.
func NewEvent(topic, kind string, payload interface{}) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Event{
		Topic:     topic,
		Kind:      kind,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Command is the envelope for all client-originated messages.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Server → client event kinds.
const (
	KindAgentState     = "agent.state"
	KindAgentEvent     = "agent.event"
	KindAgentQueue     = "agent.queue"
	KindRunState       = "run.state"
	KindRunOutput      = "run.output"
	KindWorkspaceFiles = "workspace.files"
	KindError          = "error"
)

// Client → server command types.
const (
	TypeSubscribe        = "subscribe"
	TypeUnsubscribe      = "unsubscribe"
	TypeAgentStart       = "agent.start"
	TypeAgentStop        = "agent.stop"
	TypeAgentInput       = "agent.input"
	TypeAgentRemoveQueue = "agent.removeQueued"
	TypeAgentToolResult  = "agent.toolResult"
	TypeRunStart         = "run.start"
	TypeRunStop          = "run.stop"
)

// Server → client payloads.

// AgentStatePayload mirrors the manager's status read shape.
type AgentStatePayload struct {
	Mode               string        `json:"mode"`
	State              string        `json:"state"`
	SessionID          string        `json:"sessionId"`
	QueuedMessageCount int           `json:"queuedMessageCount"`
	ContextUsage       *ContextUsage `json:"contextUsage"`
	CostSummary        *CostSummary  `json:"costSummary"`
	Error              string        `json:"error,omitempty"`
}

// ContextUsage is the process's self-reported input-window consumption.
type ContextUsage struct {
	Used  int `json:"used"`
	Total int `json:"total"`
}

// CostSummary accumulates spend across turns.
type CostSummary struct {
	TotalCostUSD float64 `json:"totalCostUsd"`
	TotalTokens  int     `json:"totalTokens"`
}

// RunStatePayload reports a run-config instance's state.
type RunStatePayload struct {
	ConfigID     string `json:"configId"`
	State        string `json:"state"`
	PID          int    `json:"pid,omitempty"`
	RestartCount int    `json:"restartCount"`
	LastExitCode int    `json:"lastExitCode"`
}

// RunOutputPayload carries one interleaved output chunk.
type RunOutputPayload struct {
	ConfigID string `json:"configId"`
	Data     string `json:"data"`
}

// WorkspaceFilesPayload reports a workspace file-count update.
type WorkspaceFilesPayload struct {
	FileCount int `json:"fileCount"`
}

// ErrorPayload reports an operation failure to the client.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client → server payloads.

type SubscribePayload struct {
	Topic string `json:"topic"`
}

type AgentStartPayload struct {
	ProjectID      string   `json:"projectId"`
	ProjectPath    string   `json:"projectPath"`
	Mode           string   `json:"mode"` // "autonomous" | "interactive"
	InitialMessage string   `json:"initialMessage,omitempty"`
	Images         []string `json:"images,omitempty"`
	SessionID      string   `json:"sessionId,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
}

type AgentStopPayload struct {
	ProjectID string `json:"projectId"`
}

type AgentInputPayload struct {
	ProjectID string   `json:"projectId"`
	Message   string   `json:"message"`
	Images    []string `json:"images,omitempty"`
}

type AgentRemoveQueuePayload struct {
	ProjectID string `json:"projectId"`
	Index     int    `json:"index"`
}

type AgentToolResultPayload struct {
	ProjectID string `json:"projectId"`
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content"`
}

type RunStartPayload struct {
	ProjectID   string `json:"projectId"`
	ProjectPath string `json:"projectPath"`
	ConfigID    string `json:"configId"`
}

type RunStopPayload struct {
	ProjectID string `json:"projectId"`
	ConfigID  string `json:"configId"`
}
