package protocol

import (
	"encoding/json"
	"fmt"
)

// validCommandTypes is the set of allowed client→server command types.
var validCommandTypes = map[string]bool{
	TypeSubscribe:        true,
	TypeUnsubscribe:      true,
	TypeAgentStart:       true,
	TypeAgentStop:        true,
	TypeAgentInput:       true,
	TypeAgentRemoveQueue: true,
	TypeAgentToolResult:  true,
	TypeRunStart:         true,
	TypeRunStop:          true,
}

// ValidateCommand validates a raw JSON command from a client.
// Returns the parsed Command and any validation error.
func ValidateCommand(raw []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if cmd.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validCommandTypes[cmd.Type] {
		return nil, fmt.Errorf("unknown command type: %s", cmd.Type)
	}

	if cmd.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch cmd.Type {
	case TypeSubscribe, TypeUnsubscribe:
		var p SubscribePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", cmd.Type, err)
		}
		if p.Topic == "" {
			return nil, fmt.Errorf("missing required field 'topic' in %s payload", cmd.Type)
		}

	case TypeAgentStart:
		var p AgentStartPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", cmd.Type, err)
		}
		if p.ProjectID == "" {
			return nil, fmt.Errorf("missing required field 'projectId' in %s payload", cmd.Type)
		}
		if p.Mode != "autonomous" && p.Mode != "interactive" {
			return nil, fmt.Errorf("invalid mode %q in %s payload", p.Mode, cmd.Type)
		}

	case TypeAgentStop:
		var p AgentStopPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", cmd.Type, err)
		}
		if p.ProjectID == "" {
			return nil, fmt.Errorf("missing required field 'projectId' in %s payload", cmd.Type)
		}

	case TypeAgentInput:
		var p AgentInputPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", cmd.Type, err)
		}
		if p.ProjectID == "" {
			return nil, fmt.Errorf("missing required field 'projectId' in %s payload", cmd.Type)
		}
		if p.Message == "" {
			return nil, fmt.Errorf("missing required field 'message' in %s payload", cmd.Type)
		}

	case TypeAgentRemoveQueue:
		var p AgentRemoveQueuePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", cmd.Type, err)
		}
		if p.ProjectID == "" {
			return nil, fmt.Errorf("missing required field 'projectId' in %s payload", cmd.Type)
		}
		if p.Index < 0 {
			return nil, fmt.Errorf("negative index in %s payload", cmd.Type)
		}

	case TypeAgentToolResult:
		var p AgentToolResultPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", cmd.Type, err)
		}
		if p.ProjectID == "" {
			return nil, fmt.Errorf("missing required field 'projectId' in %s payload", cmd.Type)
		}
		if p.ToolUseID == "" {
			return nil, fmt.Errorf("missing required field 'toolUseId' in %s payload", cmd.Type)
		}

	case TypeRunStart:
		var p RunStartPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", cmd.Type, err)
		}
		if p.ProjectID == "" {
			return nil, fmt.Errorf("missing required field 'projectId' in %s payload", cmd.Type)
		}
		if p.ConfigID == "" {
			return nil, fmt.Errorf("missing required field 'configId' in %s payload", cmd.Type)
		}

	case TypeRunStop:
		var p RunStopPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", cmd.Type, err)
		}
		if p.ProjectID == "" {
			return nil, fmt.Errorf("missing required field 'projectId' in %s payload", cmd.Type)
		}
		if p.ConfigID == "" {
			return nil, fmt.Errorf("missing required field 'configId' in %s payload", cmd.Type)
		}
	}

	return &cmd, nil
}

// NewErrorEvent creates an error event on the given topic, ready to send.
func NewErrorEvent(topic, code, message string) (*Event, error) {
	return NewEvent(topic, KindError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
