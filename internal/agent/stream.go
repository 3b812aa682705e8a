package agent

import (
	"bytes"
	"encoding/json"
	"strings"
)

// EventKind classifies one streaming record from the agent process. The set
// is closed; anything unrecognized becomes EventRaw with the original payload
// preserved, never discarded.
type EventKind string

const (
	EventAssistantText EventKind = "assistant_text"
	EventToolStarted   EventKind = "tool_started"
	EventToolResult    EventKind = "tool_result"
	EventTurnResult    EventKind = "turn_result"
	EventSessionInit   EventKind = "session_init"
	EventError         EventKind = "error"
	EventRaw           EventKind = "raw"
)

// StreamEvent is one classified record. Raw always holds the original line
// so downstream consumers lose nothing to classification.
type StreamEvent struct {
	Kind      EventKind       `json:"kind"`
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	ToolUseID string          `json:"toolUseId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Usage     *ContextUsage   `json:"usage,omitempty"`
	CostUSD   float64         `json:"costUsd,omitempty"`
	Tokens    int             `json:"tokens,omitempty"`
	IsError   bool            `json:"isError,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// defaultContextWindow is assumed when the init record doesn't report one.
const defaultContextWindow = 200000

// streamRecord mirrors the fields of the delimiter-separated records the
// agent process writes in stream mode. Only the fields the classifier needs.
type streamRecord struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	Error     string `json:"error"`
	IsError   bool   `json:"is_error"`

	TotalCostUSD float64 `json:"total_cost_usd"`
	Usage        *struct {
		InputTokens              int `json:"input_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		OutputTokens             int `json:"output_tokens"`
	} `json:"usage"`

	Message *struct {
		Content []struct {
			Type      string          `json:"type"`
			Text      string          `json:"text"`
			ID        string          `json:"id"`
			Name      string          `json:"name"`
			ToolUseID string          `json:"tool_use_id"`
			Content   json.RawMessage `json:"content"`
		} `json:"content"`
		Usage *struct {
			InputTokens              int `json:"input_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
			OutputTokens             int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// StreamParser splits the process output stream into newline-delimited
// records, buffering partial records across read boundaries, and classifies
// each one. Not safe for concurrent use; each session owns one parser.
type StreamParser struct {
	buf bytes.Buffer
}

// NewStreamParser creates an empty parser.
func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// Feed consumes one raw chunk and returns the events for every complete
// record it terminates. A trailing partial record stays buffered for the
// next chunk.
func (p *StreamParser) Feed(chunk []byte) []StreamEvent {
	p.buf.Write(chunk)

	var events []StreamEvent
	for {
		data := p.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := string(data[:idx])
		p.buf.Next(idx + 1)
		if strings.TrimSpace(line) == "" {
			continue
		}
		events = append(events, Classify(line)...)
	}
	return events
}

// Flush classifies any buffered trailing record. Called when the stream
// closes without a final delimiter.
func (p *StreamParser) Flush() []StreamEvent {
	line := strings.TrimSpace(p.buf.String())
	p.buf.Reset()
	if line == "" {
		return nil
	}
	return Classify(line)
}

// Classify maps one record line to its events. Non-JSON lines pass through
// as raw output events; one assistant record can yield several events when
// its content mixes text and tool invocations.
func Classify(line string) []StreamEvent {
	raw := json.RawMessage(line)

	var rec streamRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Type == "" {
		return []StreamEvent{{Kind: EventRaw, Text: line}}
	}

	switch rec.Type {
	case "system":
		if rec.Subtype == "init" {
			return []StreamEvent{{
				Kind:      EventSessionInit,
				SessionID: rec.SessionID,
				Raw:       raw,
			}}
		}
		return []StreamEvent{{Kind: EventRaw, Raw: raw}}

	case "assistant":
		if rec.Message == nil {
			return []StreamEvent{{Kind: EventRaw, Raw: raw}}
		}
		var events []StreamEvent
		for _, block := range rec.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					events = append(events, StreamEvent{
						Kind: EventAssistantText,
						Text: block.Text,
						Raw:  raw,
					})
				}
			case "tool_use":
				events = append(events, StreamEvent{
					Kind:      EventToolStarted,
					ToolName:  block.Name,
					ToolUseID: block.ID,
					Raw:       raw,
				})
			}
		}
		if u := rec.Message.Usage; u != nil {
			used := u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens + u.OutputTokens
			if used > 0 && len(events) > 0 {
				events[len(events)-1].Usage = &ContextUsage{Used: used, Total: defaultContextWindow}
			}
		}
		if len(events) == 0 {
			events = append(events, StreamEvent{Kind: EventRaw, Raw: raw})
		}
		return events

	case "user":
		if rec.Message == nil {
			return []StreamEvent{{Kind: EventRaw, Raw: raw}}
		}
		var events []StreamEvent
		for _, block := range rec.Message.Content {
			if block.Type == "tool_result" {
				events = append(events, StreamEvent{
					Kind:      EventToolResult,
					ToolUseID: block.ToolUseID,
					Text:      flattenToolContent(block.Content),
					Raw:       raw,
				})
			}
		}
		if len(events) == 0 {
			events = append(events, StreamEvent{Kind: EventRaw, Raw: raw})
		}
		return events

	case "result":
		ev := StreamEvent{
			Kind:      EventTurnResult,
			SessionID: rec.SessionID,
			CostUSD:   rec.TotalCostUSD,
			Text:      rec.Result,
			IsError:   rec.IsError || strings.Contains(rec.Subtype, "error"),
			Raw:       raw,
		}
		if rec.Usage != nil {
			used := rec.Usage.InputTokens + rec.Usage.CacheCreationInputTokens +
				rec.Usage.CacheReadInputTokens + rec.Usage.OutputTokens
			ev.Usage = &ContextUsage{Used: used, Total: defaultContextWindow}
			ev.Tokens = rec.Usage.OutputTokens
		}
		return []StreamEvent{ev}

	case "error":
		msg := rec.Error
		if msg == "" {
			msg = rec.Result
		}
		return []StreamEvent{{Kind: EventError, Text: msg, IsError: true, Raw: raw}}

	default:
		return []StreamEvent{{Kind: EventRaw, Raw: raw}}
	}
}

// flattenToolContent renders a tool_result content field, which may be a
// plain string or a block list, as display text.
func flattenToolContent(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(content)
}
