package agent

import (
	"testing"
)

func TestStreamParser_PartialRecordAcrossChunks(t *testing.T) {
	p := NewStreamParser()

	events := p.Feed([]byte(`{"type":"system","sub`))
	if len(events) != 0 {
		t.Fatalf("expected no events for partial record, got %d", len(events))
	}

	events = p.Feed([]byte("type\":\"init\",\"session_id\":\"abc\"}\n"))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != EventSessionInit {
		t.Errorf("expected session_init, got %s", events[0].Kind)
	}
	if events[0].SessionID != "abc" {
		t.Errorf("expected session id abc, got %q", events[0].SessionID)
	}
}

func TestStreamParser_MultipleRecordsOneChunk(t *testing.T) {
	p := NewStreamParser()
	chunk := `{"type":"system","subtype":"init","session_id":"s1"}` + "\n" +
		`{"type":"result","total_cost_usd":0.05}` + "\n"

	events := p.Feed([]byte(chunk))
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != EventSessionInit || events[1].Kind != EventTurnResult {
		t.Errorf("unexpected kinds: %s, %s", events[0].Kind, events[1].Kind)
	}
}

func TestStreamParser_Flush(t *testing.T) {
	p := NewStreamParser()
	p.Feed([]byte(`{"type":"result","total_cost_usd":0.01}`)) // no trailing newline

	events := p.Flush()
	if len(events) != 1 {
		t.Fatalf("expected 1 event from flush, got %d", len(events))
	}
	if events[0].Kind != EventTurnResult {
		t.Errorf("expected turn_result, got %s", events[0].Kind)
	}
}

func TestClassify_NonJSONIsRaw(t *testing.T) {
	events := Classify("plain log line, not a record")
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != EventRaw {
		t.Errorf("expected raw, got %s", events[0].Kind)
	}
	if events[0].Text != "plain log line, not a record" {
		t.Errorf("raw text not preserved: %q", events[0].Text)
	}
}

func TestClassify_UnknownTypeIsRawWithPayload(t *testing.T) {
	line := `{"type":"something_new","extra":42}`
	events := Classify(line)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != EventRaw {
		t.Errorf("expected raw, got %s", events[0].Kind)
	}
	if string(events[0].Raw) != line {
		t.Errorf("payload not preserved: %s", events[0].Raw)
	}
}

func TestClassify_AssistantTextAndToolUse(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"working on it"},` +
		`{"type":"tool_use","id":"tu_1","name":"Bash"}]}}`

	events := Classify(line)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != EventAssistantText || events[0].Text != "working on it" {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].Kind != EventToolStarted || events[1].ToolUseID != "tu_1" || events[1].ToolName != "Bash" {
		t.Errorf("unexpected second event: %+v", events[1])
	}
}

func TestClassify_ToolResult(t *testing.T) {
	line := `{"type":"user","message":{"content":[` +
		`{"type":"tool_result","tool_use_id":"tu_1","content":"ok"}]}}`

	events := Classify(line)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != EventToolResult || events[0].ToolUseID != "tu_1" {
		t.Errorf("unexpected event: %+v", events[0])
	}
	if events[0].Text != "ok" {
		t.Errorf("expected content ok, got %q", events[0].Text)
	}
}

func TestClassify_TurnResultWithUsage(t *testing.T) {
	line := `{"type":"result","session_id":"s9","total_cost_usd":0.12,` +
		`"usage":{"input_tokens":100,"cache_read_input_tokens":50,"output_tokens":25}}`

	events := Classify(line)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Kind != EventTurnResult {
		t.Fatalf("expected turn_result, got %s", ev.Kind)
	}
	if ev.CostUSD != 0.12 {
		t.Errorf("expected cost 0.12, got %f", ev.CostUSD)
	}
	if ev.Usage == nil || ev.Usage.Used != 175 {
		t.Errorf("unexpected usage: %+v", ev.Usage)
	}
	if ev.SessionID != "s9" {
		t.Errorf("expected session s9, got %q", ev.SessionID)
	}
}

func TestClassify_ErrorRecord(t *testing.T) {
	events := Classify(`{"type":"error","error":"rate limited"}`)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != EventError || !events[0].IsError {
		t.Errorf("unexpected event: %+v", events[0])
	}
	if events[0].Text != "rate limited" {
		t.Errorf("expected error text, got %q", events[0].Text)
	}
}

func TestClassify_ToolResultBlockListContent(t *testing.T) {
	line := `{"type":"user","message":{"content":[` +
		`{"type":"tool_result","tool_use_id":"tu_2","content":[{"type":"text","text":"line one"}]}]}}`

	events := Classify(line)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Text != "line one" {
		t.Errorf("expected flattened text, got %q", events[0].Text)
	}
}
