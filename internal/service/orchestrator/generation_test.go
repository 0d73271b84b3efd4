package orchestrator

import (
	"encoding/json"
	"testing"
	"time"

	"ai-voice-orchestrator-service/internal/service/conversation"
	"ai-voice-orchestrator-service/internal/service/llm"
	"ai-voice-orchestrator-service/internal/service/tools"
)

func TestBuildMessages(t *testing.T) {
	conv := conversation.New("call-1", "scripted")
	t0 := time.Now()

	conv.BeginPartial(t0)
	conv.CommitFinal("check both accounts")
	if _, err := conv.FinalizePartial(t0.Add(time.Second), false); err != nil {
		t.Fatal(err)
	}
	err := conv.RegisterToolCalls("Let me look.", []conversation.ToolCall{
		{RequestID: "a", Name: "get_account_balance", Input: json.RawMessage(`{"account_id":"primary"}`)},
		{RequestID: "b", Name: "get_account_balance", Input: json.RawMessage(`{"account_id":"savings"}`)},
	})
	if err != nil {
		t.Fatal(err)
	}
	conv.RecordToolResult("b", tools.Result{Name: "get_account_balance", Status: tools.StatusSuccess, Output: json.RawMessage(`{"balance":8400}`)})
	conv.RecordToolResult("a", tools.Result{Name: "get_account_balance", Status: tools.StatusTimeout, Error: "tool call timed out"})
	if _, err := conv.AppendTurn(conversation.Turn{
		Speaker: conversation.SpeakerAgent,
		Text:    "Savings has 8400.",
		Start:   t0.Add(2 * time.Second),
		End:     t0.Add(3 * time.Second),
	}); err != nil {
		t.Fatal(err)
	}

	msgs := buildMessages("be brief", conv.Snapshot())

	want := []struct {
		role    llm.Role
		content string
		callID  string
	}{
		{llm.RoleSystem, "be brief", ""},
		{llm.RoleUser, "check both accounts", ""},
		{llm.RoleAssistant, "Let me look.", ""},
		{llm.RoleTool, `{"balance":8400}`, "b"},
		{llm.RoleTool, `{"error":"tool call timed out","status":"timeout"}`, "a"},
		{llm.RoleAssistant, "Savings has 8400.", ""},
	}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d: %+v", len(want), len(msgs), msgs)
	}
	for i, w := range want {
		m := msgs[i]
		if m.Role != w.role || m.Content != w.content || m.ToolCallID != w.callID {
			t.Errorf("message %d: expected %s %q (%s), got %s %q (%s)", i, w.role, w.content, w.callID, m.Role, m.Content, m.ToolCallID)
		}
	}
	if calls := msgs[2].ToolCalls; len(calls) != 2 || calls[0].ID != "a" || calls[1].ID != "b" {
		t.Errorf("tool calls should keep request order, got %+v", calls)
	}
	if msgs[3].Name != "get_account_balance" {
		t.Errorf("tool message should carry the tool name, got %q", msgs[3].Name)
	}
}

func TestBuildMessages_PendingResultsOmitted(t *testing.T) {
	conv := conversation.New("call-1", "scripted")
	t0 := time.Now()
	conv.BeginPartial(t0)
	conv.CommitFinal("hello")
	conv.FinalizePartial(t0.Add(time.Second), false)
	conv.RegisterToolCalls("", []conversation.ToolCall{{RequestID: "a", Name: "echo"}})

	msgs := buildMessages("sys", conv.Snapshot())
	if len(msgs) != 3 {
		t.Fatalf("expected system, user and tool-call messages, got %+v", msgs)
	}
	if msgs[2].Role != llm.RoleAssistant || len(msgs[2].ToolCalls) != 1 {
		t.Errorf("unexpected tool-call message %+v", msgs[2])
	}
}
