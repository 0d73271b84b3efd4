package llm

import (
	"encoding/json"
	"reflect"
	"testing"

	"pgregory.net/rapid"
)

func toolDelta(index int, id, name, args string) Fragment {
	return Fragment{Kind: FragmentToolCall, ToolCall: ToolCallDelta{Index: index, ID: id, Name: name, ArgumentsDelta: args}}
}

func TestDetectToolCalls(t *testing.T) {
	tests := []struct {
		name    string
		frags   []Fragment
		want    []ToolCall
		wantErr bool
	}{
		{
			name:  "text only",
			frags: []Fragment{{Kind: FragmentText, Text: "hello"}},
			want:  nil,
		},
		{
			name: "single call streamed in pieces",
			frags: []Fragment{
				toolDelta(0, "tc-1", "get_account_balance", `{"account`),
				toolDelta(0, "", "", `_id":"primary"}`),
			},
			want: []ToolCall{{ID: "tc-1", Name: "get_account_balance", Arguments: json.RawMessage(`{"account_id":"primary"}`)}},
		},
		{
			name: "interleaved calls ordered by index",
			frags: []Fragment{
				toolDelta(1, "tc-b", "echo", `{"text":`),
				toolDelta(0, "tc-a", "get_account_balance", `{}`),
				toolDelta(1, "", "", `"hi"}`),
			},
			want: []ToolCall{
				{ID: "tc-a", Name: "get_account_balance", Arguments: json.RawMessage(`{}`)},
				{ID: "tc-b", Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)},
			},
		},
		{
			name:  "empty arguments become an empty object",
			frags: []Fragment{toolDelta(0, "tc-1", "echo", "")},
			want:  []ToolCall{{ID: "tc-1", Name: "echo", Arguments: json.RawMessage(`{}`)}},
		},
		{
			name:    "missing name",
			frags:   []Fragment{toolDelta(0, "tc-1", "", `{}`)},
			wantErr: true,
		},
		{
			name:    "malformed arguments",
			frags:   []Fragment{toolDelta(0, "tc-1", "echo", `{"text":`)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectToolCalls(tt.frags)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDetectToolCalls_SplitInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		args := `{"account_id":"` + rapid.StringMatching(`[a-z0-9]{0,20}`).Draw(t, "id") + `"}`
		cuts := rapid.SliceOfN(rapid.IntRange(0, len(args)), 0, 5).Draw(t, "cuts")

		var frags []Fragment
		prev := 0
		for i, c := range cuts {
			if c < prev {
				c = prev
			}
			d := toolDelta(0, "", "", args[prev:c])
			if i == 0 {
				d.ToolCall.ID, d.ToolCall.Name = "tc-1", "get_account_balance"
			}
			frags = append(frags, d)
			prev = c
		}
		frags = append(frags, toolDelta(0, "tc-1", "get_account_balance", args[prev:]))

		calls, err := DetectToolCalls(frags)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(calls) != 1 || string(calls[0].Arguments) != args {
			t.Fatalf("got %+v, want arguments %s", calls, args)
		}

		again, _ := DetectToolCalls(frags)
		if !reflect.DeepEqual(calls, again) {
			t.Fatal("detection is not deterministic")
		}
	})
}

func TestSentenceBuffer(t *testing.T) {
	var s SentenceBuffer

	if got := s.Push("Your balance "); len(got) != 0 {
		t.Errorf("expected no sentence yet, got %v", got)
	}
	if got := s.Push("is 1,234.56 USD. Is"); len(got) != 1 || got[0] != "Your balance is 1,234.56 USD." {
		t.Errorf("unexpected sentences %v", got)
	}
	if got := s.Push(" there anything else? Thanks"); len(got) != 1 || got[0] != "Is there anything else?" {
		t.Errorf("unexpected sentences %v", got)
	}
	if rest := s.Flush(); rest != "Thanks" {
		t.Errorf("unexpected remainder %q", rest)
	}
	if rest := s.Flush(); rest != "" {
		t.Errorf("expected empty remainder, got %q", rest)
	}
}

func TestSplitSentences(t *testing.T) {
	got := SplitSentences("Hello! How are you? I'm fine")
	want := []string{"Hello!", "How are you?", "I'm fine"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCollectTextAndUsage(t *testing.T) {
	frags := []Fragment{
		{Kind: FragmentText, Text: "Hi "},
		toolDelta(0, "tc", "echo", "{}"),
		{Kind: FragmentText, Text: "there."},
		{Kind: FragmentUsage, Usage: Usage{PromptTokens: 10, CompletionTokens: 2}},
	}
	if CollectText(frags) != "Hi there." {
		t.Errorf("unexpected text %q", CollectText(frags))
	}
	if u := TotalUsage(frags); u.PromptTokens != 10 || u.CompletionTokens != 2 {
		t.Errorf("unexpected usage %+v", u)
	}
}
