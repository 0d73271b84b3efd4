package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// DetectToolCalls assembles the tool calls contained in frags. It is a pure
// function of its input: the same fragments always yield the same calls,
// ordered by stream index.
func DetectToolCalls(frags []Fragment) ([]ToolCall, error) {
	type partial struct {
		id, name string
		args     strings.Builder
	}
	byIndex := map[int]*partial{}
	for _, f := range frags {
		if f.Kind != FragmentToolCall {
			continue
		}
		d := f.ToolCall
		p, ok := byIndex[d.Index]
		if !ok {
			p = &partial{}
			byIndex[d.Index] = p
		}
		if d.ID != "" {
			p.id = d.ID
		}
		if d.Name != "" {
			p.name = d.Name
		}
		p.args.WriteString(d.ArgumentsDelta)
	}
	if len(byIndex) == 0 {
		return nil, nil
	}

	indexes := make([]int, 0, len(byIndex))
	for i := range byIndex {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]ToolCall, 0, len(indexes))
	for _, i := range indexes {
		p := byIndex[i]
		if p.name == "" {
			return nil, fmt.Errorf("tool call %d has no name", i)
		}
		args := strings.TrimSpace(p.args.String())
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			return nil, fmt.Errorf("tool call %d (%s) has malformed arguments", i, p.name)
		}
		calls = append(calls, ToolCall{ID: p.id, Name: p.name, Arguments: json.RawMessage(args)})
	}
	return calls, nil
}

// CollectText concatenates the text fragments of frags.
func CollectText(frags []Fragment) string {
	var b strings.Builder
	for _, f := range frags {
		if f.Kind == FragmentText {
			b.WriteString(f.Text)
		}
	}
	return b.String()
}

// TotalUsage sums the usage fragments of frags.
func TotalUsage(frags []Fragment) Usage {
	var u Usage
	for _, f := range frags {
		if f.Kind == FragmentUsage {
			u.PromptTokens += f.Usage.PromptTokens
			u.CompletionTokens += f.Usage.CompletionTokens
		}
	}
	return u
}

// SentenceBuffer turns streamed text into whole sentences for synthesis.
type SentenceBuffer struct {
	buf strings.Builder
}

// Push appends delta and returns every sentence completed by it.
func (s *SentenceBuffer) Push(delta string) []string {
	s.buf.WriteString(delta)
	text := s.buf.String()

	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		if !isTerminator(text[i]) {
			continue
		}
		// A terminator ends a sentence only when followed by whitespace.
		if i+1 >= len(text) || !isSpace(text[i+1]) {
			continue
		}
		if sentence := strings.TrimSpace(text[start : i+1]); sentence != "" {
			out = append(out, sentence)
		}
		start = i + 1
	}

	s.buf.Reset()
	s.buf.WriteString(text[start:])
	return out
}

// Flush returns the buffered remainder as a final sentence, or "".
func (s *SentenceBuffer) Flush() string {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return rest
}

// SplitSentences splits complete text into sentences.
func SplitSentences(text string) []string {
	var s SentenceBuffer
	out := s.Push(text)
	if rest := s.Flush(); rest != "" {
		out = append(out, rest)
	}
	return out
}

func isTerminator(c byte) bool {
	return c == '.' || c == '!' || c == '?'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t'
}
