package gateway

import (
	"encoding/json"

	"github.com/Davincible/llm-stream-gateway/internal/stream"
)

// ReplayBuffer holds parts the target protocol only accepts as request
// input. The caller drains it when assembling the next turn.
type ReplayBuffer struct {
	parts []stream.Part
}

func NewReplayBuffer() *ReplayBuffer {
	return &ReplayBuffer{}
}

// Defer queues a part for the next turn.
func (b *ReplayBuffer) Defer(p stream.Part) {
	b.parts = append(b.parts, p)
}

// Len returns the number of deferred parts.
func (b *ReplayBuffer) Len() int {
	return len(b.parts)
}

// Drain returns the deferred parts in arrival order and empties the buffer.
func (b *ReplayBuffer) Drain() []stream.Part {
	parts := b.parts
	b.parts = nil

	return parts
}

// GeminiContents renders deferred tool results as functionResponse parts
// for the next generateContent request. Non-result parts are skipped; they
// have no Gemini input form.
func GeminiContents(parts []stream.Part, callNames map[string]string) []map[string]any {
	var out []map[string]any

	for _, p := range parts {
		result, ok := p.(stream.ToolResult)
		if !ok {
			continue
		}

		name := callNames[result.ToolCallID]
		if name == "" {
			name = result.ToolCallID
		}

		var response any
		if err := json.Unmarshal(result.Result, &response); err != nil {
			response = string(result.Result)
		}

		out = append(out, map[string]any{
			"functionResponse": map[string]any{
				"name":     name,
				"response": response,
			},
		})
	}

	return out
}
