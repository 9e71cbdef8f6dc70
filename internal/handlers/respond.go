package handlers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Davincible/llm-stream-gateway/internal/codec"
	"github.com/Davincible/llm-stream-gateway/internal/stream"
)

// renderResponse writes a folded stream as a single non-streaming response
// body in the named protocol.
func renderResponse(protocol string, resp *stream.Response, model string) ([]byte, error) {
	if resp.Metadata.Model != "" {
		model = resp.Metadata.Model
	}

	var payload map[string]any

	switch protocol {
	case codec.VendorOpenAI:
		payload = renderChatResponse(resp, model)
	case codec.VendorOpenAIResponses:
		payload = renderResponsesResponse(resp, model)
	case codec.VendorAnthropic:
		payload = renderAnthropicResponse(resp, model)
	case codec.VendorGemini:
		payload = renderGeminiResponse(resp, model)
	default:
		return nil, fmt.Errorf("unknown protocol %q", protocol)
	}

	return json.Marshal(payload)
}

func renderChatResponse(resp *stream.Response, model string) map[string]any {
	message := map[string]any{"role": "assistant"}

	if resp.Text != "" || len(resp.ToolCalls) == 0 {
		message["content"] = resp.Text
	}

	if len(resp.ToolCalls) > 0 {
		calls := make([]any, 0, len(resp.ToolCalls))
		for _, c := range resp.ToolCalls {
			calls = append(calls, map[string]any{
				"id":   c.ID,
				"type": "function",
				"function": map[string]any{
					"name":      c.Name,
					"arguments": c.Arguments,
				},
			})
		}

		message["tool_calls"] = calls
	}

	return map[string]any{
		"id":      exchangeID(resp, "chatcmpl-"),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []any{map[string]any{
			"index":         0,
			"message":       message,
			"finish_reason": chatFinishFor(resp.FinishReason),
		}},
		"usage": map[string]any{
			"prompt_tokens":     resp.Usage.InputTokens,
			"completion_tokens": resp.Usage.OutputTokens,
			"total_tokens":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

func renderResponsesResponse(resp *stream.Response, model string) map[string]any {
	output := make([]any, 0, len(resp.ToolCalls)+1)

	if resp.Text != "" {
		output = append(output, map[string]any{
			"type": "message",
			"role": "assistant",
			"content": []any{map[string]any{
				"type": "output_text",
				"text": resp.Text,
			}},
		})
	}

	for _, c := range resp.ToolCalls {
		output = append(output, map[string]any{
			"type":      "function_call",
			"call_id":   c.ID,
			"name":      c.Name,
			"arguments": c.Arguments,
		})
	}

	status := "completed"
	if resp.FinishReason == stream.FinishLength || resp.FinishReason == stream.FinishContentFilter {
		status = "incomplete"
	}

	return map[string]any{
		"id":     exchangeID(resp, "resp_"),
		"object": "response",
		"status": status,
		"model":  model,
		"output": output,
		"usage": map[string]any{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
			"total_tokens":  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

func renderAnthropicResponse(resp *stream.Response, model string) map[string]any {
	content := make([]any, 0, len(resp.ToolCalls)+1)

	if resp.Reasoning != "" {
		content = append(content, map[string]any{"type": "thinking", "thinking": resp.Reasoning})
	}

	if resp.Text != "" {
		content = append(content, map[string]any{"type": "text", "text": resp.Text})
	}

	for _, c := range resp.ToolCalls {
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    c.ID,
			"name":  c.Name,
			"input": json.RawMessage(c.Arguments),
		})
	}

	return map[string]any{
		"id":          exchangeID(resp, "msg_"),
		"type":        "message",
		"role":        "assistant",
		"model":       model,
		"content":     content,
		"stop_reason": anthropicStopFor(resp.FinishReason),
		"usage": map[string]any{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
		},
	}
}

func renderGeminiResponse(resp *stream.Response, model string) map[string]any {
	parts := make([]any, 0, len(resp.ToolCalls)+1)

	if resp.Text != "" {
		parts = append(parts, map[string]any{"text": resp.Text})
	}

	for _, c := range resp.ToolCalls {
		parts = append(parts, map[string]any{
			"functionCall": map[string]any{
				"name": c.Name,
				"args": json.RawMessage(c.Arguments),
			},
		})
	}

	return map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{
				"role":  "model",
				"parts": parts,
			},
			"finishReason": geminiFinishFor(resp.FinishReason),
			"index":        0,
		}},
		"usageMetadata": map[string]any{
			"promptTokenCount":     resp.Usage.InputTokens,
			"candidatesTokenCount": resp.Usage.OutputTokens,
			"totalTokenCount":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		"modelVersion": model,
	}
}

func exchangeID(resp *stream.Response, prefix string) string {
	if resp.Metadata.ExchangeID != "" {
		return resp.Metadata.ExchangeID
	}

	return prefix + uuid.NewString()
}

func chatFinishFor(reason stream.FinishReason) string {
	switch reason {
	case stream.FinishToolCalls:
		return "tool_calls"
	case stream.FinishLength:
		return "length"
	case stream.FinishContentFilter:
		return "content_filter"
	default:
		return "stop"
	}
}

func anthropicStopFor(reason stream.FinishReason) string {
	switch reason {
	case stream.FinishToolCalls:
		return "tool_use"
	case stream.FinishLength:
		return "max_tokens"
	case stream.FinishContentFilter:
		return "refusal"
	default:
		return "end_turn"
	}
}

func geminiFinishFor(reason stream.FinishReason) string {
	switch reason {
	case stream.FinishLength:
		return "MAX_TOKENS"
	case stream.FinishContentFilter:
		return "SAFETY"
	default:
		return "STOP"
	}
}
