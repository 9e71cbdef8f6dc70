package handlers

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/Davincible/llm-stream-gateway/internal/codec"
)

// chatRequest is the protocol-neutral view of one generation request. It
// carries only what every wire protocol can express; protocol-specific
// extras stay behind on the client request.
type chatRequest struct {
	Model       string
	System      string
	Messages    []chatMessage
	Tools       []toolDef
	MaxTokens   int
	Temperature *float64
	Stream      bool
}

type chatMessage struct {
	Role       string // user, assistant, or tool
	Text       string
	ToolCalls  []requestToolCall
	ToolCallID string // set on tool-role messages
	IsError    bool
}

type requestToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type toolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// parseRequest reads a client request in the named protocol.
func parseRequest(protocol string, body []byte) (*chatRequest, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("request body is not JSON")
	}

	switch protocol {
	case codec.VendorOpenAI:
		return parseOpenAIRequest(body), nil
	case codec.VendorOpenAIResponses:
		return parseResponsesRequest(body), nil
	case codec.VendorAnthropic:
		return parseAnthropicRequest(body), nil
	case codec.VendorGemini:
		return parseGeminiRequest(body), nil
	}

	return nil, fmt.Errorf("unknown protocol %q", protocol)
}

// renderRequest writes the request in the named protocol.
func renderRequest(protocol string, req *chatRequest) ([]byte, error) {
	var payload map[string]any

	switch protocol {
	case codec.VendorOpenAI:
		payload = renderOpenAIRequest(req)
	case codec.VendorOpenAIResponses:
		payload = renderResponsesRequest(req)
	case codec.VendorAnthropic:
		payload = renderAnthropicRequest(req)
	case codec.VendorGemini:
		payload = renderGeminiRequest(req)
	default:
		return nil, fmt.Errorf("unknown protocol %q", protocol)
	}

	return json.Marshal(payload)
}

func parseOpenAIRequest(body []byte) *chatRequest {
	req := &chatRequest{
		Model:     gjson.GetBytes(body, "model").String(),
		MaxTokens: int(gjson.GetBytes(body, "max_tokens").Int()),
		Stream:    gjson.GetBytes(body, "stream").Bool(),
	}

	if req.MaxTokens == 0 {
		req.MaxTokens = int(gjson.GetBytes(body, "max_completion_tokens").Int())
	}

	if temp := gjson.GetBytes(body, "temperature"); temp.Exists() {
		v := temp.Float()
		req.Temperature = &v
	}

	for _, m := range gjson.GetBytes(body, "messages").Array() {
		role := m.Get("role").String()

		if role == "system" || role == "developer" {
			req.System = joinText(req.System, textOf(m.Get("content")))
			continue
		}

		msg := chatMessage{Role: role, Text: textOf(m.Get("content"))}

		if role == "tool" {
			msg.ToolCallID = m.Get("tool_call_id").String()
		}

		for _, tc := range m.Get("tool_calls").Array() {
			msg.ToolCalls = append(msg.ToolCalls, requestToolCall{
				ID:        tc.Get("id").String(),
				Name:      tc.Get("function.name").String(),
				Arguments: tc.Get("function.arguments").String(),
			})
		}

		req.Messages = append(req.Messages, msg)
	}

	for _, tool := range gjson.GetBytes(body, "tools").Array() {
		fn := tool.Get("function")
		req.Tools = append(req.Tools, toolDef{
			Name:        fn.Get("name").String(),
			Description: fn.Get("description").String(),
			Parameters:  rawOf(fn.Get("parameters")),
		})
	}

	return req
}

func parseResponsesRequest(body []byte) *chatRequest {
	req := &chatRequest{
		Model:     gjson.GetBytes(body, "model").String(),
		System:    gjson.GetBytes(body, "instructions").String(),
		MaxTokens: int(gjson.GetBytes(body, "max_output_tokens").Int()),
		Stream:    gjson.GetBytes(body, "stream").Bool(),
	}

	if temp := gjson.GetBytes(body, "temperature"); temp.Exists() {
		v := temp.Float()
		req.Temperature = &v
	}

	input := gjson.GetBytes(body, "input")
	if input.Type == gjson.String {
		req.Messages = append(req.Messages, chatMessage{Role: "user", Text: input.String()})
	} else {
		for _, item := range input.Array() {
			switch item.Get("type").String() {
			case "function_call":
				req.Messages = append(req.Messages, chatMessage{
					Role: "assistant",
					ToolCalls: []requestToolCall{{
						ID:        item.Get("call_id").String(),
						Name:      item.Get("name").String(),
						Arguments: item.Get("arguments").String(),
					}},
				})
			case "function_call_output":
				req.Messages = append(req.Messages, chatMessage{
					Role:       "tool",
					ToolCallID: item.Get("call_id").String(),
					Text:       item.Get("output").String(),
				})
			default:
				req.Messages = append(req.Messages, chatMessage{
					Role: orDefault(item.Get("role").String(), "user"),
					Text: textOf(item.Get("content")),
				})
			}
		}
	}

	for _, tool := range gjson.GetBytes(body, "tools").Array() {
		req.Tools = append(req.Tools, toolDef{
			Name:        tool.Get("name").String(),
			Description: tool.Get("description").String(),
			Parameters:  rawOf(tool.Get("parameters")),
		})
	}

	return req
}

func parseAnthropicRequest(body []byte) *chatRequest {
	req := &chatRequest{
		Model:     gjson.GetBytes(body, "model").String(),
		System:    textOf(gjson.GetBytes(body, "system")),
		MaxTokens: int(gjson.GetBytes(body, "max_tokens").Int()),
		Stream:    gjson.GetBytes(body, "stream").Bool(),
	}

	if temp := gjson.GetBytes(body, "temperature"); temp.Exists() {
		v := temp.Float()
		req.Temperature = &v
	}

	for _, m := range gjson.GetBytes(body, "messages").Array() {
		role := m.Get("role").String()
		content := m.Get("content")

		if content.Type == gjson.String {
			req.Messages = append(req.Messages, chatMessage{Role: role, Text: content.String()})
			continue
		}

		msg := chatMessage{Role: role}
		var results []chatMessage

		for _, block := range content.Array() {
			switch block.Get("type").String() {
			case "text":
				msg.Text = joinText(msg.Text, block.Get("text").String())
			case "tool_use":
				msg.ToolCalls = append(msg.ToolCalls, requestToolCall{
					ID:        block.Get("id").String(),
					Name:      block.Get("name").String(),
					Arguments: block.Get("input").Raw,
				})
			case "tool_result":
				results = append(results, chatMessage{
					Role:       "tool",
					ToolCallID: block.Get("tool_use_id").String(),
					Text:       textOf(block.Get("content")),
					IsError:    block.Get("is_error").Bool(),
				})
			}
		}

		if msg.Text != "" || len(msg.ToolCalls) > 0 {
			req.Messages = append(req.Messages, msg)
		}

		req.Messages = append(req.Messages, results...)
	}

	for _, tool := range gjson.GetBytes(body, "tools").Array() {
		req.Tools = append(req.Tools, toolDef{
			Name:        tool.Get("name").String(),
			Description: tool.Get("description").String(),
			Parameters:  rawOf(tool.Get("input_schema")),
		})
	}

	return req
}

func parseGeminiRequest(body []byte) *chatRequest {
	req := &chatRequest{
		System:    textOf(gjson.GetBytes(body, "systemInstruction.parts.0.text")),
		MaxTokens: int(gjson.GetBytes(body, "generationConfig.maxOutputTokens").Int()),
		// Streaming is an endpoint choice in this protocol, not a flag.
		Stream: true,
	}

	if temp := gjson.GetBytes(body, "generationConfig.temperature"); temp.Exists() {
		v := temp.Float()
		req.Temperature = &v
	}

	for _, content := range gjson.GetBytes(body, "contents").Array() {
		role := content.Get("role").String()
		if role == "model" {
			role = "assistant"
		} else if role == "" {
			role = "user"
		}

		msg := chatMessage{Role: role}
		var results []chatMessage

		for _, part := range content.Get("parts").Array() {
			switch {
			case part.Get("functionCall").Exists():
				call := part.Get("functionCall")
				msg.ToolCalls = append(msg.ToolCalls, requestToolCall{
					ID:        call.Get("name").String(),
					Name:      call.Get("name").String(),
					Arguments: orDefault(call.Get("args").Raw, "{}"),
				})
			case part.Get("functionResponse").Exists():
				resp := part.Get("functionResponse")
				results = append(results, chatMessage{
					Role:       "tool",
					ToolCallID: resp.Get("name").String(),
					Text:       resp.Get("response").Raw,
				})
			case part.Get("text").Exists():
				msg.Text = joinText(msg.Text, part.Get("text").String())
			}
		}

		if msg.Text != "" || len(msg.ToolCalls) > 0 {
			req.Messages = append(req.Messages, msg)
		}

		req.Messages = append(req.Messages, results...)
	}

	for _, decl := range gjson.GetBytes(body, "tools.0.functionDeclarations").Array() {
		req.Tools = append(req.Tools, toolDef{
			Name:        decl.Get("name").String(),
			Description: decl.Get("description").String(),
			Parameters:  rawOf(decl.Get("parameters")),
		})
	}

	return req
}

func renderOpenAIRequest(req *chatRequest) map[string]any {
	messages := make([]any, 0, len(req.Messages)+1)

	if req.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.System})
	}

	for _, m := range req.Messages {
		switch {
		case m.Role == "tool":
			messages = append(messages, map[string]any{
				"role":         "tool",
				"tool_call_id": m.ToolCallID,
				"content":      m.Text,
			})
		case len(m.ToolCalls) > 0:
			entry := map[string]any{"role": "assistant", "tool_calls": openAIToolCalls(m.ToolCalls)}
			if m.Text != "" {
				entry["content"] = m.Text
			}

			messages = append(messages, entry)
		default:
			messages = append(messages, map[string]any{"role": m.Role, "content": m.Text})
		}
	}

	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   req.Stream,
	}

	if req.Stream {
		payload["stream_options"] = map[string]any{"include_usage": true}
	}

	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}

	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}

	if len(req.Tools) > 0 {
		tools := make([]any, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        tool.Name,
					"description": tool.Description,
					"parameters":  json.RawMessage(tool.Parameters),
				},
			})
		}

		payload["tools"] = tools
	}

	return payload
}

func openAIToolCalls(calls []requestToolCall) []any {
	out := make([]any, 0, len(calls))
	for _, c := range calls {
		out = append(out, map[string]any{
			"id":   c.ID,
			"type": "function",
			"function": map[string]any{
				"name":      c.Name,
				"arguments": c.Arguments,
			},
		})
	}

	return out
}

func renderResponsesRequest(req *chatRequest) map[string]any {
	input := make([]any, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch {
		case m.Role == "tool":
			input = append(input, map[string]any{
				"type":    "function_call_output",
				"call_id": m.ToolCallID,
				"output":  m.Text,
			})
		case len(m.ToolCalls) > 0:
			for _, c := range m.ToolCalls {
				input = append(input, map[string]any{
					"type":      "function_call",
					"call_id":   c.ID,
					"name":      c.Name,
					"arguments": c.Arguments,
				})
			}
		default:
			input = append(input, map[string]any{"role": m.Role, "content": m.Text})
		}
	}

	payload := map[string]any{
		"model":  req.Model,
		"input":  input,
		"stream": req.Stream,
	}

	if req.System != "" {
		payload["instructions"] = req.System
	}

	if req.MaxTokens > 0 {
		payload["max_output_tokens"] = req.MaxTokens
	}

	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}

	if len(req.Tools) > 0 {
		tools := make([]any, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, map[string]any{
				"type":        "function",
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  json.RawMessage(tool.Parameters),
			})
		}

		payload["tools"] = tools
	}

	return payload
}

func renderAnthropicRequest(req *chatRequest) map[string]any {
	messages := make([]any, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch {
		case m.Role == "tool":
			messages = append(messages, map[string]any{
				"role": "user",
				"content": []any{map[string]any{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Text,
					"is_error":    m.IsError,
				}},
			})
		case len(m.ToolCalls) > 0:
			blocks := make([]any, 0, len(m.ToolCalls)+1)
			if m.Text != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": m.Text})
			}

			for _, c := range m.ToolCalls {
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    c.ID,
					"name":  c.Name,
					"input": json.RawMessage(orDefault(c.Arguments, "{}")),
				})
			}

			messages = append(messages, map[string]any{"role": "assistant", "content": blocks})
		default:
			messages = append(messages, map[string]any{"role": m.Role, "content": m.Text})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096 // required field in this protocol
	}

	payload := map[string]any{
		"model":      req.Model,
		"messages":   messages,
		"max_tokens": maxTokens,
		"stream":     req.Stream,
	}

	if req.System != "" {
		payload["system"] = req.System
	}

	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}

	if len(req.Tools) > 0 {
		tools := make([]any, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         tool.Name,
				"description":  tool.Description,
				"input_schema": json.RawMessage(tool.Parameters),
			})
		}

		payload["tools"] = tools
	}

	return payload
}

func renderGeminiRequest(req *chatRequest) map[string]any {
	contents := make([]any, 0, len(req.Messages))

	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}

		var parts []any

		switch {
		case m.Role == "tool":
			var response any
			if err := json.Unmarshal([]byte(m.Text), &response); err != nil {
				response = map[string]any{"output": m.Text}
			}

			parts = append(parts, map[string]any{
				"functionResponse": map[string]any{
					"name":     m.ToolCallID,
					"response": response,
				},
			})
		case len(m.ToolCalls) > 0:
			role = "model"

			if m.Text != "" {
				parts = append(parts, map[string]any{"text": m.Text})
			}

			for _, c := range m.ToolCalls {
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{
						"name": c.Name,
						"args": json.RawMessage(orDefault(c.Arguments, "{}")),
					},
				})
			}
		default:
			parts = append(parts, map[string]any{"text": m.Text})
		}

		contents = append(contents, map[string]any{"role": role, "parts": parts})
	}

	payload := map[string]any{"contents": contents}

	if req.System != "" {
		payload["systemInstruction"] = map[string]any{
			"parts": []any{map[string]any{"text": req.System}},
		}
	}

	generation := map[string]any{}
	if req.MaxTokens > 0 {
		generation["maxOutputTokens"] = req.MaxTokens
	}

	if req.Temperature != nil {
		generation["temperature"] = *req.Temperature
	}

	if len(generation) > 0 {
		payload["generationConfig"] = generation
	}

	if len(req.Tools) > 0 {
		decls := make([]any, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  json.RawMessage(tool.Parameters),
			})
		}

		payload["tools"] = []any{map[string]any{"functionDeclarations": decls}}
	}

	return payload
}

// textOf flattens string content or an array of text blocks to plain text.
func textOf(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}

	var text string

	for _, block := range content.Array() {
		if block.Type == gjson.String {
			text = joinText(text, block.String())
			continue
		}

		if t := block.Get("text"); t.Exists() {
			text = joinText(text, t.String())
		}
	}

	return text
}

func joinText(a, b string) string {
	if a == "" {
		return b
	}

	if b == "" {
		return a
	}

	return a + "\n" + b
}

func rawOf(v gjson.Result) json.RawMessage {
	if !v.Exists() {
		return json.RawMessage(`{"type":"object"}`)
	}

	return json.RawMessage(v.Raw)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}

	return s
}
