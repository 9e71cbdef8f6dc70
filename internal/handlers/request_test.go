package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/Davincible/llm-stream-gateway/internal/codec"
)

func TestParseRequest_AnthropicToolConversation(t *testing.T) {
	body := `{
		"model": "claude-sonnet-4",
		"max_tokens": 1024,
		"system": "Be brief.",
		"messages": [
			{"role": "user", "content": "What is the weather in Paris?"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "Let me check."},
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Paris"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "22C", "is_error": false}
			]}
		],
		"tools": [{"name": "get_weather", "description": "Look up weather", "input_schema": {"type": "object"}}]
	}`

	req, err := parseRequest(codec.VendorAnthropic, []byte(body))
	require.NoError(t, err)

	assert.Equal(t, "claude-sonnet-4", req.Model)
	assert.Equal(t, "Be brief.", req.System)
	assert.Equal(t, 1024, req.MaxTokens)
	require.Len(t, req.Messages, 3)

	assert.Equal(t, "user", req.Messages[0].Role)
	require.Len(t, req.Messages[1].ToolCalls, 1)
	assert.Equal(t, "toolu_1", req.Messages[1].ToolCalls[0].ID)
	assert.Equal(t, "get_weather", req.Messages[1].ToolCalls[0].Name)

	assert.Equal(t, "tool", req.Messages[2].Role)
	assert.Equal(t, "toolu_1", req.Messages[2].ToolCallID)
	assert.Equal(t, "22C", req.Messages[2].Text)

	require.Len(t, req.Tools, 1)
	assert.Equal(t, "get_weather", req.Tools[0].Name)
}

func TestRenderRequest_AnthropicConversationAsOpenAI(t *testing.T) {
	req, err := parseRequest(codec.VendorAnthropic, []byte(`{
		"model": "m",
		"max_tokens": 64,
		"system": "Be brief.",
		"messages": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "toolu_1", "name": "lookup", "input": {"q": 1}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "found"}
			]}
		]
	}`))
	require.NoError(t, err)

	out, err := renderRequest(codec.VendorOpenAI, req)
	require.NoError(t, err)

	rendered := string(out)
	assert.Equal(t, "system", gjson.Get(rendered, "messages.0.role").String(), "system prompt becomes the leading message")
	assert.Equal(t, "Be brief.", gjson.Get(rendered, "messages.0.content").String())
	assert.Equal(t, "toolu_1", gjson.Get(rendered, "messages.2.tool_calls.0.id").String())
	assert.Equal(t, "lookup", gjson.Get(rendered, "messages.2.tool_calls.0.function.name").String())
	assert.Equal(t, "tool", gjson.Get(rendered, "messages.3.role").String())
	assert.Equal(t, "toolu_1", gjson.Get(rendered, "messages.3.tool_call_id").String())
	assert.Equal(t, int64(64), gjson.Get(rendered, "max_tokens").Int())
}

func TestRenderRequest_OpenAIConversationAsGemini(t *testing.T) {
	req, err := parseRequest(codec.VendorOpenAI, []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "Be brief."},
			{"role": "user", "content": "hi"},
			{"role": "assistant", "tool_calls": [
				{"id": "call_1", "function": {"name": "lookup", "arguments": "{\"q\":1}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "{\"answer\":42}"}
		],
		"tools": [{"type": "function", "function": {"name": "lookup", "parameters": {"type": "object"}}}]
	}`))
	require.NoError(t, err)

	out, err := renderRequest(codec.VendorGemini, req)
	require.NoError(t, err)

	rendered := string(out)
	assert.Equal(t, "Be brief.", gjson.Get(rendered, "systemInstruction.parts.0.text").String())
	assert.Equal(t, "user", gjson.Get(rendered, "contents.0.role").String())
	assert.Equal(t, "model", gjson.Get(rendered, "contents.1.role").String())
	assert.Equal(t, "lookup", gjson.Get(rendered, "contents.1.parts.0.functionCall.name").String())
	assert.Equal(t, int64(1), gjson.Get(rendered, "contents.1.parts.0.functionCall.args.q").Int())
	assert.Equal(t, "call_1", gjson.Get(rendered, "contents.2.parts.0.functionResponse.name").String())
	assert.Equal(t, int64(42), gjson.Get(rendered, "contents.2.parts.0.functionResponse.response.answer").Int())
	assert.Equal(t, "lookup", gjson.Get(rendered, "tools.0.functionDeclarations.0.name").String())
}

func TestParseRequest_ResponsesStringInput(t *testing.T) {
	req, err := parseRequest(codec.VendorOpenAIResponses, []byte(`{
		"model": "gpt-4o",
		"instructions": "Be brief.",
		"input": "hello",
		"stream": true
	}`))
	require.NoError(t, err)

	assert.Equal(t, "Be brief.", req.System)
	assert.True(t, req.Stream)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, "hello", req.Messages[0].Text)
}

func TestRenderRequest_ToolResultsAsResponsesItems(t *testing.T) {
	req := &chatRequest{
		Model: "gpt-4o",
		Messages: []chatMessage{
			{Role: "user", Text: "hi"},
			{Role: "assistant", ToolCalls: []requestToolCall{{ID: "call_1", Name: "lookup", Arguments: `{"q":1}`}}},
			{Role: "tool", ToolCallID: "call_1", Text: "found"},
		},
		Stream: true,
	}

	out, err := renderRequest(codec.VendorOpenAIResponses, req)
	require.NoError(t, err)

	rendered := string(out)
	assert.Equal(t, "function_call", gjson.Get(rendered, "input.1.type").String())
	assert.Equal(t, "call_1", gjson.Get(rendered, "input.1.call_id").String())
	assert.Equal(t, "function_call_output", gjson.Get(rendered, "input.2.type").String())
	assert.Equal(t, "found", gjson.Get(rendered, "input.2.output").String())
}

func TestParseRequest_GeminiContents(t *testing.T) {
	req, err := parseRequest(codec.VendorGemini, []byte(`{
		"systemInstruction": {"parts": [{"text": "Be brief."}]},
		"contents": [
			{"role": "user", "parts": [{"text": "hi"}]},
			{"role": "model", "parts": [{"functionCall": {"name": "lookup", "args": {"q": 1}}}]},
			{"role": "user", "parts": [{"functionResponse": {"name": "lookup", "response": {"answer": 42}}}]}
		],
		"generationConfig": {"maxOutputTokens": 256, "temperature": 0.2}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "Be brief.", req.System)
	assert.Equal(t, 256, req.MaxTokens)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.2, *req.Temperature, 1e-9)

	require.Len(t, req.Messages, 3)
	assert.Equal(t, "assistant", req.Messages[1].Role)
	require.Len(t, req.Messages[1].ToolCalls, 1)
	assert.Equal(t, "lookup", req.Messages[1].ToolCalls[0].Name)
	assert.Equal(t, "tool", req.Messages[2].Role)
	assert.Equal(t, "lookup", req.Messages[2].ToolCallID)
}

func TestParseRequest_RejectsGarbage(t *testing.T) {
	_, err := parseRequest(codec.VendorOpenAI, []byte("not json"))
	require.Error(t, err)
}
