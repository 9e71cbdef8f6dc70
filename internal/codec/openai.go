package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/Davincible/llm-stream-gateway/internal/apierr"
	"github.com/Davincible/llm-stream-gateway/internal/sse"
	"github.com/Davincible/llm-stream-gateway/internal/stream"
)

// chatTextID is the canonical id for the single text item of a Chat
// Completions choice; the protocol has no per-item identifiers.
const chatTextID = "0"

// ReasoningShape selects where an OpenAI-compatible vendor puts reasoning
// text in streaming deltas. Resolved once at decoder construction from
// vendor configuration, never by runtime inspection.
type ReasoningShape int

const (
	// ReasoningContentField reads delta.reasoning_content (DeepSeek, vanilla).
	ReasoningContentField ReasoningShape = iota
	// ReasoningStringField reads delta.reasoning as a plain string (OpenRouter).
	ReasoningStringField
	// ReasoningNestedText reads delta.reasoning.text (Groq-style nesting).
	ReasoningNestedText
)

// ChatDecoder decodes OpenAI Chat Completions streaming chunks.
type ChatDecoder struct {
	shape     ReasoningShape
	started   bool
	sourceSeq int
}

// ChatDecoderOption configures a ChatDecoder.
type ChatDecoderOption func(*ChatDecoder)

// WithReasoningShape sets the reasoning field shape for a compatible vendor.
func WithReasoningShape(shape ReasoningShape) ChatDecoderOption {
	return func(d *ChatDecoder) { d.shape = shape }
}

func NewChatDecoder(opts ...ChatDecoderOption) *ChatDecoder {
	d := &ChatDecoder{shape: ReasoningContentField}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *ChatDecoder) Vendor() string { return VendorOpenAI }

func (d *ChatDecoder) Decode(acc *stream.Accumulator, raw []byte) ([]stream.Part, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("malformed chat completions chunk: not JSON")
	}

	if gjson.GetBytes(raw, "error").Exists() {
		cls := apierr.Classify(VendorOpenAI, 0, raw)
		return []stream.Part{stream.StreamError{Kind: cls.Kind, Message: cls.Message, Retryable: cls.Retryable}}, nil
	}

	var parts []stream.Part

	if !d.started {
		d.started = true
		acc.MarkStarted()
		parts = append(parts, stream.StreamStart{Metadata: stream.Metadata{
			ExchangeID: gjson.GetBytes(raw, "id").String(),
			Model:      gjson.GetBytes(raw, "model").String(),
		}})
	}

	choice := gjson.GetBytes(raw, "choices.0")
	if choice.Exists() {
		delta := choice.Get("delta")

		if toolCalls := delta.Get("tool_calls"); toolCalls.IsArray() {
			parts = append(parts, d.decodeToolCalls(acc, toolCalls)...)
		} else if content := delta.Get("content"); content.Exists() && content.Type == gjson.String {
			parts = append(parts, stream.TextDelta{ID: chatTextID, Text: content.String()})
		}

		if text, ok := d.reasoningText(delta); ok {
			parts = append(parts, stream.ReasoningDelta{ID: chatTextID, Text: text})
		}

		for _, ann := range delta.Get("annotations").Array() {
			if ann.Get("type").String() != "url_citation" {
				continue
			}

			parts = append(parts, stream.SourcePart{
				ID:    "src_" + strconv.Itoa(d.sourceSeq),
				URL:   ann.Get("url_citation.url").String(),
				Title: ann.Get("url_citation.title").String(),
			})
			d.sourceSeq++
		}

		if finish := choice.Get("finish_reason"); finish.Exists() && finish.Type == gjson.String {
			parts = append(parts, d.decodeFinish(acc, raw, finish.String())...)
		}
	}

	// Usage-only chunk (stream_options.include_usage). It arrives after the
	// finish chunk, so it folds into the accumulator silently: StreamEnd
	// stays the last canonical part of the exchange.
	if !choice.Exists() {
		if usage := gjson.GetBytes(raw, "usage"); usage.IsObject() {
			u := chatUsage(usage)
			acc.AddUsage(u)

			if !acc.Ended() {
				parts = append(parts, stream.UsageUpdate{Usage: u})
			}
		}
	}

	return parts, nil
}

func (d *ChatDecoder) decodeToolCalls(acc *stream.Accumulator, toolCalls gjson.Result) []stream.Part {
	var parts []stream.Part

	for _, tc := range toolCalls.Array() {
		indexKey := "tc:" + tc.Get("index").Raw
		callID := tc.Get("id").String()
		name := tc.Get("function.name").String()
		args := tc.Get("function.arguments").String()

		canonical, known := acc.LookupID(indexKey)
		if !known {
			if callID == "" {
				continue // fragment for a call we never saw open
			}

			canonical = callID
			acc.BindID(indexKey, canonical)
		}

		first := !acc.ToolCallOpen(canonical)
		acc.OpenToolCall(canonical, name)

		part := stream.ToolCallDelta{ID: canonical, ArgumentsFragment: acc.AppendToolArguments(canonical, []byte(args))}
		if first {
			part.Name = acc.ToolCallName(canonical)
		}

		parts = append(parts, part)
	}

	return parts
}

func (d *ChatDecoder) decodeFinish(acc *stream.Accumulator, raw []byte, reason string) []stream.Part {
	var parts []stream.Part

	for _, done := range acc.FinishOpenToolCalls() {
		parts = append(parts, done)
	}

	if usage := gjson.GetBytes(raw, "usage"); usage.IsObject() {
		u := chatUsage(usage)
		acc.AddUsage(u)
		parts = append(parts, stream.UsageUpdate{Usage: u})
	}

	if acc.MarkEnded() {
		parts = append(parts, stream.StreamEnd{FinishReason: chatFinishReason(reason)})
	}

	return parts
}

func (d *ChatDecoder) reasoningText(delta gjson.Result) (string, bool) {
	var field gjson.Result

	switch d.shape {
	case ReasoningStringField:
		field = delta.Get("reasoning")
	case ReasoningNestedText:
		field = delta.Get("reasoning.text")
	default:
		field = delta.Get("reasoning_content")
	}

	if field.Exists() && field.Type == gjson.String {
		return field.String(), true
	}

	return "", false
}

func chatUsage(usage gjson.Result) stream.Usage {
	return stream.Usage{
		InputTokens:           int(usage.Get("prompt_tokens").Int()),
		OutputTokens:          int(usage.Get("completion_tokens").Int()),
		CacheReadInputTokens:  int(usage.Get("prompt_tokens_details.cached_tokens").Int()),
		ReasoningTokens:       int(usage.Get("completion_tokens_details.reasoning_tokens").Int()),
		CacheWriteInputTokens: int(usage.Get("cache_creation_input_tokens").Int()),
	}
}

func chatFinishReason(reason string) stream.FinishReason {
	switch reason {
	case "stop":
		return stream.FinishStop
	case "length":
		return stream.FinishLength
	case "tool_calls", "function_call":
		return stream.FinishToolCalls
	case "content_filter":
		return stream.FinishContentFilter
	default:
		return stream.FinishOther
	}
}

func chatFinishString(reason stream.FinishReason) string {
	switch reason {
	case stream.FinishStop:
		return "stop"
	case stream.FinishLength:
		return "length"
	case stream.FinishToolCalls:
		return "tool_calls"
	case stream.FinishContentFilter:
		return "content_filter"
	case stream.FinishError:
		return "stop"
	default:
		return "stop"
	}
}

// ChatEncoder encodes canonical Parts as Chat Completions streaming chunks,
// terminated by the [DONE] sentinel.
type ChatEncoder struct {
	exchangeID string
	model      string
	created    int64
	toolIndex  map[string]int
	usage      stream.Usage
	haveUsage  bool
}

func NewChatEncoder() *ChatEncoder {
	return &ChatEncoder{
		exchangeID: "chatcmpl-gateway",
		created:    time.Now().Unix(),
		toolIndex:  make(map[string]int),
	}
}

func (e *ChatEncoder) Vendor() string { return VendorOpenAI }

func (e *ChatEncoder) Encode(p stream.Part) ([][]byte, error) {
	switch part := p.(type) {
	case stream.StreamStart:
		if part.Metadata.ExchangeID != "" {
			e.exchangeID = part.Metadata.ExchangeID
		}

		e.model = part.Metadata.Model

		return e.frames(e.chunk(map[string]any{"role": "assistant"}, nil)), nil

	case stream.TextDelta:
		return e.frames(e.chunk(map[string]any{"content": part.Text}, nil)), nil

	case stream.ReasoningDelta:
		return e.frames(e.chunk(map[string]any{"reasoning_content": part.Text}, nil)), nil

	case stream.ToolCallDelta:
		entry := map[string]any{"index": e.indexFor(part.ID)}
		if part.Name != "" {
			entry["id"] = part.ID
			entry["type"] = "function"
			entry["function"] = map[string]any{"name": part.Name, "arguments": part.ArgumentsFragment}
		} else {
			entry["function"] = map[string]any{"arguments": part.ArgumentsFragment}
		}

		return e.frames(e.chunk(map[string]any{"tool_calls": []any{entry}}, nil)), nil

	case stream.ToolCallDone:
		if _, seen := e.toolIndex[part.ID]; seen {
			// Arguments already streamed as deltas; the finish chunk closes it.
			return nil, nil
		}

		entry := map[string]any{
			"index":    e.indexFor(part.ID),
			"id":       part.ID,
			"type":     "function",
			"function": map[string]any{"name": part.Name, "arguments": part.Arguments},
		}

		return e.frames(e.chunk(map[string]any{"tool_calls": []any{entry}}, nil)), nil

	case stream.SourcePart:
		ann := map[string]any{
			"type":         "url_citation",
			"url_citation": map[string]any{"url": part.URL, "title": part.Title},
		}

		return e.frames(e.chunk(map[string]any{"annotations": []any{ann}}, nil)), nil

	case stream.UsageUpdate:
		e.usage.Merge(part.Usage)
		e.haveUsage = true

		return nil, nil

	case stream.StreamEnd:
		finish := chatFinishString(part.FinishReason)
		if len(e.toolIndex) > 0 && part.FinishReason == stream.FinishToolCalls {
			finish = "tool_calls"
		}

		frames := e.frames(e.chunk(nil, &finish))
		frames = append(frames, sse.FormatData([]byte(sse.Done)))

		return frames, nil

	case stream.StreamError:
		payload := map[string]any{"error": map[string]any{
			"type":    string(part.Kind),
			"message": part.Message,
		}}
		data, _ := json.Marshal(payload)

		return [][]byte{sse.FormatData(data)}, nil

	case stream.TextDone, stream.ToolResult, stream.ToolApprovalRequest,
		stream.FilePart, stream.RawPart:
		return nil, ErrUnsupportedPart
	}

	return nil, ErrUnsupportedPart
}

func (e *ChatEncoder) indexFor(id string) int {
	if idx, ok := e.toolIndex[id]; ok {
		return idx
	}

	idx := len(e.toolIndex)
	e.toolIndex[id] = idx

	return idx
}

// chunk builds one chat.completion.chunk payload. A nil delta with a finish
// reason produces the terminal chunk, carrying accumulated usage.
func (e *ChatEncoder) chunk(delta map[string]any, finish *string) []byte {
	if delta == nil {
		delta = map[string]any{}
	}

	choice := map[string]any{"index": 0, "delta": delta}
	if finish != nil {
		choice["finish_reason"] = *finish
	} else {
		choice["finish_reason"] = nil
	}

	payload := map[string]any{
		"id":      e.exchangeID,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []any{choice},
	}

	if finish != nil && e.haveUsage {
		payload["usage"] = map[string]any{
			"prompt_tokens":     e.usage.InputTokens,
			"completion_tokens": e.usage.OutputTokens,
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return []byte("{}")
	}

	return data
}

func (e *ChatEncoder) frames(chunks ...[]byte) [][]byte {
	out := make([][]byte, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, sse.FormatData(c))
	}

	return out
}
