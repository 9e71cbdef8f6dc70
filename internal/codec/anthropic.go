package codec

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/Davincible/llm-stream-gateway/internal/apierr"
	"github.com/Davincible/llm-stream-gateway/internal/sse"
	"github.com/Davincible/llm-stream-gateway/internal/stream"
)

// AnthropicDecoder decodes Anthropic Messages streaming events. Content
// blocks are addressed by index; the index string doubles as the canonical
// part id for text and thinking blocks, while tool_use blocks keep the
// vendor-assigned call id.
type AnthropicDecoder struct {
	started     bool
	blocks      map[string]*anthropicBlock
	pendingStop string
}

type anthropicBlock struct {
	kind       string
	id         string
	toolUseID  string
	resultBody []byte
	isError    bool
}

func NewAnthropicDecoder() *AnthropicDecoder {
	return &AnthropicDecoder{blocks: make(map[string]*anthropicBlock)}
}

func (d *AnthropicDecoder) Vendor() string { return VendorAnthropic }

func (d *AnthropicDecoder) Decode(acc *stream.Accumulator, raw []byte) ([]stream.Part, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("malformed anthropic event: not JSON")
	}

	eventType := gjson.GetBytes(raw, "type").String()

	switch eventType {
	case "ping":
		return nil, nil

	case "message_start":
		if d.started {
			return nil, nil
		}

		d.started = true
		acc.MarkStarted()

		parts := []stream.Part{stream.StreamStart{Metadata: stream.Metadata{
			ExchangeID: gjson.GetBytes(raw, "message.id").String(),
			Model:      gjson.GetBytes(raw, "message.model").String(),
		}}}

		if usage := gjson.GetBytes(raw, "message.usage"); usage.IsObject() {
			u := anthropicUsage(usage)
			acc.AddUsage(u)
			parts = append(parts, stream.UsageUpdate{Usage: u})
		}

		return parts, nil

	case "content_block_start":
		return d.decodeBlockStart(acc, raw), nil

	case "content_block_delta":
		return d.decodeBlockDelta(acc, raw), nil

	case "content_block_stop":
		return d.decodeBlockStop(acc, raw), nil

	case "message_delta":
		var parts []stream.Part

		if stop := gjson.GetBytes(raw, "delta.stop_reason"); stop.Exists() {
			d.pendingStop = stop.String()
		}

		if usage := gjson.GetBytes(raw, "usage"); usage.IsObject() {
			u := anthropicUsage(usage)
			acc.AddUsage(u)
			parts = append(parts, stream.UsageUpdate{Usage: u})
		}

		return parts, nil

	case "message_stop":
		if !acc.MarkEnded() {
			return nil, nil
		}

		return []stream.Part{stream.StreamEnd{FinishReason: anthropicStopReason(d.pendingStop)}}, nil

	case "error":
		cls := apierr.Classify(VendorAnthropic, 0, raw)

		return []stream.Part{stream.StreamError{Kind: cls.Kind, Message: cls.Message, Retryable: cls.Retryable}}, nil
	}

	return []stream.Part{stream.RawPart{Vendor: VendorAnthropic, Payload: json.RawMessage(raw)}}, nil
}

func (d *AnthropicDecoder) decodeBlockStart(acc *stream.Accumulator, raw []byte) []stream.Part {
	index := gjson.GetBytes(raw, "index").Raw
	block := gjson.GetBytes(raw, "content_block")
	kind := block.Get("type").String()

	switch kind {
	case "text", "thinking":
		d.blocks[index] = &anthropicBlock{kind: kind, id: index}
		return nil

	case "tool_use":
		callID := block.Get("id").String()
		if callID == "" {
			callID = "toolu_" + index
		}

		d.blocks[index] = &anthropicBlock{kind: kind, id: callID}
		acc.BindID(index, callID)
		acc.OpenToolCall(callID, block.Get("name").String())

		return []stream.Part{stream.ToolCallDelta{ID: callID, Name: block.Get("name").String()}}

	case "tool_result":
		d.blocks[index] = &anthropicBlock{
			kind:      kind,
			id:        index,
			toolUseID: block.Get("tool_use_id").String(),
			isError:   block.Get("is_error").Bool(),
		}
		if content := block.Get("content"); content.Exists() {
			d.blocks[index].resultBody = []byte(content.Raw)
		}

		return nil
	}

	d.blocks[index] = &anthropicBlock{kind: kind, id: index}

	return nil
}

func (d *AnthropicDecoder) decodeBlockDelta(acc *stream.Accumulator, raw []byte) []stream.Part {
	index := gjson.GetBytes(raw, "index").Raw
	delta := gjson.GetBytes(raw, "delta")

	block, ok := d.blocks[index]
	if !ok {
		block = &anthropicBlock{kind: "text", id: index}
		d.blocks[index] = block
	}

	switch delta.Get("type").String() {
	case "text_delta":
		return []stream.Part{stream.TextDelta{ID: block.id, Text: delta.Get("text").String()}}

	case "thinking_delta":
		return []stream.Part{stream.ReasoningDelta{ID: block.id, Text: delta.Get("thinking").String()}}

	case "input_json_delta":
		fragment := acc.AppendToolArguments(block.id, []byte(delta.Get("partial_json").String()))

		return []stream.Part{stream.ToolCallDelta{ID: block.id, ArgumentsFragment: fragment}}

	case "citations_delta":
		citation := delta.Get("citation")

		return []stream.Part{stream.SourcePart{
			ID:    "src_" + index,
			URL:   citation.Get("url").String(),
			Title: citation.Get("title").String(),
		}}

	case "signature_delta":
		// Thinking signatures are opaque to the canonical model.
		return nil
	}

	return nil
}

func (d *AnthropicDecoder) decodeBlockStop(acc *stream.Accumulator, raw []byte) []stream.Part {
	index := gjson.GetBytes(raw, "index").Raw

	block, ok := d.blocks[index]
	if !ok {
		return nil
	}

	switch block.kind {
	case "text":
		return []stream.Part{stream.TextDone{ID: block.id}}

	case "tool_use":
		done, ok := acc.FinishToolCall(block.id)
		if !ok {
			return nil
		}

		return []stream.Part{done}

	case "tool_result":
		body := block.resultBody
		if len(body) == 0 {
			body = []byte("null")
		}

		return []stream.Part{stream.ToolResult{
			ToolCallID: block.toolUseID,
			Result:     json.RawMessage(body),
			IsError:    block.isError,
		}}
	}

	return nil
}

func anthropicUsage(usage gjson.Result) stream.Usage {
	return stream.Usage{
		InputTokens:           int(usage.Get("input_tokens").Int()),
		OutputTokens:          int(usage.Get("output_tokens").Int()),
		CacheReadInputTokens:  int(usage.Get("cache_read_input_tokens").Int()),
		CacheWriteInputTokens: int(usage.Get("cache_creation_input_tokens").Int()),
	}
}

func anthropicStopReason(stop string) stream.FinishReason {
	switch stop {
	case "end_turn", "stop_sequence":
		return stream.FinishStop
	case "max_tokens":
		return stream.FinishLength
	case "tool_use":
		return stream.FinishToolCalls
	case "refusal":
		return stream.FinishContentFilter
	case "":
		return stream.FinishOther
	default:
		return stream.FinishOther
	}
}

// AnthropicEncoder encodes canonical Parts as Anthropic Messages SSE events.
// It assigns content block indices as parts arrive and closes every open
// block before the terminal message_delta and message_stop.
type AnthropicEncoder struct {
	exchangeID string
	model      string
	started    bool
	nextIndex  int
	open       map[string]*encodedBlock
	usage      stream.Usage
}

type encodedBlock struct {
	index int
	kind  string
}

func NewAnthropicEncoder() *AnthropicEncoder {
	return &AnthropicEncoder{
		exchangeID: "msg_gateway",
		open:       make(map[string]*encodedBlock),
	}
}

func (e *AnthropicEncoder) Vendor() string { return VendorAnthropic }

func (e *AnthropicEncoder) Encode(p stream.Part) ([][]byte, error) {
	switch part := p.(type) {
	case stream.StreamStart:
		if part.Metadata.ExchangeID != "" {
			e.exchangeID = part.Metadata.ExchangeID
		}

		e.model = part.Metadata.Model
		e.started = true

		return e.event("message_start", map[string]any{
			"message": map[string]any{
				"id":            e.exchangeID,
				"type":          "message",
				"role":          "assistant",
				"model":         e.model,
				"content":       []any{},
				"stop_reason":   nil,
				"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		}), nil

	case stream.TextDelta:
		frames, block := e.ensureBlock("text:"+part.ID, "text", map[string]any{"type": "text", "text": ""})

		return append(frames, e.blockDelta(block.index, map[string]any{
			"type": "text_delta",
			"text": part.Text,
		})...), nil

	case stream.TextDone:
		return e.closeBlock("text:" + part.ID), nil

	case stream.ReasoningDelta:
		frames, block := e.ensureBlock("thinking:"+part.ID, "thinking", map[string]any{"type": "thinking", "thinking": ""})

		return append(frames, e.blockDelta(block.index, map[string]any{
			"type":     "thinking_delta",
			"thinking": part.Text,
		})...), nil

	case stream.ToolCallDelta:
		var frames [][]byte

		block, ok := e.open["tool:"+part.ID]
		if !ok {
			frames, block = e.ensureBlock("tool:"+part.ID, "tool_use", map[string]any{
				"type":  "tool_use",
				"id":    part.ID,
				"name":  part.Name,
				"input": map[string]any{},
			})
		}

		if part.ArgumentsFragment != "" {
			frames = append(frames, e.blockDelta(block.index, map[string]any{
				"type":         "input_json_delta",
				"partial_json": part.ArgumentsFragment,
			})...)
		}

		return frames, nil

	case stream.ToolCallDone:
		var frames [][]byte

		if _, ok := e.open["tool:"+part.ID]; !ok {
			started, block := e.ensureBlock("tool:"+part.ID, "tool_use", map[string]any{
				"type":  "tool_use",
				"id":    part.ID,
				"name":  part.Name,
				"input": map[string]any{},
			})
			frames = append(started, e.blockDelta(block.index, map[string]any{
				"type":         "input_json_delta",
				"partial_json": part.Arguments,
			})...)
		}

		return append(frames, e.closeBlock("tool:"+part.ID)...), nil

	case stream.ToolResult:
		frames, _ := e.ensureBlock("result:"+part.ToolCallID, "tool_result", map[string]any{
			"type":        "tool_result",
			"tool_use_id": part.ToolCallID,
			"content":     json.RawMessage(part.Result),
			"is_error":    part.IsError,
		})

		return append(frames, e.closeBlock("result:"+part.ToolCallID)...), nil

	case stream.SourcePart:
		frames, block := e.ensureBlock("text:"+part.ID, "text", map[string]any{"type": "text", "text": ""})

		return append(frames, e.blockDelta(block.index, map[string]any{
			"type": "citations_delta",
			"citation": map[string]any{
				"type":  "web_search_result_location",
				"url":   part.URL,
				"title": part.Title,
			},
		})...), nil

	case stream.UsageUpdate:
		e.usage.Merge(part.Usage)
		return nil, nil

	case stream.StreamEnd:
		return e.terminalFrames(part.FinishReason), nil

	case stream.StreamError:
		data, _ := json.Marshal(map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    string(part.Kind),
				"message": part.Message,
			},
		})

		return [][]byte{sse.FormatEvent("error", data)}, nil

	case stream.ToolApprovalRequest, stream.FilePart, stream.RawPart:
		return nil, ErrUnsupportedPart
	}

	return nil, ErrUnsupportedPart
}

func (e *AnthropicEncoder) ensureBlock(id, kind string, contentBlock map[string]any) ([][]byte, *encodedBlock) {
	if block, ok := e.open[id]; ok {
		return nil, block
	}

	block := &encodedBlock{index: e.nextIndex, kind: kind}
	e.nextIndex++
	e.open[id] = block

	frames := e.event("content_block_start", map[string]any{
		"index":         block.index,
		"content_block": contentBlock,
	})

	return frames, block
}

func (e *AnthropicEncoder) closeBlock(id string) [][]byte {
	block, ok := e.open[id]
	if !ok {
		return nil
	}

	delete(e.open, id)

	return e.event("content_block_stop", map[string]any{"index": block.index})
}

func (e *AnthropicEncoder) blockDelta(index int, delta map[string]any) [][]byte {
	return e.event("content_block_delta", map[string]any{
		"index": index,
		"delta": delta,
	})
}

// terminalFrames closes remaining blocks in index order, then emits
// message_delta with the stop reason and output usage, then message_stop.
// Open-block state is left untouched so a repeated terminal encode yields
// the same bytes.
func (e *AnthropicEncoder) terminalFrames(reason stream.FinishReason) [][]byte {
	indices := make([]int, 0, len(e.open))
	for _, block := range e.open {
		indices = append(indices, block.index)
	}

	sort.Ints(indices)

	var frames [][]byte
	for _, index := range indices {
		frames = append(frames, e.event("content_block_stop", map[string]any{"index": index})...)
	}

	frames = append(frames, e.event("message_delta", map[string]any{
		"delta": map[string]any{"stop_reason": anthropicStopString(reason)},
		"usage": map[string]any{"output_tokens": e.usage.OutputTokens},
	})...)

	return append(frames, e.event("message_stop", map[string]any{})...)
}

func anthropicStopString(reason stream.FinishReason) string {
	switch reason {
	case stream.FinishStop:
		return "end_turn"
	case stream.FinishLength:
		return "max_tokens"
	case stream.FinishToolCalls:
		return "tool_use"
	case stream.FinishContentFilter:
		return "refusal"
	default:
		return "end_turn"
	}
}

func (e *AnthropicEncoder) event(eventType string, fields map[string]any) [][]byte {
	payload := map[string]any{"type": eventType}
	for k, v := range fields {
		payload[k] = v
	}

	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(strconv.Quote("encode failure"))
	}

	return [][]byte{sse.FormatEvent(eventType, data)}
}
