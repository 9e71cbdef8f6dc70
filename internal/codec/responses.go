package codec

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/Davincible/llm-stream-gateway/internal/apierr"
	"github.com/Davincible/llm-stream-gateway/internal/sse"
	"github.com/Davincible/llm-stream-gateway/internal/stream"
)

// ResponsesDecoder decodes OpenAI Responses API streaming events. Events are
// demultiplexed by their "type" field; sequence_number guards ordering.
type ResponsesDecoder struct {
	started bool
}

func NewResponsesDecoder() *ResponsesDecoder {
	return &ResponsesDecoder{}
}

func (d *ResponsesDecoder) Vendor() string { return VendorOpenAIResponses }

func (d *ResponsesDecoder) Decode(acc *stream.Accumulator, raw []byte) ([]stream.Part, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("malformed responses event: not JSON")
	}

	if seq := gjson.GetBytes(raw, "sequence_number"); seq.Exists() {
		switch acc.CheckSequence(seq.Int()) {
		case stream.SeqDuplicate:
			return nil, nil
		case stream.SeqOutOfOrder:
			return []stream.Part{stream.StreamError{
				Kind:    apierr.KindProtocolViolation,
				Message: "out-of-order sequence_number " + seq.Raw,
			}}, nil
		}
	}

	eventType := gjson.GetBytes(raw, "type").String()

	switch eventType {
	case "response.created":
		if d.started {
			return nil, nil
		}

		d.started = true
		acc.MarkStarted()

		return []stream.Part{stream.StreamStart{Metadata: stream.Metadata{
			ExchangeID: gjson.GetBytes(raw, "response.id").String(),
			Model:      gjson.GetBytes(raw, "response.model").String(),
		}}}, nil

	case "response.output_item.added":
		return d.decodeItemAdded(acc, raw), nil

	case "response.output_text.delta":
		return []stream.Part{stream.TextDelta{
			ID:   gjson.GetBytes(raw, "item_id").String(),
			Text: gjson.GetBytes(raw, "delta").String(),
		}}, nil

	case "response.output_text.done":
		return []stream.Part{stream.TextDone{ID: gjson.GetBytes(raw, "item_id").String()}}, nil

	case "response.reasoning_text.delta", "response.reasoning_summary_text.delta":
		return []stream.Part{stream.ReasoningDelta{
			ID:   gjson.GetBytes(raw, "item_id").String(),
			Text: gjson.GetBytes(raw, "delta").String(),
		}}, nil

	case "response.function_call_arguments.delta":
		itemID := gjson.GetBytes(raw, "item_id").String()
		id, ok := acc.LookupID(itemID)
		if !ok {
			id = itemID
			acc.BindID(itemID, id)
			acc.OpenToolCall(id, "")
		}

		fragment := acc.AppendToolArguments(id, []byte(gjson.GetBytes(raw, "delta").String()))

		return []stream.Part{stream.ToolCallDelta{ID: id, ArgumentsFragment: fragment}}, nil

	case "response.function_call_arguments.done":
		itemID := gjson.GetBytes(raw, "item_id").String()
		id, ok := acc.LookupID(itemID)
		if !ok {
			id = itemID
			acc.OpenToolCall(id, gjson.GetBytes(raw, "name").String())
			acc.AppendToolArguments(id, []byte(gjson.GetBytes(raw, "arguments").String()))
		}

		done, ok := acc.FinishToolCall(id)
		if !ok {
			return nil, nil
		}

		return []stream.Part{done}, nil

	case "response.output_text.annotation.added":
		ann := gjson.GetBytes(raw, "annotation")

		return []stream.Part{stream.SourcePart{
			ID:    gjson.GetBytes(raw, "item_id").String() + ":" + gjson.GetBytes(raw, "annotation_index").Raw,
			URL:   ann.Get("url").String(),
			Title: ann.Get("title").String(),
		}}, nil

	case "response.output_item.done":
		return nil, nil

	case "response.completed", "response.incomplete":
		return d.decodeCompleted(acc, raw, eventType), nil

	case "response.failed", "error":
		cls := apierr.Classify(VendorOpenAIResponses, 0, raw)
		if cls.Message == "" {
			cls.Message = gjson.GetBytes(raw, "response.error.message").String()
		}

		return []stream.Part{stream.StreamError{Kind: cls.Kind, Message: cls.Message, Retryable: cls.Retryable}}, nil
	}

	// Unknown event types pass through as opaque payloads rather than
	// failing strict parsing; compatible vendors add their own events.
	return []stream.Part{stream.RawPart{Vendor: VendorOpenAIResponses, Payload: json.RawMessage(raw)}}, nil
}

func (d *ResponsesDecoder) decodeItemAdded(acc *stream.Accumulator, raw []byte) []stream.Part {
	item := gjson.GetBytes(raw, "item")

	switch item.Get("type").String() {
	case "function_call":
		itemID := item.Get("id").String()
		callID := item.Get("call_id").String()
		if callID == "" {
			callID = itemID
		}

		acc.BindID(itemID, callID)
		acc.OpenToolCall(callID, item.Get("name").String())

		part := stream.ToolCallDelta{ID: callID, Name: item.Get("name").String()}
		if args := item.Get("arguments").String(); args != "" {
			part.ArgumentsFragment = acc.AppendToolArguments(callID, []byte(args))
		}

		return []stream.Part{part}

	case "message", "reasoning":
		acc.BindID(item.Get("id").String(), item.Get("id").String())
		return nil
	}

	return nil
}

func (d *ResponsesDecoder) decodeCompleted(acc *stream.Accumulator, raw []byte, eventType string) []stream.Part {
	var parts []stream.Part

	// Terminal backfill: close any calls whose arguments.done never arrived.
	for _, done := range acc.FinishOpenToolCalls() {
		parts = append(parts, done)
	}

	sawToolCall := false

	for _, item := range gjson.GetBytes(raw, "response.output").Array() {
		if item.Get("type").String() == "function_call" {
			sawToolCall = true
			break
		}
	}

	if usage := gjson.GetBytes(raw, "response.usage"); usage.IsObject() {
		u := stream.Usage{
			InputTokens:          int(usage.Get("input_tokens").Int()),
			OutputTokens:         int(usage.Get("output_tokens").Int()),
			CacheReadInputTokens: int(usage.Get("input_tokens_details.cached_tokens").Int()),
			ReasoningTokens:      int(usage.Get("output_tokens_details.reasoning_tokens").Int()),
		}
		acc.AddUsage(u)
		parts = append(parts, stream.UsageUpdate{Usage: u})
	}

	if acc.MarkEnded() {
		reason := stream.FinishStop

		switch {
		case eventType == "response.incomplete":
			switch gjson.GetBytes(raw, "response.incomplete_details.reason").String() {
			case "max_output_tokens":
				reason = stream.FinishLength
			case "content_filter":
				reason = stream.FinishContentFilter
			default:
				reason = stream.FinishOther
			}
		case sawToolCall || len(parts) > 0 && hasToolCallDone(parts):
			reason = stream.FinishToolCalls
		}

		parts = append(parts, stream.StreamEnd{FinishReason: reason})
	}

	return parts
}

func hasToolCallDone(parts []stream.Part) bool {
	for _, p := range parts {
		if _, ok := p.(stream.ToolCallDone); ok {
			return true
		}
	}

	return false
}

// ResponsesEncoder encodes canonical Parts as Responses API SSE events,
// including the terminal response.completed backfill that summarizes every
// tool call and source seen during the exchange.
type ResponsesEncoder struct {
	exchangeID  string
	model       string
	seq         int64
	outputIndex int
	openText    map[string]bool
	toolsDone   []stream.ToolCallDone
	sources     []stream.SourcePart
	usage       stream.Usage
	sawToolCall bool
	textByID    map[string]*textState
}

type textState struct {
	index int
}

func NewResponsesEncoder() *ResponsesEncoder {
	return &ResponsesEncoder{
		exchangeID: "resp_gateway",
		openText:   make(map[string]bool),
		textByID:   make(map[string]*textState),
	}
}

func (e *ResponsesEncoder) Vendor() string { return VendorOpenAIResponses }

func (e *ResponsesEncoder) Encode(p stream.Part) ([][]byte, error) {
	switch part := p.(type) {
	case stream.StreamStart:
		if part.Metadata.ExchangeID != "" {
			e.exchangeID = part.Metadata.ExchangeID
		}

		e.model = part.Metadata.Model

		return e.event("response.created", map[string]any{
			"response": map[string]any{"id": e.exchangeID, "model": e.model, "status": "in_progress"},
		}), nil

	case stream.TextDelta:
		frames := e.ensureTextItem(part.ID)

		return append(frames, e.event("response.output_text.delta", map[string]any{
			"item_id": part.ID,
			"delta":   part.Text,
		})...), nil

	case stream.TextDone:
		return e.event("response.output_text.done", map[string]any{"item_id": part.ID}), nil

	case stream.ReasoningDelta:
		return e.event("response.reasoning_text.delta", map[string]any{
			"item_id": part.ID,
			"delta":   part.Text,
		}), nil

	case stream.ToolCallDelta:
		var frames [][]byte

		if part.Name != "" {
			e.sawToolCall = true
			frames = e.event("response.output_item.added", map[string]any{
				"output_index": e.nextOutputIndex(),
				"item": map[string]any{
					"type":    "function_call",
					"id":      part.ID,
					"call_id": part.ID,
					"name":    part.Name,
				},
			})
		}

		if part.ArgumentsFragment != "" || part.Name == "" {
			frames = append(frames, e.event("response.function_call_arguments.delta", map[string]any{
				"item_id": part.ID,
				"delta":   part.ArgumentsFragment,
			})...)
		}

		return frames, nil

	case stream.ToolCallDone:
		var frames [][]byte

		if !e.sawTool(part.ID) {
			e.sawToolCall = true
			frames = e.event("response.output_item.added", map[string]any{
				"output_index": e.nextOutputIndex(),
				"item": map[string]any{
					"type":    "function_call",
					"id":      part.ID,
					"call_id": part.ID,
					"name":    part.Name,
				},
			})
			frames = append(frames, e.event("response.function_call_arguments.delta", map[string]any{
				"item_id": part.ID,
				"delta":   part.Arguments,
			})...)
		}

		e.toolsDone = append(e.toolsDone, part)

		return append(frames, e.event("response.function_call_arguments.done", map[string]any{
			"item_id":   part.ID,
			"name":      part.Name,
			"arguments": part.Arguments,
		})...), nil

	case stream.SourcePart:
		e.sources = append(e.sources, part)

		return e.event("response.output_text.annotation.added", map[string]any{
			"item_id":          part.ID,
			"annotation_index": len(e.sources) - 1,
			"annotation": map[string]any{
				"type":  "url_citation",
				"url":   part.URL,
				"title": part.Title,
			},
		}), nil

	case stream.UsageUpdate:
		e.usage.Merge(part.Usage)
		return nil, nil

	case stream.StreamEnd:
		return e.terminalFrames(part.FinishReason), nil

	case stream.StreamError:
		return e.event("error", map[string]any{
			"type":    string(part.Kind),
			"message": part.Message,
		}), nil

	case stream.ToolResult, stream.ToolApprovalRequest, stream.FilePart, stream.RawPart:
		return nil, ErrUnsupportedPart
	}

	return nil, ErrUnsupportedPart
}

func (e *ResponsesEncoder) sawTool(id string) bool {
	for _, tc := range e.toolsDone {
		if tc.ID == id {
			return true
		}
	}

	return false
}

func (e *ResponsesEncoder) ensureTextItem(id string) [][]byte {
	if _, ok := e.textByID[id]; ok {
		return nil
	}

	e.textByID[id] = &textState{index: e.nextOutputIndex()}

	return e.event("response.output_item.added", map[string]any{
		"output_index": e.textByID[id].index,
		"item":         map[string]any{"type": "message", "id": id, "role": "assistant"},
	})
}

func (e *ResponsesEncoder) nextOutputIndex() int {
	idx := e.outputIndex
	e.outputIndex++

	return idx
}

// terminalFrames builds the response.completed backfill purely from
// accumulated state so repeated terminal encodes are byte-identical.
func (e *ResponsesEncoder) terminalFrames(reason stream.FinishReason) [][]byte {
	output := make([]any, 0, len(e.toolsDone))
	for _, tc := range e.toolsDone {
		output = append(output, map[string]any{
			"type":      "function_call",
			"id":        tc.ID,
			"call_id":   tc.ID,
			"name":      tc.Name,
			"arguments": tc.Arguments,
			"status":    "completed",
		})
	}

	response := map[string]any{
		"id":     e.exchangeID,
		"model":  e.model,
		"status": "completed",
		"output": output,
		"usage": map[string]any{
			"input_tokens":  e.usage.InputTokens,
			"output_tokens": e.usage.OutputTokens,
		},
	}

	eventType := "response.completed"

	if reason == stream.FinishLength || reason == stream.FinishContentFilter {
		eventType = "response.incomplete"
		response["status"] = "incomplete"

		detail := "max_output_tokens"
		if reason == stream.FinishContentFilter {
			detail = "content_filter"
		}

		response["incomplete_details"] = map[string]any{"reason": detail}
	}

	seq := e.seq + 1

	return e.eventAt(seq, eventType, map[string]any{"response": response})
}

func (e *ResponsesEncoder) event(eventType string, fields map[string]any) [][]byte {
	e.seq++
	return e.eventAt(e.seq, eventType, fields)
}

func (e *ResponsesEncoder) eventAt(seq int64, eventType string, fields map[string]any) [][]byte {
	payload := map[string]any{"type": eventType, "sequence_number": seq}
	for k, v := range fields {
		payload[k] = v
	}

	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{"type":"error","message":"encode failure"}`)
	}

	return [][]byte{sse.FormatEvent(eventType, data)}
}
