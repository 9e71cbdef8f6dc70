package codec

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/Davincible/llm-stream-gateway/internal/apierr"
	"github.com/Davincible/llm-stream-gateway/internal/sse"
	"github.com/Davincible/llm-stream-gateway/internal/stream"
)

// geminiTextID is the canonical id for text and thought parts. Gemini has a
// single interleaved parts array per candidate with no per-part addressing.
const geminiTextID = "0"

// GeminiDecoder decodes streamGenerateContent chunks. Function calls arrive
// whole in a single part, so each one yields an immediate ToolCallDone with
// a deterministic synthesized call id.
type GeminiDecoder struct {
	started   bool
	callCount int
	sawCall   bool
}

func NewGeminiDecoder() *GeminiDecoder {
	return &GeminiDecoder{}
}

func (d *GeminiDecoder) Vendor() string { return VendorGemini }

func (d *GeminiDecoder) Decode(acc *stream.Accumulator, raw []byte) ([]stream.Part, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("malformed gemini chunk: not JSON")
	}

	if errObj := gjson.GetBytes(raw, "error"); errObj.IsObject() {
		cls := apierr.Classify(VendorGemini, int(errObj.Get("code").Int()), raw)

		return []stream.Part{stream.StreamError{Kind: cls.Kind, Message: cls.Message, Retryable: cls.Retryable}}, nil
	}

	var parts []stream.Part

	if !d.started {
		d.started = true
		acc.MarkStarted()

		parts = append(parts, stream.StreamStart{Metadata: stream.Metadata{
			ExchangeID: gjson.GetBytes(raw, "responseId").String(),
			Model:      gjson.GetBytes(raw, "modelVersion").String(),
		}})
	}

	if block := gjson.GetBytes(raw, "promptFeedback.blockReason"); block.Exists() {
		parts = append(parts, stream.StreamError{
			Kind:    apierr.KindInvalidRequest,
			Message: "prompt blocked: " + block.String(),
		})

		return parts, nil
	}

	candidate := gjson.GetBytes(raw, "candidates.0")

	for _, part := range candidate.Get("content.parts").Array() {
		decoded, isCall := d.decodePart(part)
		d.sawCall = d.sawCall || isCall
		parts = append(parts, decoded...)
	}

	for _, chunk := range candidate.Get("groundingMetadata.groundingChunks").Array() {
		web := chunk.Get("web")
		if !web.Exists() {
			continue
		}

		parts = append(parts, stream.SourcePart{
			ID:    "src_" + strconv.Itoa(len(parts)),
			URL:   web.Get("uri").String(),
			Title: web.Get("title").String(),
		})
	}

	if usage := gjson.GetBytes(raw, "usageMetadata"); usage.IsObject() {
		u := stream.Usage{
			InputTokens:          int(usage.Get("promptTokenCount").Int()),
			OutputTokens:         int(usage.Get("candidatesTokenCount").Int()),
			CacheReadInputTokens: int(usage.Get("cachedContentTokenCount").Int()),
			ReasoningTokens:      int(usage.Get("thoughtsTokenCount").Int()),
		}
		acc.AddUsage(u)
		parts = append(parts, stream.UsageUpdate{Usage: u})
	}

	if finish := candidate.Get("finishReason"); finish.Exists() && finish.String() != "" {
		parts = append(parts, d.decodeFinish(acc, finish.String())...)
	}

	return parts, nil
}

func (d *GeminiDecoder) decodePart(part gjson.Result) ([]stream.Part, bool) {
	switch {
	case part.Get("functionCall").Exists():
		call := part.Get("functionCall")
		d.callCount++

		args := call.Get("args").Raw
		if args == "" {
			args = "{}"
		}

		return []stream.Part{stream.ToolCallDone{
			ID:        "call_" + call.Get("name").String() + "_" + strconv.Itoa(d.callCount),
			Name:      call.Get("name").String(),
			Arguments: args,
		}}, true

	case part.Get("functionResponse").Exists():
		resp := part.Get("functionResponse")

		body := resp.Get("response").Raw
		if body == "" {
			body = "null"
		}

		return []stream.Part{stream.ToolResult{
			ToolCallID: resp.Get("name").String(),
			Result:     json.RawMessage(body),
		}}, false

	case part.Get("inlineData").Exists():
		data := part.Get("inlineData")

		return []stream.Part{stream.FilePart{
			ID:        geminiTextID,
			MediaType: data.Get("mimeType").String(),
			Data:      []byte(data.Get("data").String()),
		}}, false

	case part.Get("fileData").Exists():
		data := part.Get("fileData")

		return []stream.Part{stream.FilePart{
			ID:        geminiTextID,
			MediaType: data.Get("mimeType").String(),
			URI:       data.Get("fileUri").String(),
		}}, false

	case part.Get("text").Exists():
		if part.Get("thought").Bool() {
			return []stream.Part{stream.ReasoningDelta{ID: geminiTextID, Text: part.Get("text").String()}}, false
		}

		return []stream.Part{stream.TextDelta{ID: geminiTextID, Text: part.Get("text").String()}}, false
	}

	return nil, false
}

func (d *GeminiDecoder) decodeFinish(acc *stream.Accumulator, finish string) []stream.Part {
	if !acc.MarkEnded() {
		return nil
	}

	switch finish {
	case "STOP":
		// STOP after any function call means the model stopped to
		// invoke tools, not that the turn is complete.
		if d.sawCall {
			return []stream.Part{stream.StreamEnd{FinishReason: stream.FinishToolCalls}}
		}

		return []stream.Part{stream.StreamEnd{FinishReason: stream.FinishStop}}

	case "MAX_TOKENS":
		return []stream.Part{stream.StreamEnd{FinishReason: stream.FinishLength}}

	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		return []stream.Part{stream.StreamEnd{FinishReason: stream.FinishContentFilter}}

	case "MALFORMED_FUNCTION_CALL":
		return []stream.Part{
			stream.StreamError{Kind: apierr.KindVendor, Message: "malformed function call", Retryable: true},
			stream.StreamEnd{FinishReason: stream.FinishError},
		}
	}

	return []stream.Part{stream.StreamEnd{FinishReason: stream.FinishOther}}
}

// GeminiEncoder encodes canonical Parts as streamGenerateContent chunks.
// Tool call argument fragments are buffered until the call completes since
// the protocol only carries whole function calls.
type GeminiEncoder struct {
	exchangeID string
	model      string
	usage      stream.Usage
}

func NewGeminiEncoder() *GeminiEncoder {
	return &GeminiEncoder{exchangeID: "gw"}
}

func (e *GeminiEncoder) Vendor() string { return VendorGemini }

func (e *GeminiEncoder) Encode(p stream.Part) ([][]byte, error) {
	switch part := p.(type) {
	case stream.StreamStart:
		if part.Metadata.ExchangeID != "" {
			e.exchangeID = part.Metadata.ExchangeID
		}

		e.model = part.Metadata.Model

		// No dedicated start event on the wire; identity rides on
		// every chunk.
		return nil, nil

	case stream.TextDelta:
		return e.contentChunk(map[string]any{"text": part.Text}), nil

	case stream.TextDone:
		return nil, nil

	case stream.ReasoningDelta:
		return e.contentChunk(map[string]any{"text": part.Text, "thought": true}), nil

	case stream.ToolCallDelta:
		// Partial arguments are not expressible; the completed call
		// always follows as a ToolCallDone.
		return nil, nil

	case stream.ToolCallDone:
		args := part.Arguments
		if args == "" || !gjson.Valid(args) {
			args = "{}"
		}

		return e.contentChunk(map[string]any{
			"functionCall": map[string]any{
				"name": part.Name,
				"args": json.RawMessage(args),
			},
		}), nil

	case stream.SourcePart:
		return e.chunk(map[string]any{
			"candidates": []any{map[string]any{
				"groundingMetadata": map[string]any{
					"groundingChunks": []any{map[string]any{
						"web": map[string]any{"uri": part.URL, "title": part.Title},
					}},
				},
			}},
		}), nil

	case stream.FilePart:
		if part.URI != "" {
			return e.contentChunk(map[string]any{
				"fileData": map[string]any{"mimeType": part.MediaType, "fileUri": part.URI},
			}), nil
		}

		// Data already carries the base64 payload from the wire.
		return e.contentChunk(map[string]any{
			"inlineData": map[string]any{"mimeType": part.MediaType, "data": string(part.Data)},
		}), nil

	case stream.UsageUpdate:
		e.usage.Merge(part.Usage)
		return nil, nil

	case stream.StreamEnd:
		return e.terminalFrames(part.FinishReason), nil

	case stream.StreamError:
		data, _ := json.Marshal(map[string]any{
			"error": map[string]any{
				"code":    500,
				"status":  "INTERNAL",
				"message": part.Message,
			},
		})

		return [][]byte{sse.FormatData(data)}, nil

	case stream.ToolResult, stream.ToolApprovalRequest, stream.RawPart:
		return nil, ErrUnsupportedPart
	}

	return nil, ErrUnsupportedPart
}

// terminalFrames emits the final chunk with the finish reason and the usage
// totals. State is not mutated so repeated terminal encodes are identical.
func (e *GeminiEncoder) terminalFrames(reason stream.FinishReason) [][]byte {
	return e.chunk(map[string]any{
		"candidates": []any{map[string]any{
			"content":      map[string]any{"role": "model", "parts": []any{}},
			"finishReason": geminiFinishString(reason),
		}},
		"usageMetadata": map[string]any{
			"promptTokenCount":     e.usage.InputTokens,
			"candidatesTokenCount": e.usage.OutputTokens,
			"totalTokenCount":      e.usage.InputTokens + e.usage.OutputTokens,
		},
	})
}

func geminiFinishString(reason stream.FinishReason) string {
	switch reason {
	case stream.FinishStop, stream.FinishToolCalls:
		return "STOP"
	case stream.FinishLength:
		return "MAX_TOKENS"
	case stream.FinishContentFilter:
		return "SAFETY"
	default:
		return "OTHER"
	}
}

func (e *GeminiEncoder) contentChunk(part map[string]any) [][]byte {
	return e.chunk(map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{
				"role":  "model",
				"parts": []any{part},
			},
		}},
	})
}

func (e *GeminiEncoder) chunk(fields map[string]any) [][]byte {
	payload := map[string]any{
		"responseId":   e.exchangeID,
		"modelVersion": e.model,
	}
	for k, v := range fields {
		payload[k] = v
	}

	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{"error":{"code":500,"message":"encode failure"}}`)
	}

	return [][]byte{sse.FormatData(data)}
}
