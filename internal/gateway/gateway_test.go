package gateway

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/llm-stream-gateway/internal/codec"
	"github.com/Davincible/llm-stream-gateway/internal/sse"
	"github.com/Davincible/llm-stream-gateway/internal/stream"
)

var allVendors = []string{
	codec.VendorOpenAI,
	codec.VendorOpenAIResponses,
	codec.VendorAnthropic,
	codec.VendorGemini,
}

// sourceWire renders a canonical sequence in a source vendor's wire format.
func sourceWire(t *testing.T, registry *codec.Registry, vendor string, parts []stream.Part) []byte {
	t.Helper()

	enc, err := registry.NewEncoder(vendor)
	require.NoError(t, err)

	var wire bytes.Buffer

	for _, p := range parts {
		frames, err := enc.Encode(p)
		require.NoError(t, err)

		for _, f := range frames {
			wire.Write(f)
		}
	}

	return wire.Bytes()
}

// pump feeds every SSE event of wire into the transcoder and collects the
// produced target frames.
func pump(t *testing.T, tr *Transcoder, wire []byte) []byte {
	t.Helper()

	var out bytes.Buffer

	sc := sse.NewScanner(bytes.NewReader(wire))
	for sc.Scan() {
		ev := sc.Event()
		if ev.IsDone() {
			continue
		}

		frames, err := tr.Ingest(ev.Data)
		require.NoError(t, err)

		for _, f := range frames {
			out.Write(f)
		}
	}

	require.NoError(t, sc.Err())

	return out.Bytes()
}

// foldTarget decodes target wire bytes back to a folded response.
func foldTarget(t *testing.T, registry *codec.Registry, vendor string, wire []byte) *stream.Response {
	t.Helper()

	dec, err := registry.NewDecoder(vendor)
	require.NoError(t, err)

	acc := stream.NewAccumulator()

	var parts []stream.Part

	sc := sse.NewScanner(bytes.NewReader(wire))
	for sc.Scan() {
		ev := sc.Event()
		if ev.IsDone() {
			continue
		}

		decoded, err := dec.Decode(acc, ev.Data)
		require.NoError(t, err)

		parts = append(parts, decoded...)
	}

	resp, err := stream.Fold(stream.NewSliceStream(parts...))
	require.NoError(t, err)

	return resp
}

func TestTranscoder_TextAcrossEveryDirectedPair(t *testing.T) {
	sequence := []stream.Part{
		stream.StreamStart{Metadata: stream.Metadata{ExchangeID: "ex_1", Model: "m"}},
		stream.TextDelta{ID: "0", Text: "Hello, "},
		stream.TextDelta{ID: "0", Text: "world"},
		stream.StreamEnd{FinishReason: stream.FinishStop},
	}

	registry := codec.DefaultRegistry()

	for _, source := range allVendors {
		for _, target := range allVendors {
			if source == target {
				continue
			}

			t.Run(source+"_to_"+target, func(t *testing.T) {
				tr, err := New(registry, source, target)
				require.NoError(t, err)

				wire := pump(t, tr, sourceWire(t, registry, source, sequence))
				resp := foldTarget(t, registry, target, wire)

				assert.Equal(t, "Hello, world", resp.Text)
				assert.Equal(t, stream.FinishStop, resp.FinishReason)
				assert.Equal(t, StateClosed, tr.State())
			})
		}
	}
}

func TestTranscoder_ToolCallAcrossEveryDirectedPair(t *testing.T) {
	registry := codec.DefaultRegistry()

	for _, source := range allVendors {
		for _, target := range allVendors {
			if source == target {
				continue
			}

			t.Run(source+"_to_"+target, func(t *testing.T) {
				callID := "call_search_1"
				if source == codec.VendorAnthropic {
					callID = "toolu_1"
				}

				sequence := []stream.Part{
					stream.StreamStart{Metadata: stream.Metadata{ExchangeID: "ex_1", Model: "m"}},
					stream.ToolCallDone{ID: callID, Name: "search", Arguments: `{"q":"go"}`},
					stream.StreamEnd{FinishReason: stream.FinishToolCalls},
				}

				tr, err := New(registry, source, target)
				require.NoError(t, err)

				wire := pump(t, tr, sourceWire(t, registry, source, sequence))
				resp := foldTarget(t, registry, target, wire)

				require.Len(t, resp.ToolCalls, 1)
				assert.Equal(t, "search", resp.ToolCalls[0].Name)
				assert.JSONEq(t, `{"q":"go"}`, resp.ToolCalls[0].Arguments)
				assert.Equal(t, stream.FinishToolCalls, resp.FinishReason)
			})
		}
	}
}

func TestTranscoder_ApprovalRequestDowngradesWithToolName(t *testing.T) {
	registry := codec.DefaultRegistry()

	for _, target := range allVendors {
		t.Run(target, func(t *testing.T) {
			tr, err := New(registry, codec.VendorAnthropic, target)
			require.NoError(t, err)

			var wire bytes.Buffer

			frames, err := tr.Forward(stream.StreamStart{Metadata: stream.Metadata{ExchangeID: "ex", Model: "m"}})
			require.NoError(t, err)
			for _, f := range frames {
				wire.Write(f)
			}

			frames, err = tr.Forward(stream.ToolApprovalRequest{ID: "apr_1", ToolCallID: "call_1", ToolName: "delete_file"})
			require.NoError(t, err)
			for _, f := range frames {
				wire.Write(f)
			}

			frames, err = tr.Forward(stream.StreamEnd{FinishReason: stream.FinishStop})
			require.NoError(t, err)
			for _, f := range frames {
				wire.Write(f)
			}

			resp := foldTarget(t, registry, target, wire.Bytes())
			assert.Contains(t, resp.Text, "delete_file",
				"the downgraded rendering must name the tool awaiting approval")
		})
	}
}

func TestTranscoder_ToolResultReplaysOnGemini(t *testing.T) {
	registry := codec.DefaultRegistry()

	// tool_result block flowing toward Gemini must not appear in the
	// stream; it is buffered for the next-turn request.
	events := []string{
		`{"type":"message_start","message":{"id":"m","model":"claude"}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_result","tool_use_id":"call_1","content":{"ok":true}}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
		`{"type":"message_stop"}`,
	}

	tr, err := New(registry, codec.VendorAnthropic, codec.VendorGemini)
	require.NoError(t, err)

	var wire bytes.Buffer

	for _, ev := range events {
		frames, err := tr.Ingest([]byte(ev))
		require.NoError(t, err)

		for _, f := range frames {
			wire.Write(f)
		}
	}

	assert.NotContains(t, wire.String(), "functionResponse",
		"tool results must not stream to a Gemini client")

	require.Equal(t, 1, tr.Replay().Len())

	contents := GeminiContents(tr.Replay().Drain(), map[string]string{"call_1": "search"})
	require.Len(t, contents, 1)

	data, err := json.Marshal(contents[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"functionResponse":{"name":"search","response":{"ok":true}}}`, string(data))

	assert.Equal(t, 0, tr.Replay().Len(), "drain empties the buffer")
}

func TestTranscoder_ToolResultStreamsInlineOnAnthropic(t *testing.T) {
	registry := codec.DefaultRegistry()

	tr, err := New(registry, codec.VendorGemini, codec.VendorAnthropic)
	require.NoError(t, err)

	chunk := `{"responseId":"r","candidates":[{"content":{"role":"user","parts":[{"functionResponse":{"name":"call_1","response":{"ok":true}}}]}}]}`

	frames, err := tr.Ingest([]byte(chunk))
	require.NoError(t, err)

	var wire bytes.Buffer
	for _, f := range frames {
		wire.Write(f)
	}

	assert.Contains(t, wire.String(), "tool_result",
		"Anthropic expresses tool results natively in the stream")
}

func TestTranscoder_DowngradePreservesOrdering(t *testing.T) {
	registry := codec.DefaultRegistry()

	events := []string{
		`{"type":"message_start","message":{"id":"m","model":"claude"}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"before "}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_result","tool_use_id":"call_1","content":{"n":1}}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"content_block_start","index":2,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":2,"delta":{"type":"text_delta","text":" after"}}`,
		`{"type":"content_block_stop","index":2}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
		`{"type":"message_stop"}`,
	}

	tr, err := New(registry, codec.VendorAnthropic, codec.VendorOpenAI)
	require.NoError(t, err)

	var wire bytes.Buffer

	for _, ev := range events {
		frames, err := tr.Ingest([]byte(ev))
		require.NoError(t, err)

		for _, f := range frames {
			wire.Write(f)
		}
	}

	resp := foldTarget(t, registry, codec.VendorOpenAI, wire.Bytes())

	before := indexOf(t, resp.Text, "before")
	result := indexOf(t, resp.Text, "[tool-result]")
	after := indexOf(t, resp.Text, "after")

	assert.Less(t, before, result, "downgraded part must not move ahead of earlier text")
	assert.Less(t, result, after, "downgraded part must not fall behind later text")
}

func indexOf(t *testing.T, s, sub string) int {
	t.Helper()

	idx := bytes.Index([]byte(s), []byte(sub))
	require.GreaterOrEqual(t, idx, 0, "%q not found in %q", sub, s)

	return idx
}

func TestTranscoder_FinishOnIncompleteUpstream(t *testing.T) {
	registry := codec.DefaultRegistry()

	tr, err := New(registry, codec.VendorOpenAI, codec.VendorAnthropic)
	require.NoError(t, err)

	_, err = tr.Ingest([]byte(`{"id":"c","choices":[{"index":0,"delta":{"content":"half a"},"finish_reason":null}]}`))
	require.NoError(t, err)

	frames, err := tr.Finish()
	require.NoError(t, err)
	require.NotEmpty(t, frames, "an incomplete upstream must surface in-band")
	assert.Contains(t, string(frames[0]), "upstream ended")

	assert.Equal(t, StateClosed, tr.State())

	_, err = tr.Ingest([]byte(`{}`))
	assert.ErrorIs(t, err, ErrClosed)

	frames, err = tr.Finish()
	require.NoError(t, err)
	assert.Empty(t, frames, "a second finish is a no-op")
}

func TestTranscoder_ProtocolViolationTerminatesExchange(t *testing.T) {
	registry := codec.DefaultRegistry()

	tr, err := New(registry, codec.VendorOpenAIResponses, codec.VendorOpenAI)
	require.NoError(t, err)

	_, err = tr.Ingest([]byte(`{"type":"response.created","sequence_number":5,"response":{"id":"r","model":"gpt-4o"}}`))
	require.NoError(t, err)

	// A regressing sequence_number must surface in-band and end the exchange.
	frames, err := tr.Ingest([]byte(`{"type":"response.output_text.delta","sequence_number":3,"item_id":"m","delta":"late"}`))
	require.NoError(t, err)
	require.NotEmpty(t, frames)
	assert.Contains(t, string(frames[len(frames)-1]), "sequence_number")

	assert.Equal(t, StateClosed, tr.State())

	_, err = tr.Ingest([]byte(`{"type":"response.output_text.delta","sequence_number":6,"item_id":"m","delta":"leak"}`))
	assert.ErrorIs(t, err, ErrClosed, "events after the violation must not relay")

	frames, err = tr.Finish()
	require.NoError(t, err)
	assert.Empty(t, frames, "the exchange already carried its terminal part")
}

func TestPolicy_ResolutionPrecedence(t *testing.T) {
	p := NewPolicy().
		Set(Any, Any, stream.KindRaw, ActionDrop).
		Set(Any, codec.VendorGemini, stream.KindRaw, ActionReplay).
		Set(codec.VendorOpenAI, codec.VendorGemini, stream.KindRaw, ActionDowngrade)

	assert.Equal(t, ActionDowngrade, p.Resolve(codec.VendorOpenAI, codec.VendorGemini, stream.KindRaw),
		"exact rule wins")
	assert.Equal(t, ActionReplay, p.Resolve(codec.VendorAnthropic, codec.VendorGemini, stream.KindRaw),
		"target rule beats the wildcard")
	assert.Equal(t, ActionDrop, p.Resolve(codec.VendorAnthropic, codec.VendorOpenAI, stream.KindRaw))
	assert.Equal(t, ActionForward, p.Resolve(codec.VendorAnthropic, codec.VendorOpenAI, stream.KindTextDelta),
		"unmatched kinds forward")
}
