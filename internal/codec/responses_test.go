package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/llm-stream-gateway/internal/apierr"
	"github.com/Davincible/llm-stream-gateway/internal/stream"
)

func TestResponsesDecoder_FullSequence(t *testing.T) {
	events := []string{
		`{"type":"response.created","sequence_number":1,"response":{"id":"resp_1","model":"gpt-4o"}}`,
		`{"type":"response.output_item.added","sequence_number":2,"output_index":0,"item":{"type":"message","id":"msg_1","role":"assistant"}}`,
		`{"type":"response.output_text.delta","sequence_number":3,"item_id":"msg_1","delta":"Hello"}`,
		`{"type":"response.output_text.delta","sequence_number":4,"item_id":"msg_1","delta":" there"}`,
		`{"type":"response.output_text.done","sequence_number":5,"item_id":"msg_1"}`,
		`{"type":"response.completed","sequence_number":6,"response":{"id":"resp_1","output":[],"usage":{"input_tokens":7,"output_tokens":3}}}`,
	}

	acc := stream.NewAccumulator()
	parts := decodeAll(t, NewResponsesDecoder(), acc, events)

	var text string
	var end *stream.StreamEnd

	for _, p := range parts {
		switch part := p.(type) {
		case stream.TextDelta:
			text += part.Text
		case stream.StreamEnd:
			end = &part
		}
	}

	assert.Equal(t, "Hello there", text)

	require.NotNil(t, end)
	assert.Equal(t, stream.FinishStop, end.FinishReason)
	assert.Equal(t, 7, acc.Usage().InputTokens)
}

func TestResponsesDecoder_DuplicateSequenceDropped(t *testing.T) {
	events := []string{
		`{"type":"response.created","sequence_number":1,"response":{"id":"r"}}`,
		`{"type":"response.output_text.delta","sequence_number":2,"item_id":"m","delta":"once"}`,
		`{"type":"response.output_text.delta","sequence_number":2,"item_id":"m","delta":"once"}`,
	}

	acc := stream.NewAccumulator()
	parts := decodeAll(t, NewResponsesDecoder(), acc, events)

	count := 0

	for _, p := range parts {
		if _, ok := p.(stream.TextDelta); ok {
			count++
		}
	}

	assert.Equal(t, 1, count, "redelivered event must decode to nothing")
}

func TestResponsesDecoder_SequenceRegressionIsProtocolViolation(t *testing.T) {
	events := []string{
		`{"type":"response.created","sequence_number":5,"response":{"id":"r"}}`,
		`{"type":"response.output_text.delta","sequence_number":3,"item_id":"m","delta":"late"}`,
	}

	acc := stream.NewAccumulator()
	parts := decodeAll(t, NewResponsesDecoder(), acc, events)

	serr, ok := parts[len(parts)-1].(stream.StreamError)
	require.True(t, ok)
	assert.Equal(t, apierr.KindProtocolViolation, serr.Kind)
	assert.False(t, serr.Retryable)
}

func TestResponsesDecoder_FunctionCallLifecycle(t *testing.T) {
	events := []string{
		`{"type":"response.created","sequence_number":1,"response":{"id":"r","model":"gpt-4o"}}`,
		`{"type":"response.output_item.added","sequence_number":2,"output_index":0,"item":{"type":"function_call","id":"fc_1","call_id":"call_9","name":"search"}}`,
		`{"type":"response.function_call_arguments.delta","sequence_number":3,"item_id":"fc_1","delta":"{\"q\":"}`,
		`{"type":"response.function_call_arguments.delta","sequence_number":4,"item_id":"fc_1","delta":"\"go\"}"}`,
		`{"type":"response.function_call_arguments.done","sequence_number":5,"item_id":"fc_1","name":"search","arguments":"{\"q\":\"go\"}"}`,
		`{"type":"response.completed","sequence_number":6,"response":{"id":"r","output":[{"type":"function_call","call_id":"call_9"}]}}`,
	}

	acc := stream.NewAccumulator()
	parts := decodeAll(t, NewResponsesDecoder(), acc, events)

	var done *stream.ToolCallDone
	var end *stream.StreamEnd

	for _, p := range parts {
		switch part := p.(type) {
		case stream.ToolCallDone:
			done = &part
		case stream.StreamEnd:
			end = &part
		}
	}

	require.NotNil(t, done)
	assert.Equal(t, "call_9", done.ID, "call_id wins over the item id")
	assert.Equal(t, "search", done.Name)
	assert.Equal(t, `{"q":"go"}`, done.Arguments)

	require.NotNil(t, end)
	assert.Equal(t, stream.FinishToolCalls, end.FinishReason)
}

func TestResponsesDecoder_CompletedBackfillsOpenCalls(t *testing.T) {
	// arguments.done never arrives; response.completed must close the call.
	events := []string{
		`{"type":"response.created","sequence_number":1,"response":{"id":"r"}}`,
		`{"type":"response.output_item.added","sequence_number":2,"output_index":0,"item":{"type":"function_call","id":"fc_1","call_id":"call_9","name":"search"}}`,
		`{"type":"response.function_call_arguments.delta","sequence_number":3,"item_id":"fc_1","delta":"{\"q\":\"go\"}"}`,
		`{"type":"response.completed","sequence_number":4,"response":{"id":"r","output":[]}}`,
	}

	acc := stream.NewAccumulator()
	parts := decodeAll(t, NewResponsesDecoder(), acc, events)

	var done *stream.ToolCallDone

	for _, p := range parts {
		if part, ok := p.(stream.ToolCallDone); ok {
			done = &part
		}
	}

	require.NotNil(t, done, "terminal event must backfill the open call")
	assert.Equal(t, `{"q":"go"}`, done.Arguments)
}

func TestResponsesDecoder_IncompleteMapsToLengthOrFilter(t *testing.T) {
	cases := []struct {
		reason string
		want   stream.FinishReason
	}{
		{"max_output_tokens", stream.FinishLength},
		{"content_filter", stream.FinishContentFilter},
	}

	for _, tc := range cases {
		t.Run(tc.reason, func(t *testing.T) {
			acc := stream.NewAccumulator()
			parts := decodeAll(t, NewResponsesDecoder(), acc, []string{
				`{"type":"response.created","sequence_number":1,"response":{"id":"r"}}`,
				`{"type":"response.incomplete","sequence_number":2,"response":{"id":"r","incomplete_details":{"reason":"` + tc.reason + `"}}}`,
			})

			end, ok := parts[len(parts)-1].(stream.StreamEnd)
			require.True(t, ok)
			assert.Equal(t, tc.want, end.FinishReason)
		})
	}
}

func TestResponsesDecoder_UnknownEventPassesThroughRaw(t *testing.T) {
	acc := stream.NewAccumulator()
	parts := decodeAll(t, NewResponsesDecoder(), acc, []string{
		`{"type":"response.web_search_call.searching","sequence_number":1}`,
	})

	require.Len(t, parts, 1)

	raw, ok := parts[0].(stream.RawPart)
	require.True(t, ok)
	assert.Equal(t, VendorOpenAIResponses, raw.Vendor)
}
