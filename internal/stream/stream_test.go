package stream

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFold_AssemblesCompleteResponse(t *testing.T) {
	s := NewSliceStream(
		StreamStart{Metadata: Metadata{ExchangeID: "ex_1", Model: "m"}},
		ReasoningDelta{ID: "0", Text: "think "},
		ReasoningDelta{ID: "0", Text: "hard"},
		TextDelta{ID: "0", Text: "Hello, "},
		TextDelta{ID: "0", Text: "world"},
		TextDone{ID: "0"},
		ToolCallDone{ID: "call_1", Name: "f", Arguments: "{}"},
		ToolResult{ToolCallID: "call_1", Result: json.RawMessage(`{"ok":true}`)},
		SourcePart{ID: "src_0", URL: "https://example.com"},
		UsageUpdate{Usage: Usage{InputTokens: 3, OutputTokens: 4}},
		StreamEnd{FinishReason: FinishStop},
	)

	resp, err := Fold(s)
	require.NoError(t, err)

	assert.Equal(t, "ex_1", resp.Metadata.ExchangeID)
	assert.Equal(t, "Hello, world", resp.Text)
	assert.Equal(t, "think hard", resp.Reasoning)
	require.Len(t, resp.ToolCalls, 1)
	assert.True(t, resp.HasToolCalls())
	require.Len(t, resp.ToolResults, 1)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, 3, resp.Usage.InputTokens)
	assert.Equal(t, FinishStop, resp.FinishReason)
	assert.Nil(t, resp.Err)
}

func TestFold_CapturesStreamError(t *testing.T) {
	s := NewSliceStream(
		StreamStart{},
		StreamError{Message: "boom", Retryable: true},
	)

	resp, err := Fold(s)
	require.NoError(t, err)
	require.NotNil(t, resp.Err)
	assert.Equal(t, "boom", resp.Err.Message)
}

func TestSliceStream_EOFAfterLastPart(t *testing.T) {
	s := NewSliceStream(TextDelta{ID: "0", Text: "x"})

	_, err := s.Next()
	require.NoError(t, err)

	_, err = s.Next()
	assert.Equal(t, io.EOF, err)

	// Close makes further reads terminal too.
	s2 := NewSliceStream(TextDelta{ID: "0", Text: "x"})
	require.NoError(t, s2.Close())
	_, err = s2.Next()
	assert.Equal(t, io.EOF, err)
}

func TestLossyText_Renderings(t *testing.T) {
	cases := []struct {
		name string
		part Part
		want string
	}{
		{
			name: "source with title",
			part: SourcePart{URL: "https://example.com", Title: "Example"},
			want: "[source] Example https://example.com",
		},
		{
			name: "tool result",
			part: ToolResult{ToolCallID: "call_1", Result: json.RawMessage(`{ "ok": true }`)},
			want: `[tool-result] call_1: {"ok":true}`,
		},
		{
			name: "approval request carries the tool name",
			part: ToolApprovalRequest{ID: "apr_1", ToolCallID: "call_1", ToolName: "delete_file"},
			want: "[tool-approval-request] id=apr_1 toolCallId=call_1 tool=delete_file",
		},
		{
			name: "file by uri",
			part: FilePart{MediaType: "image/png", URI: "gs://bucket/img.png"},
			want: "[file] image/png gs://bucket/img.png",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := LossyText(tc.part)
			require.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestLossyText_NoRenderingForStreamControl(t *testing.T) {
	for _, p := range []Part{StreamStart{}, TextDelta{}, StreamEnd{}, UsageUpdate{}} {
		_, ok := LossyText(p)
		assert.False(t, ok, "%T has no lossy text form", p)
	}
}

func TestKindOf_CoversEveryVariant(t *testing.T) {
	parts := map[Kind]Part{
		KindStreamStart:         StreamStart{},
		KindTextDelta:           TextDelta{},
		KindTextDone:            TextDone{},
		KindReasoningDelta:      ReasoningDelta{},
		KindToolCallDelta:       ToolCallDelta{},
		KindToolCallDone:        ToolCallDone{},
		KindToolResult:          ToolResult{},
		KindToolApprovalRequest: ToolApprovalRequest{},
		KindSource:              SourcePart{},
		KindFile:                FilePart{},
		KindRaw:                 RawPart{},
		KindUsageUpdate:         UsageUpdate{},
		KindStreamEnd:           StreamEnd{},
		KindStreamError:         StreamError{},
	}

	for want, p := range parts {
		assert.Equal(t, want, KindOf(p))
	}
}
