package toolloop

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/llm-stream-gateway/internal/stream"
)

// toolTurn builds a model turn that requests the given calls.
func toolTurn(calls ...stream.ToolCallDone) stream.Stream {
	parts := []stream.Part{stream.StreamStart{}}
	for _, c := range calls {
		parts = append(parts, c)
	}
	parts = append(parts, stream.StreamEnd{FinishReason: stream.FinishToolCalls})

	return stream.NewSliceStream(parts...)
}

func textTurn(text string) stream.Stream {
	return stream.NewSliceStream(
		stream.StreamStart{},
		stream.TextDelta{ID: "0", Text: text},
		stream.StreamEnd{FinishReason: stream.FinishStop},
	)
}

func okResolver() Resolver {
	return ResolverFunc(func(_ context.Context, call stream.ToolCallDone) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
}

func TestSession_StopsWhenModelProducesText(t *testing.T) {
	turns := 0
	run := func(_ context.Context, turn int, results []stream.ToolResult) (stream.Stream, error) {
		turns++

		if turn == 0 {
			return toolTurn(stream.ToolCallDone{ID: "call_1", Name: "lookup", Arguments: "{}"}), nil
		}

		// The second turn must receive the first turn's results.
		require.Len(t, results, 1)
		assert.Equal(t, "call_1", results[0].ToolCallID)

		return textTurn("final answer"), nil
	}

	session := NewSession(run, okResolver())

	resp, err := session.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "final answer", resp.Text)
	assert.Equal(t, 2, turns)
	assert.Equal(t, PhaseDone, session.Phase())
	assert.Len(t, session.Steps(), 2)
}

func TestSession_StepCountIsRunsExactlyThatManyTurns(t *testing.T) {
	turns := 0
	run := func(_ context.Context, turn int, _ []stream.ToolResult) (stream.Stream, error) {
		turns++
		// The model keeps asking for tools forever.
		return toolTurn(stream.ToolCallDone{ID: "call_n", Name: "loop", Arguments: "{}"}), nil
	}

	session := NewSession(run, okResolver(), WithStopCondition(StepCountIs(3)))

	resp, err := session.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, turns, "the loop must terminate despite endless tool requests")
	assert.Equal(t, stream.FinishToolCalls, resp.FinishReason)
}

func TestSession_ResultsDeliveredInIssuanceOrder(t *testing.T) {
	// Call B resolves long before call A; the next turn must still see
	// [A, B].
	resolver := ResolverFunc(func(_ context.Context, call stream.ToolCallDone) (json.RawMessage, error) {
		if call.ID == "call_a" {
			time.Sleep(30 * time.Millisecond)
		}

		return json.RawMessage(`{"from":"` + call.ID + `"}`), nil
	})

	var got []stream.ToolResult

	run := func(_ context.Context, turn int, results []stream.ToolResult) (stream.Stream, error) {
		if turn == 0 {
			return toolTurn(
				stream.ToolCallDone{ID: "call_a", Name: "slow", Arguments: "{}"},
				stream.ToolCallDone{ID: "call_b", Name: "fast", Arguments: "{}"},
			), nil
		}

		got = results

		return textTurn("done"), nil
	}

	_, err := NewSession(run, resolver).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "call_a", got[0].ToolCallID)
	assert.Equal(t, "call_b", got[1].ToolCallID)
}

func TestSession_FailedToolBecomesErrorResult(t *testing.T) {
	resolver := ResolverFunc(func(_ context.Context, call stream.ToolCallDone) (json.RawMessage, error) {
		if call.ID == "call_bad" {
			return nil, errors.New("backend exploded")
		}

		return json.RawMessage(`1`), nil
	})

	var got []stream.ToolResult

	run := func(_ context.Context, turn int, results []stream.ToolResult) (stream.Stream, error) {
		if turn == 0 {
			return toolTurn(
				stream.ToolCallDone{ID: "call_good", Name: "a", Arguments: "{}"},
				stream.ToolCallDone{ID: "call_bad", Name: "b", Arguments: "{}"},
			), nil
		}

		got = results

		return textTurn("done"), nil
	}

	_, err := NewSession(run, resolver).Run(context.Background())
	require.NoError(t, err, "one failing tool must not abort the loop")

	require.Len(t, got, 2)
	assert.False(t, got[0].IsError)
	assert.True(t, got[1].IsError)
	assert.Contains(t, string(got[1].Result), "backend exploded")
}

func TestSession_CancellationReachesPendingResolutions(t *testing.T) {
	var observed atomic.Int32

	resolver := ResolverFunc(func(ctx context.Context, call stream.ToolCallDone) (json.RawMessage, error) {
		<-ctx.Done()
		observed.Add(1)

		return nil, ctx.Err()
	})

	run := func(_ context.Context, turn int, _ []stream.ToolResult) (stream.Stream, error) {
		return toolTurn(
			stream.ToolCallDone{ID: "call_1", Name: "hang", Arguments: "{}"},
			stream.ToolCallDone{ID: "call_2", Name: "hang", Arguments: "{}"},
		), nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	session := NewSession(run, resolver)

	_, err := session.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(2), observed.Load(), "both pending resolutions must observe the cancellation")
	assert.Equal(t, PhaseDone, session.Phase())
}

func TestSession_ApprovalDenialSkipsExecution(t *testing.T) {
	executed := false

	resolver := ResolverFunc(func(_ context.Context, call stream.ToolCallDone) (json.RawMessage, error) {
		executed = true
		return json.RawMessage(`{}`), nil
	})

	approve := func(_ context.Context, call stream.ToolCallDone) bool {
		return call.Name != "delete_file"
	}

	var got []stream.ToolResult

	run := func(_ context.Context, turn int, results []stream.ToolResult) (stream.Stream, error) {
		if turn == 0 {
			return toolTurn(stream.ToolCallDone{ID: "call_1", Name: "delete_file", Arguments: "{}"}), nil
		}

		got = results

		return textTurn("done"), nil
	}

	_, err := NewSession(run, resolver, WithApproval(approve)).Run(context.Background())
	require.NoError(t, err)

	assert.False(t, executed, "a denied call must never reach the resolver")
	require.Len(t, got, 1)
	assert.True(t, got[0].IsError)
	assert.Contains(t, string(got[0].Result), "denied")
}

func TestStopConditions(t *testing.T) {
	steps := []*Step{
		{Response: &stream.Response{ToolCalls: []stream.ToolCallDone{{Name: "search"}}}},
		{Response: &stream.Response{Text: "some text"}},
	}

	assert.True(t, StepCountIs(2)(steps))
	assert.False(t, StepCountIs(3)(steps))

	assert.True(t, HasToolCall("search")(steps))
	assert.False(t, HasToolCall("other")(steps))

	assert.True(t, HasTextResponse()(steps))
	assert.False(t, HasTextResponse()(steps[:1]))

	assert.True(t, AnyOf(HasToolCall("other"), HasTextResponse())(steps))
	assert.False(t, AnyOf(HasToolCall("other"))(steps))

	assert.True(t, AllOf(HasToolCall("search"), HasTextResponse())(steps))
	assert.False(t, AllOf(HasToolCall("search"), HasToolCall("other"))(steps))
	assert.False(t, AllOf()(steps), "an empty conjunction never fires")
}

func TestSession_EmitsOneContinuousStreamAcrossTurns(t *testing.T) {
	run := func(_ context.Context, turn int, _ []stream.ToolResult) (stream.Stream, error) {
		if turn == 0 {
			return toolTurn(stream.ToolCallDone{ID: "call_1", Name: "lookup", Arguments: "{}"}), nil
		}

		return textTurn("answer"), nil
	}

	var emitted []stream.Part

	session := NewSession(run, okResolver(), WithEmitter(func(p stream.Part) error {
		emitted = append(emitted, p)
		return nil
	}))

	_, err := session.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, emitted)

	_, ok := emitted[0].(stream.StreamStart)
	assert.True(t, ok, "the downstream exchange opens exactly once, at the first turn")

	starts, ends := 0, 0

	resultIdx, answerIdx := -1, -1

	for i, p := range emitted {
		switch part := p.(type) {
		case stream.StreamStart:
			starts++
		case stream.StreamEnd:
			ends++
		case stream.ToolResult:
			resultIdx = i
		case stream.TextDelta:
			if part.Text == "answer" {
				answerIdx = i
			}
		}
	}

	assert.Equal(t, 1, starts, "resume turns continue the same exchange")
	assert.Equal(t, 1, ends, "intermediate terminal parts stay internal")

	end, ok := emitted[len(emitted)-1].(stream.StreamEnd)
	require.True(t, ok, "the loop's terminal part comes last")
	assert.Equal(t, stream.FinishStop, end.FinishReason)

	require.GreaterOrEqual(t, resultIdx, 0, "the resolved result must reach the downstream consumer")
	require.GreaterOrEqual(t, answerIdx, 0)
	assert.Less(t, resultIdx, answerIdx, "results surface before the resume turn's text")
}

func TestSession_EmittedResultsFollowIssuanceOrder(t *testing.T) {
	resolver := ResolverFunc(func(_ context.Context, call stream.ToolCallDone) (json.RawMessage, error) {
		if call.ID == "call_a" {
			time.Sleep(30 * time.Millisecond)
		}

		return json.RawMessage(`{}`), nil
	})

	run := func(_ context.Context, turn int, _ []stream.ToolResult) (stream.Stream, error) {
		if turn == 0 {
			return toolTurn(
				stream.ToolCallDone{ID: "call_a", Name: "slow", Arguments: "{}"},
				stream.ToolCallDone{ID: "call_b", Name: "fast", Arguments: "{}"},
			), nil
		}

		return textTurn("done"), nil
	}

	var resultIDs []string

	_, err := NewSession(run, resolver, WithEmitter(func(p stream.Part) error {
		if result, ok := p.(stream.ToolResult); ok {
			resultIDs = append(resultIDs, result.ToolCallID)
		}

		return nil
	})).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"call_a", "call_b"}, resultIDs)
}

func TestSession_StreamErrorPropagates(t *testing.T) {
	run := func(_ context.Context, turn int, _ []stream.ToolResult) (stream.Stream, error) {
		return nil, errors.New("connect failed")
	}

	_, err := NewSession(run, okResolver()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "turn 0")
}
