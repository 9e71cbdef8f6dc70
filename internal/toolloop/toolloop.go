// Package toolloop drives the generate / resolve-tools / resume cycle for
// one conversation. The model stream and the tool executors are supplied by
// the caller; the loop owns ordering, concurrency, and termination.
package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/Davincible/llm-stream-gateway/internal/stream"
)

// Phase is the session lifecycle.
type Phase int

const (
	PhaseGenerating Phase = iota
	PhaseAwaitingTools
	PhaseResuming
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseGenerating:
		return "generating"
	case PhaseAwaitingTools:
		return "awaiting-tools"
	case PhaseResuming:
		return "resuming"
	case PhaseDone:
		return "done"
	}

	return "unknown"
}

// Resolver executes one tool call. Implementations must honor ctx: a
// canceled context ends the call with ctx.Err().
type Resolver interface {
	Resolve(ctx context.Context, call stream.ToolCallDone) (json.RawMessage, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, call stream.ToolCallDone) (json.RawMessage, error)

func (f ResolverFunc) Resolve(ctx context.Context, call stream.ToolCallDone) (json.RawMessage, error) {
	return f(ctx, call)
}

// StreamFunc produces the model stream for one turn. Turn zero carries no
// results; later turns carry the resolved outcomes of the previous turn's
// calls, in call-issuance order.
type StreamFunc func(ctx context.Context, turn int, results []stream.ToolResult) (stream.Stream, error)

// ApprovalFunc gates a tool call before execution. Returning false skips
// execution and reports an error result for the call.
type ApprovalFunc func(ctx context.Context, call stream.ToolCallDone) bool

// Emitter receives the loop's downstream parts as they are produced: every
// turn's model parts, each resolved ToolResult in call-issuance order, and
// one terminal part when the loop ends.
type Emitter func(p stream.Part) error

// Step records one completed turn.
type Step struct {
	Response *stream.Response
	Results  []stream.ToolResult
}

// StopCondition inspects the completed steps and reports whether the loop
// should stop even though the model asked for more tools.
type StopCondition func(steps []*Step) bool

// StepCountIs stops after exactly n completed turns.
func StepCountIs(n int) StopCondition {
	return func(steps []*Step) bool { return len(steps) >= n }
}

// HasToolCall stops once any step called the named tool.
func HasToolCall(name string) StopCondition {
	return func(steps []*Step) bool {
		for _, step := range steps {
			for _, call := range step.Response.ToolCalls {
				if call.Name == name {
					return true
				}
			}
		}

		return false
	}
}

// HasTextResponse stops once a step produced non-empty text.
func HasTextResponse() StopCondition {
	return func(steps []*Step) bool {
		for _, step := range steps {
			if step.Response.Text != "" {
				return true
			}
		}

		return false
	}
}

// AnyOf stops when at least one condition holds.
func AnyOf(conds ...StopCondition) StopCondition {
	return func(steps []*Step) bool {
		for _, cond := range conds {
			if cond(steps) {
				return true
			}
		}

		return false
	}
}

// AllOf stops only when every condition holds.
func AllOf(conds ...StopCondition) StopCondition {
	return func(steps []*Step) bool {
		for _, cond := range conds {
			if !cond(steps) {
				return false
			}
		}

		return len(conds) > 0
	}
}

// defaultMaxSteps caps runaway generate/resolve cycles when the caller
// supplies no stop condition.
const defaultMaxSteps = 10

// Session runs the tool loop for one conversation.
type Session struct {
	run      StreamFunc
	resolver Resolver
	approve  ApprovalFunc
	stop     StopCondition
	emit     Emitter
	logger   *slog.Logger

	phase Phase
	steps []*Step
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithStopCondition replaces the default step cap.
func WithStopCondition(cond StopCondition) SessionOption {
	return func(s *Session) { s.stop = cond }
}

// WithApproval gates every tool call through fn.
func WithApproval(fn ApprovalFunc) SessionOption {
	return func(s *Session) { s.approve = fn }
}

// WithEmitter forwards the loop's parts to fn as they arrive. Later turns
// continue the first turn's exchange, so their StreamStart and every
// intermediate terminal part stay internal; the consumer sees one
// continuous stream with a single terminal at the end.
func WithEmitter(fn Emitter) SessionOption {
	return func(s *Session) { s.emit = fn }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewSession(run StreamFunc, resolver Resolver, opts ...SessionOption) *Session {
	s := &Session{
		run:      run,
		resolver: resolver,
		stop:     StepCountIs(defaultMaxSteps),
		logger:   slog.Default(),
		phase:    PhaseGenerating,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase { return s.phase }

// Steps returns the completed turns so far.
func (s *Session) Steps() []*Step { return s.steps }

// Run drives the loop until the model finishes without tool calls, a stop
// condition fires, or ctx is canceled. It returns the final turn's folded
// response.
func (s *Session) Run(ctx context.Context) (*stream.Response, error) {
	var results []stream.ToolResult

	for turn := 0; ; turn++ {
		if err := ctx.Err(); err != nil {
			s.phase = PhaseDone
			return nil, err
		}

		s.phase = PhaseGenerating

		modelStream, err := s.run(ctx, turn, results)
		if err != nil {
			s.phase = PhaseDone
			return nil, fmt.Errorf("turn %d: %w", turn, err)
		}

		resp, err := s.consumeTurn(turn, modelStream)
		closeErr := modelStream.Close()

		if err != nil {
			s.phase = PhaseDone
			return resp, fmt.Errorf("turn %d: %w", turn, err)
		}

		if closeErr != nil {
			s.logger.Warn("closing model stream", "turn", turn, "error", closeErr)
		}

		step := &Step{Response: resp}
		s.steps = append(s.steps, step)

		if !resp.HasToolCalls() || s.stop(s.steps) {
			s.phase = PhaseDone
			s.emitTerminal(resp)

			return resp, nil
		}

		s.phase = PhaseAwaitingTools
		step.Results = s.resolveAll(ctx, resp.ToolCalls)

		if err := ctx.Err(); err != nil {
			s.phase = PhaseDone
			return resp, err
		}

		for _, result := range step.Results {
			s.emitPart(result)
		}

		s.phase = PhaseResuming
		results = step.Results
	}
}

// consumeTurn folds one model turn while forwarding its parts downstream.
// Only the first turn's StreamStart passes through, and no turn's terminal
// part does; Run emits the loop's single terminal when it ends.
func (s *Session) consumeTurn(turn int, modelStream stream.Stream) (*stream.Response, error) {
	var parts []stream.Part

	for {
		p, err := modelStream.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			resp, _ := stream.Fold(stream.NewSliceStream(parts...))
			return resp, err
		}

		parts = append(parts, p)

		switch p.(type) {
		case stream.StreamStart:
			if turn == 0 {
				s.emitPart(p)
			}
		case stream.StreamEnd, stream.StreamError:
		default:
			s.emitPart(p)
		}
	}

	return stream.Fold(stream.NewSliceStream(parts...))
}

func (s *Session) emitPart(p stream.Part) {
	if s.emit == nil {
		return
	}

	if err := s.emit(p); err != nil {
		s.logger.Warn("emitting part downstream", "error", err)
	}
}

// emitTerminal closes the downstream exchange: the final turn's in-band
// error when it carried one, otherwise its finish reason.
func (s *Session) emitTerminal(resp *stream.Response) {
	if resp.Err != nil {
		s.emitPart(*resp.Err)
		return
	}

	s.emitPart(stream.StreamEnd{FinishReason: resp.FinishReason})
}

// resolveAll executes every call concurrently and returns the results in
// call-issuance order regardless of completion order.
func (s *Session) resolveAll(ctx context.Context, calls []stream.ToolCallDone) []stream.ToolResult {
	results := make([]stream.ToolResult, len(calls))

	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)

		go func(i int, call stream.ToolCallDone) {
			defer wg.Done()
			results[i] = s.resolveOne(ctx, call)
		}(i, call)
	}

	wg.Wait()

	return results
}

func (s *Session) resolveOne(ctx context.Context, call stream.ToolCallDone) stream.ToolResult {
	if s.approve != nil && !s.approve(ctx, call) {
		s.logger.Info("tool call denied", "tool", call.Name, "call_id", call.ID)
		return errorResult(call.ID, fmt.Errorf("tool call %s denied", call.Name))
	}

	raw, err := s.resolver.Resolve(ctx, call)
	if err != nil {
		s.logger.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "error", err)
		return errorResult(call.ID, err)
	}

	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}

	return stream.ToolResult{ToolCallID: call.ID, Result: raw}
}

// errorResult reports a failed call as data the model can react to. One
// failing tool never aborts the turn.
func errorResult(callID string, err error) stream.ToolResult {
	payload, merr := json.Marshal(map[string]string{"error": err.Error()})
	if merr != nil {
		payload = json.RawMessage(`{"error":"tool execution failed"}`)
	}

	return stream.ToolResult{ToolCallID: callID, Result: payload, IsError: true}
}
