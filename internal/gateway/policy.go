package gateway

import (
	"github.com/Davincible/llm-stream-gateway/internal/codec"
	"github.com/Davincible/llm-stream-gateway/internal/stream"
)

// Action is what the gateway does with a Part the target protocol cannot
// express natively.
type Action int

const (
	// ActionForward hands the Part to the encoder unchanged.
	ActionForward Action = iota
	// ActionDrop discards the Part silently.
	ActionDrop
	// ActionDowngrade renders the Part as lossy text on the target.
	ActionDowngrade
	// ActionReplay defers the Part to the next-turn request for targets
	// that only accept it as input, never as stream output.
	ActionReplay
)

// Any matches every source or target vendor in a policy rule.
const Any = "*"

// Rule keys one policy decision.
type Rule struct {
	Source string
	Target string
	Kind   stream.Kind
}

// Policy maps (source, target, part kind) to an Action. Lookup prefers the
// most specific rule; unmatched kinds forward to the encoder.
type Policy struct {
	rules map[Rule]Action
}

func NewPolicy() *Policy {
	return &Policy{rules: make(map[Rule]Action)}
}

// Set installs one rule. Source and Target may be Any.
func (p *Policy) Set(source, target string, kind stream.Kind, action Action) *Policy {
	p.rules[Rule{Source: source, Target: target, Kind: kind}] = action
	return p
}

// Resolve returns the action for a part kind flowing source -> target.
func (p *Policy) Resolve(source, target string, kind stream.Kind) Action {
	probes := []Rule{
		{Source: source, Target: target, Kind: kind},
		{Source: Any, Target: target, Kind: kind},
		{Source: source, Target: Any, Kind: kind},
		{Source: Any, Target: Any, Kind: kind},
	}

	for _, probe := range probes {
		if action, ok := p.rules[probe]; ok {
			return action
		}
	}

	return ActionForward
}

// DefaultPolicy returns the stock unsupported-part policy:
//
//   - Approval requests have no wire form anywhere, so every target gets a
//     lossy text rendering that names the tool.
//   - Tool results stream natively on Anthropic, become text on the OpenAI
//     protocols, and are deferred to the next turn on Gemini.
//   - Raw vendor payloads never cross protocol boundaries.
//   - Generated files downgrade to text except on Gemini, which carries
//     them inline.
func DefaultPolicy() *Policy {
	p := NewPolicy()

	p.Set(Any, Any, stream.KindToolApprovalRequest, ActionDowngrade)

	p.Set(Any, codec.VendorGemini, stream.KindToolResult, ActionReplay)
	p.Set(Any, codec.VendorAnthropic, stream.KindToolResult, ActionForward)
	p.Set(Any, codec.VendorOpenAI, stream.KindToolResult, ActionDowngrade)
	p.Set(Any, codec.VendorOpenAIResponses, stream.KindToolResult, ActionDowngrade)

	p.Set(Any, Any, stream.KindRaw, ActionDrop)

	p.Set(Any, Any, stream.KindFile, ActionDowngrade)
	p.Set(Any, codec.VendorGemini, stream.KindFile, ActionForward)

	// Chat Completions has no close event for text items.
	p.Set(Any, codec.VendorOpenAI, stream.KindTextDone, ActionDrop)

	return p
}
