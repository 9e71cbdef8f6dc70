// Package gateway transcodes one vendor's live stream into another vendor's
// wire format, applying the unsupported-part policy without disturbing the
// relative order of the parts it forwards.
package gateway

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/Davincible/llm-stream-gateway/internal/apierr"
	"github.com/Davincible/llm-stream-gateway/internal/codec"
	"github.com/Davincible/llm-stream-gateway/internal/stream"
)

// State is the transcoder lifecycle.
type State int

const (
	// StateOpen accepts upstream events.
	StateOpen State = iota
	// StateDraining saw the terminal part and is flushing backfill.
	StateDraining
	// StateClosed rejects further input.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}

	return "unknown"
}

// ErrClosed is returned by Ingest after the exchange has terminated.
var ErrClosed = errors.New("transcoder closed")

// lossyTextID names the synthetic text item carrying downgraded parts.
const lossyTextID = "lossy"

// Transcoder converts one upstream exchange from a source protocol to a
// target protocol. It owns the decoder, encoder, and accumulator for the
// exchange and is not safe for concurrent use.
type Transcoder struct {
	source string
	target string
	dec    codec.Decoder
	enc    codec.Encoder
	acc    *stream.Accumulator
	policy *Policy
	replay *ReplayBuffer
	state  State
	logger *slog.Logger
}

// Option configures a Transcoder.
type Option func(*Transcoder)

// WithPolicy overrides the unsupported-part policy.
func WithPolicy(p *Policy) Option {
	return func(t *Transcoder) { t.policy = p }
}

// WithLogger sets the logger; a nil logger keeps the default.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transcoder) {
		if l != nil {
			t.logger = l
		}
	}
}

// New builds a transcoder for one exchange flowing source -> target.
func New(registry *codec.Registry, source, target string, opts ...Option) (*Transcoder, error) {
	dec, err := registry.NewDecoder(source)
	if err != nil {
		return nil, fmt.Errorf("source codec: %w", err)
	}

	enc, err := registry.NewEncoder(target)
	if err != nil {
		return nil, fmt.Errorf("target codec: %w", err)
	}

	t := &Transcoder{
		source: source,
		target: target,
		dec:    dec,
		enc:    enc,
		acc:    stream.NewAccumulator(),
		policy: DefaultPolicy(),
		replay: NewReplayBuffer(),
		state:  StateOpen,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// State returns the current lifecycle state.
func (t *Transcoder) State() State { return t.state }

// Source returns the source vendor name.
func (t *Transcoder) Source() string { return t.source }

// Target returns the target vendor name.
func (t *Transcoder) Target() string { return t.target }

// Replay returns the buffer of parts deferred for the next turn.
func (t *Transcoder) Replay() *ReplayBuffer { return t.replay }

// Usage returns the accumulated token usage for the exchange.
func (t *Transcoder) Usage() stream.Usage { return t.acc.Usage() }

// Ingest decodes one raw upstream event and returns the target wire frames
// it produces. Frames come back in the order the canonical parts were
// decoded; policy-handled parts never reorder their neighbors.
func (t *Transcoder) Ingest(raw []byte) ([][]byte, error) {
	if t.state == StateClosed {
		return nil, ErrClosed
	}

	parts, err := t.dec.Decode(t.acc, raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", t.source, err)
	}

	var out [][]byte

	for _, p := range parts {
		frames, err := t.Forward(p)
		if err != nil {
			return out, err
		}

		out = append(out, frames...)
	}

	return out, nil
}

// Forward routes one already-canonical part through the policy and encoder.
// Used by Ingest and by callers that inject parts the upstream never sent,
// like approval requests.
func (t *Transcoder) Forward(p stream.Part) ([][]byte, error) {
	if t.state == StateClosed {
		return nil, ErrClosed
	}

	switch part := p.(type) {
	case stream.StreamEnd:
		t.state = StateDraining
	case stream.StreamError:
		// A protocol violation terminates the exchange like StreamEnd does;
		// ordering is broken, so nothing after it may relay.
		if part.Kind == apierr.KindProtocolViolation {
			t.state = StateDraining
		}
	}

	frames, err := t.route(p)

	if t.state == StateDraining {
		t.state = StateClosed
	}

	return frames, err
}

// Finish handles the upstream connection ending. If the exchange never saw
// its terminal part, the client gets an in-band error instead of a stream
// that silently looks complete.
func (t *Transcoder) Finish() ([][]byte, error) {
	if t.state == StateClosed {
		return nil, nil
	}

	t.state = StateClosed

	frames, err := t.enc.Encode(stream.StreamError{
		Kind:      apierr.KindVendor,
		Message:   "upstream ended before the terminal event",
		Retryable: true,
	})
	if err != nil {
		return nil, err
	}

	return frames, nil
}

// route encodes one part, falling back to the policy when the target cannot
// express it.
func (t *Transcoder) route(p stream.Part) ([][]byte, error) {
	kind := stream.KindOf(p)

	action := ActionForward
	if t.policy != nil {
		action = t.policy.Resolve(t.source, t.target, kind)
	}

	switch action {
	case ActionDrop:
		t.logger.Debug("dropping part", "kind", kind, "target", t.target)
		return nil, nil

	case ActionDowngrade:
		return t.downgrade(p, kind)

	case ActionReplay:
		t.replay.Defer(p)
		t.logger.Debug("deferring part to next turn", "kind", kind, "target", t.target)

		return nil, nil
	}

	frames, err := t.enc.Encode(p)
	if err == nil {
		return frames, nil
	}

	if !errors.Is(err, codec.ErrUnsupportedPart) {
		return nil, fmt.Errorf("encode %s for %s: %w", kind, t.target, err)
	}

	// Forwarding was the policy verdict but the encoder disagrees; a lossy
	// rendering beats silent loss.
	return t.downgrade(p, kind)
}

func (t *Transcoder) downgrade(p stream.Part, kind stream.Kind) ([][]byte, error) {
	text, ok := stream.LossyText(p)
	if !ok {
		t.logger.Warn("no lossy rendering, dropping part", "kind", kind, "target", t.target)
		return nil, nil
	}

	frames, err := t.enc.Encode(stream.TextDelta{ID: lossyTextID, Text: text})
	if err != nil {
		return nil, fmt.Errorf("encode downgraded %s: %w", kind, err)
	}

	return frames, nil
}
