// Package codec implements the per-vendor stateful stream decoders and
// encoders. A Decoder turns one raw wire event into zero or more canonical
// Parts using a per-exchange Accumulator; an Encoder turns canonical Parts
// back into that vendor's SSE wire frames, synthesizing vendor-required
// terminal backfill.
package codec

import (
	"errors"
	"fmt"

	"github.com/Davincible/llm-stream-gateway/internal/stream"
)

const (
	VendorOpenAI          = "openai"
	VendorOpenAIResponses = "openai-responses"
	VendorAnthropic       = "anthropic"
	VendorGemini          = "gemini"
)

// ErrUnsupportedPart is returned by an Encoder for a Part the target
// protocol cannot express. The gateway policy layer keeps such parts from
// reaching the encoder; seeing this error means the policy is misconfigured.
var ErrUnsupportedPart = errors.New("part not expressible in target protocol")

// Decoder converts raw vendor wire events into canonical Parts.
// One decoder instance serves one exchange and owns its Accumulator use.
type Decoder interface {
	Vendor() string

	// Decode processes one raw event payload (the data portion of an SSE
	// frame, or one chunked JSON object). It may yield zero, one, or many
	// Parts. Decode never fabricates a StreamEnd: a missing terminal vendor
	// event surfaces to the caller as an incomplete stream.
	Decode(acc *stream.Accumulator, raw []byte) ([]stream.Part, error)
}

// Encoder converts canonical Parts into complete vendor SSE frames.
// Encoders are stateful per exchange: they track open items so they can
// synthesize backfill. Encoding a terminal state twice yields identical
// bytes.
type Encoder interface {
	Vendor() string

	// Encode returns zero or more complete wire frames for the Part.
	Encode(p stream.Part) ([][]byte, error)
}

// Registry maps vendor names to codec constructors. Codecs are stateful,
// so the registry hands out fresh instances.
type Registry struct {
	decoders map[string]func() Decoder
	encoders map[string]func() Encoder
}

func NewRegistry() *Registry {
	return &Registry{
		decoders: make(map[string]func() Decoder),
		encoders: make(map[string]func() Encoder),
	}
}

// RegisterDecoder adds a decoder constructor for a vendor.
func (r *Registry) RegisterDecoder(vendor string, fn func() Decoder) {
	r.decoders[vendor] = fn
}

// RegisterEncoder adds an encoder constructor for a vendor.
func (r *Registry) RegisterEncoder(vendor string, fn func() Encoder) {
	r.encoders[vendor] = fn
}

// NewDecoder returns a fresh decoder for the vendor.
func (r *Registry) NewDecoder(vendor string) (Decoder, error) {
	fn, ok := r.decoders[vendor]
	if !ok {
		return nil, fmt.Errorf("no decoder registered for vendor %q", vendor)
	}

	return fn(), nil
}

// NewEncoder returns a fresh encoder for the vendor.
func (r *Registry) NewEncoder(vendor string) (Encoder, error) {
	fn, ok := r.encoders[vendor]
	if !ok {
		return nil, fmt.Errorf("no encoder registered for vendor %q", vendor)
	}

	return fn(), nil
}

// Vendors returns the vendor names with a registered decoder.
func (r *Registry) Vendors() []string {
	names := make([]string, 0, len(r.decoders))
	for name := range r.decoders {
		names = append(names, name)
	}

	return names
}

// DefaultRegistry returns a registry with all built-in codecs.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterDecoder(VendorOpenAI, func() Decoder { return NewChatDecoder() })
	r.RegisterEncoder(VendorOpenAI, func() Encoder { return NewChatEncoder() })
	r.RegisterDecoder(VendorOpenAIResponses, func() Decoder { return NewResponsesDecoder() })
	r.RegisterEncoder(VendorOpenAIResponses, func() Encoder { return NewResponsesEncoder() })
	r.RegisterDecoder(VendorAnthropic, func() Decoder { return NewAnthropicDecoder() })
	r.RegisterEncoder(VendorAnthropic, func() Encoder { return NewAnthropicEncoder() })
	r.RegisterDecoder(VendorGemini, func() Decoder { return NewGeminiDecoder() })
	r.RegisterEncoder(VendorGemini, func() Encoder { return NewGeminiEncoder() })

	return r
}
