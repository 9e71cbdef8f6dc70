// Package stream defines the vendor-neutral streaming vocabulary shared by
// every decoder and encoder in the gateway. A vendor wire event is decoded
// into zero or more Parts; an encoder turns Parts back into wire bytes.
package stream

import (
	"encoding/json"

	"github.com/Davincible/llm-stream-gateway/internal/apierr"
)

// FinishReason is the canonical reason a model stopped generating.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool-calls"
	FinishContentFilter FinishReason = "content-filter"
	FinishError         FinishReason = "error"
	FinishOther         FinishReason = "other"
)

// Part is a sealed interface over the canonical stream part variants.
// The unexported marker method prevents external implementations.
type Part interface {
	part()
}

// Kind identifies a Part variant. Used by the gateway policy table.
type Kind string

const (
	KindStreamStart         Kind = "stream-start"
	KindTextDelta           Kind = "text-delta"
	KindTextDone            Kind = "text-done"
	KindReasoningDelta      Kind = "reasoning-delta"
	KindToolCallDelta       Kind = "tool-call-delta"
	KindToolCallDone        Kind = "tool-call-done"
	KindToolResult          Kind = "tool-result"
	KindToolApprovalRequest Kind = "tool-approval-request"
	KindSource              Kind = "source"
	KindFile                Kind = "file"
	KindRaw                 Kind = "raw"
	KindUsageUpdate         Kind = "usage-update"
	KindStreamEnd           Kind = "stream-end"
	KindStreamError         Kind = "stream-error"
)

// Metadata carries exchange-level identifiers from the first vendor event.
type Metadata struct {
	ExchangeID string
	Model      string
}

// StreamStart opens a logical exchange. Emitted exactly once.
type StreamStart struct {
	Metadata Metadata
}

// TextDelta is an incremental fragment of a text item. Empty and
// whitespace-only deltas are forwarded as-is to preserve reconstruction.
type TextDelta struct {
	ID   string
	Text string
}

// TextDone closes the text item with the same ID.
type TextDone struct {
	ID string
}

// ReasoningDelta is an incremental fragment of vendor thinking/reasoning text.
type ReasoningDelta struct {
	ID   string
	Text string
}

// ToolCallDelta is an incremental fragment of a tool call. Name is set on the
// first fragment for vendors that announce it up front, empty afterwards.
type ToolCallDelta struct {
	ID                string
	Name              string
	ArgumentsFragment string
}

// ToolCallDone carries the fully assembled tool call. Arguments is a complete
// JSON value.
type ToolCallDone struct {
	ID        string
	Name      string
	Arguments string
}

// ToolResult is the outcome of resolving a tool call. Injected by the
// tool loop, or decoded from a Gemini functionResponse by convention.
type ToolResult struct {
	ToolCallID string
	Result     json.RawMessage
	IsError    bool
}

// ToolApprovalRequest asks the client to approve a pending tool call.
// No vendor wire protocol expresses this natively; gateways apply policy.
// ToolName is carried for lossy renderings and may be empty.
type ToolApprovalRequest struct {
	ID         string
	ToolCallID string
	ToolName   string
}

// SourcePart is a citation/annotation attached to generated content.
type SourcePart struct {
	ID    string
	URL   string
	Title string
}

// FilePart is generated file output. Exactly one of Data or URI is set.
type FilePart struct {
	ID        string
	MediaType string
	Data      []byte
	URI       string
}

// RawPart is an opaque vendor payload with no canonical shape.
type RawPart struct {
	Vendor  string
	Payload json.RawMessage
}

// UsageUpdate reports running token usage.
type UsageUpdate struct {
	Usage Usage
}

// StreamEnd terminates the exchange normally. At most one per exchange;
// its absence signals abnormal termination.
type StreamEnd struct {
	FinishReason FinishReason
}

// StreamError is a recoverable in-band error. Whether it terminates the
// exchange is the gateway's decision, not the decoder's.
type StreamError struct {
	Kind      apierr.Kind
	Message   string
	Retryable bool
}

func (StreamStart) part()         {}
func (TextDelta) part()           {}
func (TextDone) part()            {}
func (ReasoningDelta) part()      {}
func (ToolCallDelta) part()       {}
func (ToolCallDone) part()        {}
func (ToolResult) part()          {}
func (ToolApprovalRequest) part() {}
func (SourcePart) part()          {}
func (FilePart) part()            {}
func (RawPart) part()             {}
func (UsageUpdate) part()         {}
func (StreamEnd) part()           {}
func (StreamError) part()         {}

// KindOf returns the Kind tag for a Part.
func KindOf(p Part) Kind {
	switch p.(type) {
	case StreamStart:
		return KindStreamStart
	case TextDelta:
		return KindTextDelta
	case TextDone:
		return KindTextDone
	case ReasoningDelta:
		return KindReasoningDelta
	case ToolCallDelta:
		return KindToolCallDelta
	case ToolCallDone:
		return KindToolCallDone
	case ToolResult:
		return KindToolResult
	case ToolApprovalRequest:
		return KindToolApprovalRequest
	case SourcePart:
		return KindSource
	case FilePart:
		return KindFile
	case RawPart:
		return KindRaw
	case UsageUpdate:
		return KindUsageUpdate
	case StreamEnd:
		return KindStreamEnd
	case StreamError:
		return KindStreamError
	}

	return Kind("")
}
