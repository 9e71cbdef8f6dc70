package stream

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/kaptinlin/jsonrepair"
)

// SeqVerdict is the accumulator's judgement of a vendor sequence number.
type SeqVerdict int

const (
	SeqOK SeqVerdict = iota
	SeqDuplicate
	SeqOutOfOrder
)

type toolCallState struct {
	name string
	args []byte
	// Trailing bytes of an incomplete UTF-8 sequence, held back so no
	// emitted fragment splits a code point.
	pending []byte
	done    bool
}

// Accumulator reassembles fragmented vendor events into complete Parts.
// One accumulator is owned exclusively by one decoder for the lifetime of
// one exchange; it is not safe for concurrent use.
type Accumulator struct {
	ids       map[string]string
	toolCalls map[string]*toolCallState
	toolOrder []string
	usage     Usage
	lastSeq   int64
	seqSeen   bool
	started   bool
	ended     bool
}

func NewAccumulator() *Accumulator {
	return &Accumulator{
		ids:       make(map[string]string),
		toolCalls: make(map[string]*toolCallState),
	}
}

// BindID records the canonical id for a vendor-native block/item identifier.
func (a *Accumulator) BindID(vendorID, canonicalID string) {
	a.ids[vendorID] = canonicalID
}

// LookupID resolves a vendor-native identifier to its canonical id.
func (a *Accumulator) LookupID(vendorID string) (string, bool) {
	id, ok := a.ids[vendorID]
	return id, ok
}

// CheckSequence validates a vendor event sequence number. Duplicates are
// dropped by the caller; a regression is a protocol violation.
func (a *Accumulator) CheckSequence(seq int64) SeqVerdict {
	if a.seqSeen {
		switch {
		case seq == a.lastSeq:
			return SeqDuplicate
		case seq < a.lastSeq:
			return SeqOutOfOrder
		}
	}

	a.lastSeq = seq
	a.seqSeen = true

	return SeqOK
}

// MarkStarted records the StreamStart. Returns false if one was already seen.
func (a *Accumulator) MarkStarted() bool {
	if a.started {
		return false
	}

	a.started = true

	return true
}

// MarkEnded records the StreamEnd. Returns false if one was already seen.
func (a *Accumulator) MarkEnded() bool {
	if a.ended {
		return false
	}

	a.ended = true

	return true
}

// Ended reports whether a StreamEnd has been recorded for this exchange.
func (a *Accumulator) Ended() bool {
	return a.ended
}

// OpenToolCall registers a tool call so argument fragments can accumulate.
// Re-opening an existing call only updates the name.
func (a *Accumulator) OpenToolCall(id, name string) {
	if tc, ok := a.toolCalls[id]; ok {
		if name != "" {
			tc.name = name
		}

		return
	}

	a.toolCalls[id] = &toolCallState{name: name}
	a.toolOrder = append(a.toolOrder, id)
}

// ToolCallOpen reports whether id refers to a registered, unfinished call.
func (a *Accumulator) ToolCallOpen(id string) bool {
	tc, ok := a.toolCalls[id]
	return ok && !tc.done
}

// ToolCallName returns the registered name for a tool call id.
func (a *Accumulator) ToolCallName(id string) string {
	if tc, ok := a.toolCalls[id]; ok {
		return tc.name
	}

	return ""
}

// AppendToolArguments buffers an argument fragment and returns the portion
// that is safe to forward: the returned string never ends mid code point.
// Held-back bytes are prepended to the next fragment.
func (a *Accumulator) AppendToolArguments(id string, fragment []byte) string {
	tc, ok := a.toolCalls[id]
	if !ok || tc.done {
		return ""
	}

	buf := append(tc.pending, fragment...)
	complete, rest := splitCompleteUTF8(buf)

	tc.args = append(tc.args, complete...)
	tc.pending = rest

	return string(complete)
}

// FinishToolCall flushes any held-back bytes and returns the completed call.
// Arguments that do not parse as JSON go through a repair pass; valid input
// is returned byte-identical to what was appended. The second return is
// false when the id is unknown or already finished.
func (a *Accumulator) FinishToolCall(id string) (ToolCallDone, bool) {
	tc, ok := a.toolCalls[id]
	if !ok || tc.done {
		return ToolCallDone{}, false
	}

	tc.args = append(tc.args, tc.pending...)
	tc.pending = nil
	tc.done = true

	args := string(tc.args)
	if args == "" {
		args = "{}"
	} else if !json.Valid(tc.args) {
		if repaired, err := jsonrepair.JSONRepair(args); err == nil {
			args = repaired
		}
	}

	return ToolCallDone{ID: id, Name: tc.name, Arguments: args}, true
}

// FinishOpenToolCalls completes every still-open tool call in open order.
// Used for terminal backfill when the vendor never sent per-call done events.
func (a *Accumulator) FinishOpenToolCalls() []ToolCallDone {
	var done []ToolCallDone

	for _, id := range a.toolOrder {
		if call, ok := a.FinishToolCall(id); ok {
			done = append(done, call)
		}
	}

	return done
}

// AddUsage folds a usage report into the running totals.
func (a *Accumulator) AddUsage(u Usage) {
	a.usage.Merge(u)
}

// Usage returns the running usage totals.
func (a *Accumulator) Usage() Usage {
	return a.usage
}

// splitCompleteUTF8 splits b into a prefix of whole UTF-8 sequences and the
// trailing bytes of an incomplete sequence, if any. Bytes that cannot begin
// a sequence are passed through unchanged.
func splitCompleteUTF8(b []byte) (complete, rest []byte) {
	n := len(b)
	if n == 0 {
		return b, nil
	}

	// Find the start of the last sequence: back over at most 3 continuation bytes.
	start := n - 1
	for start > 0 && n-start < utf8.UTFMax && b[start]&0xC0 == 0x80 {
		start--
	}

	if !utf8.RuneStart(b[start]) {
		// Orphan continuation bytes; nothing sensible to hold back.
		return b, nil
	}

	if start+expectedLen(b[start]) > n {
		return b[:start], b[start:]
	}

	return b, nil
}

// expectedLen returns the encoded length implied by a UTF-8 leading byte.
func expectedLen(lead byte) int {
	switch {
	case lead&0x80 == 0:
		return 1
	case lead&0xE0 == 0xC0:
		return 2
	case lead&0xF0 == 0xE0:
		return 3
	case lead&0xF8 == 0xF0:
		return 4
	}

	return 1
}
