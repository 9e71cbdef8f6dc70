package stream

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

// Stream is a lazy, finite sequence of canonical Parts for one exchange.
// Next returns io.EOF after the final Part. Streams are not restartable
// mid-exchange and are not safe for concurrent use.
type Stream interface {
	Next() (Part, error)
	Close() error
}

// SliceStream replays a fixed sequence of Parts. Test and fan-in helper.
type SliceStream struct {
	parts []Part
	pos   int
}

func NewSliceStream(parts ...Part) *SliceStream {
	return &SliceStream{parts: parts}
}

func (s *SliceStream) Next() (Part, error) {
	if s.pos >= len(s.parts) {
		return nil, io.EOF
	}

	p := s.parts[s.pos]
	s.pos++

	return p, nil
}

func (s *SliceStream) Close() error {
	s.pos = len(s.parts)
	return nil
}

// Response is the folded, complete view of one exchange.
type Response struct {
	Metadata     Metadata
	Text         string
	Reasoning    string
	ToolCalls    []ToolCallDone
	ToolResults  []ToolResult
	Sources      []SourcePart
	Files        []FilePart
	Usage        Usage
	FinishReason FinishReason
	Err          *StreamError
}

// HasToolCalls reports whether the exchange produced any tool calls.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// Fold exhausts a Stream and assembles the complete response. Folding all
// Parts of one exchange losslessly reconstructs the text and tool calls.
func Fold(s Stream) (*Response, error) {
	resp := &Response{}

	var (
		text      strings.Builder
		reasoning strings.Builder
	)

	for {
		p, err := s.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return resp, err
		}

		switch part := p.(type) {
		case StreamStart:
			resp.Metadata = part.Metadata
		case TextDelta:
			text.WriteString(part.Text)
		case ReasoningDelta:
			reasoning.WriteString(part.Text)
		case ToolCallDone:
			resp.ToolCalls = append(resp.ToolCalls, part)
		case ToolResult:
			resp.ToolResults = append(resp.ToolResults, part)
		case SourcePart:
			resp.Sources = append(resp.Sources, part)
		case FilePart:
			resp.Files = append(resp.Files, part)
		case UsageUpdate:
			resp.Usage.Merge(part.Usage)
		case StreamEnd:
			resp.FinishReason = part.FinishReason
		case StreamError:
			errCopy := part
			resp.Err = &errCopy
		}
	}

	resp.Text = text.String()
	resp.Reasoning = reasoning.String()

	return resp, nil
}

// LossyText renders a Part as best-effort text for the DowngradeToText
// policy. Returns false for parts with no sensible text rendering.
func LossyText(p Part) (string, bool) {
	switch part := p.(type) {
	case SourcePart:
		if part.Title != "" {
			return "[source] " + part.Title + " " + part.URL, true
		}

		return "[source] " + part.URL, true
	case ToolResult:
		return "[tool-result] " + part.ToolCallID + ": " + compactJSON(part.Result), true
	case ToolApprovalRequest:
		s := "[tool-approval-request] id=" + part.ID + " toolCallId=" + part.ToolCallID
		if part.ToolName != "" {
			s += " tool=" + part.ToolName
		}

		return s, true
	case FilePart:
		if part.URI != "" {
			return "[file] " + part.MediaType + " " + part.URI, true
		}

		return "[file] " + part.MediaType, true
	case RawPart:
		return "[raw] " + compactJSON(part.Payload), true
	}

	return "", false
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}

	return buf.String()
}
