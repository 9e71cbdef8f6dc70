package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/Davincible/llm-stream-gateway/internal/apierr"
	"github.com/Davincible/llm-stream-gateway/internal/config"
	"github.com/Davincible/llm-stream-gateway/internal/gateway"
	"github.com/Davincible/llm-stream-gateway/internal/stream"
	"github.com/Davincible/llm-stream-gateway/internal/toolloop"
)

// serveToolLoop executes the request's tool calls server-side through the
// configured webhook, re-prompting the provider with each turn's results
// until the model answers without tools.
func (h *ProxyHandler) serveToolLoop(w http.ResponseWriter, r *http.Request, clientProtocol string, provider *config.Provider, req *chatRequest, webhook string) {
	resp, err := h.runToolLoop(r.Context(), provider, req, webhook)
	if err != nil {
		var ce *classifiedError
		if errors.As(err, &ce) {
			h.writeError(w, clientProtocol, ce.Classified)
			return
		}

		h.writeError(w, clientProtocol, apierr.Classified{
			Kind:    apierr.KindToolExecution,
			Message: err.Error(),
		})

		return
	}

	payload, err := renderResponse(clientProtocol, resp, req.Model)
	if err != nil {
		h.writeError(w, clientProtocol, apierr.Classified{
			Kind:    apierr.KindVendor,
			Message: err.Error(),
		})

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(payload); err != nil {
		h.logger.Error("Failed to write response", "error", err)
	}
}

// streamToolLoop runs the tool loop while relaying its parts onto the
// client connection as one continuous stream in the client's protocol.
// Resolved tool results appear in-stream, rendered the way the target
// protocol expresses them.
func (h *ProxyHandler) streamToolLoop(w http.ResponseWriter, r *http.Request, clientProtocol string, provider *config.Provider, req *chatRequest, webhook string) {
	tr, err := gateway.New(h.registryFor(provider), provider.Protocol, clientProtocol, gateway.WithLogger(h.logger))
	if err != nil {
		h.writeError(w, clientProtocol, apierr.Classified{
			Kind:    apierr.KindVendor,
			Message: err.Error(),
		})

		return
	}

	writeStreamHeaders(w)

	emit := func(p stream.Part) error {
		frames, err := tr.Forward(p)
		if err != nil {
			return err
		}

		h.writeFrames(w, frames)

		return nil
	}

	if _, err := h.runToolLoop(r.Context(), provider, req, webhook, toolloop.WithEmitter(emit)); err != nil {
		h.logger.Error("Tool loop failed mid-stream", "error", err)
	}

	// Backfills a terminal error when the loop ended without its terminal.
	if frames, err := tr.Finish(); err == nil {
		h.writeFrames(w, frames)
	}
}

func (h *ProxyHandler) runToolLoop(ctx context.Context, provider *config.Provider, base *chatRequest, webhook string, opts ...toolloop.SessionOption) (*stream.Response, error) {
	resolver := toolloop.NewHTTPResolver(webhook, h.client)

	var session *toolloop.Session

	// Each turn replays the base conversation plus every completed step's
	// tool calls and results.
	streamFn := func(ctx context.Context, turn int, _ []stream.ToolResult) (stream.Stream, error) {
		req := *base
		req.Stream = true
		req.Messages = append([]chatMessage(nil), base.Messages...)

		for _, step := range session.Steps() {
			req.Messages = append(req.Messages, stepMessages(step)...)
		}

		return h.openUpstream(ctx, provider, &req)
	}

	opts = append(opts, toolloop.WithLogger(h.logger))
	session = toolloop.NewSession(streamFn, resolver, opts...)

	return session.Run(ctx)
}

// stepMessages renders one completed turn back into conversation form: the
// assistant's tool calls, then one tool message per result.
func stepMessages(step *toolloop.Step) []chatMessage {
	var messages []chatMessage

	if len(step.Response.ToolCalls) > 0 || step.Response.Text != "" {
		assistant := chatMessage{Role: "assistant", Text: step.Response.Text}

		for _, call := range step.Response.ToolCalls {
			assistant.ToolCalls = append(assistant.ToolCalls, requestToolCall{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: call.Arguments,
			})
		}

		messages = append(messages, assistant)
	}

	for _, result := range step.Results {
		messages = append(messages, chatMessage{
			Role:       "tool",
			ToolCallID: result.ToolCallID,
			Text:       string(result.Result),
			IsError:    result.IsError,
		})
	}

	return messages
}
