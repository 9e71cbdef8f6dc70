package toolloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/Davincible/llm-stream-gateway/internal/stream"
)

// webhookBodyLimit caps how much of a tool result is read back.
const webhookBodyLimit = 4 << 20

// HTTPResolver executes tool calls by POSTing them to a webhook. The webhook
// receives {tool_call_id, name, arguments} and answers with the tool result
// body; a non-JSON body is wrapped as a JSON string.
type HTTPResolver struct {
	endpoint string
	client   *http.Client
}

func NewHTTPResolver(endpoint string, client *http.Client) *HTTPResolver {
	if client == nil {
		client = http.DefaultClient
	}

	return &HTTPResolver{
		endpoint: endpoint,
		client:   client,
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, call stream.ToolCallDone) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]any{
		"tool_call_id": call.ID,
		"name":         call.Name,
		"arguments":    json.RawMessage(call.Arguments),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tool call %s: %w", call.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook call for %s: %w", call.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, webhookBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("read webhook response for %s: %w", call.Name, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webhook returned %d for %s: %s", resp.StatusCode, call.Name, body)
	}

	if !gjson.ValidBytes(body) {
		wrapped, merr := json.Marshal(string(body))
		if merr != nil {
			return nil, fmt.Errorf("wrap webhook response for %s: %w", call.Name, merr)
		}

		return wrapped, nil
	}

	return body, nil
}
