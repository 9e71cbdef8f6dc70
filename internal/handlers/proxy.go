package handlers

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/pkoukk/tiktoken-go"
	"github.com/tidwall/sjson"

	"github.com/Davincible/llm-stream-gateway/internal/apierr"
	"github.com/Davincible/llm-stream-gateway/internal/codec"
	"github.com/Davincible/llm-stream-gateway/internal/config"
	"github.com/Davincible/llm-stream-gateway/internal/gateway"
	"github.com/Davincible/llm-stream-gateway/internal/sse"
	"github.com/Davincible/llm-stream-gateway/internal/stream"
)

// longContextThreshold routes requests above this token count to the
// long-context model when one is configured.
const longContextThreshold = 60000

// route is what the request path tells us before the body is opened: which
// protocol the client speaks, and for path-addressed protocols, the model
// and streaming choice.
type route struct {
	Protocol string
	Model    string
	Stream   bool
	// PathSetsStream is true when the endpoint itself decides streaming,
	// overriding any body flag.
	PathSetsStream bool
}

// ProxyHandler accepts a chat request in any supported protocol, routes it
// to a configured provider, and transcodes the provider's stream back into
// the protocol the client spoke.
type ProxyHandler struct {
	config   *config.Manager
	registry *codec.Registry
	client   *http.Client
	logger   *slog.Logger
}

func NewProxyHandler(config *config.Manager, registry *codec.Registry, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		config:   config,
		registry: registry,
		client:   http.DefaultClient,
		logger:   logger,
	}
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt, ok := classifyRoute(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	cfg := h.config.Get()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, rt.Protocol, apierr.Classified{
			Kind:    apierr.KindInvalidRequest,
			Message: fmt.Sprintf("read request body: %v", err),
		})

		return
	}

	req, err := parseRequest(rt.Protocol, body)
	if err != nil {
		h.writeError(w, rt.Protocol, apierr.Classified{
			Kind:    apierr.KindInvalidRequest,
			Message: err.Error(),
		})

		return
	}

	if rt.Model != "" {
		req.Model = rt.Model
	}

	if rt.PathSetsStream {
		req.Stream = rt.Stream
	}

	inputTokens := h.countInputTokens(string(body))
	selected := h.selectModel(req.Model, inputTokens, &cfg.Router)

	provider, upstreamModel, err := resolveProvider(cfg, selected)
	if err != nil {
		h.writeError(w, rt.Protocol, apierr.Classified{
			Kind:    apierr.KindInvalidRequest,
			Message: err.Error(),
		})

		return
	}

	if !provider.AllowsModel(upstreamModel) {
		h.writeError(w, rt.Protocol, apierr.Classified{
			Kind:    apierr.KindInvalidRequest,
			Message: fmt.Sprintf("model %q not allowed for provider %q", upstreamModel, provider.Name),
		})

		return
	}

	clientWantsStream := req.Stream
	req.Model = upstreamModel

	// Server-side tool execution: requests that carry tools go through the
	// tool loop when a webhook is configured. Streaming clients get the
	// loop's parts relayed in their own protocol, others the folded answer.
	if cfg.ToolsWebhook != "" && len(req.Tools) > 0 {
		if clientWantsStream {
			h.streamToolLoop(w, r, rt.Protocol, provider, req, cfg.ToolsWebhook)
		} else {
			h.serveToolLoop(w, r, rt.Protocol, provider, req, cfg.ToolsWebhook)
		}

		return
	}

	// The upstream leg always streams; non-streaming clients get the folded
	// result.
	req.Stream = true

	var upstreamBody []byte

	if provider.Protocol == rt.Protocol {
		// Same protocol on both legs: keep the client's body intact and
		// patch only the routed model and the stream flag.
		upstreamBody, err = passthroughBody(rt.Protocol, body, upstreamModel)
	} else {
		upstreamBody, err = renderRequest(provider.Protocol, req)
	}

	if err != nil {
		h.writeError(w, rt.Protocol, apierr.Classified{
			Kind:    apierr.KindInvalidRequest,
			Message: err.Error(),
		})

		return
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		upstreamURL(provider, upstreamModel), strings.NewReader(string(upstreamBody)))
	if err != nil {
		h.writeError(w, rt.Protocol, apierr.Classified{
			Kind:    apierr.KindVendor,
			Message: fmt.Sprintf("build upstream request: %v", err),
		})

		return
	}

	setUpstreamHeaders(upstreamReq, provider)

	h.logger.Info("Proxying request",
		"provider", provider.Name,
		"model", upstreamModel,
		"source_protocol", rt.Protocol,
		"target_protocol", provider.Protocol,
		"stream", clientWantsStream,
		"input_tokens", inputTokens,
	)

	resp, err := h.client.Do(upstreamReq)
	if err != nil {
		h.writeError(w, rt.Protocol, apierr.ClassifyTransport(err))
		return
	}
	defer resp.Body.Close()

	bodyReader, err := decompressReader(resp)
	if err != nil {
		h.writeError(w, rt.Protocol, apierr.Classified{
			Kind:    apierr.KindVendor,
			Message: fmt.Sprintf("decompress upstream response: %v", err),
		})

		return
	}

	if closer, ok := bodyReader.(io.Closer); ok {
		defer closer.Close()
	}

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(bodyReader, 1<<20))
		h.writeError(w, rt.Protocol, apierr.Classify(provider.Protocol, resp.StatusCode, errBody))

		return
	}

	if clientWantsStream {
		h.relayStream(w, rt.Protocol, provider, bodyReader, inputTokens)
	} else {
		h.foldResponse(w, rt.Protocol, provider, bodyReader, req.Model)
	}
}

// relayStream transcodes the upstream SSE stream frame by frame onto the
// client connection.
func (h *ProxyHandler) relayStream(w http.ResponseWriter, clientProtocol string, provider *config.Provider, upstream io.Reader, inputTokens int) {
	tr, err := gateway.New(h.registryFor(provider), provider.Protocol, clientProtocol, gateway.WithLogger(h.logger))
	if err != nil {
		h.writeError(w, clientProtocol, apierr.Classified{
			Kind:    apierr.KindVendor,
			Message: err.Error(),
		})

		return
	}

	writeStreamHeaders(w)

	scanner := sse.NewScanner(upstream)

	for scanner.Scan() {
		ev := scanner.Event()
		if ev.IsDone() {
			continue
		}

		frames, err := tr.Ingest(ev.Data)
		if err != nil {
			h.logger.Error("Stream transcoding error", "error", err)
			continue
		}

		h.writeFrames(w, frames)
	}

	if err := scanner.Err(); err != nil {
		h.logger.Error("Upstream stream read error", "error", err)
	}

	// Backfills a terminal error when the upstream cut off mid-stream.
	if frames, err := tr.Finish(); err == nil {
		h.writeFrames(w, frames)
	}

	usage := tr.Usage()
	h.logger.Info("Completed streaming response",
		"provider", provider.Name,
		"input_tokens", maxTokens(inputTokens, usage.InputTokens),
		"output_tokens", usage.OutputTokens,
	)
}

// foldResponse consumes the whole upstream stream and answers with a single
// JSON response in the client's protocol.
func (h *ProxyHandler) foldResponse(w http.ResponseWriter, clientProtocol string, provider *config.Provider, upstream io.Reader, model string) {
	dec, err := h.registryFor(provider).NewDecoder(provider.Protocol)
	if err != nil {
		h.writeError(w, clientProtocol, apierr.Classified{
			Kind:    apierr.KindVendor,
			Message: err.Error(),
		})

		return
	}

	acc := stream.NewAccumulator()

	var parts []stream.Part

	scanner := sse.NewScanner(upstream)
	for scanner.Scan() {
		ev := scanner.Event()
		if ev.IsDone() {
			continue
		}

		decoded, err := dec.Decode(acc, ev.Data)
		if err != nil {
			h.logger.Error("Upstream decode error", "error", err)
			continue
		}

		parts = append(parts, decoded...)
	}

	if err := scanner.Err(); err != nil {
		h.writeError(w, clientProtocol, apierr.ClassifyTransport(err))
		return
	}

	resp, err := stream.Fold(stream.NewSliceStream(parts...))
	if err != nil {
		h.writeError(w, clientProtocol, apierr.Classified{
			Kind:    apierr.KindVendor,
			Message: err.Error(),
		})

		return
	}

	if resp.Err != nil {
		h.writeError(w, clientProtocol, apierr.Classified{
			Kind:      resp.Err.Kind,
			Message:   resp.Err.Message,
			Retryable: resp.Err.Retryable,
		})

		return
	}

	payload, err := renderResponse(clientProtocol, resp, model)
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

// registryFor returns the shared registry, or a clone with a reshaped
// decoder when the provider declares a nonstandard reasoning field.
func (h *ProxyHandler) registryFor(provider *config.Provider) *codec.Registry {
	if provider.Protocol != codec.VendorOpenAI || provider.ReasoningShape == "" {
		return h.registry
	}

	var shape codec.ReasoningShape

	switch provider.ReasoningShape {
	case "string":
		shape = codec.ReasoningStringField
	case "nested":
		shape = codec.ReasoningNestedText
	default:
		shape = codec.ReasoningContentField
	}

	reg := codec.DefaultRegistry()
	reg.RegisterDecoder(codec.VendorOpenAI, func() codec.Decoder {
		return codec.NewChatDecoder(codec.WithReasoningShape(shape))
	})

	return reg
}

// classifyRoute maps the request path to a client protocol.
func classifyRoute(r *http.Request) (route, bool) {
	if r.Method != http.MethodPost {
		return route{}, false
	}

	path := r.URL.Path

	switch {
	case strings.HasSuffix(path, "/chat/completions"):
		return route{Protocol: codec.VendorOpenAI}, true
	case strings.HasSuffix(path, "/responses"):
		return route{Protocol: codec.VendorOpenAIResponses}, true
	case strings.HasSuffix(path, "/messages"):
		return route{Protocol: codec.VendorAnthropic}, true
	}

	// Gemini addresses the model and action in the path:
	// /v1beta/models/{model}:streamGenerateContent?alt=sse
	if idx := strings.Index(path, "/models/"); idx >= 0 {
		rest := path[idx+len("/models/"):]

		model, action, found := strings.Cut(rest, ":")
		if !found || model == "" {
			return route{}, false
		}

		switch action {
		case "streamGenerateContent":
			return route{
				Protocol:       codec.VendorGemini,
				Model:          model,
				Stream:         true,
				PathSetsStream: true,
			}, true
		case "generateContent":
			return route{
				Protocol:       codec.VendorGemini,
				Model:          model,
				PathSetsStream: true,
			}, true
		}
	}

	return route{}, false
}

// selectModel picks the routed model reference in "provider,model" form.
func (h *ProxyHandler) selectModel(requested string, tokens int, router *config.RouterConfig) string {
	switch {
	case tokens > longContextThreshold && router.LongContext != "":
		return router.LongContext
	case strings.Contains(strings.ToLower(requested), "haiku") && router.Background != "":
		return router.Background
	case strings.Contains(strings.ToLower(requested), "think") && router.Think != "":
		return router.Think
	case requested != "":
		return requested
	default:
		return router.Default
	}
}

// resolveProvider splits a "provider,model" reference and finds the provider.
// A bare model falls back to the first configured provider.
func resolveProvider(cfg *config.Config, ref string) (*config.Provider, string, error) {
	name, model, found := strings.Cut(ref, ",")
	if found {
		provider, ok := cfg.FindProvider(name)
		if !ok {
			return nil, "", fmt.Errorf("provider %q not found in configuration", name)
		}

		return provider, model, nil
	}

	if len(cfg.Providers) == 0 {
		return nil, "", fmt.Errorf("no providers configured")
	}

	return &cfg.Providers[0], ref, nil
}

// passthroughBody patches a same-protocol request body in place. Gemini
// bodies carry neither a model field nor a stream flag, so they pass as-is.
func passthroughBody(protocol string, body []byte, model string) ([]byte, error) {
	if protocol == codec.VendorGemini {
		return body, nil
	}

	patched, err := sjson.SetBytes(body, "model", model)
	if err != nil {
		return nil, err
	}

	return sjson.SetBytes(patched, "stream", true)
}

// upstreamURL builds the endpoint for the provider. Gemini embeds the model
// and action in the path; the other protocols use the endpoint as-is.
func upstreamURL(provider *config.Provider, model string) string {
	if provider.Protocol != codec.VendorGemini {
		return provider.APIBase
	}

	return fmt.Sprintf("%s/%s:streamGenerateContent?alt=sse",
		strings.TrimSuffix(provider.APIBase, "/"), model)
}

func setUpstreamHeaders(req *http.Request, provider *config.Provider) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	if provider.APIKey == "" {
		return
	}

	switch provider.Protocol {
	case codec.VendorAnthropic:
		req.Header.Set("X-API-Key", provider.APIKey)
		req.Header.Set("Anthropic-Version", "2023-06-01")
	case codec.VendorGemini:
		req.Header.Set("X-Goog-Api-Key", provider.APIKey)
	default:
		req.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}
}

func (h *ProxyHandler) countInputTokens(text string) int {
	tke, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		h.logger.Error("Failed to get tiktoken encoding", "error", err)
		return 0
	}

	return len(tke.Encode(text, nil, nil))
}

func decompressReader(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}

func writeStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
}

func (h *ProxyHandler) writeFrames(w http.ResponseWriter, frames [][]byte) {
	for _, frame := range frames {
		if _, err := w.Write(frame); err != nil {
			h.logger.Error("Failed to write stream frame", "error", err)
			return
		}
	}

	if len(frames) > 0 {
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
	}
}

// writeError answers with an error envelope in the client's protocol.
func (h *ProxyHandler) writeError(w http.ResponseWriter, protocol string, c apierr.Classified) {
	status := statusFor(c.Kind)

	h.logger.Error("Request failed",
		"kind", string(c.Kind),
		"status", status,
		"message", c.Message,
		"retryable", c.Retryable,
	)

	var payload map[string]any

	switch protocol {
	case codec.VendorAnthropic:
		payload = map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    anthropicErrorType(c.Kind),
				"message": c.Message,
			},
		}
	case codec.VendorGemini:
		payload = map[string]any{
			"error": map[string]any{
				"code":    status,
				"message": c.Message,
				"status":  geminiErrorStatus(c.Kind),
			},
		}
	default:
		payload = map[string]any{
			"error": map[string]any{
				"message": c.Message,
				"type":    string(c.Kind),
				"code":    nil,
			},
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to write error response", "error", err)
	}
}

func statusFor(kind apierr.Kind) int {
	switch kind {
	case apierr.KindInvalidRequest, apierr.KindUnsupportedPart:
		return http.StatusBadRequest
	case apierr.KindAuth:
		return http.StatusUnauthorized
	case apierr.KindRateLimited:
		return http.StatusTooManyRequests
	case apierr.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func anthropicErrorType(kind apierr.Kind) string {
	switch kind {
	case apierr.KindInvalidRequest, apierr.KindUnsupportedPart, apierr.KindProtocolViolation:
		return "invalid_request_error"
	case apierr.KindAuth:
		return "authentication_error"
	case apierr.KindRateLimited:
		return "rate_limit_error"
	default:
		return "api_error"
	}
}

func geminiErrorStatus(kind apierr.Kind) string {
	switch kind {
	case apierr.KindInvalidRequest, apierr.KindUnsupportedPart, apierr.KindProtocolViolation:
		return "INVALID_ARGUMENT"
	case apierr.KindAuth:
		return "PERMISSION_DENIED"
	case apierr.KindRateLimited:
		return "RESOURCE_EXHAUSTED"
	case apierr.KindTimeout:
		return "DEADLINE_EXCEEDED"
	default:
		return "INTERNAL"
	}
}

func maxTokens(a, b int) int {
	if a > b {
		return a
	}

	return b
}
