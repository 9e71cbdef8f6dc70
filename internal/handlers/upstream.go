package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Davincible/llm-stream-gateway/internal/apierr"
	"github.com/Davincible/llm-stream-gateway/internal/codec"
	"github.com/Davincible/llm-stream-gateway/internal/config"
	"github.com/Davincible/llm-stream-gateway/internal/sse"
	"github.com/Davincible/llm-stream-gateway/internal/stream"
)

// classifiedError carries a canonical error classification through the
// standard error return path.
type classifiedError struct {
	apierr.Classified
}

func (e *classifiedError) Error() string { return e.Message }

// openUpstream issues one streaming request to the provider and returns the
// decoded canonical stream.
func (h *ProxyHandler) openUpstream(ctx context.Context, provider *config.Provider, req *chatRequest) (stream.Stream, error) {
	body, err := renderRequest(provider.Protocol, req)
	if err != nil {
		return nil, &classifiedError{apierr.Classified{
			Kind:    apierr.KindInvalidRequest,
			Message: err.Error(),
		}}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		upstreamURL(provider, req.Model), strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	setUpstreamHeaders(httpReq, provider)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, &classifiedError{apierr.ClassifyTransport(err)}
	}

	reader, err := decompressReader(resp)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("decompress upstream response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(reader, 1<<20))
		resp.Body.Close()

		return nil, &classifiedError{apierr.Classify(provider.Protocol, resp.StatusCode, errBody)}
	}

	dec, err := h.registryFor(provider).NewDecoder(provider.Protocol)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}

	return &upstreamStream{
		body:    resp.Body,
		scanner: sse.NewScanner(reader),
		dec:     dec,
		acc:     stream.NewAccumulator(),
	}, nil
}

// upstreamStream adapts one provider SSE response body to the canonical
// pull iterator.
type upstreamStream struct {
	body    io.ReadCloser
	scanner *sse.Scanner
	dec     codec.Decoder
	acc     *stream.Accumulator
	pending []stream.Part
}

func (u *upstreamStream) Next() (stream.Part, error) {
	for {
		if len(u.pending) > 0 {
			p := u.pending[0]
			u.pending = u.pending[1:]

			return p, nil
		}

		if !u.scanner.Scan() {
			if err := u.scanner.Err(); err != nil {
				return nil, err
			}

			return nil, io.EOF
		}

		ev := u.scanner.Event()
		if ev.IsDone() {
			continue
		}

		parts, err := u.dec.Decode(u.acc, ev.Data)
		if err != nil {
			return nil, err
		}

		u.pending = parts
	}
}

func (u *upstreamStream) Close() error {
	return u.body.Close()
}
