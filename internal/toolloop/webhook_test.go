package toolloop

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/Davincible/llm-stream-gateway/internal/stream"
)

func TestHTTPResolver_ForwardsCallAndReturnsBody(t *testing.T) {
	var received string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		received = string(body)

		_, _ = io.WriteString(w, `{"temp": 22}`)
	}))
	defer srv.Close()

	resolver := NewHTTPResolver(srv.URL, nil)

	raw, err := resolver.Resolve(context.Background(), stream.ToolCallDone{
		ID:        "call_1",
		Name:      "get_weather",
		Arguments: `{"city":"Paris"}`,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"temp": 22}`, string(raw))

	assert.Equal(t, "call_1", gjson.Get(received, "tool_call_id").String())
	assert.Equal(t, "get_weather", gjson.Get(received, "name").String())
	assert.Equal(t, "Paris", gjson.Get(received, "arguments.city").String())
}

func TestHTTPResolver_WrapsNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "plain text result")
	}))
	defer srv.Close()

	resolver := NewHTTPResolver(srv.URL, nil)

	raw, err := resolver.Resolve(context.Background(), stream.ToolCallDone{
		ID: "call_1", Name: "echo", Arguments: "{}",
	})
	require.NoError(t, err)
	assert.Equal(t, `"plain text result"`, string(raw))
}

func TestHTTPResolver_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	resolver := NewHTTPResolver(srv.URL, nil)

	_, err := resolver.Resolve(context.Background(), stream.ToolCallDone{
		ID: "call_1", Name: "boom", Arguments: "{}",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
