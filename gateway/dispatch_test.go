package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/store"
	"github.com/BaSui01/modelgate/types"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *Selector) {
	t.Helper()
	sel := NewSelector(newTestCollector(), 1, zap.NewNop())
	return NewDispatcher(http.DefaultClient, sel, zap.NewNop()), sel
}

func TestDispatcher_BuildURL(t *testing.T) {
	d, _ := newTestDispatcher(t)

	cases := []struct {
		provider *store.Provider
		endpoint string
		stream   bool
		want     string
	}{
		{
			provider: &store.Provider{Protocol: types.ProtocolOpenAI, APIBase: "https://api.openai.com/v1/"},
			endpoint: "/v1/chat/completions",
			want:     "https://api.openai.com/v1/chat/completions",
		},
		{
			// The legacy route keeps its upstream path on the bypass.
			provider: &store.Provider{Protocol: types.ProtocolOpenAI, APIBase: "https://api.openai.com/v1"},
			endpoint: "/v1/completions",
			want:     "https://api.openai.com/v1/completions",
		},
		{
			provider: &store.Provider{Protocol: types.ProtocolAnthropic, APIBase: "https://api.anthropic.com/v1"},
			want:     "https://api.anthropic.com/v1/messages",
		},
		{
			provider: &store.Provider{Protocol: types.ProtocolResponseAPI, APIBase: "https://api.openai.com/v1"},
			want:     "https://api.openai.com/v1/responses",
		},
		{
			provider: &store.Provider{
				Protocol: types.ProtocolGCPVertexAnthropic, APIBase: "https://region-aiplatform.googleapis.com/v1",
				GCPProject: "proj", GCPLocation: "us-east5", GCPPublisher: "anthropic",
			},
			want: "https://region-aiplatform.googleapis.com/v1/projects/proj/locations/us-east5/publishers/anthropic/models/claude-sonnet-4:rawPredict",
		},
		{
			provider: &store.Provider{
				Protocol: types.ProtocolGCPVertexAnthropic, APIBase: "https://region-aiplatform.googleapis.com/v1",
				GCPProject: "proj", GCPLocation: "us-east5", GCPPublisher: "anthropic",
			},
			stream: true,
			want:   "https://region-aiplatform.googleapis.com/v1/projects/proj/locations/us-east5/publishers/anthropic/models/claude-sonnet-4:streamRawPredict",
		},
	}
	for _, tc := range cases {
		url, terr := d.buildURL(tc.provider, tc.endpoint, "claude-sonnet-4", tc.stream)
		require.Nil(t, terr)
		assert.Equal(t, tc.want, url)
	}
}

func TestDispatcher_BuildURLRejectsTraversal(t *testing.T) {
	d, _ := newTestDispatcher(t)

	p := &store.Provider{
		Protocol: types.ProtocolGCPVertexAnthropic, APIBase: "https://example.com",
		GCPProject: "proj", GCPLocation: "us-east5", GCPPublisher: "anthropic",
	}
	for _, model := range []string{"", "../other", "a/b", "a?b", "a#b", "a%2Fb", "a\\b"} {
		_, terr := d.buildURL(p, "/v1/messages", model, false)
		require.NotNil(t, terr, "model %q should be rejected", model)
		assert.Equal(t, types.ErrBadRequest, terr.Code)
	}

	p.GCPProject = "../../etc"
	_, terr := d.buildURL(p, "/v1/messages", "claude-sonnet-4", false)
	require.NotNil(t, terr)
}

func TestDispatcher_Headers(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t)

	resp, terr := d.Do(context.Background(), &store.Provider{
		Name: "ant", Protocol: types.ProtocolAnthropic, APIBase: srv.URL, APIKey: "upstream-key",
	}, "/v1/messages", "claude-sonnet-4", []byte(`{}`), true)
	require.Nil(t, terr)
	resp.Body.Close()

	assert.Equal(t, "upstream-key", got.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", got.Get("anthropic-version"))
	assert.Empty(t, got.Get("Authorization"))
	assert.Equal(t, "text/event-stream", got.Get("Accept"))

	resp, terr = d.Do(context.Background(), &store.Provider{
		Name: "oai", Protocol: types.ProtocolOpenAI, APIBase: srv.URL, APIKey: "upstream-key",
	}, "/v1/chat/completions", "gpt-4o", []byte(`{}`), false)
	require.Nil(t, terr)
	resp.Body.Close()

	assert.Equal(t, "Bearer upstream-key", got.Get("Authorization"))
	assert.Empty(t, got.Get("x-api-key"))
}

func TestDispatcher_PinnedAnthropicVersion(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("anthropic-version")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t)
	resp, terr := d.Do(context.Background(), &store.Provider{
		Name: "ant", Protocol: types.ProtocolAnthropic, APIBase: srv.URL,
		AnthropicVersion: "2024-10-22",
	}, "/v1/messages", "claude-sonnet-4", []byte(`{}`), false)
	require.Nil(t, terr)
	resp.Body.Close()

	assert.Equal(t, "2024-10-22", got)
}

func TestDispatcher_UpstreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "overloaded", "type": "rate_limit_error"}}`))
	}))
	defer srv.Close()

	d, sel := newTestDispatcher(t)
	provider := &store.Provider{ID: 9, Name: "oai", Protocol: types.ProtocolOpenAI, APIBase: srv.URL}

	_, terr := d.Do(context.Background(), provider, "/v1/chat/completions", "gpt-4o", []byte(`{}`), false)
	require.NotNil(t, terr)
	assert.Equal(t, types.ErrUpstreamHTTP, terr.Code)
	assert.Equal(t, 429, terr.HTTPStatus)
	assert.Equal(t, "overloaded", terr.Message)
	assert.Equal(t, "30", terr.RetryAfter)
	assert.True(t, terr.Retryable)
	// An HTTP error is not a transport error.
	assert.Equal(t, int64(0), sel.TransportErrors(provider.ID))
}

func TestDispatcher_AnthropicErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type": "error", "error": {"type": "invalid_request_error", "message": "max_tokens required"}}`))
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t)
	_, terr := d.Do(context.Background(), &store.Provider{
		Name: "ant", Protocol: types.ProtocolAnthropic, APIBase: srv.URL,
	}, "/v1/messages", "claude-sonnet-4", []byte(`{}`), false)
	require.NotNil(t, terr)
	assert.Equal(t, "max_tokens required", terr.Message)
	assert.False(t, terr.Retryable)
}

func TestDispatcher_TransportError(t *testing.T) {
	d, sel := newTestDispatcher(t)
	provider := &store.Provider{ID: 3, Name: "down", Protocol: types.ProtocolOpenAI, APIBase: "http://127.0.0.1:1"}

	_, terr := d.Do(context.Background(), provider, "/v1/chat/completions", "gpt-4o", []byte(`{}`), false)
	require.NotNil(t, terr)
	assert.Equal(t, types.ErrUpstreamNetwork, terr.Code)
	assert.Equal(t, 502, terr.HTTPStatus)
	assert.Equal(t, int64(1), sel.TransportErrors(provider.ID))
}

func TestDispatcher_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, terr := d.Do(ctx, &store.Provider{
		Name: "slow", Protocol: types.ProtocolOpenAI, APIBase: srv.URL,
	}, "/v1/chat/completions", "gpt-4o", []byte(`{}`), false)
	require.NotNil(t, terr)
	assert.Equal(t, types.ErrUpstreamTimeout, terr.Code)
	assert.Equal(t, 504, terr.HTTPStatus)
}

func TestDispatcher_SuccessPassesBodyThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"model": "gpt-4o"}`, string(body))
		w.Write([]byte(`{"id": "chatcmpl-1"}`))
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t)
	resp, terr := d.Do(context.Background(), &store.Provider{
		Name: "oai", Protocol: types.ProtocolOpenAI, APIBase: srv.URL,
	}, "/v1/chat/completions", "gpt-4o", []byte(`{"model": "gpt-4o"}`), false)
	require.Nil(t, terr)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id": "chatcmpl-1"}`, string(raw))
}

func TestExtractErrorMessage(t *testing.T) {
	assert.Equal(t, "boom", extractErrorMessage([]byte(`{"error": {"message": "boom"}}`)))
	assert.Equal(t, "plain", extractErrorMessage([]byte(`{"error": "plain"}`)))
	assert.Empty(t, extractErrorMessage([]byte(`not json`)))
	assert.Empty(t, extractErrorMessage([]byte(`{}`)))
}
