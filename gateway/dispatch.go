package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/store"
	"github.com/BaSui01/modelgate/types"
)

// maxErrorBodyBytes bounds how much of an upstream error body is read and
// surfaced.
const maxErrorBodyBytes = 64 * 1024

// defaultAnthropicVersion is sent when the provider does not pin one.
const defaultAnthropicVersion = "2023-06-01"

// Dispatcher performs the upstream HTTP exchange: URL and header
// construction, the POST itself, error classification, and selector
// feedback. The caller owns the context deadline.
type Dispatcher struct {
	client   *http.Client
	selector *Selector
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher over the shared upstream client.
func NewDispatcher(client *http.Client, selector *Selector, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		client:   client,
		selector: selector,
		logger:   logger.With(zap.String("component", "upstream_dispatcher")),
	}
}

// Do POSTs body to the provider and returns the response with a status
// below 400. endpoint is the inbound route, which steers OpenAI providers
// between the chat and legacy completions paths. Error responses and
// transport failures are classified into the gateway taxonomy and reported
// to the selector. The caller must close the response body.
func (d *Dispatcher) Do(ctx context.Context, provider *store.Provider, endpoint, model string, body []byte, stream bool) (*http.Response, *types.Error) {
	url, terr := d.buildURL(provider, endpoint, model, stream)
	if terr != nil {
		return nil, terr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "build upstream request").
			WithCause(err).WithProvider(provider.Name)
	}
	d.setHeaders(req, provider, stream)

	resp, err := d.client.Do(req)
	if err != nil {
		d.selector.ReportTransportError(provider)
		return nil, classifyTransportError(err, provider.Name)
	}

	retryAfter := resp.Header.Get("Retry-After")
	d.selector.ReportHTTPStatus(provider, resp.StatusCode, retryAfter)

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		msg := extractErrorMessage(raw)
		if msg == "" {
			msg = fmt.Sprintf("upstream returned status %d", resp.StatusCode)
		}
		d.logger.Warn("upstream error response",
			zap.String("provider", provider.Name),
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg),
		)
		terr := types.NewError(types.ErrUpstreamHTTP, msg).
			WithHTTPStatus(resp.StatusCode).
			WithProvider(provider.Name).
			WithRetryable(resp.StatusCode == 429 || resp.StatusCode >= 500)
		if retryAfter != "" {
			terr = terr.WithRetryAfter(retryAfter)
		}
		return nil, terr
	}
	return resp, nil
}

// buildURL derives the upstream endpoint from the provider's protocol. For
// Vertex, path segments come from configuration and the model name, so they
// are validated against traversal sequences.
func (d *Dispatcher) buildURL(provider *store.Provider, endpoint, model string, stream bool) (string, *types.Error) {
	base := strings.TrimRight(provider.APIBase, "/")

	switch provider.Protocol {
	case types.ProtocolOpenAI:
		// The legacy completions route only reaches an OpenAI provider on
		// the same-protocol path, so the inbound endpoint decides.
		if endpoint == "/v1/completions" {
			return base + "/completions", nil
		}
		return base + "/chat/completions", nil
	case types.ProtocolAnthropic:
		return base + "/messages", nil
	case types.ProtocolResponseAPI:
		return base + "/responses", nil
	case types.ProtocolGCPVertexAnthropic:
		action := "rawPredict"
		if stream {
			action = "streamRawPredict"
		}
		for _, seg := range []string{provider.GCPProject, provider.GCPLocation, provider.GCPPublisher, model} {
			if !validPathSegment(seg) {
				return "", types.NewError(types.ErrBadRequest,
					fmt.Sprintf("invalid path segment %q", seg)).WithProvider(provider.Name)
			}
		}
		return fmt.Sprintf("%s/projects/%s/locations/%s/publishers/%s/models/%s:%s",
			base, provider.GCPProject, provider.GCPLocation, provider.GCPPublisher, model, action), nil
	}
	return "", types.NewError(types.ErrInternal,
		fmt.Sprintf("unsupported provider protocol %q", provider.Protocol))
}

func (d *Dispatcher) setHeaders(req *http.Request, provider *store.Provider, stream bool) {
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	switch provider.Protocol {
	case types.ProtocolAnthropic:
		req.Header.Set("x-api-key", provider.APIKey)
		version := provider.AnthropicVersion
		if version == "" {
			version = defaultAnthropicVersion
		}
		req.Header.Set("anthropic-version", version)
	default:
		req.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}
}

// validPathSegment rejects empty segments and anything that could escape
// the intended URL path.
func validPathSegment(seg string) bool {
	if seg == "" {
		return false
	}
	return !strings.ContainsAny(seg, "/\\?#%") && !strings.Contains(seg, "..")
}

// classifyTransportError maps client errors onto the gateway taxonomy:
// deadline exceeded becomes a 504 timeout, connection failures a 502.
func classifyTransportError(err error, provider string) *types.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrUpstreamTimeout, "upstream request timed out").
			WithCause(err).WithProvider(provider)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.NewError(types.ErrUpstreamTimeout, "upstream request timed out").
			WithCause(err).WithProvider(provider)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return types.NewError(types.ErrUpstreamNetwork, "failed to connect to upstream").
			WithCause(err).WithProvider(provider)
	}
	return types.NewError(types.ErrUpstreamNetwork, "upstream request failed").
		WithCause(err).WithProvider(provider)
}

// extractErrorMessage pulls a human-readable message out of an upstream
// error body, accepting both the OpenAI and Anthropic shapes.
func extractErrorMessage(raw []byte) string {
	var wire struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil || len(wire.Error) == 0 {
		return ""
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(wire.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(wire.Error, &s); err == nil {
		return s
	}
	return ""
}
