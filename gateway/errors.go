package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/BaSui01/modelgate/types"
)

// wireErrorType maps the gateway taxonomy onto the client-facing error type
// vocabulary shared by the OpenAI and Anthropic dialects.
func wireErrorType(code types.ErrorCode) string {
	switch code {
	case types.ErrUnauthorized:
		return "unauthorized"
	case types.ErrForbidden:
		return "forbidden"
	case types.ErrRateLimited:
		return "rate_limit_exceeded"
	case types.ErrBadRequest, types.ErrNoProviderForModel:
		return "invalid_request_error"
	case types.ErrUpstreamTimeout:
		return "timeout_error"
	case types.ErrClientDisconnect:
		return "request_timeout"
	default:
		return "api_error"
	}
}

// WriteError renders a structured error as a protocol-adapted JSON response.
// Upstream Retry-After values are surfaced unchanged.
func WriteError(w http.ResponseWriter, protocol types.Protocol, terr *types.Error) {
	status := terr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if terr.RetryAfter != "" {
		w.Header().Set("Retry-After", terr.RetryAfter)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	var body any
	if protocol.AnthropicFamily() {
		body = map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    wireErrorType(terr.Code),
				"message": terr.Message,
			},
		}
	} else {
		body = map[string]any{
			"error": map[string]any{
				"message": terr.Message,
				"type":    wireErrorType(terr.Code),
				"code":    wireErrorType(terr.Code),
			},
		}
	}
	_ = json.NewEncoder(w).Encode(body)
}

// maskedHeaders are never persisted in clear text.
var maskedHeaders = map[string]struct{}{
	"authorization":       {},
	"x-api-key":           {},
	"cookie":              {},
	"set-cookie":          {},
	"proxy-authorization": {},
}

// MaskHeaders copies headers for logging with sensitive values replaced.
func MaskHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if _, sensitive := maskedHeaders[strings.ToLower(k)]; sensitive {
			out[k] = "***"
			continue
		}
		out[k] = strings.Join(v, ", ")
	}
	return out
}
