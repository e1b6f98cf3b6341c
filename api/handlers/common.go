package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/BaSui01/modelgate/types"
)

// maxRequestBodyBytes bounds inbound request bodies. Vision payloads carry
// base64 images, so the cap is generous.
const maxRequestBodyBytes = 32 << 20

// WriteJSON writes a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// readBody reads the full request body under the size cap.
func readBody(r *http.Request) ([]byte, *types.Error) {
	if r.Body == nil {
		return nil, types.NewError(types.ErrBadRequest, "request body is empty")
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
	if err != nil {
		return nil, types.NewError(types.ErrBadRequest, "failed to read request body").WithCause(err)
	}
	if len(body) > maxRequestBodyBytes {
		return nil, types.NewError(types.ErrBadRequest, "request body too large").
			WithHTTPStatus(http.StatusRequestEntityTooLarge)
	}
	if len(body) == 0 {
		return nil, types.NewError(types.ErrBadRequest, "request body is empty")
	}
	return body, nil
}

// peekModel extracts the top-level model field without a full parse.
func peekModel(body []byte) string {
	var probe struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(body, &probe)
	return probe.Model
}

// ResponseWriter wraps http.ResponseWriter to capture the status code and
// whether anything was written. Flush passes through for SSE.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter creates a status-capturing wrapper.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher for streaming responses.
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
