package transform

import (
	"strings"

	"github.com/BaSui01/modelgate/types"
)

// Transformer converts one protocol's wire format to and from the unified
// form. ParseRequest/BuildResponse face the client side; BuildRequest/
// ParseResponse face the provider side.
type Transformer interface {
	Protocol() types.Protocol

	ParseRequest(body []byte) (*types.UnifiedRequest, *types.Error)
	BuildRequest(req *types.UnifiedRequest) ([]byte, *types.Error)
	ParseResponse(body []byte) (*types.UnifiedResponse, *types.Error)
	BuildResponse(resp *types.UnifiedResponse) ([]byte, *types.Error)

	// NewStreamDecoder parses upstream SSE payloads into unified events.
	// model is the client's original model name, used for synthesized
	// message envelopes.
	NewStreamDecoder(model string) StreamDecoder

	// NewStreamEncoder renders unified events as client-facing SSE frames.
	NewStreamEncoder(model string) StreamEncoder
}

// StreamDecoder turns one upstream SSE data payload at a time into zero or
// more unified events. Finish is called exactly once when the upstream
// stream ends and returns any terminal events still owed.
type StreamDecoder interface {
	Decode(payload []byte) ([]types.StreamEvent, error)
	Finish() []types.StreamEvent
}

// StreamEncoder renders a unified event as complete SSE frame bytes
// (including the trailing blank line). A nil return means the event has no
// representation in this protocol and is skipped. Finish returns the
// protocol's terminal frame, if any.
type StreamEncoder interface {
	Encode(ev types.StreamEvent) ([]byte, error)
	Finish() []byte
}

// Registry maps protocols to their transformers.
type Registry struct {
	byProtocol map[types.Protocol]Transformer
}

// NewRegistry builds the registry with all four protocol transformers.
func NewRegistry() *Registry {
	r := &Registry{byProtocol: make(map[types.Protocol]Transformer)}
	for _, t := range []Transformer{
		NewOpenAI(),
		NewAnthropic(),
		NewResponseAPI(),
		NewVertexAnthropic(),
	} {
		r.byProtocol[t.Protocol()] = t
	}
	return r
}

// Get returns the transformer for a protocol.
func (r *Registry) Get(p types.Protocol) (Transformer, bool) {
	t, ok := r.byProtocol[p]
	return t, ok
}

// Detect classifies an inbound route into its client protocol.
func Detect(endpoint string) (types.Protocol, bool) {
	switch {
	case strings.HasPrefix(endpoint, "/v1/chat/completions"),
		strings.HasPrefix(endpoint, "/v1/completions"):
		return types.ProtocolOpenAI, true
	case strings.HasPrefix(endpoint, "/v1/messages"):
		return types.ProtocolAnthropic, true
	case strings.HasPrefix(endpoint, "/v1/responses"):
		return types.ProtocolResponseAPI, true
	case strings.HasPrefix(endpoint, "/models/gcp-vertex/"):
		return types.ProtocolGCPVertexAnthropic, true
	}
	return "", false
}
