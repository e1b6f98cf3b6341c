package types

// Protocol identifies one of the LLM API dialects the gateway speaks, both
// on the client side and the provider side.
type Protocol string

const (
	ProtocolOpenAI             Protocol = "openai"
	ProtocolAnthropic          Protocol = "anthropic"
	ProtocolGCPVertexAnthropic Protocol = "gcp-vertex-anthropic"
	ProtocolResponseAPI        Protocol = "response-api"
)

// Valid reports whether p is one of the known protocols.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolOpenAI, ProtocolAnthropic, ProtocolGCPVertexAnthropic, ProtocolResponseAPI:
		return true
	}
	return false
}

// AnthropicFamily reports whether the protocol uses Anthropic-shaped
// payloads and named SSE events.
func (p Protocol) AnthropicFamily() bool {
	return p == ProtocolAnthropic || p == ProtocolGCPVertexAnthropic
}
