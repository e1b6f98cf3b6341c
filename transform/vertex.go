package transform

import (
	"encoding/json"

	"github.com/BaSui01/modelgate/types"
)

// defaultVertexVersion is the anthropic_version value Vertex expects in the
// request body.
const defaultVertexVersion = "vertex-2023-10-16"

// VertexAnthropic implements the GCP Vertex flavor of the Messages API.
// The body is the Anthropic shape with two differences: the model rides in
// the URL rather than the body, and the body carries an anthropic_version
// field. Streaming is identical to the direct Anthropic API.
type VertexAnthropic struct {
	Anthropic
}

// NewVertexAnthropic returns the Vertex Messages transformer.
func NewVertexAnthropic() *VertexAnthropic { return &VertexAnthropic{} }

func (v *VertexAnthropic) Protocol() types.Protocol { return types.ProtocolGCPVertexAnthropic }

// ParseRequest accepts a Vertex rawPredict body. The model is typically
// absent; the caller fills it in from the URL path.
func (v *VertexAnthropic) ParseRequest(body []byte) (*types.UnifiedRequest, *types.Error) {
	var req anthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, types.NewError(types.ErrBadRequest, "invalid JSON body").WithCause(err)
	}
	return v.toUnified(&req)
}

// BuildRequest renders the Anthropic body without a model field and with
// anthropic_version set.
func (v *VertexAnthropic) BuildRequest(req *types.UnifiedRequest) ([]byte, *types.Error) {
	wire, terr := v.fromUnified(req, false)
	if terr != nil {
		return nil, terr
	}
	wire.AnthropicVersion = defaultVertexVersion
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "marshal provider request").WithCause(err)
	}
	return body, nil
}
