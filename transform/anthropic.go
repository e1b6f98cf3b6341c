package transform

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/BaSui01/modelgate/types"
)

// Anthropic implements the Messages API protocol. The unified form borrows
// Anthropic's content-block and streaming vocabulary, so conversion here is
// mostly structural.
type Anthropic struct{}

// NewAnthropic returns the Anthropic Messages transformer.
func NewAnthropic() *Anthropic { return &Anthropic{} }

func (a *Anthropic) Protocol() types.Protocol { return types.ProtocolAnthropic }

// anthropicContent is the wire shape of one content block. Tool-result
// content may be a bare string or a nested block list, so it stays raw.
type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Source    *anthropicImage `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicImage struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicRequest struct {
	Model         string             `json:"model,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Messages      []anthropicMessage `json:"messages"`
	System        json.RawMessage    `json:"system,omitempty"`
	Tools         []types.Tool       `json:"tools,omitempty"`
	ToolChoice    json.RawMessage    `json:"tool_choice,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`

	// Vertex sibling field, absent on the direct API.
	AnthropicVersion string `json:"anthropic_version,omitempty"`
}

type anthropicUsage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	CacheReadTokens int `json:"cache_read_input_tokens,omitempty"`
}

type anthropicResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Role       string            `json:"role"`
	Model      string            `json:"model"`
	Content    []json.RawMessage `json:"content"`
	StopReason string            `json:"stop_reason"`
	Usage      anthropicUsage    `json:"usage"`
}

// ParseRequest converts a Messages API body into the unified form.
func (a *Anthropic) ParseRequest(body []byte) (*types.UnifiedRequest, *types.Error) {
	var req anthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, types.NewError(types.ErrBadRequest, "invalid JSON body").WithCause(err)
	}
	return a.toUnified(&req)
}

func (a *Anthropic) toUnified(req *anthropicRequest) (*types.UnifiedRequest, *types.Error) {
	out := &types.UnifiedRequest{
		Model:       req.Model,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}

	if len(req.System) > 0 {
		sys, err := parseAnthropicSystem(req.System)
		if err != nil {
			return nil, types.NewError(types.ErrBadRequest, "invalid system prompt").WithCause(err)
		}
		out.System = sys
	}

	for i, msg := range req.Messages {
		blocks, err := parseAnthropicContent(msg.Content)
		if err != nil {
			return nil, types.NewError(types.ErrBadRequest,
				fmt.Sprintf("invalid content in message %d", i)).WithCause(err)
		}
		out.Messages = append(out.Messages, types.Message{
			Role:   types.Role(msg.Role),
			Blocks: blocks,
		})
	}
	return out, nil
}

// parseAnthropicSystem accepts both the string and list-of-text-blocks
// forms of the system field.
func parseAnthropicSystem(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []anthropicContent
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", err
	}
	return joinSystemBlocks(blocks), nil
}

// parseAnthropicContent accepts a plain string or a block list and returns
// unified content blocks. Unknown keys on each block survive in Extra.
func parseAnthropicContent(raw json.RawMessage) ([]types.ContentBlock, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []types.ContentBlock{types.TextBlock(s)}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	blocks := make([]types.ContentBlock, 0, len(items))
	for _, item := range items {
		b, err := parseAnthropicBlock(item)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// anthropicBlockKeys are the fields consumed into the typed block; anything
// else is carried in Extra and re-emitted verbatim.
var anthropicBlockKeys = map[string]struct{}{
	"type": {}, "text": {}, "thinking": {}, "source": {}, "id": {},
	"name": {}, "input": {}, "tool_use_id": {}, "content": {}, "is_error": {},
}

func parseAnthropicBlock(raw json.RawMessage) (types.ContentBlock, error) {
	var wire anthropicContent
	if err := json.Unmarshal(raw, &wire); err != nil {
		return types.ContentBlock{}, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return types.ContentBlock{}, err
	}
	var extra map[string]json.RawMessage
	for k, v := range fields {
		if _, known := anthropicBlockKeys[k]; !known {
			if extra == nil {
				extra = make(map[string]json.RawMessage)
			}
			extra[k] = v
		}
	}

	block := types.ContentBlock{Extra: extra}
	switch wire.Type {
	case "text":
		block.Type = types.BlockText
		block.Text = wire.Text
	case "thinking":
		block.Type = types.BlockThinking
		block.Text = wire.Thinking
	case "image":
		if wire.Source == nil {
			return types.ContentBlock{}, fmt.Errorf("image block missing source")
		}
		block.Type = types.BlockImage
		block.Source = &types.ImageSource{
			MediaType: wire.Source.MediaType,
			Data:      wire.Source.Data,
		}
	case "tool_use":
		block.Type = types.BlockToolUse
		block.ID = wire.ID
		block.Name = wire.Name
		block.Input = wire.Input
	case "tool_result":
		block.Type = types.BlockToolResult
		block.ToolUseID = wire.ToolUseID
		block.Content = flattenToolResult(wire.Content)
		block.IsError = wire.IsError
	default:
		return types.ContentBlock{}, fmt.Errorf("unknown content block type %q", wire.Type)
	}
	return block, nil
}

// flattenToolResult reduces tool_result content (string or block list) to
// plain text.
func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropicContent
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var buf bytes.Buffer
	for _, b := range blocks {
		if b.Type == "text" {
			buf.WriteString(b.Text)
		}
	}
	return buf.String()
}

// BuildRequest renders a unified request as a Messages API body.
func (a *Anthropic) BuildRequest(req *types.UnifiedRequest) ([]byte, *types.Error) {
	wire, terr := a.fromUnified(req, true)
	if terr != nil {
		return nil, terr
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "marshal provider request").WithCause(err)
	}
	return body, nil
}

func (a *Anthropic) fromUnified(req *types.UnifiedRequest, includeModel bool) (*anthropicRequest, *types.Error) {
	wire := &anthropicRequest{
		MaxTokens:     req.MaxTokens,
		Tools:         req.Tools,
		ToolChoice:    req.ToolChoice,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}
	if includeModel {
		wire.Model = req.Model
	}
	if req.System != "" {
		sys, _ := json.Marshal(req.System)
		wire.System = sys
	}

	for _, msg := range req.Messages {
		items := make([]json.RawMessage, 0, len(msg.Blocks))
		for _, b := range msg.Blocks {
			item, err := renderAnthropicBlock(b)
			if err != nil {
				return nil, types.NewError(types.ErrInternal, "render content block").WithCause(err)
			}
			items = append(items, item)
		}
		content, err := json.Marshal(items)
		if err != nil {
			return nil, types.NewError(types.ErrInternal, "marshal message content").WithCause(err)
		}
		role := msg.Role
		// The Messages API has no tool role; results ride in a user turn.
		if role == types.RoleTool {
			role = types.RoleUser
		}
		wire.Messages = append(wire.Messages, anthropicMessage{
			Role:    string(role),
			Content: content,
		})
	}
	return wire, nil
}

func renderAnthropicBlock(b types.ContentBlock) (json.RawMessage, error) {
	fields := make(map[string]any, 4+len(b.Extra))
	switch b.Type {
	case types.BlockText:
		fields["type"] = "text"
		fields["text"] = b.Text
	case types.BlockThinking:
		fields["type"] = "thinking"
		fields["thinking"] = b.Text
	case types.BlockImage:
		fields["type"] = "image"
		fields["source"] = anthropicImage{
			Type:      "base64",
			MediaType: b.Source.MediaType,
			Data:      b.Source.Data,
		}
	case types.BlockToolUse:
		fields["type"] = "tool_use"
		fields["id"] = b.ID
		fields["name"] = b.Name
		input := b.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		fields["input"] = input
	case types.BlockToolResult:
		fields["type"] = "tool_result"
		fields["tool_use_id"] = b.ToolUseID
		fields["content"] = b.Content
		if b.IsError {
			fields["is_error"] = true
		}
	default:
		return nil, fmt.Errorf("unknown block type %q", b.Type)
	}
	for k, v := range b.Extra {
		fields[k] = v
	}
	return json.Marshal(fields)
}

// ParseResponse converts a blocking Messages API response into unified form.
func (a *Anthropic) ParseResponse(body []byte) (*types.UnifiedResponse, *types.Error) {
	var wire anthropicResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, types.NewError(types.ErrInternal, "invalid provider response").WithCause(err)
	}
	out := &types.UnifiedResponse{
		ID:         wire.ID,
		Model:      wire.Model,
		Role:       types.RoleAssistant,
		StopReason: types.StopReason(wire.StopReason),
		Usage: types.Usage{
			InputTokens:     wire.Usage.InputTokens,
			OutputTokens:    wire.Usage.OutputTokens,
			CacheReadTokens: wire.Usage.CacheReadTokens,
		},
	}
	for _, item := range wire.Content {
		b, err := parseAnthropicBlock(item)
		if err != nil {
			return nil, types.NewError(types.ErrInternal, "invalid provider content block").WithCause(err)
		}
		out.Blocks = append(out.Blocks, b)
	}
	return out, nil
}

// BuildResponse renders a unified response as a Messages API body.
func (a *Anthropic) BuildResponse(resp *types.UnifiedResponse) ([]byte, *types.Error) {
	content := make([]json.RawMessage, 0, len(resp.Blocks))
	for _, b := range resp.Blocks {
		item, err := renderAnthropicBlock(b)
		if err != nil {
			return nil, types.NewError(types.ErrInternal, "render content block").WithCause(err)
		}
		content = append(content, item)
	}
	id := resp.ID
	if id == "" {
		id = newMessageID("msg")
	}
	wire := anthropicResponse{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		Content:    content,
		StopReason: string(resp.StopReason),
		Usage: anthropicUsage{
			InputTokens:     resp.Usage.InputTokens,
			OutputTokens:    resp.Usage.OutputTokens,
			CacheReadTokens: resp.Usage.CacheReadTokens,
		},
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "marshal client response").WithCause(err)
	}
	return body, nil
}

// NewStreamDecoder parses upstream Messages SSE payloads. Anthropic streams
// already carry the unified event vocabulary, so decoding is direct.
func (a *Anthropic) NewStreamDecoder(model string) StreamDecoder {
	return &anthropicDecoder{}
}

// NewStreamEncoder renders unified events as named Anthropic SSE events.
func (a *Anthropic) NewStreamEncoder(model string) StreamEncoder {
	return &anthropicEncoder{model: model}
}

type anthropicDecoder struct{}

type anthropicStreamPayload struct {
	Type         string             `json:"type"`
	Index        int                `json:"index"`
	ContentBlock json.RawMessage    `json:"content_block"`
	Delta        json.RawMessage    `json:"delta"`
	Message      *anthropicResponse `json:"message"`
	Usage        *anthropicUsage    `json:"usage"`
	Error        *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (d *anthropicDecoder) Decode(payload []byte) ([]types.StreamEvent, error) {
	var wire anthropicStreamPayload
	if err := json.Unmarshal(payload, &wire); err != nil {
		// Unparseable events are dropped, the stream continues.
		return nil, nil
	}

	switch wire.Type {
	case "message_start":
		ev := types.StreamEvent{Type: types.EventMessageStart}
		if wire.Message != nil {
			ev.Message = &types.UnifiedResponse{
				ID:    wire.Message.ID,
				Model: wire.Message.Model,
				Role:  types.RoleAssistant,
				Usage: types.Usage{
					InputTokens:     wire.Message.Usage.InputTokens,
					OutputTokens:    wire.Message.Usage.OutputTokens,
					CacheReadTokens: wire.Message.Usage.CacheReadTokens,
				},
			}
		}
		return []types.StreamEvent{ev}, nil

	case "content_block_start":
		block, err := parseAnthropicBlock(wire.ContentBlock)
		if err != nil {
			return nil, nil
		}
		return []types.StreamEvent{{
			Type:  types.EventContentBlockStart,
			Index: wire.Index,
			Block: &block,
		}}, nil

	case "content_block_delta":
		var delta types.Delta
		if err := json.Unmarshal(wire.Delta, &delta); err != nil {
			return nil, nil
		}
		return []types.StreamEvent{{
			Type:  types.EventContentBlockDelta,
			Index: wire.Index,
			Delta: &delta,
		}}, nil

	case "content_block_stop":
		return []types.StreamEvent{{
			Type:  types.EventContentBlockStop,
			Index: wire.Index,
		}}, nil

	case "message_delta":
		var delta struct {
			StopReason string `json:"stop_reason"`
		}
		_ = json.Unmarshal(wire.Delta, &delta)
		ev := types.StreamEvent{
			Type:       types.EventMessageDelta,
			StopReason: types.StopReason(delta.StopReason),
		}
		if wire.Usage != nil {
			ev.Usage = &types.Usage{
				InputTokens:     wire.Usage.InputTokens,
				OutputTokens:    wire.Usage.OutputTokens,
				CacheReadTokens: wire.Usage.CacheReadTokens,
			}
		}
		return []types.StreamEvent{ev}, nil

	case "message_stop":
		return []types.StreamEvent{{Type: types.EventMessageStop}}, nil

	case "ping":
		return []types.StreamEvent{{Type: types.EventPing}}, nil

	case "error":
		ev := types.StreamEvent{Type: types.EventError}
		if wire.Error != nil {
			ev.Err = types.NewError(types.ErrUpstreamHTTP, wire.Error.Message)
		}
		return []types.StreamEvent{ev}, nil
	}
	return nil, nil
}

// Finish is a no-op: Anthropic upstreams emit their own terminal events.
func (d *anthropicDecoder) Finish() []types.StreamEvent { return nil }

type anthropicEncoder struct {
	model string
}

func (e *anthropicEncoder) Encode(ev types.StreamEvent) ([]byte, error) {
	switch ev.Type {
	case types.EventMessageStart:
		id := newMessageID("msg")
		usage := anthropicUsage{}
		if ev.Message != nil {
			if ev.Message.ID != "" {
				id = ev.Message.ID
			}
			usage = anthropicUsage{
				InputTokens:     ev.Message.Usage.InputTokens,
				OutputTokens:    ev.Message.Usage.OutputTokens,
				CacheReadTokens: ev.Message.Usage.CacheReadTokens,
			}
		}
		return sseFrame("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            id,
				"type":          "message",
				"role":          "assistant",
				"model":         e.model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         usage,
			},
		})

	case types.EventPing:
		return sseFrame("ping", map[string]any{"type": "ping"})

	case types.EventContentBlockStart:
		block, err := renderAnthropicBlock(*ev.Block)
		if err != nil {
			return nil, err
		}
		return sseFrame("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         ev.Index,
			"content_block": json.RawMessage(block),
		})

	case types.EventContentBlockDelta:
		return sseFrame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": ev.Index,
			"delta": ev.Delta,
		})

	case types.EventContentBlockStop:
		return sseFrame("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": ev.Index,
		})

	case types.EventMessageDelta:
		usage := anthropicUsage{}
		if ev.Usage != nil {
			usage = anthropicUsage{
				InputTokens:     ev.Usage.InputTokens,
				OutputTokens:    ev.Usage.OutputTokens,
				CacheReadTokens: ev.Usage.CacheReadTokens,
			}
		}
		return sseFrame("message_delta", map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   string(ev.StopReason),
				"stop_sequence": nil,
			},
			"usage": usage,
		})

	case types.EventMessageStop:
		return sseFrame("message_stop", map[string]any{"type": "message_stop"})

	case types.EventError:
		msg := "stream error"
		errType := "api_error"
		if ev.Err != nil {
			msg = ev.Err.Message
			errType = string(ev.Err.Code)
		}
		return sseFrame("error", map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    errType,
				"message": msg,
			},
		})
	}
	return nil, nil
}

// Finish returns nothing: the Anthropic stream ends with message_stop.
func (e *anthropicEncoder) Finish() []byte { return nil }

// sseFrame renders one named SSE event frame.
func sseFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", event, data)
	return buf.Bytes(), nil
}
