package transform

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BaSui01/modelgate/types"
)

// OpenAI implements the Chat Completions protocol.
type OpenAI struct{}

// NewOpenAI returns the Chat Completions transformer.
func NewOpenAI() *OpenAI { return &OpenAI{} }

func (o *OpenAI) Protocol() types.Protocol { return types.ProtocolOpenAI }

type openaiToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

// openaiToolCallKeys are consumed into the typed representation; the rest
// (e.g. Gemini extra_content with thought_signature) rides in Extra.
var openaiToolCallKeys = map[string]struct{}{
	"index": {}, "id": {}, "type": {}, "function": {},
}

type openaiMessage struct {
	Role       string            `json:"role"`
	Content    json.RawMessage   `json:"content,omitempty"`
	ToolCalls  []json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Name       string            `json:"name,omitempty"`

	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type openaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type openaiRequest struct {
	Model               string          `json:"model"`
	Messages            []openaiMessage `json:"messages"`
	Prompt              json.RawMessage `json:"prompt,omitempty"`
	Tools               []openaiTool    `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
	MaxTokens           int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	Stop                json.RawMessage `json:"stop,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	StreamOptions       json.RawMessage `json:"stream_options,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

type openaiResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage,omitempty"`
}

// ParseRequest converts a Chat Completions body into the unified form.
// System and developer turns are folded into the system prompt; tool turns
// become tool_result blocks. A legacy completions prompt becomes a user
// turn.
func (o *OpenAI) ParseRequest(body []byte) (*types.UnifiedRequest, *types.Error) {
	var req openaiRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, types.NewError(types.ErrBadRequest, "invalid JSON body").WithCause(err)
	}

	out := &types.UnifiedRequest{
		Model:       req.Model,
		ToolChoice:  req.ToolChoice,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	out.MaxTokens = req.MaxTokens
	if req.MaxCompletionTokens > 0 {
		out.MaxTokens = req.MaxCompletionTokens
	}
	if len(req.Stop) > 0 {
		out.Stop = parseStopField(req.Stop)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, types.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	if text := promptToText(req.Prompt); text != "" {
		out.Messages = append(out.Messages, types.Message{
			Role:   types.RoleUser,
			Blocks: []types.ContentBlock{types.TextBlock(text)},
		})
	}

	var systemParts []string
	for i, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			systemParts = append(systemParts, contentToText(msg.Content))

		case "tool":
			out.Messages = append(out.Messages, types.Message{
				Role: types.RoleTool,
				Blocks: []types.ContentBlock{{
					Type:      types.BlockToolResult,
					ToolUseID: msg.ToolCallID,
					Content:   contentToText(msg.Content),
				}},
			})

		case "user", "assistant":
			blocks, err := openaiContentBlocks(msg)
			if err != nil {
				return nil, types.NewError(types.ErrBadRequest,
					fmt.Sprintf("invalid content in message %d", i)).WithCause(err)
			}
			out.Messages = append(out.Messages, types.Message{
				Role:   types.Role(msg.Role),
				Blocks: blocks,
			})

		default:
			return nil, types.NewError(types.ErrBadRequest,
				fmt.Sprintf("unknown role %q in message %d", msg.Role, i))
		}
	}
	out.System = strings.Join(systemParts, "\n\n")
	return out, nil
}

// promptToText accepts the legacy completions prompt in its string and
// string-list forms.
func promptToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return one
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return strings.Join(many, "\n")
	}
	return ""
}

// parseStopField accepts both the string and string-list forms of stop.
func parseStopField(raw json.RawMessage) []string {
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

// contentToText flattens string-or-parts content into plain text.
func contentToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return string(raw)
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// openaiContentBlocks converts a user or assistant message into unified
// blocks: reasoning first, then text/image parts, then tool calls.
func openaiContentBlocks(msg openaiMessage) ([]types.ContentBlock, error) {
	var blocks []types.ContentBlock

	if msg.ReasoningContent != "" {
		blocks = append(blocks, types.ContentBlock{
			Type: types.BlockThinking,
			Text: msg.ReasoningContent,
		})
	}

	if len(msg.Content) > 0 {
		var s string
		if err := json.Unmarshal(msg.Content, &s); err == nil {
			if s != "" {
				blocks = append(blocks, types.TextBlock(s))
			}
		} else {
			var parts []struct {
				Type     string `json:"type"`
				Text     string `json:"text"`
				ImageURL *struct {
					URL string `json:"url"`
				} `json:"image_url"`
			}
			if err := json.Unmarshal(msg.Content, &parts); err != nil {
				return nil, err
			}
			for _, p := range parts {
				switch p.Type {
				case "text":
					blocks = append(blocks, types.TextBlock(p.Text))
				case "image_url":
					if p.ImageURL == nil {
						return nil, fmt.Errorf("image_url part missing url")
					}
					src, ok := parseDataURL(p.ImageURL.URL)
					if !ok {
						return nil, fmt.Errorf("unsupported image url %q", p.ImageURL.URL)
					}
					blocks = append(blocks, types.ContentBlock{
						Type:   types.BlockImage,
						Source: src,
					})
				default:
					return nil, fmt.Errorf("unknown content part type %q", p.Type)
				}
			}
		}
	}

	for _, raw := range msg.ToolCalls {
		block, err := parseOpenAIToolCall(raw)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

func parseOpenAIToolCall(raw json.RawMessage) (types.ContentBlock, error) {
	var tc openaiToolCall
	if err := json.Unmarshal(raw, &tc); err != nil {
		return types.ContentBlock{}, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return types.ContentBlock{}, err
	}
	var extra map[string]json.RawMessage
	for k, v := range fields {
		if _, known := openaiToolCallKeys[k]; !known {
			if extra == nil {
				extra = make(map[string]json.RawMessage)
			}
			extra[k] = v
		}
	}
	return types.ContentBlock{
		Type:  types.BlockToolUse,
		ID:    tc.ID,
		Name:  tc.Function.Name,
		Input: parseToolArguments(tc.Function.Arguments),
		Extra: extra,
	}, nil
}

// BuildRequest renders a unified request as a Chat Completions body. A
// unified user message mixing tool_result and text blocks is split so the
// tool turns precede the text turn.
func (o *OpenAI) BuildRequest(req *types.UnifiedRequest) ([]byte, *types.Error) {
	wire := openaiRequest{
		Model:       req.Model,
		ToolChoice:  req.ToolChoice,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if len(req.Stop) > 0 {
		stop, _ := json.Marshal(req.Stop)
		wire.Stop = stop
	}
	if req.Stream {
		wire.StreamOptions = json.RawMessage(`{"include_usage":true}`)
	}
	for _, t := range req.Tools {
		var ot openaiTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.InputSchema
		wire.Tools = append(wire.Tools, ot)
	}

	if req.System != "" {
		content, _ := json.Marshal(req.System)
		wire.Messages = append(wire.Messages, openaiMessage{
			Role:    "system",
			Content: content,
		})
	}

	for _, msg := range req.Messages {
		rendered, err := renderOpenAIMessage(msg)
		if err != nil {
			return nil, types.NewError(types.ErrInternal, "render message").WithCause(err)
		}
		wire.Messages = append(wire.Messages, rendered...)
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "marshal provider request").WithCause(err)
	}
	return body, nil
}

// renderOpenAIMessage may yield several wire messages: tool results are
// emitted as their own role:tool turns before any text from the same
// unified message.
func renderOpenAIMessage(msg types.Message) ([]openaiMessage, error) {
	var out []openaiMessage

	for _, b := range msg.Blocks {
		if b.Type != types.BlockToolResult {
			continue
		}
		content, _ := json.Marshal(b.Content)
		out = append(out, openaiMessage{
			Role:       "tool",
			ToolCallID: b.ToolUseID,
			Content:    content,
		})
	}

	var textParts []any
	hasImage := false
	var reasoning string
	var toolCalls []json.RawMessage

	for _, b := range msg.Blocks {
		switch b.Type {
		case types.BlockText:
			textParts = append(textParts, map[string]any{"type": "text", "text": b.Text})
		case types.BlockImage:
			hasImage = true
			textParts = append(textParts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]string{"url": dataURL(b.Source)},
			})
		case types.BlockThinking:
			reasoning += b.Text
		case types.BlockToolUse:
			tc, err := renderOpenAIToolCall(b, nil)
			if err != nil {
				return nil, err
			}
			toolCalls = append(toolCalls, tc)
		case types.BlockToolResult:
			// already emitted above
		}
	}

	if len(textParts) == 0 && reasoning == "" && len(toolCalls) == 0 {
		return out, nil
	}

	m := openaiMessage{
		Role:             string(msg.Role),
		ReasoningContent: reasoning,
		ToolCalls:        toolCalls,
	}
	if msg.Role == types.RoleTool {
		m.Role = "user"
	}
	if len(textParts) > 0 {
		if hasImage {
			content, err := json.Marshal(textParts)
			if err != nil {
				return nil, err
			}
			m.Content = content
		} else {
			var b strings.Builder
			for _, p := range textParts {
				b.WriteString(p.(map[string]any)["text"].(string))
			}
			content, _ := json.Marshal(b.String())
			m.Content = content
		}
	}
	return append(out, m), nil
}

// renderOpenAIToolCall renders a tool_use block as a tool_calls entry,
// re-attaching any Extra fields captured at parse time. index is included
// only for streaming chunks.
func renderOpenAIToolCall(b types.ContentBlock, index *int) (json.RawMessage, error) {
	args := "{}"
	if len(b.Input) > 0 {
		args = string(b.Input)
	}
	fields := map[string]any{
		"id":   b.ID,
		"type": "function",
		"function": map[string]any{
			"name":      b.Name,
			"arguments": args,
		},
	}
	if index != nil {
		fields["index"] = *index
	}
	for k, v := range b.Extra {
		fields[k] = v
	}
	return json.Marshal(fields)
}

// ParseResponse converts a blocking Chat Completions response into unified
// form. Only the first choice is considered.
func (o *OpenAI) ParseResponse(body []byte) (*types.UnifiedResponse, *types.Error) {
	var wire openaiResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, types.NewError(types.ErrInternal, "invalid provider response").WithCause(err)
	}
	if len(wire.Choices) == 0 {
		return nil, types.NewError(types.ErrInternal, "provider response has no choices")
	}
	choice := wire.Choices[0]

	blocks, err := openaiContentBlocks(choice.Message)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "invalid provider content").WithCause(err)
	}

	out := &types.UnifiedResponse{
		ID:         wire.ID,
		Model:      wire.Model,
		Role:       types.RoleAssistant,
		Blocks:     blocks,
		StopReason: stopReasonFromOpenAI(choice.FinishReason),
	}
	if wire.Usage != nil {
		out.Usage = usageFromOpenAI(wire.Usage)
	}
	return out, nil
}

func usageFromOpenAI(u *openaiUsage) types.Usage {
	usage := types.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
	if u.PromptTokensDetails != nil {
		usage.CacheReadTokens = u.PromptTokensDetails.CachedTokens
	}
	return usage
}

// BuildResponse renders a unified response as a Chat Completions body.
func (o *OpenAI) BuildResponse(resp *types.UnifiedResponse) ([]byte, *types.Error) {
	msg := openaiMessage{Role: "assistant"}
	var text strings.Builder
	for _, b := range resp.Blocks {
		switch b.Type {
		case types.BlockText:
			text.WriteString(b.Text)
		case types.BlockThinking:
			msg.ReasoningContent += b.Text
		case types.BlockToolUse:
			tc, err := renderOpenAIToolCall(b, nil)
			if err != nil {
				return nil, types.NewError(types.ErrInternal, "render tool call").WithCause(err)
			}
			msg.ToolCalls = append(msg.ToolCalls, tc)
		}
	}
	content, _ := json.Marshal(text.String())
	msg.Content = content

	id := resp.ID
	if id == "" {
		id = newMessageID("chatcmpl")
	}
	usage := openaiUsage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.Total(),
	}
	wire := map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   resp.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       msg,
			"finish_reason": stopReasonToOpenAI(resp.StopReason),
		}},
		"usage": usage,
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "marshal client response").WithCause(err)
	}
	return body, nil
}

// openaiChunk is the streaming wire shape, shared by decoder and encoder.
type openaiChunk struct {
	ID      string `json:"id,omitempty"`
	Object  string `json:"object,omitempty"`
	Created int64  `json:"created,omitempty"`
	Model   string `json:"model,omitempty"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role             string            `json:"role,omitempty"`
			Content          string            `json:"content,omitempty"`
			ReasoningContent string            `json:"reasoning_content,omitempty"`
			ToolCalls        []json.RawMessage `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices,omitempty"`
	Usage *openaiUsage `json:"usage,omitempty"`
}

// NewStreamDecoder returns a decoder that synthesizes the unified event
// sequence from Chat Completions chunks: message_start and ping are emitted
// on demand before the first content, a thinking block (if any) occupies
// index 0, and terminal events are produced once at end of stream.
func (o *OpenAI) NewStreamDecoder(model string) StreamDecoder {
	return &openaiDecoder{model: model, toolBlocks: make(map[int]int)}
}

type openaiDecoder struct {
	model string

	messageStarted bool
	pingEmitted    bool
	thinkingIndex  int
	thinkingOpen   bool
	textIndex      int
	textOpen       bool
	nextIndex      int
	toolBlocks     map[int]int // upstream tool index -> block index

	id         string
	stopReason types.StopReason
	usage      types.Usage
	finished   bool
}

// ensureStarted synthesizes message_start and ping before the first content
// event.
func (d *openaiDecoder) ensureStarted(events []types.StreamEvent) []types.StreamEvent {
	if !d.messageStarted {
		d.messageStarted = true
		events = append(events, types.StreamEvent{
			Type: types.EventMessageStart,
			Message: &types.UnifiedResponse{
				ID:    d.id,
				Model: d.model,
				Role:  types.RoleAssistant,
			},
		})
	}
	if !d.pingEmitted {
		d.pingEmitted = true
		events = append(events, types.StreamEvent{Type: types.EventPing})
	}
	return events
}

func (d *openaiDecoder) Decode(payload []byte) ([]types.StreamEvent, error) {
	var chunk openaiChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		// Malformed events are dropped; the stream continues.
		return nil, nil
	}
	if d.id == "" && chunk.ID != "" {
		d.id = chunk.ID
	}
	if chunk.Usage != nil {
		d.mergeUsage(chunk.Usage)
	}

	var events []types.StreamEvent
	for _, choice := range chunk.Choices {
		delta := choice.Delta

		if delta.ReasoningContent != "" {
			if !d.thinkingOpen {
				events = d.ensureStarted(events)
				d.thinkingIndex = d.nextIndex
				d.nextIndex++
				d.thinkingOpen = true
				events = append(events, types.StreamEvent{
					Type:  types.EventContentBlockStart,
					Index: d.thinkingIndex,
					Block: &types.ContentBlock{Type: types.BlockThinking},
				})
			}
			events = append(events, types.StreamEvent{
				Type:  types.EventContentBlockDelta,
				Index: d.thinkingIndex,
				Delta: &types.Delta{Type: types.DeltaThinking, Thinking: delta.ReasoningContent},
			})
		}

		if delta.Content != "" {
			if !d.textOpen {
				events = d.ensureStarted(events)
				d.textIndex = d.nextIndex
				d.nextIndex++
				d.textOpen = true
				events = append(events, types.StreamEvent{
					Type:  types.EventContentBlockStart,
					Index: d.textIndex,
					Block: &types.ContentBlock{Type: types.BlockText},
				})
			}
			events = append(events, types.StreamEvent{
				Type:  types.EventContentBlockDelta,
				Index: d.textIndex,
				Delta: &types.Delta{Type: types.DeltaText, Text: delta.Content},
			})
		}

		for _, raw := range delta.ToolCalls {
			events = d.decodeToolCallDelta(events, raw)
		}

		if choice.FinishReason != "" {
			d.stopReason = stopReasonFromOpenAI(choice.FinishReason)
		}
	}
	return events, nil
}

// decodeToolCallDelta merges one streamed tool-call fragment by upstream
// index, opening its block on first appearance.
func (d *openaiDecoder) decodeToolCallDelta(events []types.StreamEvent, raw json.RawMessage) []types.StreamEvent {
	var tc openaiToolCall
	if err := json.Unmarshal(raw, &tc); err != nil {
		return events
	}
	upstreamIdx := 0
	if tc.Index != nil {
		upstreamIdx = *tc.Index
	}

	blockIdx, started := d.toolBlocks[upstreamIdx]
	if !started {
		events = d.ensureStarted(events)
		blockIdx = d.nextIndex
		d.nextIndex++
		d.toolBlocks[upstreamIdx] = blockIdx

		block, err := parseOpenAIToolCall(raw)
		if err != nil {
			return events
		}
		block.Input = json.RawMessage(`{}`)
		events = append(events, types.StreamEvent{
			Type:  types.EventContentBlockStart,
			Index: blockIdx,
			Block: &block,
		})
	}
	if tc.Function.Arguments != "" {
		events = append(events, types.StreamEvent{
			Type:  types.EventContentBlockDelta,
			Index: blockIdx,
			Delta: &types.Delta{Type: types.DeltaInputJSON, PartialJSON: tc.Function.Arguments},
		})
	}
	return events
}

// mergeUsage keeps the best usage seen so far. A zero prompt count never
// overwrites a non-zero one: some providers send completion-only usage on
// late chunks.
func (d *openaiDecoder) mergeUsage(u *openaiUsage) {
	incoming := usageFromOpenAI(u)
	if incoming.InputTokens > 0 {
		d.usage.InputTokens = incoming.InputTokens
		d.usage.CacheReadTokens = incoming.CacheReadTokens
	}
	if incoming.OutputTokens > d.usage.OutputTokens {
		d.usage.OutputTokens = incoming.OutputTokens
	}
}

// Finish closes every open block in index order, then emits message_delta
// and message_stop. Emitted at most once, and only if content ever started.
func (d *openaiDecoder) Finish() []types.StreamEvent {
	if !d.messageStarted || d.finished {
		return nil
	}
	d.finished = true

	var open []int
	if d.thinkingOpen {
		open = append(open, d.thinkingIndex)
	}
	if d.textOpen {
		open = append(open, d.textIndex)
	}
	for _, idx := range d.toolBlocks {
		open = append(open, idx)
	}
	sort.Ints(open)

	var events []types.StreamEvent
	for _, idx := range open {
		events = append(events, types.StreamEvent{
			Type:  types.EventContentBlockStop,
			Index: idx,
		})
	}

	stop := d.stopReason
	if stop == "" {
		stop = types.StopEndTurn
	}
	usage := d.usage
	events = append(events,
		types.StreamEvent{Type: types.EventMessageDelta, StopReason: stop, Usage: &usage},
		types.StreamEvent{Type: types.EventMessageStop},
	)
	return events
}

// NewStreamEncoder renders unified events as Chat Completions SSE chunks
// terminated by data: [DONE].
func (o *OpenAI) NewStreamEncoder(model string) StreamEncoder {
	return &openaiEncoder{
		model:   model,
		id:      newMessageID("chatcmpl"),
		created: time.Now().Unix(),
		toolIdx: make(map[int]int),
	}
}

type openaiEncoder struct {
	model   string
	id      string
	created int64
	toolIdx map[int]int // unified block index -> openai tool_calls index
}

func (e *openaiEncoder) chunk(delta map[string]any, finishReason any, usage *openaiUsage) ([]byte, error) {
	body := map[string]any{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finishReason,
		}},
	}
	if usage != nil {
		body["usage"] = usage
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("data: %s\n\n", data)), nil
}

func (e *openaiEncoder) Encode(ev types.StreamEvent) ([]byte, error) {
	switch ev.Type {
	case types.EventMessageStart:
		if ev.Message != nil && ev.Message.ID != "" {
			e.id = ev.Message.ID
		}
		return e.chunk(map[string]any{"role": "assistant", "content": ""}, nil, nil)

	case types.EventContentBlockStart:
		if ev.Block == nil || ev.Block.Type != types.BlockToolUse {
			return nil, nil
		}
		idx := len(e.toolIdx)
		e.toolIdx[ev.Index] = idx
		tc, err := renderOpenAIToolCall(*ev.Block, &idx)
		if err != nil {
			return nil, err
		}
		return e.chunk(map[string]any{
			"tool_calls": []json.RawMessage{tc},
		}, nil, nil)

	case types.EventContentBlockDelta:
		if ev.Delta == nil {
			return nil, nil
		}
		switch ev.Delta.Type {
		case types.DeltaText:
			return e.chunk(map[string]any{"content": ev.Delta.Text}, nil, nil)
		case types.DeltaThinking:
			return e.chunk(map[string]any{"reasoning_content": ev.Delta.Thinking}, nil, nil)
		case types.DeltaInputJSON:
			idx, ok := e.toolIdx[ev.Index]
			if !ok {
				return nil, nil
			}
			return e.chunk(map[string]any{
				"tool_calls": []map[string]any{{
					"index":    idx,
					"function": map[string]string{"arguments": ev.Delta.PartialJSON},
				}},
			}, nil, nil)
		}
		return nil, nil

	case types.EventMessageDelta:
		var usage *openaiUsage
		if ev.Usage != nil {
			usage = &openaiUsage{
				PromptTokens:     ev.Usage.InputTokens,
				CompletionTokens: ev.Usage.OutputTokens,
				TotalTokens:      ev.Usage.Total(),
			}
		}
		return e.chunk(map[string]any{}, stopReasonToOpenAI(ev.StopReason), usage)

	case types.EventError:
		msg := "stream error"
		code := "api_error"
		if ev.Err != nil {
			msg = ev.Err.Message
			code = string(ev.Err.Code)
		}
		data, err := json.Marshal(map[string]any{
			"error": map[string]any{
				"message": msg,
				"type":    code,
				"code":    code,
			},
		})
		if err != nil {
			return nil, err
		}
		return []byte(fmt.Sprintf("data: %s\n\n", data)), nil
	}

	// ping, content_block_stop for text/thinking, message_stop: no wire
	// representation in the chunk protocol.
	return nil, nil
}

// Finish emits the [DONE] sentinel.
func (e *openaiEncoder) Finish() []byte {
	return []byte("data: [DONE]\n\n")
}
