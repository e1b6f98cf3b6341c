package transform

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BaSui01/modelgate/types"
)

// ResponseAPI implements the OpenAI Responses API variant: item-based
// input/output instead of chat messages, and named SSE events instead of
// chat.completion.chunk frames.
type ResponseAPI struct{}

// NewResponseAPI returns the Responses API transformer.
func NewResponseAPI() *ResponseAPI { return &ResponseAPI{} }

func (r *ResponseAPI) Protocol() types.Protocol { return types.ProtocolResponseAPI }

type responseAPIItem struct {
	Type      string          `json:"type,omitempty"`
	ID        string          `json:"id,omitempty"`
	Role      string          `json:"role,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
	Output    string          `json:"output,omitempty"`
	Status    string          `json:"status,omitempty"`
}

type responseAPIRequest struct {
	Model           string            `json:"model"`
	Input           json.RawMessage   `json:"input"`
	Instructions    string            `json:"instructions,omitempty"`
	MaxOutputTokens int               `json:"max_output_tokens,omitempty"`
	Temperature     *float64          `json:"temperature,omitempty"`
	TopP            *float64          `json:"top_p,omitempty"`
	Stream          bool              `json:"stream,omitempty"`
	Tools           []responseAPITool `json:"tools,omitempty"`
	ToolChoice      json.RawMessage   `json:"tool_choice,omitempty"`
}

type responseAPITool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type responseAPIUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`

	InputTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details,omitempty"`
}

type responseAPIResponse struct {
	ID        string            `json:"id"`
	Object    string            `json:"object"`
	CreatedAt int64             `json:"created_at"`
	Model     string            `json:"model"`
	Status    string            `json:"status"`
	Output    []responseAPIItem `json:"output"`
	Usage     *responseAPIUsage `json:"usage,omitempty"`
}

// ParseRequest converts a Responses API body into the unified form. Input
// may be a bare string (one user turn) or an item list.
func (r *ResponseAPI) ParseRequest(body []byte) (*types.UnifiedRequest, *types.Error) {
	var req responseAPIRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, types.NewError(types.ErrBadRequest, "invalid JSON body").WithCause(err)
	}

	out := &types.UnifiedRequest{
		Model:       req.Model,
		System:      req.Instructions,
		ToolChoice:  req.ToolChoice,
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, types.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	var prompt string
	if err := json.Unmarshal(req.Input, &prompt); err == nil {
		out.Messages = []types.Message{{
			Role:   types.RoleUser,
			Blocks: []types.ContentBlock{types.TextBlock(prompt)},
		}}
		return out, nil
	}

	var items []responseAPIItem
	if err := json.Unmarshal(req.Input, &items); err != nil {
		return nil, types.NewError(types.ErrBadRequest, "input must be a string or item list").WithCause(err)
	}
	for i, item := range items {
		msg, terr := responseItemToMessage(item)
		if terr != nil {
			return nil, types.NewError(types.ErrBadRequest,
				fmt.Sprintf("invalid input item %d", i)).WithCause(terr)
		}
		out.Messages = append(out.Messages, msg)
	}
	return out, nil
}

func responseItemToMessage(item responseAPIItem) (types.Message, error) {
	switch item.Type {
	case "message", "":
		text := responseContentText(item.Content)
		role := types.Role(item.Role)
		if role == "" {
			role = types.RoleUser
		}
		return types.Message{
			Role:   role,
			Blocks: []types.ContentBlock{types.TextBlock(text)},
		}, nil

	case "function_call":
		return types.Message{
			Role: types.RoleAssistant,
			Blocks: []types.ContentBlock{{
				Type:  types.BlockToolUse,
				ID:    item.CallID,
				Name:  item.Name,
				Input: parseToolArguments(item.Arguments),
			}},
		}, nil

	case "function_call_output":
		return types.Message{
			Role: types.RoleTool,
			Blocks: []types.ContentBlock{{
				Type:      types.BlockToolResult,
				ToolUseID: item.CallID,
				Content:   item.Output,
			}},
		}, nil
	}
	return types.Message{}, fmt.Errorf("unknown input item type %q", item.Type)
}

// responseContentText flattens string-or-parts content, accepting both
// input_text and output_text part types.
func responseContentText(raw json.RawMessage) string {
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
		if p.Type == "input_text" || p.Type == "output_text" || p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// BuildRequest renders a unified request as a Responses API body.
func (r *ResponseAPI) BuildRequest(req *types.UnifiedRequest) ([]byte, *types.Error) {
	wire := responseAPIRequest{
		Model:           req.Model,
		Instructions:    req.System,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Stream:          req.Stream,
		ToolChoice:      req.ToolChoice,
	}
	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, responseAPITool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	var items []responseAPIItem
	for _, msg := range req.Messages {
		for _, b := range msg.Blocks {
			switch b.Type {
			case types.BlockText:
				content, _ := json.Marshal(b.Text)
				items = append(items, responseAPIItem{
					Type:    "message",
					Role:    string(msg.Role),
					Content: content,
				})
			case types.BlockToolUse:
				args := "{}"
				if len(b.Input) > 0 {
					args = string(b.Input)
				}
				items = append(items, responseAPIItem{
					Type:      "function_call",
					CallID:    b.ID,
					Name:      b.Name,
					Arguments: args,
				})
			case types.BlockToolResult:
				items = append(items, responseAPIItem{
					Type:   "function_call_output",
					CallID: b.ToolUseID,
					Output: b.Content,
				})
			case types.BlockThinking, types.BlockImage:
				// Not representable as Responses input items; dropped.
			}
		}
	}
	input, err := json.Marshal(items)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "marshal input items").WithCause(err)
	}
	wire.Input = input

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "marshal provider request").WithCause(err)
	}
	return body, nil
}

// ParseResponse converts a blocking Responses API body into unified form.
func (r *ResponseAPI) ParseResponse(body []byte) (*types.UnifiedResponse, *types.Error) {
	var wire responseAPIResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, types.NewError(types.ErrInternal, "invalid provider response").WithCause(err)
	}
	out := &types.UnifiedResponse{
		ID:         wire.ID,
		Model:      wire.Model,
		Role:       types.RoleAssistant,
		StopReason: types.StopEndTurn,
	}
	for _, item := range wire.Output {
		switch item.Type {
		case "message":
			out.Blocks = append(out.Blocks, types.TextBlock(responseContentText(item.Content)))
		case "function_call":
			out.Blocks = append(out.Blocks, types.ContentBlock{
				Type:  types.BlockToolUse,
				ID:    item.CallID,
				Name:  item.Name,
				Input: parseToolArguments(item.Arguments),
			})
			out.StopReason = types.StopToolUse
		}
	}
	if wire.Status == "incomplete" {
		out.StopReason = types.StopMaxTokens
	}
	if wire.Usage != nil {
		out.Usage = types.Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
		}
		if wire.Usage.InputTokensDetails != nil {
			out.Usage.CacheReadTokens = wire.Usage.InputTokensDetails.CachedTokens
		}
	}
	return out, nil
}

// BuildResponse renders a unified response as a Responses API body.
func (r *ResponseAPI) BuildResponse(resp *types.UnifiedResponse) ([]byte, *types.Error) {
	id := resp.ID
	if id == "" {
		id = newMessageID("resp")
	}
	status := "completed"
	if resp.StopReason == types.StopMaxTokens {
		status = "incomplete"
	}

	var output []responseAPIItem
	var text strings.Builder
	for _, b := range resp.Blocks {
		switch b.Type {
		case types.BlockText:
			text.WriteString(b.Text)
		case types.BlockToolUse:
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			output = append(output, responseAPIItem{
				Type:      "function_call",
				ID:        newMessageID("fc"),
				CallID:    b.ID,
				Name:      b.Name,
				Arguments: args,
				Status:    "completed",
			})
		}
	}
	if text.Len() > 0 {
		content, _ := json.Marshal([]map[string]any{{
			"type":        "output_text",
			"text":        text.String(),
			"annotations": []any{},
		}})
		output = append([]responseAPIItem{{
			Type:    "message",
			ID:      newMessageID("msg"),
			Role:    "assistant",
			Content: content,
			Status:  "completed",
		}}, output...)
	}

	wire := responseAPIResponse{
		ID:        id,
		Object:    "response",
		CreatedAt: time.Now().Unix(),
		Model:     resp.Model,
		Status:    status,
		Output:    output,
		Usage: &responseAPIUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.Total(),
		},
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "marshal client response").WithCause(err)
	}
	return body, nil
}

// responseAPIStreamEvent is the streaming wire shape for the named
// Responses events.
type responseAPIStreamEvent struct {
	Type        string               `json:"type"`
	Response    *responseAPIResponse `json:"response,omitempty"`
	Item        *responseAPIItem     `json:"item,omitempty"`
	OutputIndex int                  `json:"output_index"`
	Delta       string               `json:"delta,omitempty"`
}

// NewStreamDecoder parses Responses API SSE payloads into unified events.
func (r *ResponseAPI) NewStreamDecoder(model string) StreamDecoder {
	return &responseAPIDecoder{model: model, blockByOutput: make(map[int]int)}
}

type responseAPIDecoder struct {
	model string

	messageStarted bool
	finished       bool
	nextIndex      int
	blockByOutput  map[int]int
	usage          types.Usage
	stopReason     types.StopReason
}

func (d *responseAPIDecoder) Decode(payload []byte) ([]types.StreamEvent, error) {
	var wire responseAPIStreamEvent
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, nil
	}

	switch wire.Type {
	case "response.created":
		if d.messageStarted {
			return nil, nil
		}
		d.messageStarted = true
		ev := types.StreamEvent{
			Type:    types.EventMessageStart,
			Message: &types.UnifiedResponse{Model: d.model, Role: types.RoleAssistant},
		}
		if wire.Response != nil {
			ev.Message.ID = wire.Response.ID
		}
		return []types.StreamEvent{ev, {Type: types.EventPing}}, nil

	case "response.output_item.added":
		if wire.Item == nil {
			return nil, nil
		}
		idx := d.nextIndex
		d.nextIndex++
		d.blockByOutput[wire.OutputIndex] = idx

		block := types.ContentBlock{Type: types.BlockText}
		if wire.Item.Type == "function_call" {
			block = types.ContentBlock{
				Type:  types.BlockToolUse,
				ID:    wire.Item.CallID,
				Name:  wire.Item.Name,
				Input: json.RawMessage(`{}`),
			}
		}
		return []types.StreamEvent{{
			Type:  types.EventContentBlockStart,
			Index: idx,
			Block: &block,
		}}, nil

	case "response.output_text.delta":
		idx, ok := d.blockByOutput[wire.OutputIndex]
		if !ok {
			return nil, nil
		}
		return []types.StreamEvent{{
			Type:  types.EventContentBlockDelta,
			Index: idx,
			Delta: &types.Delta{Type: types.DeltaText, Text: wire.Delta},
		}}, nil

	case "response.function_call_arguments.delta":
		idx, ok := d.blockByOutput[wire.OutputIndex]
		if !ok {
			return nil, nil
		}
		return []types.StreamEvent{{
			Type:  types.EventContentBlockDelta,
			Index: idx,
			Delta: &types.Delta{Type: types.DeltaInputJSON, PartialJSON: wire.Delta},
		}}, nil

	case "response.output_item.done":
		idx, ok := d.blockByOutput[wire.OutputIndex]
		if !ok {
			return nil, nil
		}
		delete(d.blockByOutput, wire.OutputIndex)
		return []types.StreamEvent{{
			Type:  types.EventContentBlockStop,
			Index: idx,
		}}, nil

	case "response.completed", "response.incomplete":
		d.stopReason = types.StopEndTurn
		if wire.Type == "response.incomplete" {
			d.stopReason = types.StopMaxTokens
		}
		if wire.Response != nil && wire.Response.Usage != nil {
			d.usage = types.Usage{
				InputTokens:  wire.Response.Usage.InputTokens,
				OutputTokens: wire.Response.Usage.OutputTokens,
			}
		}
		return d.Finish(), nil
	}
	return nil, nil
}

// Finish closes any blocks still open, then emits the terminal pair.
func (d *responseAPIDecoder) Finish() []types.StreamEvent {
	if !d.messageStarted || d.finished {
		return nil
	}
	d.finished = true

	var events []types.StreamEvent
	for _, idx := range sortedValues(d.blockByOutput) {
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
	return append(events,
		types.StreamEvent{Type: types.EventMessageDelta, StopReason: stop, Usage: &usage},
		types.StreamEvent{Type: types.EventMessageStop},
	)
}

func sortedValues(m map[int]int) []int {
	out := make([]int, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// NewStreamEncoder renders unified events as named Responses API SSE
// events. The stream ends with response.completed; there is no [DONE]
// sentinel.
func (r *ResponseAPI) NewStreamEncoder(model string) StreamEncoder {
	return &responseAPIEncoder{model: model, id: newMessageID("resp")}
}

type responseAPIEncoder struct {
	model string
	id    string

	outputIdx  map[int]int // unified block index -> output index
	text       strings.Builder
	stopReason types.StopReason
	usage      types.Usage
}

func (e *responseAPIEncoder) Encode(ev types.StreamEvent) ([]byte, error) {
	if e.outputIdx == nil {
		e.outputIdx = make(map[int]int)
	}

	switch ev.Type {
	case types.EventMessageStart:
		if ev.Message != nil && ev.Message.ID != "" {
			e.id = ev.Message.ID
		}
		return sseFrame("response.created", map[string]any{
			"type": "response.created",
			"response": map[string]any{
				"id":     e.id,
				"object": "response",
				"status": "in_progress",
				"model":  e.model,
			},
		})

	case types.EventContentBlockStart:
		if ev.Block == nil {
			return nil, nil
		}
		outIdx := len(e.outputIdx)
		e.outputIdx[ev.Index] = outIdx
		item := map[string]any{"type": "message", "role": "assistant", "status": "in_progress"}
		if ev.Block.Type == types.BlockToolUse {
			item = map[string]any{
				"type":      "function_call",
				"call_id":   ev.Block.ID,
				"name":      ev.Block.Name,
				"arguments": "",
				"status":    "in_progress",
			}
		}
		return sseFrame("response.output_item.added", map[string]any{
			"type":         "response.output_item.added",
			"output_index": outIdx,
			"item":         item,
		})

	case types.EventContentBlockDelta:
		if ev.Delta == nil {
			return nil, nil
		}
		outIdx, ok := e.outputIdx[ev.Index]
		if !ok {
			return nil, nil
		}
		switch ev.Delta.Type {
		case types.DeltaText:
			e.text.WriteString(ev.Delta.Text)
			return sseFrame("response.output_text.delta", map[string]any{
				"type":         "response.output_text.delta",
				"output_index": outIdx,
				"delta":        ev.Delta.Text,
			})
		case types.DeltaInputJSON:
			return sseFrame("response.function_call_arguments.delta", map[string]any{
				"type":         "response.function_call_arguments.delta",
				"output_index": outIdx,
				"delta":        ev.Delta.PartialJSON,
			})
		}
		return nil, nil

	case types.EventContentBlockStop:
		outIdx, ok := e.outputIdx[ev.Index]
		if !ok {
			return nil, nil
		}
		return sseFrame("response.output_item.done", map[string]any{
			"type":         "response.output_item.done",
			"output_index": outIdx,
		})

	case types.EventMessageDelta:
		e.stopReason = ev.StopReason
		if ev.Usage != nil {
			e.usage = *ev.Usage
		}
		return nil, nil

	case types.EventMessageStop:
		status := "completed"
		if e.stopReason == types.StopMaxTokens {
			status = "incomplete"
		}
		return sseFrame("response.completed", map[string]any{
			"type": "response.completed",
			"response": map[string]any{
				"id":     e.id,
				"object": "response",
				"status": status,
				"model":  e.model,
				"usage": responseAPIUsage{
					InputTokens:  e.usage.InputTokens,
					OutputTokens: e.usage.OutputTokens,
					TotalTokens:  e.usage.Total(),
				},
			},
		})

	case types.EventError:
		msg := "stream error"
		if ev.Err != nil {
			msg = ev.Err.Message
		}
		return sseFrame("error", map[string]any{
			"type":    "error",
			"code":    "api_error",
			"message": msg,
		})
	}
	return nil, nil
}

func (e *responseAPIEncoder) Finish() []byte { return nil }
