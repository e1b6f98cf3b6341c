package transform

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/modelgate/types"
)

func TestOpenAI_ParseRequest(t *testing.T) {
	body := `{
		"model": "gpt-4o",
		"max_tokens": 100,
		"temperature": 0.5,
		"stop": ["END"],
		"messages": [
			{"role": "system", "content": "You are terse."},
			{"role": "developer", "content": "Answer in English."},
			{"role": "user", "content": "Hello"},
			{"role": "assistant", "content": "Hi", "tool_calls": [
				{"id": "call_1", "type": "function",
				 "function": {"name": "get_weather", "arguments": "{\"city\":\"SF\"}"},
				 "extra_content": {"thought_signature": "sig"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "sunny"}
		]
	}`

	o := NewOpenAI()
	req, terr := o.ParseRequest([]byte(body))
	require.Nil(t, terr)

	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, 100, req.MaxTokens)
	assert.Equal(t, 0.5, *req.Temperature)
	assert.Equal(t, []string{"END"}, req.Stop)
	assert.Equal(t, "You are terse.\n\nAnswer in English.", req.System)

	require.Len(t, req.Messages, 3)
	assert.Equal(t, types.RoleUser, req.Messages[0].Role)
	assert.Equal(t, "Hello", req.Messages[0].Blocks[0].Text)

	asst := req.Messages[1]
	require.Len(t, asst.Blocks, 2)
	assert.Equal(t, types.BlockText, asst.Blocks[0].Type)
	tu := asst.Blocks[1]
	assert.Equal(t, types.BlockToolUse, tu.Type)
	assert.Equal(t, "call_1", tu.ID)
	assert.Equal(t, "get_weather", tu.Name)
	assert.JSONEq(t, `{"city":"SF"}`, string(tu.Input))
	// Unknown tool-call fields survive in Extra.
	require.Contains(t, tu.Extra, "extra_content")

	toolMsg := req.Messages[2]
	assert.Equal(t, types.RoleTool, toolMsg.Role)
	assert.Equal(t, types.BlockToolResult, toolMsg.Blocks[0].Type)
	assert.Equal(t, "call_1", toolMsg.Blocks[0].ToolUseID)
	assert.Equal(t, "sunny", toolMsg.Blocks[0].Content)
}

func TestOpenAI_ParseRequestVariants(t *testing.T) {
	o := NewOpenAI()

	// max_completion_tokens wins over max_tokens.
	req, terr := o.ParseRequest([]byte(`{"model":"m","max_tokens":10,"max_completion_tokens":20,"messages":[]}`))
	require.Nil(t, terr)
	assert.Equal(t, 20, req.MaxTokens)

	// String form of stop.
	req, terr = o.ParseRequest([]byte(`{"model":"m","stop":"END","messages":[]}`))
	require.Nil(t, terr)
	assert.Equal(t, []string{"END"}, req.Stop)

	// Image parts become image blocks.
	req, terr = o.ParseRequest([]byte(`{"model":"m","messages":[
		{"role":"user","content":[
			{"type":"text","text":"look"},
			{"type":"image_url","image_url":{"url":"data:image/png;base64,AAAA"}}
		]}
	]}`))
	require.Nil(t, terr)
	blocks := req.Messages[0].Blocks
	require.Len(t, blocks, 2)
	assert.Equal(t, types.BlockImage, blocks[1].Type)
	assert.Equal(t, "image/png", blocks[1].Source.MediaType)
	assert.Equal(t, "AAAA", blocks[1].Source.Data)

	// Remote image URLs are rejected.
	_, terr = o.ParseRequest([]byte(`{"model":"m","messages":[
		{"role":"user","content":[{"type":"image_url","image_url":{"url":"https://example.com/a.png"}}]}
	]}`))
	require.NotNil(t, terr)
	assert.Equal(t, types.ErrBadRequest, terr.Code)

	// Unknown roles are rejected.
	_, terr = o.ParseRequest([]byte(`{"model":"m","messages":[{"role":"overseer","content":"x"}]}`))
	require.NotNil(t, terr)

	_, terr = o.ParseRequest([]byte(`not json`))
	require.NotNil(t, terr)
	assert.Equal(t, types.ErrBadRequest, terr.Code)
}

func TestOpenAI_ParseRequestLegacyPrompt(t *testing.T) {
	o := NewOpenAI()

	req, terr := o.ParseRequest([]byte(`{"model":"m","prompt":"Say hi","max_tokens":16}`))
	require.Nil(t, terr)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, types.RoleUser, req.Messages[0].Role)
	assert.Equal(t, "Say hi", req.Messages[0].Blocks[0].Text)
	assert.Equal(t, 16, req.MaxTokens)

	// The string-list form is joined in order.
	req, terr = o.ParseRequest([]byte(`{"model":"m","prompt":["a","b"]}`))
	require.Nil(t, terr)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "a\nb", req.Messages[0].Blocks[0].Text)
}

func TestOpenAI_BuildRequest(t *testing.T) {
	o := NewOpenAI()
	temp := 0.7
	req := &types.UnifiedRequest{
		Model:       "gpt-4o",
		System:      "Be brief.",
		MaxTokens:   50,
		Temperature: &temp,
		Stream:      true,
		Tools: []types.Tool{{
			Name:        "get_weather",
			Description: "weather lookup",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
		Messages: []types.Message{
			{Role: types.RoleUser, Blocks: []types.ContentBlock{types.TextBlock("Hello")}},
		},
	}

	body, terr := o.BuildRequest(req)
	require.Nil(t, terr)

	var wire openaiRequest
	require.NoError(t, json.Unmarshal(body, &wire))
	assert.Equal(t, "gpt-4o", wire.Model)
	assert.Equal(t, 50, wire.MaxTokens)
	assert.True(t, wire.Stream)
	assert.JSONEq(t, `{"include_usage":true}`, string(wire.StreamOptions))
	require.Len(t, wire.Messages, 2)
	assert.Equal(t, "system", wire.Messages[0].Role)
	require.Len(t, wire.Tools, 1)
	assert.Equal(t, "function", wire.Tools[0].Type)
	assert.Equal(t, "get_weather", wire.Tools[0].Function.Name)
}

func TestOpenAI_BuildRequestSplitsToolResults(t *testing.T) {
	// A user turn mixing tool_result and text yields the tool turns first,
	// then the text turn.
	o := NewOpenAI()
	req := &types.UnifiedRequest{
		Model: "gpt-4o",
		Messages: []types.Message{{
			Role: types.RoleUser,
			Blocks: []types.ContentBlock{
				{Type: types.BlockToolResult, ToolUseID: "call_1", Content: "sunny"},
				types.TextBlock("thanks, and tomorrow?"),
			},
		}},
	}

	body, terr := o.BuildRequest(req)
	require.Nil(t, terr)

	var wire openaiRequest
	require.NoError(t, json.Unmarshal(body, &wire))
	require.Len(t, wire.Messages, 2)
	assert.Equal(t, "tool", wire.Messages[0].Role)
	assert.Equal(t, "call_1", wire.Messages[0].ToolCallID)
	assert.Equal(t, "user", wire.Messages[1].Role)

	var text string
	require.NoError(t, json.Unmarshal(wire.Messages[1].Content, &text))
	assert.Equal(t, "thanks, and tomorrow?", text)
}

func TestOpenAI_ParseResponse(t *testing.T) {
	o := NewOpenAI()
	body := `{
		"id": "chatcmpl-1",
		"model": "gpt-4o",
		"choices": [{
			"index": 0,
			"message": {"role": "assistant", "content": "Hi", "reasoning_content": "thinking..."},
			"finish_reason": "length"
		}],
		"usage": {"prompt_tokens": 7, "completion_tokens": 3,
			"prompt_tokens_details": {"cached_tokens": 4}}
	}`

	resp, terr := o.ParseResponse([]byte(body))
	require.Nil(t, terr)
	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, types.StopMaxTokens, resp.StopReason)
	require.Len(t, resp.Blocks, 2)
	assert.Equal(t, types.BlockThinking, resp.Blocks[0].Type)
	assert.Equal(t, "thinking...", resp.Blocks[0].Text)
	assert.Equal(t, "Hi", resp.Blocks[1].Text)
	assert.Equal(t, 7, resp.Usage.InputTokens)
	assert.Equal(t, 3, resp.Usage.OutputTokens)
	assert.Equal(t, 4, resp.Usage.CacheReadTokens)

	_, terr = o.ParseResponse([]byte(`{"choices":[]}`))
	require.NotNil(t, terr)
}

func TestOpenAI_BuildResponse(t *testing.T) {
	o := NewOpenAI()
	resp := &types.UnifiedResponse{
		ID:    "chatcmpl-9",
		Model: "gpt-4o",
		Blocks: []types.ContentBlock{
			types.TextBlock("Hello"),
			{Type: types.BlockToolUse, ID: "call_1", Name: "get_weather", Input: json.RawMessage(`{"city":"SF"}`)},
		},
		StopReason: types.StopToolUse,
		Usage:      types.Usage{InputTokens: 5, OutputTokens: 2},
	}

	body, terr := o.BuildResponse(resp)
	require.Nil(t, terr)

	var wire openaiResponse
	require.NoError(t, json.Unmarshal(body, &wire))
	assert.Equal(t, "chatcmpl-9", wire.ID)
	assert.Equal(t, "chat.completion", wire.Object)
	require.Len(t, wire.Choices, 1)
	assert.Equal(t, "tool_calls", wire.Choices[0].FinishReason)
	require.Len(t, wire.Choices[0].Message.ToolCalls, 1)
	require.NotNil(t, wire.Usage)
	assert.Equal(t, 7, wire.Usage.TotalTokens)
}

func decodeAll(t *testing.T, d StreamDecoder, payloads ...string) []types.StreamEvent {
	t.Helper()
	var events []types.StreamEvent
	for _, p := range payloads {
		evs, err := d.Decode([]byte(p))
		require.NoError(t, err)
		events = append(events, evs...)
	}
	return append(events, d.Finish()...)
}

func eventTypes(events []types.StreamEvent) []types.EventType {
	out := make([]types.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestOpenAIDecoder_SynthesizesEventSequence(t *testing.T) {
	o := NewOpenAI()
	d := o.NewStreamDecoder("gpt-4o")

	events := decodeAll(t, d,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":2}}`,
	)

	assert.Equal(t, []types.EventType{
		types.EventMessageStart,
		types.EventPing,
		types.EventContentBlockStart,
		types.EventContentBlockDelta,
		types.EventContentBlockDelta,
		types.EventContentBlockStop,
		types.EventMessageDelta,
		types.EventMessageStop,
	}, eventTypes(events))

	assert.Equal(t, "chatcmpl-1", events[0].Message.ID)
	assert.Equal(t, "Hel", events[3].Delta.Text)

	final := events[len(events)-2]
	assert.Equal(t, types.StopEndTurn, final.StopReason)
	assert.Equal(t, 9, final.Usage.InputTokens)
	assert.Equal(t, 2, final.Usage.OutputTokens)

	// Finish is idempotent.
	assert.Empty(t, d.Finish())
}

func TestOpenAIDecoder_ThinkingOccupiesFirstIndex(t *testing.T) {
	o := NewOpenAI()
	d := o.NewStreamDecoder("gpt-4o")

	events := decodeAll(t, d,
		`{"choices":[{"index":0,"delta":{"reasoning_content":"hmm"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"answer"}}]}`,
	)

	var starts []types.StreamEvent
	for _, ev := range events {
		if ev.Type == types.EventContentBlockStart {
			starts = append(starts, ev)
		}
	}
	require.Len(t, starts, 2)
	assert.Equal(t, types.BlockThinking, starts[0].Block.Type)
	assert.Equal(t, 0, starts[0].Index)
	assert.Equal(t, types.BlockText, starts[1].Block.Type)
	assert.Equal(t, 1, starts[1].Index)
}

func TestOpenAIDecoder_ToolCallStream(t *testing.T) {
	o := NewOpenAI()
	d := o.NewStreamDecoder("gpt-4o")

	events := decodeAll(t, d,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"SF\"}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	)

	var start *types.StreamEvent
	var partials []string
	for i := range events {
		switch events[i].Type {
		case types.EventContentBlockStart:
			start = &events[i]
		case types.EventContentBlockDelta:
			if events[i].Delta.Type == types.DeltaInputJSON {
				partials = append(partials, events[i].Delta.PartialJSON)
			}
		}
	}
	require.NotNil(t, start)
	assert.Equal(t, types.BlockToolUse, start.Block.Type)
	assert.Equal(t, "call_1", start.Block.ID)
	assert.Equal(t, "get_weather", start.Block.Name)
	assert.Equal(t, `{"city":"SF"}`, partials[0]+partials[1])

	assert.Equal(t, types.StopToolUse, events[len(events)-2].StopReason)
}

func TestOpenAIDecoder_NoContentNoFinish(t *testing.T) {
	// An upstream that dies before any content produces no synthetic
	// terminal events.
	o := NewOpenAI()
	d := o.NewStreamDecoder("gpt-4o")
	assert.Empty(t, d.Finish())
}

func TestOpenAIEncoder_Chunks(t *testing.T) {
	o := NewOpenAI()
	e := o.NewStreamEncoder("gpt-4o")

	frame, err := e.Encode(types.StreamEvent{
		Type:    types.EventMessageStart,
		Message: &types.UnifiedResponse{ID: "chatcmpl-7"},
	})
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"id":"chatcmpl-7"`)
	assert.Contains(t, string(frame), `"role":"assistant"`)
	assert.Contains(t, string(frame), `"object":"chat.completion.chunk"`)

	frame, err = e.Encode(types.StreamEvent{
		Type:  types.EventContentBlockDelta,
		Index: 0,
		Delta: &types.Delta{Type: types.DeltaText, Text: "Hi"},
	})
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"content":"Hi"`)

	// Ping has no chunk representation.
	frame, err = e.Encode(types.StreamEvent{Type: types.EventPing})
	require.NoError(t, err)
	assert.Nil(t, frame)

	frame, err = e.Encode(types.StreamEvent{
		Type:       types.EventMessageDelta,
		StopReason: types.StopEndTurn,
		Usage:      &types.Usage{InputTokens: 3, OutputTokens: 1},
	})
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"finish_reason":"stop"`)
	assert.Contains(t, string(frame), `"total_tokens":4`)

	assert.Equal(t, "data: [DONE]\n\n", string(e.Finish()))
}

func TestOpenAIEncoder_ToolIndexRemap(t *testing.T) {
	// Unified block indexes need not start at zero; tool_calls indexes do.
	o := NewOpenAI()
	e := o.NewStreamEncoder("gpt-4o")

	frame, err := e.Encode(types.StreamEvent{
		Type:  types.EventContentBlockStart,
		Index: 2,
		Block: &types.ContentBlock{Type: types.BlockToolUse, ID: "call_1", Name: "f"},
	})
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"index":0`)

	frame, err = e.Encode(types.StreamEvent{
		Type:  types.EventContentBlockDelta,
		Index: 2,
		Delta: &types.Delta{Type: types.DeltaInputJSON, PartialJSON: `{"a":1}`},
	})
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"arguments":"{\"a\":1}"`)

	// Text block starts have no chunk representation.
	frame, err = e.Encode(types.StreamEvent{
		Type:  types.EventContentBlockStart,
		Index: 3,
		Block: &types.ContentBlock{Type: types.BlockText},
	})
	require.NoError(t, err)
	assert.Nil(t, frame)
}
