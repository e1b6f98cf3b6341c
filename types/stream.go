package types

// EventType tags the variant of a StreamEvent, mirroring the Anthropic
// Messages streaming vocabulary which the unified form adopts.
type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventContentBlockStart EventType = "content_block_start"
	EventContentBlockDelta EventType = "content_block_delta"
	EventContentBlockStop  EventType = "content_block_stop"
	EventMessageDelta      EventType = "message_delta"
	EventMessageStop       EventType = "message_stop"
	EventPing              EventType = "ping"
	EventError             EventType = "error"
)

// DeltaType tags the variant of a Delta.
type DeltaType string

const (
	DeltaText      DeltaType = "text_delta"
	DeltaInputJSON DeltaType = "input_json_delta"
	DeltaThinking  DeltaType = "thinking_delta"
)

// Delta is the incremental payload of a content_block_delta event.
type Delta struct {
	Type        DeltaType `json:"type"`
	Text        string    `json:"text,omitempty"`
	PartialJSON string    `json:"partial_json,omitempty"`
	Thinking    string    `json:"thinking,omitempty"`
}

// StreamEvent is the tagged chunk variant of the unified form. Fields other
// than Type are populated per variant:
//
//	message_start       → Message (id, model, role, usage)
//	content_block_start → Index, Block
//	content_block_delta → Index, Delta
//	content_block_stop  → Index
//	message_delta       → StopReason, Usage
//	message_stop        → (none)
//	error               → Err
type StreamEvent struct {
	Type       EventType        `json:"type"`
	Index      int              `json:"index,omitempty"`
	Block      *ContentBlock    `json:"content_block,omitempty"`
	Delta      *Delta           `json:"delta,omitempty"`
	StopReason StopReason       `json:"stop_reason,omitempty"`
	Usage      *Usage           `json:"usage,omitempty"`
	Message    *UnifiedResponse `json:"message,omitempty"`
	Err        *Error           `json:"error,omitempty"`
}
