package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/BaSui01/modelgate/types"
)

// stopReasonFromOpenAI maps OpenAI finish_reason strings onto the unified
// vocabulary.
func stopReasonFromOpenAI(reason string) types.StopReason {
	switch reason {
	case "stop":
		return types.StopEndTurn
	case "length":
		return types.StopMaxTokens
	case "tool_calls", "function_call":
		return types.StopToolUse
	case "content_filter":
		return types.StopError
	case "":
		return ""
	default:
		return types.StopEndTurn
	}
}

// stopReasonToOpenAI is the inverse of stopReasonFromOpenAI.
func stopReasonToOpenAI(reason types.StopReason) string {
	switch reason {
	case types.StopEndTurn, types.StopStopSequence:
		return "stop"
	case types.StopMaxTokens:
		return "length"
	case types.StopToolUse:
		return "tool_calls"
	case types.StopError:
		return "content_filter"
	default:
		return "stop"
	}
}

// parseToolArguments parses an OpenAI tool-call arguments JSON string into
// an object. Malformed arguments are preserved under raw_arguments rather
// than dropped.
func parseToolArguments(args string) json.RawMessage {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	wrapped, _ := json.Marshal(map[string]string{"raw_arguments": args})
	return wrapped
}

// newMessageID mints a response identifier in the given protocol's style.
func newMessageID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// dataURL renders an image block's source as an OpenAI data: URL.
func dataURL(src *types.ImageSource) string {
	return fmt.Sprintf("data:%s;base64,%s", src.MediaType, src.Data)
}

// parseDataURL splits a data: URL into media type and base64 payload.
// Non-data URLs are rejected; the gateway does not fetch remote images.
func parseDataURL(url string) (*types.ImageSource, bool) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return nil, false
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, false
	}
	mediaType := strings.TrimSuffix(meta, ";base64")
	if mediaType == meta {
		return nil, false
	}
	return &types.ImageSource{MediaType: mediaType, Data: data}, true
}

// joinSystemBlocks collapses an Anthropic list-of-text-blocks system prompt
// into a single string.
func joinSystemBlocks(blocks []anthropicContent) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}
