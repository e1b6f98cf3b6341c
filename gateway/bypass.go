package gateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/BaSui01/modelgate/types"
)

// bypassScanner iterates upstream SSE frames for the same-protocol fast
// path. Frames pass through byte-for-byte except that the model field in
// data payloads is rewritten to the client's original model name.
type bypassScanner struct {
	scanner *bufio.Scanner
}

func newBypassScanner(r io.Reader) *bypassScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxSSEEventBytes)
	s.Split(splitSSE)
	return &bypassScanner{scanner: s}
}

func (b *bypassScanner) Scan() bool { return b.scanner.Scan() }

// Frame returns the current frame ready to write: data payloads get their
// model rewritten and contribute to token accounting; event and comment
// lines are preserved verbatim.
func (b *bypassScanner) Frame(model string, reqCtx *types.RequestContext) []byte {
	raw := b.scanner.Bytes()
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var out bytes.Buffer
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		rest, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			out.Write(line)
			out.WriteByte('\n')
			continue
		}
		payload := bytes.TrimPrefix(rest, []byte(" "))
		if bytes.Equal(payload, []byte("[DONE]")) {
			out.WriteString("data: [DONE]\n")
			continue
		}
		reqCtx.MarkFirstToken()
		probeStreamUsage(payload, reqCtx)
		out.WriteString("data: ")
		out.Write(rewriteStreamModel(payload, model))
		out.WriteByte('\n')
	}
	out.WriteByte('\n')
	return out.Bytes()
}

// rewriteStreamModel rewrites the model name in a stream payload. The
// Anthropic-family message_start event nests it under message, so both the
// top-level field and that shape are covered. Payloads that do not parse
// are returned unchanged.
func rewriteStreamModel(payload []byte, model string) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return payload
	}
	changed := false
	if _, ok := obj["model"]; ok {
		quoted, _ := json.Marshal(model)
		obj["model"] = quoted
		changed = true
	}
	if msg, ok := obj["message"]; ok {
		if rewritten := rewriteModelField(msg, model); !bytes.Equal(rewritten, msg) {
			obj["message"] = rewritten
			changed = true
		}
	}
	if !changed {
		return payload
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return payload
	}
	return out
}

// probeStreamUsage pulls token usage out of a passthrough stream payload,
// accepting the OpenAI chunk shape and the Anthropic message_start and
// message_delta shapes. Counts only ever grow.
func probeStreamUsage(payload []byte, reqCtx *types.RequestContext) {
	var probe struct {
		Usage   *bypassUsage `json:"usage"`
		Message *struct {
			Usage *bypassUsage `json:"usage"`
		} `json:"message"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return
	}
	usage := probe.Usage
	if usage == nil && probe.Message != nil {
		usage = probe.Message.Usage
	}
	if usage == nil {
		return
	}
	if in := usage.InputTokens + usage.PromptTokens; in > reqCtx.InputTokens {
		reqCtx.InputTokens = in
	}
	if out := usage.OutputTokens + usage.CompletionTokens; out > reqCtx.OutputTokens {
		reqCtx.OutputTokens = out
	}
}

type bypassUsage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}
