// Package tokenizer provides token counting for usage accounting when an
// upstream omits usage data, and for the token-count endpoint.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/BaSui01/modelgate/types"
)

// Counter counts tokens for a specific model family.
type Counter interface {
	// Count returns the token count of the given text.
	Count(text string) (int, error)

	// Name identifies the counter implementation.
	Name() string
}

var (
	countersMu sync.Mutex
	counters   = make(map[string]Counter)
)

// ForModel returns the counter for a model name, caching instances per
// model. Claude-family models get the estimator (no compatible BPE data is
// distributable); everything else gets a tiktoken encoding with
// cl100k_base as the fallback.
func ForModel(model string) Counter {
	countersMu.Lock()
	defer countersMu.Unlock()

	if c, ok := counters[model]; ok {
		return c
	}

	var c Counter
	if strings.HasPrefix(model, "claude") {
		c = NewEstimator()
	} else {
		c = NewTiktoken(model)
	}
	counters[model] = c
	return c
}

// CountRequest estimates the input tokens of a unified request: system
// prompt, message content, and tool definitions, with a small per-message
// framing overhead.
func CountRequest(req *types.UnifiedRequest) int {
	c := ForModel(req.Model)
	total := 0

	if req.System != "" {
		n, err := c.Count(req.System)
		if err == nil {
			total += n
		}
	}

	for _, msg := range req.Messages {
		total += 4
		for _, b := range msg.Blocks {
			var text string
			switch b.Type {
			case types.BlockText, types.BlockThinking:
				text = b.Text
			case types.BlockToolResult:
				text = b.Content
			case types.BlockToolUse:
				text = b.Name + string(b.Input)
			}
			if text == "" {
				continue
			}
			if n, err := c.Count(text); err == nil {
				total += n
			}
		}
	}

	for _, t := range req.Tools {
		if n, err := c.Count(t.Name + t.Description + string(t.InputSchema)); err == nil {
			total += n
		}
	}

	if total > 0 {
		total += 3
	}
	return total
}
