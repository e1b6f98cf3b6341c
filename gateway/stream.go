package gateway

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/internal/metrics"
	"github.com/BaSui01/modelgate/tokenizer"
	"github.com/BaSui01/modelgate/transform"
	"github.com/BaSui01/modelgate/types"
)

// maxSSEEventBytes bounds a single upstream SSE event.
const maxSSEEventBytes = 1 << 20

// streamPump drives one streaming response: it reads upstream SSE frames,
// decodes them into unified events, re-encodes them for the client, and
// accumulates token usage along the way. The client's context governs the
// loop; a disconnect aborts without terminal events.
type streamPump struct {
	decoder transform.StreamDecoder
	encoder transform.StreamEncoder
	counter tokenizer.Counter

	reqCtx  *types.RequestContext
	metrics *metrics.Collector
	logger  *zap.Logger

	// inputEstimate is the pre-computed input token count, used when the
	// upstream reports no usage (or usage with zero input tokens).
	inputEstimate int

	usage       types.Usage
	countedOut  int // tokenizer-counted output, fallback accounting
	sawUsageOut bool
}

func newStreamPump(decoder transform.StreamDecoder, encoder transform.StreamEncoder,
	counter tokenizer.Counter, inputEstimate int, reqCtx *types.RequestContext,
	collector *metrics.Collector, logger *zap.Logger) *streamPump {
	return &streamPump{
		decoder:       decoder,
		encoder:       encoder,
		counter:       counter,
		inputEstimate: inputEstimate,
		reqCtx:        reqCtx,
		metrics:       collector,
		logger:        logger,
	}
}

// splitSSE is a bufio.SplitFunc cutting the stream on blank-line event
// boundaries. A final fragment without a terminator is surfaced at EOF.
func splitSSE(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[:i], nil
	}
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return i + 4, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// dataPayload extracts the data: payload from one SSE frame, ignoring
// event: and comment lines.
func dataPayload(frame []byte) []byte {
	var payload []byte
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			payload = append(payload, bytes.TrimPrefix(rest, []byte(" "))...)
		}
	}
	return payload
}

// Run pumps the upstream body to the client until DONE, EOF, or client
// disconnect. It returns a client_disconnect error when the client went
// away; all other upstream terminations are normal completion.
func (p *streamPump) Run(ctx context.Context, upstream io.ReadCloser, w http.ResponseWriter) *types.Error {
	defer upstream.Close()

	flusher, _ := w.(http.Flusher)
	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 64*1024), maxSSEEventBytes)

	for scanner.Scan() {
		// Client gone: stop reading, release the upstream, no terminal
		// synthesis.
		select {
		case <-ctx.Done():
			return p.disconnect()
		default:
		}

		payload := dataPayload(scanner.Bytes())
		if len(payload) == 0 {
			continue
		}
		if bytes.Equal(payload, []byte("[DONE]")) {
			break
		}

		events, err := p.decoder.Decode(payload)
		if err != nil {
			return p.failStream(w, flusher, types.AsError(err))
		}
		if terr := p.emit(ctx, w, flusher, events); terr != nil {
			return terr
		}
	}

	select {
	case <-ctx.Done():
		return p.disconnect()
	default:
	}

	if terr := p.emit(ctx, w, flusher, p.decoder.Finish()); terr != nil {
		return terr
	}
	if tail := p.encoder.Finish(); len(tail) > 0 {
		if _, err := w.Write(tail); err != nil {
			return p.disconnect()
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	p.finalizeUsage()
	return nil
}

// emit translates and writes a batch of unified events, updating usage and
// first-token accounting per event.
func (p *streamPump) emit(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, events []types.StreamEvent) *types.Error {
	for _, ev := range events {
		p.observe(ev)

		frame, err := p.encoder.Encode(ev)
		if err != nil {
			return p.failStream(w, flusher, types.AsError(err))
		}
		if len(frame) == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return p.disconnect()
		default:
		}
		if _, err := w.Write(frame); err != nil {
			return p.disconnect()
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	return nil
}

// observe updates token accounting from one unified event. Output counts
// only ever grow: provider usage is preferred, tokenizer counts on emitted
// text are the fallback.
func (p *streamPump) observe(ev types.StreamEvent) {
	switch ev.Type {
	case types.EventMessageStart:
		if ev.Message != nil {
			p.mergeUsage(ev.Message.Usage)
		}
	case types.EventMessageDelta:
		if ev.Usage != nil {
			p.mergeUsage(*ev.Usage)
		}
	case types.EventContentBlockDelta:
		p.reqCtx.MarkFirstToken()
		if ev.Delta == nil {
			return
		}
		text := ev.Delta.Text
		if text == "" {
			text = ev.Delta.Thinking
		}
		if text == "" {
			text = ev.Delta.PartialJSON
		}
		if text != "" && p.counter != nil {
			if n, err := p.counter.Count(text); err == nil {
				p.countedOut += n
			}
		}
	case types.EventContentBlockStart:
		p.reqCtx.MarkFirstToken()
	}
	p.publishUsage()
}

// mergeUsage folds a provider-reported usage block into the running totals.
// Usage with zero input tokens does not displace the pre-computed estimate.
func (p *streamPump) mergeUsage(u types.Usage) {
	if u.InputTokens > 0 {
		p.usage.InputTokens = u.InputTokens
		p.usage.CacheReadTokens = u.CacheReadTokens
	}
	if u.OutputTokens > p.usage.OutputTokens {
		p.usage.OutputTokens = u.OutputTokens
		p.sawUsageOut = true
	}
}

// publishUsage refreshes the request context with the best counts so far,
// never decreasing the output count.
func (p *streamPump) publishUsage() {
	input := p.usage.InputTokens
	if input == 0 {
		input = p.inputEstimate
	}
	p.reqCtx.InputTokens = input

	output := p.usage.OutputTokens
	if !p.sawUsageOut {
		output = p.countedOut
	}
	if output > p.reqCtx.OutputTokens {
		p.reqCtx.OutputTokens = output
	}
}

func (p *streamPump) finalizeUsage() {
	p.publishUsage()
}

// disconnect records the abort and returns the taxonomy error. No further
// bytes are written.
func (p *streamPump) disconnect() *types.Error {
	p.metrics.RecordClientDisconnect(p.reqCtx.Endpoint)
	p.finalizeUsage()
	p.logger.Info("client disconnected mid-stream",
		zap.String("request_id", p.reqCtx.ID),
		zap.String("provider", p.reqCtx.ProviderLabel()),
	)
	return types.NewError(types.ErrClientDisconnect, "client disconnected")
}

// failStream emits a protocol-appropriate error event and terminates. Raw
// upstream bytes are never passed through on failure.
func (p *streamPump) failStream(w http.ResponseWriter, flusher http.Flusher, terr *types.Error) *types.Error {
	frame, err := p.encoder.Encode(types.StreamEvent{Type: types.EventError, Err: terr})
	if err == nil && len(frame) > 0 {
		if _, werr := w.Write(frame); werr == nil && flusher != nil {
			flusher.Flush()
		}
	}
	p.finalizeUsage()
	p.logger.Error("stream translation failed",
		zap.String("request_id", p.reqCtx.ID),
		zap.Error(terr),
	)
	return terr
}
