package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/internal/metrics"
	"github.com/BaSui01/modelgate/store"
	"github.com/BaSui01/modelgate/tokenizer"
	"github.com/BaSui01/modelgate/transform"
	"github.com/BaSui01/modelgate/types"
)

// PipelineConfig holds the tunables the pipeline applies per request.
type PipelineConfig struct {
	// MinTokens and MaxTokens clamp the client's max_tokens request.
	MinTokens int
	MaxTokens int

	// RequestTimeout bounds the whole upstream exchange.
	RequestTimeout time.Duration

	// BillingPrefixes are billing-attribution prefixes stripped from the
	// system prompt before a cross-protocol dispatch.
	BillingPrefixes []string
}

// Pipeline executes the per-request transform flow: provider selection,
// client-to-unified-to-provider conversion (or the same-protocol bypass),
// upstream dispatch, and the response side of the same.
type Pipeline struct {
	registry   *transform.Registry
	selector   *Selector
	dispatcher *Dispatcher
	metrics    *metrics.Collector
	logger     *zap.Logger
	cfg        PipelineConfig
}

// NewPipeline wires the pipeline.
func NewPipeline(registry *transform.Registry, selector *Selector, dispatcher *Dispatcher,
	collector *metrics.Collector, cfg PipelineConfig, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		registry:   registry,
		selector:   selector,
		dispatcher: dispatcher,
		metrics:    collector,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "pipeline")),
	}
}

// Execute runs one request through the gateway. reqCtx must already carry
// the endpoint, client protocol, and model; snap is the configuration
// snapshot the request holds for its whole lifetime; body is the raw
// inbound JSON. On success the response has been written to w. The returned
// error, if any, has not been written and is the caller's to render, except
// for mid-stream failures, which are terminal.
func (p *Pipeline) Execute(w http.ResponseWriter, r *http.Request, reqCtx *types.RequestContext,
	snap *store.Snapshot, body []byte) *types.Error {

	clientT, ok := p.registry.Get(reqCtx.ClientProtocol)
	if !ok {
		return types.NewError(types.ErrInternal, "no transformer for client protocol")
	}

	provider, mapped, terr := p.selector.Pick(snap, reqCtx.Model)
	if terr != nil {
		return terr
	}
	reqCtx.Provider = provider.Name
	reqCtx.ProviderProtocol = provider.Protocol
	reqCtx.MappedModel = mapped

	if reqCtx.ClientProtocol == provider.Protocol {
		p.metrics.RecordBypass()
		return p.executeBypass(w, r, reqCtx, provider, body)
	}
	p.metrics.RecordCrossProtocol()

	providerT, ok := p.registry.Get(provider.Protocol)
	if !ok {
		return types.NewError(types.ErrInternal, "no transformer for provider protocol")
	}

	unified, terr := clientT.ParseRequest(body)
	if terr != nil {
		return terr
	}
	unified.Model = reqCtx.MappedModel
	p.sanitizeSystem(unified)
	p.clampMaxTokens(unified, provider.Protocol)
	reqCtx.Streaming = unified.Stream

	inputEstimate := tokenizer.CountRequest(&types.UnifiedRequest{
		Model:    reqCtx.Model,
		System:   unified.System,
		Messages: unified.Messages,
		Tools:    unified.Tools,
	})

	upstreamBody, terr := providerT.BuildRequest(unified)
	if terr != nil {
		return terr
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.cfg.RequestTimeout)
	defer cancel()

	resp, terr := p.dispatcher.Do(ctx, provider, reqCtx.Endpoint, reqCtx.MappedModel, upstreamBody, unified.Stream)
	if terr != nil {
		return terr
	}

	if unified.Stream {
		decoder := providerT.NewStreamDecoder(reqCtx.Model)
		encoder := clientT.NewStreamEncoder(reqCtx.Model)
		return p.runStream(w, r, reqCtx, resp.Body, decoder, encoder, inputEstimate)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.NewError(types.ErrUpstreamNetwork, "read upstream response").
			WithCause(err).WithProvider(provider.Name)
	}
	uresp, terr := providerT.ParseResponse(raw)
	if terr != nil {
		return terr.WithProvider(provider.Name)
	}
	uresp.Model = reqCtx.Model
	p.accountBlocking(reqCtx, uresp, inputEstimate)

	clientBody, terr := clientT.BuildResponse(uresp)
	if terr != nil {
		return terr
	}
	writeJSONBody(w, clientBody)
	p.recordTokens(reqCtx)
	return nil
}

// executeBypass forwards the body with only the model string rewritten.
// Vertex bodies carry no model field, so the rewrite is a no-op there.
func (p *Pipeline) executeBypass(w http.ResponseWriter, r *http.Request, reqCtx *types.RequestContext,
	provider *store.Provider, body []byte) *types.Error {

	stream := streamRequested(body)
	reqCtx.Streaming = stream

	upstreamBody := body
	if reqCtx.ClientProtocol != types.ProtocolGCPVertexAnthropic {
		upstreamBody = rewriteModelField(body, reqCtx.MappedModel)
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.cfg.RequestTimeout)
	defer cancel()

	resp, terr := p.dispatcher.Do(ctx, provider, reqCtx.Endpoint, reqCtx.MappedModel, upstreamBody, stream)
	if terr != nil {
		return terr
	}

	if stream {
		return p.runBypassStream(w, r, reqCtx, resp.Body)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.NewError(types.ErrUpstreamNetwork, "read upstream response").
			WithCause(err).WithProvider(provider.Name)
	}
	p.accountBypass(reqCtx, raw)
	writeJSONBody(w, rewriteModelField(raw, reqCtx.Model))
	p.recordTokens(reqCtx)
	return nil
}

// runStream drives the cross-protocol streaming path and records the
// streaming metrics on completion.
func (p *Pipeline) runStream(w http.ResponseWriter, r *http.Request, reqCtx *types.RequestContext,
	upstream io.ReadCloser, decoder transform.StreamDecoder, encoder transform.StreamEncoder,
	inputEstimate int) *types.Error {

	setSSEHeaders(w)
	pump := newStreamPump(decoder, encoder, tokenizer.ForModel(reqCtx.Model),
		inputEstimate, reqCtx, p.metrics, p.logger)

	terr := pump.Run(r.Context(), upstream, w)
	p.recordStreaming(reqCtx)
	if terr != nil && terr.Code == types.ErrClientDisconnect {
		return terr
	}
	// Mid-stream failures were already rendered as error events.
	return terr
}

// runBypassStream copies upstream SSE frames through verbatim, rewriting
// only the model field inside data payloads. Client disconnect aborts and
// releases the upstream.
func (p *Pipeline) runBypassStream(w http.ResponseWriter, r *http.Request, reqCtx *types.RequestContext,
	upstream io.ReadCloser) *types.Error {

	defer upstream.Close()
	setSSEHeaders(w)
	flusher, _ := w.(http.Flusher)
	ctx := r.Context()

	pump := newBypassScanner(upstream)
	for pump.Scan() {
		select {
		case <-ctx.Done():
			p.metrics.RecordClientDisconnect(reqCtx.Endpoint)
			p.recordStreaming(reqCtx)
			return types.NewError(types.ErrClientDisconnect, "client disconnected")
		default:
		}

		frame := pump.Frame(reqCtx.Model, reqCtx)
		if len(frame) == 0 {
			continue
		}
		if _, err := w.Write(frame); err != nil {
			p.metrics.RecordClientDisconnect(reqCtx.Endpoint)
			p.recordStreaming(reqCtx)
			return types.NewError(types.ErrClientDisconnect, "client disconnected")
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	p.recordStreaming(reqCtx)
	return nil
}

// sanitizeSystem strips configured billing-attribution prefixes from the
// front of the system prompt. The upstream is not the vendor the
// attribution text names.
func (p *Pipeline) sanitizeSystem(req *types.UnifiedRequest) {
	for _, prefix := range p.cfg.BillingPrefixes {
		if strings.HasPrefix(req.System, prefix) {
			req.System = strings.TrimLeft(strings.TrimPrefix(req.System, prefix), " \t\n")
			break
		}
	}
}

// clampMaxTokens bounds max_tokens to the configured window. Requests that
// omit it get the upper bound when the target protocol requires the field.
func (p *Pipeline) clampMaxTokens(req *types.UnifiedRequest, target types.Protocol) {
	if req.MaxTokens == 0 {
		if target.AnthropicFamily() {
			req.MaxTokens = p.cfg.MaxTokens
		}
		return
	}
	if req.MaxTokens < p.cfg.MinTokens {
		req.MaxTokens = p.cfg.MinTokens
	}
	if req.MaxTokens > p.cfg.MaxTokens {
		req.MaxTokens = p.cfg.MaxTokens
	}
}

// accountBlocking fills the request context's token counts from a blocking
// response, falling back to the estimate when the upstream omitted usage.
func (p *Pipeline) accountBlocking(reqCtx *types.RequestContext, resp *types.UnifiedResponse, estimate int) {
	reqCtx.InputTokens = resp.Usage.InputTokens
	if reqCtx.InputTokens == 0 {
		reqCtx.InputTokens = estimate
	}
	reqCtx.OutputTokens = resp.Usage.OutputTokens
	if reqCtx.OutputTokens == 0 {
		if n, err := tokenizer.ForModel(reqCtx.Model).Count(resp.TextContent()); err == nil {
			reqCtx.OutputTokens = n
		}
	}
}

// accountBypass extracts usage from a same-protocol blocking body without a
// full parse.
func (p *Pipeline) accountBypass(reqCtx *types.RequestContext, raw []byte) {
	var probe struct {
		Usage *struct {
			InputTokens      int `json:"input_tokens"`
			OutputTokens     int `json:"output_tokens"`
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Usage == nil {
		return
	}
	reqCtx.InputTokens = probe.Usage.InputTokens + probe.Usage.PromptTokens
	reqCtx.OutputTokens = probe.Usage.OutputTokens + probe.Usage.CompletionTokens
}

func (p *Pipeline) recordTokens(reqCtx *types.RequestContext) {
	if reqCtx.InputTokens == 0 && reqCtx.OutputTokens == 0 {
		return
	}
	p.metrics.RecordTokens(reqCtx.Model, reqCtx.ProviderLabel(), reqCtx.CredentialLabel(),
		string(reqCtx.ClientProtocol), reqCtx.InputTokens, reqCtx.OutputTokens)
}

func (p *Pipeline) recordStreaming(reqCtx *types.RequestContext) {
	p.recordTokens(reqCtx)
	if ttft := reqCtx.TTFT(); ttft > 0 {
		p.metrics.RecordFirstToken(reqCtx.Model, reqCtx.ProviderLabel(), ttft)
	}
	if tps := reqCtx.TokensPerSecond(time.Now()); tps > 0 {
		p.metrics.RecordTokensPerSecond(reqCtx.Model, reqCtx.ProviderLabel(), tps)
	}
}

// streamRequested peeks at the stream flag without a full parse.
func streamRequested(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(body, &probe)
	return probe.Stream
}

// rewriteModelField replaces the top-level model string in a JSON body.
// Bodies that do not parse are returned unchanged.
func rewriteModelField(body []byte, model string) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return body
	}
	if _, ok := obj["model"]; !ok {
		return body
	}
	quoted, _ := json.Marshal(model)
	obj["model"] = quoted
	out, err := json.Marshal(obj)
	if err != nil {
		return body
	}
	return out
}

func setSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func writeJSONBody(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
