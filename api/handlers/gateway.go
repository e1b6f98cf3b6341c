package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/gateway"
	"github.com/BaSui01/modelgate/internal/metrics"
	"github.com/BaSui01/modelgate/requestlog"
	"github.com/BaSui01/modelgate/tokenizer"
	"github.com/BaSui01/modelgate/transform"
	"github.com/BaSui01/modelgate/types"
)

// Config holds the handler-level tunables.
type Config struct {
	// ProviderSuffix is an optional prefix (e.g. "openrouter/") stripped
	// from inbound model names before routing.
	ProviderSuffix string

	// LogBodies enables truncated request/response bodies in the JSONL log.
	LogBodies bool
}

// GatewayHandler serves the protocol proxy endpoints. Each request is
// authenticated, routed through the pipeline, and accounted in metrics and
// the request log.
type GatewayHandler struct {
	gate     *gateway.Gate
	pipeline *gateway.Pipeline
	registry *transform.Registry
	metrics  *metrics.Collector
	sink     *requestlog.Sink // nil when the JSONL log is disabled
	logger   *zap.Logger
	cfg      Config
}

// NewGatewayHandler wires the proxy handler.
func NewGatewayHandler(gate *gateway.Gate, pipeline *gateway.Pipeline, registry *transform.Registry,
	collector *metrics.Collector, sink *requestlog.Sink, cfg Config, logger *zap.Logger) *GatewayHandler {
	return &GatewayHandler{
		gate:     gate,
		pipeline: pipeline,
		registry: registry,
		metrics:  collector,
		sink:     sink,
		logger:   logger.With(zap.String("component", "gateway_handler")),
		cfg:      cfg,
	}
}

// HandleProxy serves the fixed protocol endpoints: /v1/chat/completions,
// /v1/completions, /v1/messages, /v1/responses.
func (h *GatewayHandler) HandleProxy(w http.ResponseWriter, r *http.Request) {
	proto, ok := transform.Detect(r.URL.Path)
	if !ok {
		WriteJSON(w, http.StatusNotFound, map[string]string{"error": "unknown endpoint"})
		return
	}

	body, terr := readBody(r)
	if terr != nil {
		gateway.WriteError(w, proto, terr)
		return
	}

	h.serve(w, r, proto, h.stripSuffix(peekModel(body)), body)
}

// HandleVertex serves the GCP-Vertex-style route. The model comes from the
// URL path, not the body.
func (h *GatewayHandler) HandleVertex(w http.ResponseWriter, r *http.Request) {
	model, terr := parseVertexPath(r.URL.Path)
	if terr != nil {
		gateway.WriteError(w, types.ProtocolGCPVertexAnthropic, terr)
		return
	}

	body, terr := readBody(r)
	if terr != nil {
		gateway.WriteError(w, types.ProtocolGCPVertexAnthropic, terr)
		return
	}

	h.serve(w, r, types.ProtocolGCPVertexAnthropic, h.stripSuffix(model), body)
}

// HandleCountTokens serves POST /v1/messages/count_tokens: an Anthropic-shaped
// estimation that never reaches an upstream.
func (h *GatewayHandler) HandleCountTokens(w http.ResponseWriter, r *http.Request) {
	body, terr := readBody(r)
	if terr != nil {
		gateway.WriteError(w, types.ProtocolAnthropic, terr)
		return
	}

	model := h.stripSuffix(peekModel(body))
	if _, terr := h.gate.Authenticate(h.gate.Snapshot(), r, model); terr != nil {
		gateway.WriteError(w, types.ProtocolAnthropic, terr)
		return
	}

	t, ok := h.registry.Get(types.ProtocolAnthropic)
	if !ok {
		gateway.WriteError(w, types.ProtocolAnthropic,
			types.NewError(types.ErrInternal, "anthropic transformer unavailable"))
		return
	}
	unified, terr := t.ParseRequest(body)
	if terr != nil {
		gateway.WriteError(w, types.ProtocolAnthropic, terr)
		return
	}
	unified.Model = model

	WriteJSON(w, http.StatusOK, map[string]int{
		"input_tokens": tokenizer.CountRequest(unified),
	})
}

// serve runs the shared proxy flow: authenticate, execute, account. The
// configuration snapshot is resolved once here and held for the whole
// request, so a reload in flight never mixes versions between
// authentication and routing.
func (h *GatewayHandler) serve(w http.ResponseWriter, r *http.Request, proto types.Protocol, model string, body []byte) {
	reqCtx := &types.RequestContext{
		ID:             uuid.NewString(),
		Endpoint:       r.URL.Path,
		ClientProtocol: proto,
		Model:          model,
		Start:          time.Now(),
	}

	h.metrics.RequestStarted()
	defer h.metrics.RequestFinished()

	mrw := NewResponseWriter(w)
	snap := h.gate.Snapshot()

	cred, terr := h.gate.Authenticate(snap, r, model)
	if terr != nil {
		h.fail(mrw, r, reqCtx, body, terr)
		return
	}
	reqCtx.Credential = cred.Name

	terr = h.pipeline.Execute(mrw, r, reqCtx, snap, body)
	if terr != nil {
		h.fail(mrw, r, reqCtx, body, terr)
		return
	}
	h.finish(mrw, r, reqCtx, body)
}

// fail renders the error unless the stream already started, then accounts
// the request.
func (h *GatewayHandler) fail(mrw *ResponseWriter, r *http.Request, reqCtx *types.RequestContext,
	body []byte, terr *types.Error) {

	reqCtx.ErrorCode = terr.Code
	if !mrw.Written {
		gateway.WriteError(mrw, reqCtx.ClientProtocol, terr)
	}

	h.logger.Warn("request failed",
		zap.String("request_id", reqCtx.ID),
		zap.String("endpoint", reqCtx.Endpoint),
		zap.String("model", reqCtx.Model),
		zap.String("provider", reqCtx.Provider),
		zap.String("code", string(terr.Code)),
		zap.Error(terr),
	)
	h.finish(mrw, r, reqCtx, body)
}

// finish records request metrics and emits the JSONL record.
func (h *GatewayHandler) finish(mrw *ResponseWriter, r *http.Request, reqCtx *types.RequestContext, body []byte) {
	duration := time.Since(reqCtx.Start)
	h.metrics.RecordRequest(reqCtx.Endpoint, string(reqCtx.ClientProtocol), mrw.StatusCode, duration)

	if h.sink == nil {
		return
	}
	rec := requestlog.Record{
		Time:           reqCtx.Start,
		RequestID:      reqCtx.ID,
		Endpoint:       reqCtx.Endpoint,
		Status:         mrw.StatusCode,
		DurationMS:     duration.Milliseconds(),
		Model:          reqCtx.Model,
		MappedModel:    reqCtx.MappedModel,
		Provider:       reqCtx.Provider,
		Credential:     reqCtx.Credential,
		ClientProtocol: string(reqCtx.ClientProtocol),
		Streaming:      reqCtx.Streaming,
		InputTokens:    reqCtx.InputTokens,
		OutputTokens:   reqCtx.OutputTokens,
		ErrorCode:      string(reqCtx.ErrorCode),
		Headers:        gateway.MaskHeaders(r.Header),
	}
	if h.cfg.LogBodies {
		rec.RequestBody = requestlog.TruncateBody(body)
	}
	h.sink.Write(rec)
}

// stripSuffix removes the configured provider prefix from a model name.
func (h *GatewayHandler) stripSuffix(model string) string {
	if h.cfg.ProviderSuffix != "" {
		return strings.TrimPrefix(model, h.cfg.ProviderSuffix)
	}
	return model
}

// parseVertexPath extracts the model from a Vertex-style path:
//
//	/models/gcp-vertex/v1/projects/{p}/locations/{l}/publishers/{pub}/models/{model}:{rawPredict|streamRawPredict}
func parseVertexPath(path string) (string, *types.Error) {
	const prefix = "/models/gcp-vertex/v1/projects/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok {
		return "", types.NewError(types.ErrBadRequest, "malformed vertex path")
	}

	segs := strings.Split(rest, "/")
	// {p}/locations/{l}/publishers/{pub}/models/{model}:{action}
	if len(segs) != 7 || segs[1] != "locations" || segs[3] != "publishers" || segs[5] != "models" {
		return "", types.NewError(types.ErrBadRequest, "malformed vertex path")
	}

	model, action, ok := strings.Cut(segs[6], ":")
	if !ok || model == "" {
		return "", types.NewError(types.ErrBadRequest, "malformed vertex model segment")
	}
	if action != "rawPredict" && action != "streamRawPredict" {
		return "", types.NewError(types.ErrBadRequest, "unknown vertex action "+action)
	}
	return model, nil
}
