package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/modelgate/gateway"
	"github.com/BaSui01/modelgate/store"
)

// probeTimeout bounds each per-provider reachability check.
const probeTimeout = 5 * time.Second

// HealthHandler serves the liveness endpoint and the detailed per-provider
// probe. Health endpoints are unauthenticated.
type HealthHandler struct {
	store    *store.Store
	selector *gateway.Selector
	client   *http.Client
	logger   *zap.Logger
}

// NewHealthHandler wires the health handler. client is the shared upstream
// pool so probes exercise the same transport as real requests.
func NewHealthHandler(st *store.Store, selector *gateway.Selector, client *http.Client, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		store:    st,
		selector: selector,
		client:   client,
		logger:   logger.With(zap.String("component", "health_handler")),
	}
}

// HealthStatus is the liveness response.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ProviderProbe is one provider's reachability result.
type ProviderProbe struct {
	Name            string `json:"name"`
	Protocol        string `json:"protocol"`
	Reachable       bool   `json:"reachable"`
	HTTPStatus      int    `json:"http_status,omitempty"`
	Error           string `json:"error,omitempty"`
	TransportErrors int64  `json:"transport_errors"`
}

// DetailedHealth is the /health/detailed response.
type DetailedHealth struct {
	Status        string          `json:"status"`
	Timestamp     time.Time       `json:"timestamp"`
	ConfigVersion int64           `json:"config_version"`
	Providers     []ProviderProbe `json:"providers"`
}

// HandleHealth serves GET /health: process liveness only.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// HandleDetailed serves GET /health/detailed: concurrent reachability probes
// against every configured provider, plus accumulated transport-error counts.
func (h *HealthHandler) HandleDetailed(w http.ResponseWriter, r *http.Request) {
	snap := h.store.Current()

	probes := make([]ProviderProbe, len(snap.Providers))
	g, ctx := errgroup.WithContext(r.Context())
	for i, p := range snap.Providers {
		g.Go(func() error {
			probes[i] = h.probe(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	status := "healthy"
	for _, pr := range probes {
		if !pr.Reachable {
			status = "degraded"
			break
		}
	}

	WriteJSON(w, http.StatusOK, DetailedHealth{
		Status:        status,
		Timestamp:     time.Now(),
		ConfigVersion: snap.Version,
		Providers:     probes,
	})
}

// probe issues a bounded GET against the provider's base URL. Any HTTP
// response counts as reachable; only transport failures do not.
func (h *HealthHandler) probe(ctx context.Context, p *store.Provider) ProviderProbe {
	result := ProviderProbe{
		Name:            p.Name,
		Protocol:        string(p.Protocol),
		TransportErrors: h.selector.TransportErrors(p.ID),
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.APIBase, nil)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	resp, err := h.client.Do(req)
	if err != nil {
		result.Error = err.Error()
		h.logger.Debug("provider probe failed",
			zap.String("provider", p.Name),
			zap.Error(err),
		)
		return result
	}
	resp.Body.Close()

	result.Reachable = true
	result.HTTPStatus = resp.StatusCode
	return result
}
