package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/gateway"
	"github.com/BaSui01/modelgate/store"
)

func TestHandleHealth(t *testing.T) {
	st, _ := newTestStore(t, nil, nil)
	sel := gateway.NewSelector(newTestCollector(), 1, zap.NewNop())
	h := NewHealthHandler(st, sel, http.DefaultClient, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleHealth(w, httptest.NewRequest("GET", "/health", nil))

	require.Equal(t, 200, w.Code)
	var resp HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestHandleDetailed(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized) // any HTTP answer counts as reachable
	}))
	defer up.Close()

	st, _ := newTestStore(t, []store.ProviderRow{
		{
			Name: "up", ProviderType: "openai", APIBase: up.URL,
			ModelMapping: `{}`, Weight: 1, IsEnabled: true,
		},
		{
			Name: "down", ProviderType: "anthropic", APIBase: "http://127.0.0.1:1",
			ModelMapping: `{}`, Weight: 1, IsEnabled: true,
		},
	}, nil)
	sel := gateway.NewSelector(newTestCollector(), 1, zap.NewNop())
	h := NewHealthHandler(st, sel, http.DefaultClient, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleDetailed(w, httptest.NewRequest("GET", "/health/detailed", nil))

	require.Equal(t, 200, w.Code)
	var resp DetailedHealth
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	require.Len(t, resp.Providers, 2)

	byName := map[string]ProviderProbe{}
	for _, p := range resp.Providers {
		byName[p.Name] = p
	}
	assert.True(t, byName["up"].Reachable)
	assert.Equal(t, 401, byName["up"].HTTPStatus)
	assert.False(t, byName["down"].Reachable)
	assert.NotEmpty(t, byName["down"].Error)
}

func TestHandleDetailed_AllHealthy(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer up.Close()

	st, _ := newTestStore(t, []store.ProviderRow{{
		Name: "up", ProviderType: "openai", APIBase: up.URL,
		ModelMapping: `{}`, Weight: 1, IsEnabled: true,
	}}, nil)
	sel := gateway.NewSelector(newTestCollector(), 1, zap.NewNop())
	h := NewHealthHandler(st, sel, http.DefaultClient, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleDetailed(w, httptest.NewRequest("GET", "/health/detailed", nil))

	var resp DetailedHealth
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}
