package handlers

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/modelgate/gateway"
	"github.com/BaSui01/modelgate/store"
	"github.com/BaSui01/modelgate/types"
)

// AdminHandler serves the CRUD API for providers and credentials under
// /admin/v1/. Every mutation bumps the config version and reloads the
// store snapshot, so changes take effect without a restart.
type AdminHandler struct {
	db       *gorm.DB
	store    *store.Store
	adminKey string
	logger   *zap.Logger
}

// NewAdminHandler wires the admin surface. An empty adminKey disables it
// entirely.
func NewAdminHandler(db *gorm.DB, st *store.Store, adminKey string, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		db:       db,
		store:    st,
		adminKey: adminKey,
		logger:   logger.With(zap.String("component", "admin_handler")),
	}
}

// Register installs the admin routes on the mux.
func (h *AdminHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/v1/providers", h.guard(h.listProviders))
	mux.HandleFunc("POST /admin/v1/providers", h.guard(h.createProvider))
	mux.HandleFunc("GET /admin/v1/providers/{id}", h.guard(h.getProvider))
	mux.HandleFunc("PUT /admin/v1/providers/{id}", h.guard(h.updateProvider))
	mux.HandleFunc("DELETE /admin/v1/providers/{id}", h.guard(h.deleteProvider))

	mux.HandleFunc("GET /admin/v1/keys", h.guard(h.listKeys))
	mux.HandleFunc("POST /admin/v1/keys", h.guard(h.createKey))
	mux.HandleFunc("GET /admin/v1/keys/{id}", h.guard(h.getKey))
	mux.HandleFunc("PUT /admin/v1/keys/{id}", h.guard(h.updateKey))
	mux.HandleFunc("DELETE /admin/v1/keys/{id}", h.guard(h.deleteKey))
}

// guard enforces the static admin key. The comparison is constant-time.
func (h *AdminHandler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.adminKey == "" {
			WriteJSON(w, http.StatusForbidden, map[string]string{"error": "admin API disabled"})
			return
		}
		token := adminToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.adminKey)) != 1 {
			WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid admin key"})
			return
		}
		next(w, r)
	}
}

func adminToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

// =============================================================================
// Providers
// =============================================================================

type providerPayload struct {
	Name             string          `json:"name"`
	ProviderType     string          `json:"provider_type"`
	APIBase          string          `json:"api_base"`
	APIKey           string          `json:"api_key"`
	ModelMapping     json.RawMessage `json:"model_mapping"`
	Weight           int             `json:"weight"`
	IsEnabled        *bool           `json:"is_enabled"`
	AnthropicVersion string          `json:"anthropic_version"`
	GCPProject       string          `json:"gcp_project"`
	GCPLocation      string          `json:"gcp_location"`
	GCPPublisher     string          `json:"gcp_publisher"`
}

// providerView is the client-facing form; the upstream secret is never
// echoed back.
type providerView struct {
	ID               uint            `json:"id"`
	Name             string          `json:"name"`
	ProviderType     string          `json:"provider_type"`
	APIBase          string          `json:"api_base"`
	APIKeySet        bool            `json:"api_key_set"`
	ModelMapping     json.RawMessage `json:"model_mapping"`
	Weight           int             `json:"weight"`
	IsEnabled        bool            `json:"is_enabled"`
	AnthropicVersion string          `json:"anthropic_version,omitempty"`
	GCPProject       string          `json:"gcp_project,omitempty"`
	GCPLocation      string          `json:"gcp_location,omitempty"`
	GCPPublisher     string          `json:"gcp_publisher,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func providerToView(row store.ProviderRow) providerView {
	mapping := row.ModelMapping
	if mapping == "" {
		mapping = "{}"
	}
	return providerView{
		ID:               row.ID,
		Name:             row.Name,
		ProviderType:     row.ProviderType,
		APIBase:          row.APIBase,
		APIKeySet:        row.APIKey != "",
		ModelMapping:     json.RawMessage(mapping),
		Weight:           row.Weight,
		IsEnabled:        row.IsEnabled,
		AnthropicVersion: row.AnthropicVersion,
		GCPProject:       row.GCPProject,
		GCPLocation:      row.GCPLocation,
		GCPPublisher:     row.GCPPublisher,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
}

func (p *providerPayload) validate() error {
	if p.Name == "" {
		return errors.New("name is required")
	}
	if !types.Protocol(p.ProviderType).Valid() {
		return errors.New("unknown provider_type " + p.ProviderType)
	}
	if p.APIBase == "" {
		return errors.New("api_base is required")
	}
	mapping := p.ModelMapping
	if len(mapping) == 0 {
		mapping = json.RawMessage("{}")
	}
	if _, err := store.ParseModelMap(mapping); err != nil {
		return err
	}
	return nil
}

func (h *AdminHandler) listProviders(w http.ResponseWriter, r *http.Request) {
	var rows []store.ProviderRow
	if err := h.db.WithContext(r.Context()).Order("id").Find(&rows).Error; err != nil {
		h.dbError(w, "list providers", err)
		return
	}
	views := make([]providerView, 0, len(rows))
	for _, row := range rows {
		views = append(views, providerToView(row))
	}
	WriteJSON(w, http.StatusOK, views)
}

func (h *AdminHandler) getProvider(w http.ResponseWriter, r *http.Request) {
	row, ok := h.findProvider(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, providerToView(row))
}

func (h *AdminHandler) createProvider(w http.ResponseWriter, r *http.Request) {
	var payload providerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if err := payload.validate(); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	row := store.ProviderRow{
		Name:             payload.Name,
		ProviderType:     payload.ProviderType,
		APIBase:          payload.APIBase,
		APIKey:           payload.APIKey,
		ModelMapping:     normalizeJSON(payload.ModelMapping, "{}"),
		Weight:           max(payload.Weight, 1),
		IsEnabled:        payload.IsEnabled == nil || *payload.IsEnabled,
		AnthropicVersion: payload.AnthropicVersion,
		GCPProject:       payload.GCPProject,
		GCPLocation:      payload.GCPLocation,
		GCPPublisher:     payload.GCPPublisher,
	}

	if err := h.mutate(r, func(tx *gorm.DB) error {
		return tx.Create(&row).Error
	}); err != nil {
		h.dbError(w, "create provider", err)
		return
	}
	WriteJSON(w, http.StatusCreated, providerToView(row))
}

func (h *AdminHandler) updateProvider(w http.ResponseWriter, r *http.Request) {
	row, ok := h.findProvider(w, r)
	if !ok {
		return
	}
	var payload providerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if err := payload.validate(); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	row.Name = payload.Name
	row.ProviderType = payload.ProviderType
	row.APIBase = payload.APIBase
	if payload.APIKey != "" {
		row.APIKey = payload.APIKey
	}
	row.ModelMapping = normalizeJSON(payload.ModelMapping, "{}")
	row.Weight = max(payload.Weight, 1)
	if payload.IsEnabled != nil {
		row.IsEnabled = *payload.IsEnabled
	}
	row.AnthropicVersion = payload.AnthropicVersion
	row.GCPProject = payload.GCPProject
	row.GCPLocation = payload.GCPLocation
	row.GCPPublisher = payload.GCPPublisher

	if err := h.mutate(r, func(tx *gorm.DB) error {
		return tx.Save(&row).Error
	}); err != nil {
		h.dbError(w, "update provider", err)
		return
	}
	WriteJSON(w, http.StatusOK, providerToView(row))
}

func (h *AdminHandler) deleteProvider(w http.ResponseWriter, r *http.Request) {
	row, ok := h.findProvider(w, r)
	if !ok {
		return
	}
	if err := h.mutate(r, func(tx *gorm.DB) error {
		return tx.Delete(&row).Error
	}); err != nil {
		h.dbError(w, "delete provider", err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *AdminHandler) findProvider(w http.ResponseWriter, r *http.Request) (store.ProviderRow, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return store.ProviderRow{}, false
	}
	var row store.ProviderRow
	if err := h.db.WithContext(r.Context()).First(&row, uint(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			WriteJSON(w, http.StatusNotFound, map[string]string{"error": "provider not found"})
		} else {
			h.dbError(w, "load provider", err)
		}
		return store.ProviderRow{}, false
	}
	return row, true
}

// =============================================================================
// Credentials
// =============================================================================

type keyPayload struct {
	Name          string          `json:"name"`
	AllowedModels json.RawMessage `json:"allowed_models"`
	RateLimitRPS  *int            `json:"rate_limit_rps"`
	BurstSize     *int            `json:"burst_size"`
	IsEnabled     *bool           `json:"is_enabled"`
}

type keyView struct {
	ID            uint            `json:"id"`
	Name          string          `json:"name"`
	AllowedModels json.RawMessage `json:"allowed_models"`
	RateLimitRPS  *int            `json:"rate_limit_rps,omitempty"`
	BurstSize     *int            `json:"burst_size,omitempty"`
	IsEnabled     bool            `json:"is_enabled"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`

	// Key carries the raw credential exactly once, on creation. Only its
	// SHA-256 digest is persisted.
	Key string `json:"key,omitempty"`
}

func keyToView(row store.MasterKeyRow) keyView {
	allowed := row.AllowedModels
	if allowed == "" {
		allowed = "[]"
	}
	return keyView{
		ID:            row.ID,
		Name:          row.Name,
		AllowedModels: json.RawMessage(allowed),
		RateLimitRPS:  row.RateLimitRPS,
		BurstSize:     row.BurstSize,
		IsEnabled:     row.IsEnabled,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
}

func (p *keyPayload) validate() error {
	if p.Name == "" {
		return errors.New("name is required")
	}
	allowed := p.AllowedModels
	if len(allowed) == 0 {
		allowed = json.RawMessage("[]")
	}
	if _, err := store.ParseModelPatterns(allowed); err != nil {
		return err
	}
	if p.RateLimitRPS != nil && *p.RateLimitRPS < 0 {
		return errors.New("rate_limit_rps must be non-negative")
	}
	return nil
}

func (h *AdminHandler) listKeys(w http.ResponseWriter, r *http.Request) {
	var rows []store.MasterKeyRow
	if err := h.db.WithContext(r.Context()).Order("id").Find(&rows).Error; err != nil {
		h.dbError(w, "list keys", err)
		return
	}
	views := make([]keyView, 0, len(rows))
	for _, row := range rows {
		views = append(views, keyToView(row))
	}
	WriteJSON(w, http.StatusOK, views)
}

func (h *AdminHandler) getKey(w http.ResponseWriter, r *http.Request) {
	row, ok := h.findKey(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, keyToView(row))
}

func (h *AdminHandler) createKey(w http.ResponseWriter, r *http.Request) {
	var payload keyPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if err := payload.validate(); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	rawKey, err := generateKey()
	if err != nil {
		WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "key generation failed"})
		return
	}

	row := store.MasterKeyRow{
		Name:          payload.Name,
		KeyHash:       gateway.HashKey(rawKey),
		AllowedModels: normalizeJSON(payload.AllowedModels, "[]"),
		RateLimitRPS:  payload.RateLimitRPS,
		BurstSize:     payload.BurstSize,
		IsEnabled:     payload.IsEnabled == nil || *payload.IsEnabled,
	}

	if err := h.mutate(r, func(tx *gorm.DB) error {
		return tx.Create(&row).Error
	}); err != nil {
		h.dbError(w, "create key", err)
		return
	}

	view := keyToView(row)
	view.Key = rawKey
	WriteJSON(w, http.StatusCreated, view)
}

func (h *AdminHandler) updateKey(w http.ResponseWriter, r *http.Request) {
	row, ok := h.findKey(w, r)
	if !ok {
		return
	}
	var payload keyPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if err := payload.validate(); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	row.Name = payload.Name
	row.AllowedModels = normalizeJSON(payload.AllowedModels, "[]")
	row.RateLimitRPS = payload.RateLimitRPS
	row.BurstSize = payload.BurstSize
	if payload.IsEnabled != nil {
		row.IsEnabled = *payload.IsEnabled
	}

	if err := h.mutate(r, func(tx *gorm.DB) error {
		return tx.Save(&row).Error
	}); err != nil {
		h.dbError(w, "update key", err)
		return
	}
	WriteJSON(w, http.StatusOK, keyToView(row))
}

func (h *AdminHandler) deleteKey(w http.ResponseWriter, r *http.Request) {
	row, ok := h.findKey(w, r)
	if !ok {
		return
	}
	if err := h.mutate(r, func(tx *gorm.DB) error {
		return tx.Delete(&row).Error
	}); err != nil {
		h.dbError(w, "delete key", err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *AdminHandler) findKey(w http.ResponseWriter, r *http.Request) (store.MasterKeyRow, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return store.MasterKeyRow{}, false
	}
	var row store.MasterKeyRow
	if err := h.db.WithContext(r.Context()).First(&row, uint(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			WriteJSON(w, http.StatusNotFound, map[string]string{"error": "key not found"})
		} else {
			h.dbError(w, "load key", err)
		}
		return store.MasterKeyRow{}, false
	}
	return row, true
}

// =============================================================================
// Shared plumbing
// =============================================================================

// mutate runs fn and the version bump in one transaction, then reloads the
// snapshot so the change is live immediately.
func (h *AdminHandler) mutate(r *http.Request, fn func(tx *gorm.DB) error) error {
	err := h.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		if err := fn(tx); err != nil {
			return err
		}
		return store.BumpVersion(tx)
	})
	if err != nil {
		return err
	}
	if _, err := h.store.Reload(r.Context()); err != nil {
		h.logger.Error("snapshot reload after admin mutation failed", zap.Error(err))
	}
	return nil
}

func (h *AdminHandler) dbError(w http.ResponseWriter, op string, err error) {
	h.logger.Error("admin operation failed", zap.String("op", op), zap.Error(err))
	WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": op + " failed"})
}

func normalizeJSON(raw json.RawMessage, empty string) string {
	if len(raw) == 0 {
		return empty
	}
	return string(raw)
}

// generateKey produces a new client credential: 32 random bytes, hex
// encoded, with a recognizable prefix.
func generateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "mg-" + hex.EncodeToString(b), nil
}
