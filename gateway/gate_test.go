package gateway

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/modelgate/store"
	"github.com/BaSui01/modelgate/types"
)

// newTestStore loads the given rows into an in-memory store and reloads it.
func newTestStore(t *testing.T, providers []store.ProviderRow, keys []store.MasterKeyRow) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	st := store.New(db, zap.NewNop())
	require.NoError(t, st.AutoMigrate())
	for i := range providers {
		require.NoError(t, db.Create(&providers[i]).Error)
	}
	for i := range keys {
		require.NoError(t, db.Create(&keys[i]).Error)
	}
	_, err = st.Reload(context.Background())
	require.NoError(t, err)
	return st
}

func intPtr(n int) *int { return &n }

const testRawKey = "mg-testkey"

func testKeyRow(name string) store.MasterKeyRow {
	return store.MasterKeyRow{
		Name:      name,
		KeyHash:   HashKey(testRawKey),
		IsEnabled: true,
	}
}

func TestGate_OpenMode(t *testing.T) {
	st := newTestStore(t, nil, nil)
	gate := NewGate(st, NewRateLimiter(), zap.NewNop())

	r := httptest.NewRequest("POST", "/v1/messages", nil)
	cred, terr := gate.Authenticate(gate.Snapshot(), r, "claude-sonnet-4")
	require.Nil(t, terr)
	require.NotNil(t, cred)
	assert.Empty(t, cred.Name)
}

func TestGate_MissingKey(t *testing.T) {
	st := newTestStore(t, nil, []store.MasterKeyRow{testKeyRow("k")})
	gate := NewGate(st, NewRateLimiter(), zap.NewNop())

	r := httptest.NewRequest("POST", "/v1/messages", nil)
	_, terr := gate.Authenticate(gate.Snapshot(), r, "claude-sonnet-4")
	require.NotNil(t, terr)
	assert.Equal(t, types.ErrUnauthorized, terr.Code)
	assert.Equal(t, 401, terr.HTTPStatus)
}

func TestGate_InvalidKey(t *testing.T) {
	st := newTestStore(t, nil, []store.MasterKeyRow{testKeyRow("k")})
	gate := NewGate(st, NewRateLimiter(), zap.NewNop())

	r := httptest.NewRequest("POST", "/v1/messages", nil)
	r.Header.Set("Authorization", "Bearer wrong-key")
	_, terr := gate.Authenticate(gate.Snapshot(), r, "claude-sonnet-4")
	require.NotNil(t, terr)
	assert.Equal(t, types.ErrUnauthorized, terr.Code)
}

func TestGate_BearerAndAPIKeyHeaders(t *testing.T) {
	st := newTestStore(t, nil, []store.MasterKeyRow{testKeyRow("k")})
	gate := NewGate(st, NewRateLimiter(), zap.NewNop())

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer "+testRawKey)
	cred, terr := gate.Authenticate(gate.Snapshot(), r, "")
	require.Nil(t, terr)
	assert.Equal(t, "k", cred.Name)

	r = httptest.NewRequest("POST", "/v1/messages", nil)
	r.Header.Set("x-api-key", testRawKey)
	cred, terr = gate.Authenticate(gate.Snapshot(), r, "")
	require.Nil(t, terr)
	assert.Equal(t, "k", cred.Name)
}

func TestGate_ModelAllowList(t *testing.T) {
	row := testKeyRow("k")
	row.AllowedModels = `["claude-*"]`
	st := newTestStore(t, nil, []store.MasterKeyRow{row})
	gate := NewGate(st, NewRateLimiter(), zap.NewNop())

	r := httptest.NewRequest("POST", "/v1/messages", nil)
	r.Header.Set("x-api-key", testRawKey)

	_, terr := gate.Authenticate(gate.Snapshot(), r, "claude-opus-4")
	assert.Nil(t, terr)

	_, terr = gate.Authenticate(gate.Snapshot(), r, "gpt-4o")
	require.NotNil(t, terr)
	assert.Equal(t, types.ErrForbidden, terr.Code)

	// Endpoints without a model skip the allow-list check.
	_, terr = gate.Authenticate(gate.Snapshot(), r, "")
	assert.Nil(t, terr)
}

func TestGate_RateLimit(t *testing.T) {
	row := testKeyRow("k")
	row.RateLimitRPS = intPtr(1)
	row.BurstSize = intPtr(1)
	st := newTestStore(t, nil, []store.MasterKeyRow{row})
	gate := NewGate(st, NewRateLimiter(), zap.NewNop())

	r := httptest.NewRequest("POST", "/v1/messages", nil)
	r.Header.Set("x-api-key", testRawKey)

	_, terr := gate.Authenticate(gate.Snapshot(), r, "")
	require.Nil(t, terr)

	_, terr = gate.Authenticate(gate.Snapshot(), r, "")
	require.NotNil(t, terr)
	assert.Equal(t, types.ErrRateLimited, terr.Code)
	assert.Equal(t, 429, terr.HTTPStatus)
}

func TestGate_HeldSnapshotSurvivesReload(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	st := store.New(db, zap.NewNop())
	require.NoError(t, st.AutoMigrate())

	rowA := testKeyRow("team-a")
	rowB := store.MasterKeyRow{Name: "team-b", KeyHash: HashKey("mg-other"), IsEnabled: true}
	require.NoError(t, db.Create(&rowA).Error)
	require.NoError(t, db.Create(&rowB).Error)
	_, err = st.Reload(context.Background())
	require.NoError(t, err)

	gate := NewGate(st, NewRateLimiter(), zap.NewNop())
	snap := gate.Snapshot()

	// A reload that disables the key mid-request must not affect a request
	// already holding its snapshot.
	require.NoError(t, db.Model(&store.MasterKeyRow{}).
		Where("name = ?", "team-a").Update("is_enabled", false).Error)
	_, err = st.Reload(context.Background())
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/v1/messages", nil)
	r.Header.Set("x-api-key", testRawKey)

	cred, terr := gate.Authenticate(snap, r, "")
	require.Nil(t, terr)
	assert.Equal(t, "team-a", cred.Name)

	// A fresh snapshot sees the disabled key.
	_, terr = gate.Authenticate(gate.Snapshot(), r, "")
	require.NotNil(t, terr)
	assert.Equal(t, types.ErrUnauthorized, terr.Code)
}

func TestHashKey(t *testing.T) {
	// SHA-256 hex, stable across calls, never the raw key.
	h := HashKey("secret")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashKey("secret"))
	assert.NotEqual(t, h, HashKey("secret2"))
	assert.NotContains(t, h, "secret")
}
