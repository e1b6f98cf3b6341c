package store

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(openTestDB(t), zap.NewNop())
	require.NoError(t, s.AutoMigrate())
	return s
}

func intPtr(n int) *int { return &n }

func TestStore_EmptyUntilReload(t *testing.T) {
	s := newTestStore(t)

	snap := s.Current()
	require.NotNil(t, snap)
	assert.Equal(t, int64(0), snap.Version)
	assert.Empty(t, snap.Providers)
	assert.True(t, snap.Open())
}

func TestStore_Reload(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.db.Create(&ProviderRow{
		Name:         "openai-main",
		ProviderType: "openai",
		APIBase:      "https://api.openai.com",
		APIKey:       "sk-upstream",
		ModelMapping: `{"gpt-4o": "gpt-4o-2024-11-20", "gpt-*": "gpt-4o-mini"}`,
		Weight:       2,
		IsEnabled:    true,
	}).Error)
	require.NoError(t, s.db.Create(&ProviderRow{
		Name:         "disabled",
		ProviderType: "openai",
		APIBase:      "https://disabled.example.com",
		IsEnabled:    false,
	}).Error)
	require.NoError(t, s.db.Create(&MasterKeyRow{
		Name:          "team-a",
		KeyHash:       "ab12",
		AllowedModels: `["gpt-*"]`,
		RateLimitRPS:  intPtr(10),
		IsEnabled:     true,
	}).Error)
	require.NoError(t, s.db.Create(&ConfigVersionRow{ID: 1, Version: 7}).Error)

	snap, err := s.Reload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(7), snap.Version)
	require.Len(t, snap.Providers, 1)
	assert.Equal(t, "openai-main", snap.Providers[0].Name)
	assert.Equal(t, 2, snap.Providers[0].Weight)

	target, ok := snap.Providers[0].Models.Resolve("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-2024-11-20", target)

	require.Len(t, snap.Credentials, 1)
	cred, ok := snap.CredentialByHash("ab12")
	require.True(t, ok)
	assert.Equal(t, "team-a", cred.Name)
	assert.Equal(t, 10, cred.RateLimitRPS)
	// Burst defaults to RPS when unset.
	assert.Equal(t, 10, cred.BurstSize)
	assert.False(t, snap.Open())

	// Same pointer until the next reload.
	assert.Same(t, snap, s.Current())
}

func TestStore_ReloadKeepsOldSnapshotOnError(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.db.Create(&ProviderRow{
		Name:         "good",
		ProviderType: "anthropic",
		APIBase:      "https://api.anthropic.com",
		ModelMapping: `{"claude-*": "claude-sonnet-4"}`,
		IsEnabled:    true,
	}).Error)
	first, err := s.Reload(context.Background())
	require.NoError(t, err)

	// A row with a broken pattern must not replace the working snapshot.
	require.NoError(t, s.db.Create(&ProviderRow{
		Name:         "broken",
		ProviderType: "anthropic",
		APIBase:      "https://api.anthropic.com",
		ModelMapping: `{"bad[regex": "x"}`,
		IsEnabled:    true,
	}).Error)

	_, err = s.Reload(context.Background())
	require.Error(t, err)
	assert.Same(t, first, s.Current())
}

func TestStore_ReloadRejectsUnknownProtocol(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.db.Create(&ProviderRow{
		Name:         "mystery",
		ProviderType: "grpc",
		APIBase:      "https://example.com",
		IsEnabled:    true,
	}).Error)

	_, err := s.Reload(context.Background())
	assert.Error(t, err)
}

func TestStore_WeightFloor(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.db.Create(&ProviderRow{
		Name:         "zero-weight",
		ProviderType: "openai",
		APIBase:      "https://example.com",
		Weight:       0,
		IsEnabled:    true,
	}).Error)

	snap, err := s.Reload(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Providers, 1)
	assert.Equal(t, 1, snap.Providers[0].Weight)
}

func TestBumpVersion(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, BumpVersion(s.db))
	snap, err := s.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)

	require.NoError(t, BumpVersion(s.db))
	require.NoError(t, BumpVersion(s.db))
	snap, err = s.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Version)
}
