package store

import "time"

// ProviderRow is the persisted form of an upstream provider.
type ProviderRow struct {
	ID           uint   `gorm:"primaryKey"`
	Name         string `gorm:"size:255;uniqueIndex;not null"`
	ProviderType string `gorm:"size:64;not null"` // openai, anthropic, gcp-vertex-anthropic, response-api
	APIBase      string `gorm:"size:1024;not null"`
	APIKey       string `gorm:"size:1024"`
	// ModelMapping is a JSON object mapping client-facing model name or
	// pattern to the upstream model name. Key order is significant.
	ModelMapping string `gorm:"type:jsonb"`
	Weight       int    `gorm:"default:1"`
	IsEnabled    bool   `gorm:"default:true;index"`

	// Anthropic-specific.
	AnthropicVersion string `gorm:"size:64"`

	// GCP-Vertex-specific.
	GCPProject   string `gorm:"size:255"`
	GCPLocation  string `gorm:"size:255"`
	GCPPublisher string `gorm:"size:255"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName keeps the table name aligned with the migration files.
func (ProviderRow) TableName() string { return "providers" }

// MasterKeyRow is the persisted form of a client-facing credential. The raw
// key is never stored; only its SHA-256 hex digest.
type MasterKeyRow struct {
	ID      uint   `gorm:"primaryKey"`
	Name    string `gorm:"size:255;uniqueIndex;not null"`
	KeyHash string `gorm:"size:64;uniqueIndex;not null"`
	// AllowedModels is a JSON array of model patterns; empty means all.
	AllowedModels string `gorm:"type:jsonb"`
	// RateLimitRPS nil means unlimited.
	RateLimitRPS *int `gorm:""`
	BurstSize    *int `gorm:""`
	IsEnabled    bool `gorm:"default:true;index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (MasterKeyRow) TableName() string { return "master_keys" }

// ConfigVersionRow is the single-row version counter bumped on any admin
// mutation.
type ConfigVersionRow struct {
	ID        int   `gorm:"primaryKey"`
	Version   int64 `gorm:"not null"`
	UpdatedAt time.Time
}

func (ConfigVersionRow) TableName() string { return "config_version" }
