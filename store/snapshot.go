package store

import (
	"fmt"
	"time"

	"github.com/BaSui01/modelgate/types"
)

// Provider is the runtime form of an upstream provider, built once per
// snapshot with its model map compiled.
type Provider struct {
	ID       uint
	Name     string
	Protocol types.Protocol
	APIBase  string
	APIKey   string
	Weight   int
	Models   *ModelMap

	AnthropicVersion string

	GCPProject   string
	GCPLocation  string
	GCPPublisher string
}

// Credential is the runtime form of a client-facing API key.
type Credential struct {
	ID            uint
	Name          string
	KeyHash       string
	AllowedModels *ModelPatterns
	// RateLimitRPS 0 means unlimited.
	RateLimitRPS int
	BurstSize    int
}

// Limited reports whether the credential carries a rate-limit spec.
func (c *Credential) Limited() bool { return c.RateLimitRPS > 0 }

// Snapshot is an immutable versioned view of the active configuration.
// Readers obtain it lock-free and hold it for the life of a request.
type Snapshot struct {
	Version   int64
	CreatedAt time.Time

	Providers   []*Provider
	Credentials []*Credential

	credsByHash map[string]*Credential
}

// CredentialByHash looks up an enabled credential by its SHA-256 hex digest.
func (s *Snapshot) CredentialByHash(hash string) (*Credential, bool) {
	c, ok := s.credsByHash[hash]
	return c, ok
}

// Open reports whether the snapshot has zero credentials, in which case the
// gateway accepts unauthenticated requests (bootstrap mode).
func (s *Snapshot) Open() bool { return len(s.Credentials) == 0 }

// buildSnapshot compiles rows into a Snapshot. Any compile error aborts the
// whole build so a partial snapshot is never installed.
func buildSnapshot(version int64, provRows []ProviderRow, keyRows []MasterKeyRow) (*Snapshot, error) {
	snap := &Snapshot{
		Version:     version,
		CreatedAt:   time.Now(),
		credsByHash: make(map[string]*Credential, len(keyRows)),
	}

	for _, row := range provRows {
		proto := types.Protocol(row.ProviderType)
		if !proto.Valid() {
			return nil, fmt.Errorf("provider %q: unknown protocol %q", row.Name, row.ProviderType)
		}
		mm, err := ParseModelMap([]byte(row.ModelMapping))
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", row.Name, err)
		}
		weight := row.Weight
		if weight < 1 {
			weight = 1
		}
		snap.Providers = append(snap.Providers, &Provider{
			ID:               row.ID,
			Name:             row.Name,
			Protocol:         proto,
			APIBase:          row.APIBase,
			APIKey:           row.APIKey,
			Weight:           weight,
			Models:           mm,
			AnthropicVersion: row.AnthropicVersion,
			GCPProject:       row.GCPProject,
			GCPLocation:      row.GCPLocation,
			GCPPublisher:     row.GCPPublisher,
		})
	}

	for _, row := range keyRows {
		allowed, err := ParseModelPatterns([]byte(row.AllowedModels))
		if err != nil {
			return nil, fmt.Errorf("credential %q: %w", row.Name, err)
		}
		cred := &Credential{
			ID:            row.ID,
			Name:          row.Name,
			KeyHash:       row.KeyHash,
			AllowedModels: allowed,
		}
		if row.RateLimitRPS != nil && *row.RateLimitRPS > 0 {
			cred.RateLimitRPS = *row.RateLimitRPS
			if row.BurstSize != nil && *row.BurstSize > 0 {
				cred.BurstSize = *row.BurstSize
			} else {
				cred.BurstSize = cred.RateLimitRPS
			}
		}
		snap.Credentials = append(snap.Credentials, cred)
		snap.credsByHash[row.KeyHash] = cred
	}

	return snap, nil
}
