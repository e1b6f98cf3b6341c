// Package types provides core types used across the modelgate gateway.
// This package has ZERO dependencies on other modelgate packages to avoid
// circular imports. All other packages should import types from here.
//
// The central piece is the unified intermediate form (UnifiedRequest,
// UnifiedResponse, StreamEvent): a protocol-neutral representation that the
// transform pipeline converts client and provider payloads through.
package types
