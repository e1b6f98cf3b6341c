// Package tlsutil provides the shared hardened TLS configuration for the
// gateway's upstream HTTP client (TLS 1.2+, AEAD cipher suites only).
package tlsutil
