// Package handlers is the gateway's HTTP surface: the protocol proxy
// endpoints, model listing, token counting, health probes, and the admin
// CRUD API. Handlers parse and authenticate, then delegate to the gateway
// pipeline; protocol-shaped error rendering lives in the gateway package.
package handlers
