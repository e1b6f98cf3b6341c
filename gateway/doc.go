// Package gateway implements the request-handling core of modelgate: the
// credential gate, the weighted provider selector, the upstream dispatcher,
// the transform pipeline, and the streaming state machine that splices
// upstream SSE into client-protocol SSE.
package gateway
