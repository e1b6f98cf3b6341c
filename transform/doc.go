// Package transform converts between client/provider wire protocols and the
// unified intermediate form. Each supported protocol registers a Transformer
// handling blocking bodies plus a stream decoder/encoder pair for SSE.
package transform
