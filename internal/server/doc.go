// Package server manages the gateway's HTTP listeners: non-blocking start,
// graceful shutdown with a deadline, and signal-driven lifecycle. The main
// API listener and the metrics listener each get their own Manager.
package server
