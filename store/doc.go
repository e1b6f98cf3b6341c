// Package store maintains the gateway's dynamic configuration: providers
// and credentials loaded from the relational database into an immutable,
// versioned snapshot that request handlers read lock-free.
//
// A reload builds a complete new Snapshot (including compiled model-map
// patterns) and installs it with a single atomic pointer swap; in-flight
// requests keep the snapshot they started with.
package store
