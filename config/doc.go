// Package config defines the gateway configuration and its loader.
// Precedence: built-in defaults, then an optional YAML file, then
// environment variables.
package config
