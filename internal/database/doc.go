// Package database opens the configuration database and manages its
// connection pool.
package database
