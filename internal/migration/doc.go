// Package migration manages the gateway's database schema with
// golang-migrate. SQL migration files for PostgreSQL and SQLite are
// embedded per dialect; the Migrator interface covers the usual
// up/down/steps/goto/force/status operations and the CLI type wraps it
// with formatted terminal output for the migrate subcommand.
package migration
