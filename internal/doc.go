// Package internal documents the election results server internals.
//
// The internal tree is organized by responsibility:
// - api: HTTP handlers, middleware, problem responses and routing
// - domain: the TSE parsing rules and the ingestion pipeline
// - storage: store backends (Postgres, SQL Server, SQLite) and batch SQL
// - jobs: River workers and periodic maintenance
// - sourcefile: plain and zipped source resolution
// - config, metrics, telemetry: shared infrastructure
//
// Code in internal/ is not meant for external import.
package internal
