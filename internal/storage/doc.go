// Package storage persists schedules and their jobs.
//
// Backends:
//   - "memory": process-local maps (tests, dry runs)
//   - "sqlite": a single SQLite file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL through pgx's database/sql driver
//
// Every job status change is a conditional update that only applies from a
// status allowed by domain.CanTransition, and counter updates happen in one
// transaction together with the aggregate status they imply.
package storage
