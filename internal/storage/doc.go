// Package storage persists the run history of the scheduler: one record per
// execution attempt, appended as it happens.
//
// Drivers:
//   - "file": JSON Lines file (<prefix>.runs.jsonl)
//   - "sqlite": SQLite database (modernc.org/sqlite, pure Go)
//
// Schedules themselves are never persisted; jobs come from code or config on
// every start.
package storage
