// Package store persists Job, Sync, StatusHistory, and
// TransferProgress rows in a single bbolt file per worker process
// data directory. It is the generalization of the teacher's
// BoltDB-backed cluster store to the job lifecycle engine's entities:
// one bucket per entity, JSON-encoded values, auto-incrementing ids
// via bbolt's native sequence counter, and every multi-row mutation
// wrapped in one db.Update closure.
package store
