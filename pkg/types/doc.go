// Package types defines the entities that flow through the job
// lifecycle engine: Job, Sync, StatusHistory, and TransferProgress.
//
// Job owns its Sync (1:0..1), its StatusHistory rows (1:N), and all of
// its TransferProgress rows. StorageProfile is read-only here; the
// core only consumes Provider and CredentialsJSON from it, never
// writes it back (see pkg/profile).
package types
