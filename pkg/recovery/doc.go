// Package recovery periodically scans the job store for stuck or
// orphaned jobs and syncs, reconciles them against the background
// task runtime's monitoring view, and re-dispatches with a bounded
// exponential backoff (spec.md §4.10).
package recovery
