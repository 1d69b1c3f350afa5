// Package api is the function-level facade of spec.md §6: create,
// cancel, and retry a job without a live HTTP/RPC transport
// (SPEC_FULL.md §14). cmd/torreclou-worker's debug subcommand and
// package tests are its only callers.
package api
