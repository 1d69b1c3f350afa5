// Package upload implements the Upload Stage of spec.md §4.8: a
// shared, provider-agnostic algorithm (stage.go) driven through the
// Provider contract, backed by two transports — Google Drive
// (drive.go) and S3-compatible object storage (s3.go) — and a
// Redis-backed progress cache (progresscache.go) that lets a
// restarted upload find prior work without re-walking the remote.
package upload
