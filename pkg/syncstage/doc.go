// Package syncstage implements the Sync Stage of spec.md §4.9: it
// mirrors a completed download's local directory into the user's S3
// bucket, reusing pkg/upload's S3 Provider as the part-upload
// transport, then deletes the local copy once the mirror is durable.
package syncstage
