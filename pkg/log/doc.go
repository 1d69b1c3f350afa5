// Package log provides zerolog-backed structured logging shared by
// every stage, the dispatcher, the recovery supervisor, and the task
// runtime. Call Init once at process start; everything else reaches
// the global Logger through WithComponent/WithJobID/WithSyncID/
// WithStage child loggers.
package log
