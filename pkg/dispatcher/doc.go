// Package dispatcher consumes the event log and turns job/upload/sync
// stream messages into enqueued background tasks, one Dispatcher
// instance per stream (jobs:stream, uploads:<provider>:stream,
// sync:stream).
package dispatcher
