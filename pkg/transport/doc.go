// Package transport delivers assignment batches to render nodes over HTTP
// from a fixed-width worker pool. Payloads are frozen on the dispatcher
// goroutine; workers only perform network calls and report terminal
// failures back through a buffer the dispatcher drains each tick.
package transport
