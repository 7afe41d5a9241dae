/*
Package dispatcher drives the farm: one goroutine owns the dispatch tree,
the license manager and the render node registry, runs a dispatch cycle at a
fixed cadence and drains ingress work between ticks.

Each cycle, in order: delivery failures reported by the sender pool are
reverted, the tree recomputes completion and status, render nodes age
against their heartbeats, dependencies are validated, the dirty sets are
flushed to the persistence collaborator, the scheduling engine produces
assignments, batches are frozen and handed to the transport pool, and
drained render nodes return to idle.

Everything that mutates state from the outside (graph submission, worker
reports, admin edits) is enqueued onto the bounded work queue and executed
on the dispatcher goroutine, so no model state is ever touched concurrently.
A full queue surfaces as backpressure to the caller. Autoretry timers fire
back through the same queue.
*/
package dispatcher
