/*
Package api exposes the dispatcher over HTTP.

Clients submit graphs, query and bulk-edit jobs, and manage pools and pool
shares. Render nodes register themselves, heartbeat, and report command
state. Every mutating or reading handler is executed on the dispatcher
goroutine through its work queue; a saturated queue surfaces as 503. A
global token bucket rate-limits ingress, and /events streams dispatcher
events over a websocket.
*/
package api
