/*
Package scheduler implements the per-tick assignment of ready commands to
render nodes.

Each pass works in three steps. Entry points are gathered first: every node
bound to a pool through a pool share that is neither blocked, done, canceled
nor paused and still has ready commands. Second, the fair-share caps of each
pool are refreshed: render nodes awake in the pool are divided between the
pool's entry points, near equally within a priority tier (slots differ by at
most one, surplus to the lowest ids), with higher dispatch keys preempting
capacity and an isolated entry point taking the whole pool. Third, entry
points are served in global priority order; each draws ready commands in
dispatch order and matches them against the least loaded render node of its
pool that satisfies the task requirements, core and ram demands, and license
seats.

Failure to place one command ends matching for that entry point only;
scheduling continues with the next. The engine mutates model state (command
assignment, resource reservation, pool share accounting) but sends nothing:
delivering the returned batches is the transport's job.
*/
package scheduler
