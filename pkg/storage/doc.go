/*
Package storage is the persistence collaborator of the dispatcher: a bbolt
backed archival store keyed by id over four live buckets (pools, render
nodes, nodes including their tasks and commands, pool shares) and their
archive counterparts.

The dispatcher emits batches of created, modified and archived entities at
the end of each tick and trusts the store for durability. On startup,
Restore rebuilds the dispatch tree from the live buckets; commands that were
assigned, running or finishing when the process stopped are put back in the
queue.
*/
package storage
