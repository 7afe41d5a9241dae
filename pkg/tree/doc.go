/*
Package tree implements the dispatch tree: the single owner of every job,
task, command, pool, pool share and render node known to the dispatcher.

Submitted graphs land under the well-known /graphs folder. Each tick the
dispatcher asks the tree to recompute completion and aggregate status bottom
up, then to promote blocked nodes whose dependencies are satisfied. Every
mutation lands in one of three dirty sets (create, modify, archive) that the
persistence collaborator flushes and acknowledges.

The tree is confined to the dispatcher goroutine and does not lock.
*/
package tree
