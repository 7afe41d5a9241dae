/*
Package model defines the entities of the dispatch tree: folder and task
nodes, tasks and their commands, pools, pool shares and render nodes.

Ownership is strictly tree shaped. The dispatch tree (package tree) owns all
nodes, tasks, pools, pool shares and render nodes through id-keyed maps; a
task owns its commands. Back references (command to render node, node to pool
share, pool share to pool) are plain pointers resolved at construction and
never imply ownership.

All entities are mutated from the single dispatcher goroutine only. None of
the types in this package lock; concurrency is handled one level up by the
ingress queue of the dispatcher.

Commands carry a status machine whose timestamps are maintained by SetStatus.
Interested parties register a CommandListener to observe mutations: the
dispatch tree uses it to maintain its dirty sets for persistence, the
dispatcher to trigger autoretry.
*/
package model
