package storage

import (
	"github.com/mosaicfx/farmd/pkg/tree"
)

// Store is the persistence collaborator contract: the dispatcher emits
// batches of created, modified and archived entities and trusts the store
// for durability. On startup the store rehydrates the dispatch tree.
type Store interface {
	// CreateElements persists new entities.
	CreateElements(entities []any) error

	// UpdateElements persists changed entities.
	UpdateElements(entities []any) error

	// ArchiveElements moves entities out of the live state into the
	// archives.
	ArchiveElements(entities []any) error

	// Restore rebuilds the dispatch tree from the live state.
	Restore(dt *tree.DispatchTree) error

	// DropPoolsAndRenderNodes clears the pool and render node state, for a
	// startup that reloads them from another backend.
	DropPoolsAndRenderNodes() error

	// Clean wipes all live state.
	Clean() error

	Close() error
}
