package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/mosaicfx/farmd/pkg/model"
	bolt "go.etcd.io/bbolt"
)

var (
	// Live buckets
	bucketPools       = []byte("pools")
	bucketRenderNodes = []byte("rendernodes")
	bucketNodes       = []byte("nodes")
	bucketPoolShares  = []byte("poolshares")

	// Archive buckets
	bucketPoolsArchive       = []byte("pools_archive")
	bucketRenderNodesArchive = []byte("rendernodes_archive")
	bucketNodesArchive       = []byte("nodes_archive")
	bucketPoolSharesArchive  = []byte("poolshares_archive")
)

var allBuckets = [][]byte{
	bucketPools, bucketRenderNodes, bucketNodes, bucketPoolShares,
	bucketPoolsArchive, bucketRenderNodesArchive, bucketNodesArchive, bucketPoolSharesArchive,
}

// BoltStore implements Store on a single bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the dispatcher database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "farmd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// CreateElements persists new entities. Creation and update are the same
// upsert on bbolt.
func (s *BoltStore) CreateElements(entities []any) error {
	return s.put(entities)
}

// UpdateElements persists changed entities.
func (s *BoltStore) UpdateElements(entities []any) error {
	return s.put(entities)
}

func (s *BoltStore) put(entities []any) error {
	if len(entities) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, entity := range entities {
			bucket, key, record, err := resolve(entity)
			if err != nil {
				return err
			}
			if bucket == nil {
				continue // commands ride inside their node record
			}
			data, err := json.Marshal(record)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucket).Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// ArchiveElements moves entities from the live buckets into the archives.
func (s *BoltStore) ArchiveElements(entities []any) error {
	if len(entities) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, entity := range entities {
			bucket, key, record, err := resolve(entity)
			if err != nil {
				return err
			}
			if bucket == nil {
				continue
			}
			data, err := json.Marshal(record)
			if err != nil {
				return err
			}
			if err := tx.Bucket(archiveOf(bucket)).Put(key, data); err != nil {
				return err
			}
			if err := tx.Bucket(bucket).Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// DropPoolsAndRenderNodes clears pool and render node live state, used when
// pools are authoritative in another backend.
func (s *BoltStore) DropPoolsAndRenderNodes() error {
	return s.recreate(bucketPools, bucketRenderNodes)
}

// Clean wipes all live state.
func (s *BoltStore) Clean() error {
	return s.recreate(bucketPools, bucketRenderNodes, bucketNodes, bucketPoolShares)
}

func (s *BoltStore) recreate(buckets ...[]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			if err := tx.DeleteBucket(bucket); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	})
}

// resolve maps a model entity to its bucket, key and record form. Tasks and
// commands persist through their owning node record, which keeps the nodes
// archive self-contained.
func resolve(entity any) (bucket, key []byte, record any, err error) {
	switch e := entity.(type) {
	case *model.Pool:
		return bucketPools, itob(e.ID), recordPool(e), nil
	case *model.RenderNode:
		return bucketRenderNodes, itob(e.ID), recordRenderNode(e), nil
	case *model.Node:
		return bucketNodes, itob(e.ID), recordNode(e), nil
	case *model.PoolShare:
		return bucketPoolShares, itob(e.ID), recordPoolShare(e), nil
	case *model.Task:
		if e.Node == nil {
			return nil, nil, nil, nil
		}
		return bucketNodes, itob(e.Node.ID), recordNode(e.Node), nil
	case *model.Command:
		if e.Task == nil || e.Task.Node == nil {
			return nil, nil, nil, nil
		}
		return bucketNodes, itob(e.Task.Node.ID), recordNode(e.Task.Node), nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown entity type %T", entity)
	}
}

func archiveOf(bucket []byte) []byte {
	return []byte(string(bucket) + "_archive")
}

func itob(id int) []byte {
	return []byte(strconv.Itoa(id))
}
