package vector

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketVectorIndexes = []byte("vector_indexes")
)

// Catalog is the BoltDB-backed metadata registry for vector indexes. It
// lives next to the segment files so an index and its fragments move
// together.
type Catalog struct {
	db *bolt.DB
}

// OpenCatalog opens (creating if necessary) the catalog in dir.
func OpenCatalog(dir string) (*Catalog, error) {
	dbPath := filepath.Join(dir, "vector-catalog.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector catalog: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketVectorIndexes)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create catalog bucket: %w", err)
	}

	return &Catalog{db: db}, nil
}

// Close closes the catalog.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// ListVectorIndexes implements MetadataStore.
func (c *Catalog) ListVectorIndexes() ([]IndexMetadata, error) {
	var metas []IndexMetadata
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVectorIndexes)
		return b.ForEach(func(k, v []byte) error {
			var meta IndexMetadata
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			metas = append(metas, meta)
			return nil
		})
	})
	return metas, err
}

// GetVectorIndex implements MetadataStore.
func (c *Catalog) GetVectorIndex(name string) (*IndexMetadata, error) {
	var meta IndexMetadata
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVectorIndexes)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("vector index not found: %s", name)
		}
		return json.Unmarshal(data, &meta)
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// UpdateVectorIndex implements MetadataStore.
func (c *Catalog) UpdateVectorIndex(meta IndexMetadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVectorIndexes)
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return b.Put([]byte(meta.Name), data)
	})
}

// DeleteVectorIndex implements MetadataStore.
func (c *Catalog) DeleteVectorIndex(name string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVectorIndexes)
		return b.Delete([]byte(name))
	})
}

// Compile-time check that Catalog implements MetadataStore.
var _ MetadataStore = (*Catalog)(nil)
