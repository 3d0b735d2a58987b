package cache

import "context"

// Store is the durable key-value collaborator behind Tier 2. Implementations
// must be safe for concurrent use; every call receives a context carrying
// the tier's timeout.
type Store interface {
	// PutOne inserts or replaces the entry with the same id
	PutOne(ctx context.Context, entry *CacheEntry) error
	// GetOne returns ErrNotFound when no entry has the id
	GetOne(ctx context.Context, id string) (*CacheEntry, error)
	GetAll(ctx context.Context) ([]*CacheEntry, error)
	// Touch writes the hit bookkeeping (Hits, LastAccessed) of entry onto the
	// stored entry with the same id, only when that entry is still the same
	// version (equal Metadata.Timestamp). It returns ErrNotFound otherwise and
	// never creates an entry.
	Touch(ctx context.Context, entry *CacheEntry) error
	// DeleteOne is a no-op for absent ids
	DeleteOne(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	// OldestByAccess returns up to limit ids in ascending LastAccessed order
	OldestByAccess(ctx context.Context, limit int) ([]string, error)
	Clear(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// DocumentIndex is implemented by stores that index entries by document id,
// so invalidation does not need a full scan
type DocumentIndex interface {
	IDsForDocuments(ctx context.Context, documentIDs []string) ([]string, error)
}
