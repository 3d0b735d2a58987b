// Package redisstore implements the durable cache tier on Redis.
//
// Each entry is stored at {prefix}:entry:{id} with a native expiry equal to
// its remaining lifetime. Two sorted sets index the entries: {prefix}:lru is
// scored by last access and {prefix}:expiry by expiry time. Document sets at
// {prefix}:doc:{documentID} map documents to the entries built from them, and
// {prefix}:entry_docs:{id} records the reverse so removing an entry also
// removes its document memberships. Index members whose entry Redis has
// already expired are pruned lazily.
//
// All keys of a store share the prefix, so a prefix wrapped in a hash tag,
// such as "{semantic_cache}", keeps them in one cluster slot.
package redisstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/developer-mesh/semantic-cache/pkg/cache"
)

const (
	// DefaultPrefix is the key prefix used when none is configured
	DefaultPrefix = "semantic_cache"

	batchSize = 100
)

// Config configures the Redis connection
type Config struct {
	Address  string `mapstructure:"address"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database int    `mapstructure:"database"`

	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`

	TLSEnabled         bool `mapstructure:"tls_enabled"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`

	Prefix string `mapstructure:"prefix"`
}

// DefaultConfig returns a configuration for a local Redis
func DefaultConfig() Config {
	return Config{
		Address:      "localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   1,
		Prefix:       DefaultPrefix,
	}
}

// NewClient builds a go-redis client from cfg without connecting
func NewClient(cfg Config) *redis.Client {
	options := &redis.Options{
		Addr:         cfg.Address,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		options.TLSConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureSkipVerify, // #nosec G402 - opt-in for development tunnels
		}
	}
	return redis.NewClient(options)
}

// Store is a cache.Store and cache.DocumentIndex over Redis
type Store struct {
	client     redis.UniversalClient
	prefix     string
	codec      *cache.Codec
	ownsClient bool
}

// Open connects to Redis and verifies the connection. The store owns the
// client and closes it on Close.
func Open(ctx context.Context, cfg Config, codec *cache.Codec) (*Store, error) {
	client := NewClient(cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}
	s := New(client, cfg.Prefix, codec)
	s.ownsClient = true
	return s, nil
}

// New wraps an existing client. The caller keeps ownership of the client.
func New(client redis.UniversalClient, prefix string, codec *cache.Codec) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if codec == nil {
		codec = cache.NewCodec(cache.DefaultConfig().CompressionThreshold)
	}
	return &Store{client: client, prefix: prefix, codec: codec}
}

func (s *Store) entryKey(id string) string {
	return s.prefix + ":entry:" + id
}

func (s *Store) docKey(documentID string) string {
	return s.prefix + ":doc:" + documentID
}

func (s *Store) entryDocsKey(id string) string {
	return s.prefix + ":entry_docs:" + id
}

func (s *Store) lruKey() string {
	return s.prefix + ":lru"
}

func (s *Store) expiryKey() string {
	return s.prefix + ":expiry"
}

// PutOne stores the entry with its remaining lifetime. An entry that is
// already expired is deleted instead.
func (s *Store) PutOne(ctx context.Context, entry *cache.CacheEntry) error {
	ttl := time.Until(entry.ExpiresAt())
	if ttl <= 0 {
		return s.DeleteOne(ctx, entry.ID)
	}

	data, err := s.codec.Encode(entry)
	if err != nil {
		return err
	}

	previous, err := s.client.SMembers(ctx, s.entryDocsKey(entry.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to read entry documents: %w", err)
	}
	current := make(map[string]struct{}, len(entry.Metadata.DocumentIDs))
	for _, documentID := range entry.Metadata.DocumentIDs {
		current[documentID] = struct{}{}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.entryKey(entry.ID), data, ttl)
		pipe.ZAdd(ctx, s.lruKey(), redis.Z{Score: score(entry.Metadata.LastAccessed), Member: entry.ID})
		pipe.ZAdd(ctx, s.expiryKey(), redis.Z{Score: score(entry.ExpiresAt()), Member: entry.ID})
		// An overwrite may drop documents
		for _, documentID := range previous {
			if _, ok := current[documentID]; !ok {
				pipe.SRem(ctx, s.docKey(documentID), entry.ID)
			}
		}
		pipe.Del(ctx, s.entryDocsKey(entry.ID))
		for _, documentID := range entry.Metadata.DocumentIDs {
			pipe.SAdd(ctx, s.docKey(documentID), entry.ID)
			pipe.SAdd(ctx, s.entryDocsKey(entry.ID), documentID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

// Touch copies the hit bookkeeping of entry onto the stored entry when it is
// the same version. The key is watched, so a concurrent write or delete makes
// the touch a no-op; the entry's expiry is kept.
func (s *Store) Touch(ctx context.Context, entry *cache.CacheEntry) error {
	key := s.entryKey(entry.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return cache.ErrNotFound
		}
		if err != nil {
			return err
		}
		stored, err := s.codec.Decode(data)
		if err != nil {
			return err
		}
		if !stored.Metadata.Timestamp.Equal(entry.Metadata.Timestamp) {
			return cache.ErrNotFound
		}

		stored.Metadata.Hits = entry.Metadata.Hits
		stored.Metadata.LastAccessed = entry.Metadata.LastAccessed
		updated, err := s.codec.Encode(stored)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			pipe.ZAdd(ctx, s.lruKey(), redis.Z{Score: score(stored.Metadata.LastAccessed), Member: stored.ID})
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, cache.ErrNotFound):
		return err
	case errors.Is(err, redis.TxFailedErr):
		// Written or deleted while we looked
		return cache.ErrNotFound
	default:
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
}

// GetOne returns cache.ErrNotFound when the entry is absent or expired
func (s *Store) GetOne(ctx context.Context, id string) (*cache.CacheEntry, error) {
	data, err := s.client.Get(ctx, s.entryKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, cache.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return s.codec.Decode(data)
}

// GetAll returns every live entry. Payloads that no longer decode are
// deleted.
func (s *Store) GetAll(ctx context.Context) ([]*cache.CacheEntry, error) {
	if err := s.prune(ctx); err != nil {
		return nil, err
	}
	ids, err := s.client.ZRange(ctx, s.lruKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	entries, missing, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		if err := s.removeIDs(ctx, missing); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// load fetches ids in batches and returns the decoded entries plus the ids
// with no usable payload
func (s *Store) load(ctx context.Context, ids []string) ([]*cache.CacheEntry, []string, error) {
	entries := make([]*cache.CacheEntry, 0, len(ids))
	var missing []string

	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		keys := make([]string, len(batch))
		for i, id := range batch {
			keys[i] = s.entryKey(id)
		}

		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load cache entries: %w", err)
		}
		for i, value := range values {
			raw, ok := value.(string)
			if !ok {
				missing = append(missing, batch[i])
				continue
			}
			entry, err := s.codec.Decode([]byte(raw))
			if err != nil {
				missing = append(missing, batch[i])
				continue
			}
			entries = append(entries, entry)
		}
	}
	return entries, missing, nil
}

// DeleteOne removes an entry, its index members and its document
// memberships
func (s *Store) DeleteOne(ctx context.Context, id string) error {
	return s.removeIDs(ctx, []string{id})
}

func (s *Store) removeIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	documents, err := s.documentsOf(ctx, ids)
	if err != nil {
		return err
	}

	members := make([]interface{}, len(ids))
	keys := make([]string, 0, 2*len(ids))
	for i, id := range ids {
		members[i] = id
		keys = append(keys, s.entryKey(id), s.entryDocsKey(id))
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.lruKey(), members...)
		pipe.ZRem(ctx, s.expiryKey(), members...)
		for i, id := range ids {
			for _, documentID := range documents[i] {
				pipe.SRem(ctx, s.docKey(documentID), id)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete cache entries: %w", err)
	}
	return nil
}

// documentsOf returns the recorded document ids of each entry
func (s *Store) documentsOf(ctx context.Context, ids []string) ([][]string, error) {
	cmds := make([]*redis.StringSliceCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.SMembers(ctx, s.entryDocsKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read entry documents: %w", err)
	}
	documents := make([][]string, len(ids))
	for i, cmd := range cmds {
		documents[i] = cmd.Val()
	}
	return documents, nil
}

// prune drops index members whose entries have expired
func (s *Store) prune(ctx context.Context) error {
	expired, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(score(time.Now()), 'f', -1, 64),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to scan expired entries: %w", err)
	}
	return s.removeIDs(ctx, expired)
}

// Count returns the number of live entries
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := s.prune(ctx); err != nil {
		return 0, err
	}
	n, err := s.client.ZCard(ctx, s.lruKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return int(n), nil
}

// OldestByAccess returns up to limit ids, least recently accessed first
func (s *Store) OldestByAccess(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	if err := s.prune(ctx); err != nil {
		return nil, err
	}
	ids, err := s.client.ZRange(ctx, s.lruKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list oldest cache entries: %w", err)
	}
	return ids, nil
}

// IDsForDocuments returns the ids of live entries built from any of the
// documents. Stale document set members are removed on the way.
func (s *Store) IDsForDocuments(ctx context.Context, documentIDs []string) ([]string, error) {
	if len(documentIDs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(documentIDs))
	docs := make(map[string]struct{}, len(documentIDs))
	for i, documentID := range documentIDs {
		keys[i] = s.docKey(documentID)
		docs[documentID] = struct{}{}
	}

	candidates, err := s.client.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read document index: %w", err)
	}
	entries, missing, err := s.load(ctx, candidates)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entries))
	stale := missing
	for _, entry := range entries {
		// An overwrite may have dropped the document
		if entry.ReferencesAny(docs) {
			ids = append(ids, entry.ID)
		} else {
			stale = append(stale, entry.ID)
		}
	}

	if len(stale) > 0 {
		members := make([]interface{}, len(stale))
		for i, id := range stale {
			members[i] = id
		}
		_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, key := range keys {
				pipe.SRem(ctx, key, members...)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to prune document index: %w", err)
		}
	}
	return ids, nil
}

// Clear deletes every key under the prefix
func (s *Store) Clear(ctx context.Context) error {
	var cursor uint64
	pattern := s.prefix + ":*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, batchSize).Result()
		if err != nil {
			return fmt.Errorf("failed to scan cache keys: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete cache keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client when the store opened it
func (s *Store) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}

// score maps a time to a sorted set score with exact float64 precision
func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

var (
	_ cache.Store         = (*Store)(nil)
	_ cache.DocumentIndex = (*Store)(nil)
)
