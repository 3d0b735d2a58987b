// Package sqlstore implements the durable cache tier on a SQL database.
// PostgreSQL (lib/pq) and SQLite (mattn/go-sqlite3) are supported.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/developer-mesh/semantic-cache/pkg/cache"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Config configures the database connection
type Config struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// AutoMigrate creates the tables on Open
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DefaultConfig returns a configuration for a local PostgreSQL
func DefaultConfig() Config {
	return Config{
		Driver:          DriverPostgres,
		DSN:             "postgres://localhost:5432/semantic_cache?sslmode=disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

// Store is a cache.Store and cache.DocumentIndex over SQL. Timestamps are
// stored as Unix microseconds so the same statements work on both drivers.
// created_at holds the entry's creation time and identifies its version.
type Store struct {
	db     *sqlx.DB
	codec  *cache.Codec
	ownsDB bool
}

// Open connects to the database and, when configured, creates the schema.
// The store owns the connection pool and closes it on Close.
func Open(ctx context.Context, cfg Config, codec *cache.Codec) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := New(db, codec)
	s.ownsDB = true
	if cfg.AutoMigrate {
		if err := s.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// New wraps an existing pool. The caller keeps ownership of db.
func New(db *sqlx.DB, codec *cache.Codec) *Store {
	if codec == nil {
		codec = cache.NewCodec(cache.DefaultConfig().CompressionThreshold)
	}
	return &Store{db: db, codec: codec}
}

// EnsureSchema creates the tables and indexes when they do not exist
func (s *Store) EnsureSchema(ctx context.Context) error {
	payloadType := "BLOB"
	if s.db.DriverName() == DriverPostgres {
		payloadType = "BYTEA"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS semantic_cache_entries (
			id TEXT PRIMARY KEY,
			payload ` + payloadType + ` NOT NULL,
			created_at BIGINT NOT NULL,
			last_accessed_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_semantic_cache_entries_last_accessed
			ON semantic_cache_entries (last_accessed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_semantic_cache_entries_expires
			ON semantic_cache_entries (expires_at)`,
		`CREATE TABLE IF NOT EXISTS semantic_cache_documents (
			entry_id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			PRIMARY KEY (entry_id, document_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_semantic_cache_documents_document
			ON semantic_cache_documents (document_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create cache schema: %w", err)
		}
	}
	return nil
}

// PutOne upserts the entry and replaces its document rows. An entry that is
// already expired is deleted instead.
func (s *Store) PutOne(ctx context.Context, entry *cache.CacheEntry) error {
	if !entry.ExpiresAt().After(time.Now()) {
		return s.DeleteOne(ctx, entry.ID)
	}

	payload, err := s.codec.Encode(entry)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO semantic_cache_entries (id, payload, created_at, last_accessed_at, expires_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				payload = excluded.payload,
				created_at = excluded.created_at,
				last_accessed_at = excluded.last_accessed_at,
				expires_at = excluded.expires_at`),
			entry.ID, payload, micros(entry.Metadata.Timestamp), micros(entry.Metadata.LastAccessed), micros(entry.ExpiresAt()),
		)
		if err != nil {
			return fmt.Errorf("failed to store cache entry: %w", err)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM semantic_cache_documents WHERE entry_id = ?`), entry.ID); err != nil {
			return fmt.Errorf("failed to replace document index: %w", err)
		}
		for _, documentID := range entry.Metadata.DocumentIDs {
			_, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO semantic_cache_documents (entry_id, document_id)
				VALUES (?, ?)
				ON CONFLICT DO NOTHING`),
				entry.ID, documentID,
			)
			if err != nil {
				return fmt.Errorf("failed to index document %s: %w", documentID, err)
			}
		}
		return nil
	})
}

// Touch rewrites the row of the same entry version with entry's hit
// bookkeeping. It returns cache.ErrNotFound when no such row exists.
func (s *Store) Touch(ctx context.Context, entry *cache.CacheEntry) error {
	payload, err := s.codec.Encode(entry)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE semantic_cache_entries
		SET payload = ?, last_accessed_at = ?
		WHERE id = ? AND created_at = ?`),
		payload, micros(entry.Metadata.LastAccessed), entry.ID, micros(entry.Metadata.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	if affected == 0 {
		return cache.ErrNotFound
	}
	return nil
}

// GetOne returns cache.ErrNotFound when the entry is absent or expired
func (s *Store) GetOne(ctx context.Context, id string) (*cache.CacheEntry, error) {
	var payload []byte
	err := s.db.GetContext(ctx, &payload, s.db.Rebind(`
		SELECT payload FROM semantic_cache_entries
		WHERE id = ? AND expires_at > ?`),
		id, micros(time.Now()),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cache.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return s.codec.Decode(payload)
}

type entryRow struct {
	ID      string `db:"id"`
	Payload []byte `db:"payload"`
}

// GetAll returns every live entry. Expired rows and rows whose payload no
// longer decodes are deleted.
func (s *Store) GetAll(ctx context.Context) ([]*cache.CacheEntry, error) {
	if err := s.prune(ctx); err != nil {
		return nil, err
	}

	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, payload FROM semantic_cache_entries`); err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}

	entries := make([]*cache.CacheEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := s.codec.Decode(row.Payload)
		if err != nil {
			if err := s.DeleteOne(ctx, row.ID); err != nil {
				return nil, err
			}
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// DeleteOne removes an entry and its document rows
func (s *Store) DeleteOne(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM semantic_cache_documents WHERE entry_id = ?`), id); err != nil {
			return fmt.Errorf("failed to delete document index: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM semantic_cache_entries WHERE id = ?`), id); err != nil {
			return fmt.Errorf("failed to delete cache entry: %w", err)
		}
		return nil
	})
}

// prune deletes expired rows
func (s *Store) prune(ctx context.Context) error {
	now := micros(time.Now())
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM semantic_cache_documents
			WHERE entry_id IN (SELECT id FROM semantic_cache_entries WHERE expires_at <= ?)`), now)
		if err != nil {
			return fmt.Errorf("failed to prune document index: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM semantic_cache_entries WHERE expires_at <= ?`), now); err != nil {
			return fmt.Errorf("failed to prune cache entries: %w", err)
		}
		return nil
	})
}

// Count returns the number of live entries
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := s.prune(ctx); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM semantic_cache_entries`); err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return n, nil
}

// OldestByAccess returns up to limit live ids, least recently accessed first
func (s *Store) OldestByAccess(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	var ids []string
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`
		SELECT id FROM semantic_cache_entries
		WHERE expires_at > ?
		ORDER BY last_accessed_at ASC, id ASC
		LIMIT ?`),
		micros(time.Now()), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list oldest cache entries: %w", err)
	}
	return ids, nil
}

// IDsForDocuments returns the ids of live entries built from any of the
// documents
func (s *Store) IDsForDocuments(ctx context.Context, documentIDs []string) ([]string, error) {
	if len(documentIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT DISTINCT d.entry_id
		FROM semantic_cache_documents d
		JOIN semantic_cache_entries e ON e.id = d.entry_id
		WHERE d.document_id IN (?) AND e.expires_at > ?`,
		documentIDs, micros(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build document query: %w", err)
	}

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to read document index: %w", err)
	}
	return ids, nil
}

// Clear deletes every entry
func (s *Store) Clear(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM semantic_cache_documents`); err != nil {
			return fmt.Errorf("failed to clear document index: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM semantic_cache_entries`); err != nil {
			return fmt.Errorf("failed to clear cache entries: %w", err)
		}
		return nil
	})
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool when the store opened it
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func micros(t time.Time) int64 {
	return t.UnixMicro()
}

var (
	_ cache.Store         = (*Store)(nil)
	_ cache.DocumentIndex = (*Store)(nil)
)
