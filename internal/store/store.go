// Package store persists index buckets to a local SQLite database so both
// indexes survive process restarts. The on-disk layout is private to this
// implementation; only round-trip fidelity matters.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS index_entries (
	index_name TEXT NOT NULL,
	bucket     TEXT NOT NULL,
	media_id   TEXT NOT NULL,
	PRIMARY KEY (index_name, bucket, media_id)
);
CREATE INDEX IF NOT EXISTS idx_entries_media
	ON index_entries (index_name, media_id);
`

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening index store %s: %w", path, err)
	}

	// The store has a single writer (the build task); one connection keeps
	// SQLite away from SQLITE_BUSY contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing index store schema: %w", err)
	}

	logger.Info("index store opened", zap.String("path", path))

	return &Store{db: db, logger: logger}, nil
}

// ReplaceIndex atomically swaps the persisted entries of one index for the
// given bucket map.
func (s *Store) ReplaceIndex(ctx context.Context, indexName string, buckets map[string][]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning replace tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM index_entries WHERE index_name = ?`, indexName); err != nil {
		return fmt.Errorf("clearing index %s: %w", indexName, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO index_entries (index_name, bucket, media_id) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for bucket, ids := range buckets {
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, indexName, bucket, id); err != nil {
				return fmt.Errorf("inserting entry %s/%s: %w", bucket, id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing replace tx: %w", err)
	}
	return nil
}

// InsertEntries adds entries for a single media id without touching the rest
// of the index. Used by the incremental change-feed path.
func (s *Store) InsertEntries(ctx context.Context, indexName, mediaID string, buckets []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert tx: %w", err)
	}
	defer tx.Rollback()

	for _, bucket := range buckets {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO index_entries (index_name, bucket, media_id) VALUES (?, ?, ?)`,
			indexName, bucket, mediaID); err != nil {
			return fmt.Errorf("inserting entry %s/%s: %w", bucket, mediaID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing insert tx: %w", err)
	}
	return nil
}

// DeleteEntries removes every entry for a media id from one index.
func (s *Store) DeleteEntries(ctx context.Context, indexName, mediaID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM index_entries WHERE index_name = ? AND media_id = ?`,
		indexName, mediaID); err != nil {
		return fmt.Errorf("deleting entries for %s: %w", mediaID, err)
	}
	return nil
}

func (s *Store) LoadIndex(ctx context.Context, indexName string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bucket, media_id FROM index_entries WHERE index_name = ? ORDER BY bucket`, indexName)
	if err != nil {
		return nil, fmt.Errorf("loading index %s: %w", indexName, err)
	}
	defer rows.Close()

	buckets := make(map[string][]string)
	for rows.Next() {
		var bucket, id string
		if err := rows.Scan(&bucket, &id); err != nil {
			return nil, fmt.Errorf("scanning index row: %w", err)
		}
		buckets[bucket] = append(buckets[bucket], id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating index rows: %w", err)
	}
	return buckets, nil
}

func (s *Store) ClearIndex(ctx context.Context, indexName string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM index_entries WHERE index_name = ?`, indexName); err != nil {
		return fmt.Errorf("clearing index %s: %w", indexName, err)
	}
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
