package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/szaharov/caljournal/internal/dbx"
)

// Metadata keys used by the sync orchestrator.
const (
	MetaLastRemoteModified = "last_remote_modified"
	MetaLastPushedDigest   = "last_pushed_digest"
)

// MetadataRepo is a small key/value table holding sync bookkeeping that must
// survive restarts (remote last-modified, digest of the last pushed
// snapshot). Never used for credentials.
type MetadataRepo struct {
	db dbx.DBTX
}

func NewMetadataRepo(db dbx.DBTX) *MetadataRepo {
	return &MetadataRepo{db: db}
}

// Get returns the value for key, or nil when the key is absent.
func (r *MetadataRepo) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata[%s]: %w", key, err)
	}
	return value, nil
}

func (r *MetadataRepo) Set(ctx context.Context, key string, value []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata[%s]: %w", key, err)
	}
	return nil
}

func (r *MetadataRepo) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete metadata[%s]: %w", key, err)
	}
	return nil
}

func (r *MetadataRepo) Clear(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM metadata`)
	if err != nil {
		return fmt.Errorf("failed to clear metadata: %w", err)
	}
	return nil
}
