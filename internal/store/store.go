// Package store implements the on-device table store: soft-deletable,
// timestamped records kept in SQLite, one logical table per journal entity.
// Deleted rows are retained as tombstones so deletions can propagate during
// merge; only an external retention policy ever purges them.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/szaharov/caljournal/internal/common"
	"github.com/szaharov/caljournal/internal/dbx"
	"github.com/szaharov/caljournal/internal/models"
)

// Store provides atomic record operations over the journal tables.
// All methods are safe for concurrent use; the merge-apply path
// (ReplaceAll) runs in a single transaction so readers never observe a
// half-merged state.
type Store struct {
	db    *sql.DB
	clock models.Clock
	idgen models.IDGenerator

	// revision counts local mutations since open. The orchestrator compares
	// revisions across cycles to detect "nothing changed locally".
	revision atomic.Int64
}

// New builds a Store. Nil clock/idgen fall back to the real ones.
func New(db *sql.DB, clock models.Clock, idgen models.IDGenerator) *Store {
	if clock == nil {
		clock = models.RealClock{}
	}
	if idgen == nil {
		idgen = models.UUIDGenerator{}
	}
	return &Store{db: db, clock: clock, idgen: idgen}
}

// Revision returns the local mutation counter.
func (s *Store) Revision() int64 { return s.revision.Load() }

// Insert creates a new record in table with the given payload fields and
// returns it. The id, created_at and updated_at are assigned here.
func (s *Store) Insert(ctx context.Context, table string, payload map[string]json.RawMessage) (*models.Record, error) {
	if !models.IsKnownTable(table) {
		return nil, fmt.Errorf("%w: %s", common.ErrUnknownTable, table)
	}

	now := s.clock.Now()
	rec := models.Record{
		ID:        s.idgen.New(),
		CreatedAt: now,
		UpdatedAt: now,
		Payload:   payload,
	}

	// The counter moves before the row is written, so a merge apply racing
	// this insert observes the bump no matter how the commits interleave. A
	// failed write leaves the counter overshot, which only costs one
	// spurious full cycle.
	s.revision.Add(1)
	if err := s.writeRecord(ctx, s.db, table, rec); err != nil {
		return nil, fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return &rec, nil
}

// Update applies a partial patch to a record's payload: only the keys in
// patch change, everything else is kept. updated_at is always refreshed and
// never moves backwards. Editing a tombstoned record revives it.
func (s *Store) Update(ctx context.Context, table string, id string, patch map[string]json.RawMessage) (*models.Record, error) {
	if !models.IsKnownTable(table) {
		return nil, fmt.Errorf("%w: %s", common.ErrUnknownTable, table)
	}

	var updated models.Record
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		rec, err := s.readRecord(ctx, tx, table, id)
		if err != nil {
			return err
		}

		if rec.Payload == nil {
			rec.Payload = make(map[string]json.RawMessage, len(patch))
		}
		for k, v := range patch {
			if v == nil {
				delete(rec.Payload, k)
				continue
			}
			rec.Payload[k] = v
		}

		rec.UpdatedAt = s.laterThan(rec.UpdatedAt)
		rec.Deleted = false
		rec.DeletedAt = nil
		updated = *rec
		s.revision.Add(1) // bumped before the write, see Insert
		return s.writeRecord(ctx, tx, table, *rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update %s/%s: %w", table, id, err)
	}
	return &updated, nil
}

// SoftDelete tombstones a record. Idempotent: deleting an already-deleted
// record is a no-op and keeps the original deleted_at.
func (s *Store) SoftDelete(ctx context.Context, table string, id string) error {
	if !models.IsKnownTable(table) {
		return fmt.Errorf("%w: %s", common.ErrUnknownTable, table)
	}

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		rec, err := s.readRecord(ctx, tx, table, id)
		if err != nil {
			return err
		}
		if rec.Deleted {
			return nil
		}

		now := s.laterThan(rec.UpdatedAt)
		rec.Deleted = true
		rec.DeletedAt = &now
		rec.UpdatedAt = now
		s.revision.Add(1) // bumped before the write, see Insert
		return s.writeRecord(ctx, tx, table, *rec)
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, id, err)
	}
	return nil
}

// Get returns a live record by id. Tombstoned records report
// common.ErrNotFound, same as missing ones.
func (s *Store) Get(ctx context.Context, table string, id string) (*models.Record, error) {
	if !models.IsKnownTable(table) {
		return nil, fmt.Errorf("%w: %s", common.ErrUnknownTable, table)
	}
	rec, err := s.readRecord(ctx, s.db, table, id)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, fmt.Errorf("%s/%s: %w", table, id, common.ErrNotFound)
	}
	return rec, nil
}

// Query returns the live records of table matching predicate. A nil
// predicate matches everything.
func (s *Store) Query(ctx context.Context, table string, predicate func(models.Record) bool) ([]models.Record, error) {
	if !models.IsKnownTable(table) {
		return nil, fmt.Errorf("%w: %s", common.ErrUnknownTable, table)
	}

	records, err := s.readTable(ctx, s.db, table, false)
	if err != nil {
		return nil, err
	}
	if predicate == nil {
		return records, nil
	}

	matched := records[:0]
	for _, r := range records {
		if predicate(r) {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

// Tables returns every table including tombstones, the form the snapshot
// codec exports.
func (s *Store) Tables(ctx context.Context) (models.TableSet, error) {
	out := make(models.TableSet, len(models.TableNames))
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, name := range models.TableNames {
			records, err := s.readTable(ctx, tx, name, true)
			if err != nil {
				return err
			}
			out[name] = records
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect tables: %w", err)
	}
	return out, nil
}

// ReplaceAll swaps the entire table set for the merged one in a single
// transaction, unconditionally. Concurrent readers see either the old state
// or the new one, never a mix.
func (s *Store) ReplaceAll(ctx context.Context, tables models.TableSet) error {
	return s.ApplyMerged(ctx, tables, -1, nil)
}

// ApplyMerged replaces the table set inside one transaction and, when a
// preCommit hook is given, runs it on the same transaction before
// committing. The sync orchestrator pushes the re-exported snapshot from
// the hook, so a failed push rolls the whole application back and the
// store stays at its pre-cycle state.
//
// expectedRevision guards against a concurrent local edit: the merged set
// was built from a table read taken at that revision, and rewriting the
// store from it would erase any record committed since. When the counter
// has moved past expectedRevision the whole transaction aborts with
// common.ErrStoreChanged and the edit survives. A negative value skips the
// guard.
func (s *Store) ApplyMerged(ctx context.Context, tables models.TableSet, expectedRevision int64, preCommit func(ctx context.Context, tx dbx.DBTX) error) error {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
			return err
		}
		for name, records := range tables {
			if !models.IsKnownTable(name) {
				return fmt.Errorf("%w: %s", common.ErrUnknownTable, name)
			}
			for _, rec := range records {
				if err := s.writeRecord(ctx, tx, name, rec); err != nil {
					return err
				}
			}
		}
		// Checked after the rewrite already holds the write lock: every
		// edit that committed earlier bumped the counter before writing,
		// so none can slip past this read.
		if expectedRevision >= 0 && s.revision.Load() != expectedRevision {
			return common.ErrStoreChanged
		}
		if preCommit != nil {
			return preCommit(ctx, tx)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply merged tables: %w", err)
	}
	s.revision.Add(1)
	return nil
}

// Meta returns a metadata repo bound to the store's connection, outside any
// transaction.
func (s *Store) Meta() *MetadataRepo {
	return NewMetadataRepo(s.db)
}

func (s *Store) readRecord(ctx context.Context, db dbx.DBTX, table, id string) (*models.Record, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, created_at, updated_at, deleted, deleted_at, payload FROM records WHERE tbl = ? AND id = ?`,
		table, id)

	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", table, id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", table, id, err)
	}
	return rec, nil
}

func (s *Store) readTable(ctx context.Context, db dbx.DBTX, table string, includeDeleted bool) ([]models.Record, error) {
	query := `SELECT id, created_at, updated_at, deleted, deleted_at, payload FROM records WHERE tbl = ?`
	if !includeDeleted {
		query += ` AND deleted = 0`
	}
	query += ` ORDER BY id`

	rows, err := db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", table, err)
	}
	defer rows.Close()

	result := make([]models.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) writeRecord(ctx context.Context, db dbx.DBTX, table string, rec models.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	var deletedAt sql.NullString
	if rec.DeletedAt != nil {
		deletedAt = sql.NullString{String: models.FormatTime(*rec.DeletedAt), Valid: true}
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO records (tbl, id, created_at, updated_at, deleted, deleted_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tbl, id) DO UPDATE SET
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			deleted    = excluded.deleted,
			deleted_at = excluded.deleted_at,
			payload    = excluded.payload
	`, table, rec.ID,
		models.FormatTime(rec.CreatedAt), models.FormatTime(rec.UpdatedAt),
		boolToInt(rec.Deleted), deletedAt, string(payload))
	return err
}

func scanRecord(scan func(dest ...any) error) (*models.Record, error) {
	var (
		rec       models.Record
		createdAt string
		updatedAt string
		deleted   int
		deletedAt sql.NullString
		payload   string
	)
	if err := scan(&rec.ID, &createdAt, &updatedAt, &deleted, &deletedAt, &payload); err != nil {
		return nil, err
	}

	var err error
	if rec.CreatedAt, err = models.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at: %w", err)
	}
	if rec.UpdatedAt, err = models.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at: %w", err)
	}
	rec.Deleted = deleted != 0
	if deletedAt.Valid {
		t, err := models.ParseTime(deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("bad deleted_at: %w", err)
		}
		rec.DeletedAt = &t
	}
	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return nil, fmt.Errorf("bad payload: %w", err)
	}
	return &rec, nil
}

// laterThan returns the current clock time, pushed forward to prev when the
// clock reads earlier (wall-clock skew must not make updated_at decrease).
func (s *Store) laterThan(prev time.Time) time.Time {
	now := s.clock.Now()
	if now.Before(prev) {
		return prev
	}
	return now
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
