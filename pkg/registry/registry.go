// Package registry persists per-target-table sync metadata in the
// meta_last_sync_times table on the target database.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/StevenACoffman/anotherr/errors"
)

// TableName is part of the external contract: operators must not pick it for
// their own tables.
const TableName = "meta_last_sync_times"

// SyncMetadata is one row of the registry.
type SyncMetadata struct {
	TargetTable string

	// LastSyncedAt is the wall-clock instant of any successful sync.
	LastSyncedAt time.Time
	// LastBatchSyncedAt is the wall-clock instant of the last full copy.
	LastBatchSyncedAt time.Time

	// LastRowAt is the maximum timestamp-column value observed in the last
	// successful load, in the source's unit (seconds, or milliseconds when
	// the plan is tagged timestamp_in_millis).
	LastRowAt    int64
	HasLastRowAt bool
}

// Update carries the fields Set should touch; nil pointers leave the stored
// value alone.
type Update struct {
	LastSyncedAt      *time.Time
	LastBatchSyncedAt *time.Time
	LastRowAt         *int64
}

// Registry reads and writes SyncMetadata. Updates for a given target table
// are serialized by the caller; the registry makes no cross-row guarantees.
type Registry struct {
	db     *sql.DB
	flavor string
}

// New wraps the target's database handle. flavor selects placeholder and
// upsert syntax: "mysql", or "postgres" (which sqlite also speaks).
func New(db *sql.DB, flavor string) *Registry {
	return &Registry{db: db, flavor: flavor}
}

func (r *Registry) placeholder(n int) string {
	if r.flavor == "mysql" {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

// EnsureStorageExists creates the registry table. It is idempotent and
// tolerates concurrent creation attempts.
func (r *Registry) EnsureStorageExists(ctx context.Context) error {
	sqlStr := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
target_table VARCHAR(255) NOT NULL PRIMARY KEY,
last_synced_at BIGINT NULL,
last_batch_synced_at BIGINT NULL,
last_row_at BIGINT NULL
)`, TableName)
	_, err := r.db.ExecContext(ctx, sqlStr)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return nil
	}
	return errors.Wrap(err, "Unable to create registry table")
}

// Get returns the metadata for targetTable, or nil when none is recorded.
func (r *Registry) Get(ctx context.Context, targetTable string) (*SyncMetadata, error) {
	sqlStr := fmt.Sprintf(
		"SELECT target_table, last_synced_at, last_batch_synced_at, last_row_at FROM %s WHERE target_table = %s",
		TableName, r.placeholder(1))
	meta, err := scanMetadata(r.db.QueryRowContext(ctx, sqlStr, targetTable))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "Unable to read registry row for "+targetTable)
	}
	return meta, nil
}

// All returns every recorded row, ordered by target table.
func (r *Registry) All(ctx context.Context) ([]SyncMetadata, error) {
	sqlStr := fmt.Sprintf(
		"SELECT target_table, last_synced_at, last_batch_synced_at, last_row_at FROM %s ORDER BY target_table",
		TableName)
	rows, err := r.db.QueryContext(ctx, sqlStr)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to list registry rows")
	}
	defer rows.Close()
	var all []SyncMetadata
	for rows.Next() {
		meta, err := scanMetadata(rows)
		if err != nil {
			return nil, errors.Wrap(err, "Unable to scan registry row")
		}
		all = append(all, *meta)
	}
	return all, errors.Wrap(rows.Err(), "Unable to list registry rows")
}

// Set upserts the non-nil fields of update for targetTable.
func (r *Registry) Set(ctx context.Context, targetTable string, update Update) error {
	columns := []string{"target_table"}
	args := []interface{}{targetTable}
	if update.LastSyncedAt != nil {
		columns = append(columns, "last_synced_at")
		args = append(args, update.LastSyncedAt.Unix())
	}
	if update.LastBatchSyncedAt != nil {
		columns = append(columns, "last_batch_synced_at")
		args = append(args, update.LastBatchSyncedAt.Unix())
	}
	if update.LastRowAt != nil {
		columns = append(columns, "last_row_at")
		args = append(args, *update.LastRowAt)
	}
	if len(columns) == 1 {
		return nil
	}

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = r.placeholder(i + 1)
	}
	var clauses []string
	if r.flavor == "mysql" {
		for _, c := range columns[1:] {
			clauses = append(clauses, fmt.Sprintf("%s = VALUES(%s)", c, c))
		}
		sqlStr := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
			TableName,
			strings.Join(columns, ", "),
			strings.Join(placeholders, ", "),
			strings.Join(clauses, ", "))
		_, err := r.db.ExecContext(ctx, sqlStr, args...)
		return errors.Wrap(err, "Unable to upsert registry row for "+targetTable)
	}
	for _, c := range columns[1:] {
		clauses = append(clauses, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	sqlStr := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (target_table) DO UPDATE SET %s",
		TableName,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(clauses, ", "))
	_, err := r.db.ExecContext(ctx, sqlStr, args...)
	return errors.Wrap(err, "Unable to upsert registry row for "+targetTable)
}

// Delete removes the row for targetTable, if any.
func (r *Registry) Delete(ctx context.Context, targetTable string) error {
	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE target_table = %s", TableName, r.placeholder(1))
	_, err := r.db.ExecContext(ctx, sqlStr, targetTable)
	return errors.Wrap(err, "Unable to delete registry row for "+targetTable)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMetadata(row scanner) (*SyncMetadata, error) {
	var meta SyncMetadata
	var syncedAt, batchSyncedAt, rowAt sql.NullInt64
	if err := row.Scan(&meta.TargetTable, &syncedAt, &batchSyncedAt, &rowAt); err != nil {
		return nil, err
	}
	if syncedAt.Valid {
		meta.LastSyncedAt = time.Unix(syncedAt.Int64, 0).UTC()
	}
	if batchSyncedAt.Valid {
		meta.LastBatchSyncedAt = time.Unix(batchSyncedAt.Int64, 0).UTC()
	}
	if rowAt.Valid {
		meta.LastRowAt = rowAt.Int64
		meta.HasLastRowAt = true
	}
	return &meta, nil
}
