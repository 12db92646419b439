// Package adapter provides the per-engine database operations the sync engine
// is built on: schema introspection, bulk extract to delimited files, bulk
// load from them, and the staging-table swap that makes batch loads atomic.
package adapter

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/StevenACoffman/anotherr/errors"
)

// Column is one column of a relation, in source definition order, as read
// from the engine's information schema.
type Column struct {
	Name       string
	Type       string
	PrimaryKey bool
	Nullable   bool
	Default    sql.NullString
}

// Index describes a secondary index.
type Index struct {
	Columns []string
	Unique  bool
}

// HashedColumn is the subset of column attributes compared between source and
// target schemas. Nullability, defaults and auto-increment state are not
// compared: replicated rows arrive fully formed from the source, so the copy
// never exercises server-side defaults or key generation.
type HashedColumn struct {
	Type       string
	PrimaryKey bool
}

// Adapter is the capability set one engine exposes to the sync engine.
// Implementations exist for MySQL and PostgreSQL; the engine tag in the
// connection options selects one at construction time.
type Adapter interface {
	Engine() string

	// DB exposes the underlying pool for statements the engine does not
	// abstract (registry storage).
	DB() *sql.DB

	QuoteIdent(name string) string

	// Schema returns the ordered column list of table, or ErrNoSuchTable.
	Schema(ctx context.Context, table string) ([]Column, error)
	Indexes(ctx context.Context, table string) (map[string]Index, error)
	HashSchema(ctx context.Context, table string) (map[string]HashedColumn, error)
	TableExists(ctx context.Context, table string) (bool, error)
	TableNames(ctx context.Context) ([]string, error)

	// ExtractToFile runs sqlText on the engine and writes its delimited
	// output to file. A subprocess-backed implementation must fail when the
	// process writes anything to stderr even if the exit status is zero.
	ExtractToFile(ctx context.Context, sqlText, file string) error

	// LoadFromFile bulk-ingests file into table. Rows whose primary key is
	// already present are silently ignored.
	LoadFromFile(ctx context.Context, table string, columns []string, file string) error

	CreateTableLike(ctx context.Context, newTable, existing string) error
	CreateStagingTable(ctx context.Context, table string, columns []Column, charset string) error
	DropTableIfExists(ctx context.Context, table string) error

	// SwitchTable atomically makes newTable the live table under liveTable's
	// name; readers observe either the old or the new table, never neither.
	// The displaced table is dropped.
	SwitchTable(ctx context.Context, newTable, liveTable string) error

	AddColumn(ctx context.Context, table, column, columnType string) error
	AddIndex(ctx context.Context, table, name string, index Index) error
	RemoveIndexesExcept(ctx context.Context, table string, keep []string) error

	// TimestampPredicate renders "column > epoch" in the engine's SQL,
	// converting epoch seconds to the column's type unless the column itself
	// holds epoch milliseconds.
	TimestampPredicate(column string, epoch int64, inMillis bool) string
	WindowPredicate(column string, epoch int64) string

	// MaxTimestamp returns MAX(column) of table in epoch seconds (or
	// milliseconds when inMillis), and whether the table had any rows.
	MaxTimestamp(ctx context.Context, table, column string, inMillis bool) (int64, bool, error)
	DeleteWhere(ctx context.Context, table, predicate string) error

	// ConnectionReset drops pooled connections so the next statement sees a
	// live one. The target can sit idle for the length of an extract, long
	// enough for servers to kill the session.
	ConnectionReset(ctx context.Context) error

	Close() error
}

// Options are the connection options for one engine.
type Options struct {
	Engine   string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Charset  string
	Logger   *zap.Logger
}

// New dispatches on the engine tag and opens the matching adapter.
func New(opts Options) (Adapter, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	switch opts.Engine {
	case "mysql":
		return newMySQL(opts)
	case "postgres", "postgresql":
		return newPostgres(opts)
	default:
		return nil, ConfigErrorf(nil, "unknown engine %q", opts.Engine)
	}
}

// resetPool bounces the idle connections of db and verifies a fresh one.
func resetPool(ctx context.Context, db *sql.DB) error {
	db.SetMaxIdleConns(0)
	db.SetMaxIdleConns(2)
	return errors.Wrap(db.PingContext(ctx), "Unable to ping after connection reset")
}
