package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jackc/pgx/v4"
	_ "github.com/jackc/pgx/v4/stdlib"
	"go.uber.org/zap"

	"github.com/StevenACoffman/anotherr/errors"
)

type postgresAdapter struct {
	opts    Options
	connStr string
	db      *sql.DB
	logger  *zap.Logger
}

func newPostgres(opts Options) (*postgresAdapter, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		opts.Host,
		opts.Port,
		opts.User,
		opts.Password,
		opts.Database,
	)
	if opts.Charset != "" {
		connStr += " client_encoding=" + opts.Charset
	}
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, ConfigErrorf(err, "Unable to open postgres connection to %s", opts.Host)
	}
	return &postgresAdapter{opts: opts, connStr: connStr, db: db, logger: opts.Logger}, nil
}

func (a *postgresAdapter) Engine() string { return "postgres" }
func (a *postgresAdapter) DB() *sql.DB    { return a.db }
func (a *postgresAdapter) Close() error   { return a.db.Close() }

func (a *postgresAdapter) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// connect opens a dedicated session for COPY work. Timestamps are extracted
// in UTC so timestamp-with-timezone values land canonicalized on the target.
func (a *postgresAdapter) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, a.connStr)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to open postgres session")
	}
	if _, err = conn.Exec(ctx, "SET TIME ZONE 'UTC'"); err != nil {
		_ = conn.Close(ctx)
		return nil, errors.Wrap(err, "Unable to set session time zone")
	}
	return conn, nil
}

func (a *postgresAdapter) Schema(ctx context.Context, table string) ([]Column, error) {
	pks, err := a.primaryKeys(ctx, table)
	if err != nil {
		return nil, err
	}
	sqlStr := `SELECT column_name, data_type, is_nullable, column_default
FROM information_schema.columns
WHERE table_schema = 'public' AND table_name = $1
ORDER BY ordinal_position`
	rows, err := a.db.QueryContext(ctx, sqlStr, table)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to query postgres coltypes for "+table)
	}
	defer rows.Close()
	var columns []Column
	for rows.Next() {
		var c Column
		var nullable string
		if err = rows.Scan(&c.Name, &c.Type, &nullable, &c.Default); err != nil {
			return nil, errors.Wrap(err, "Unable to scan postgres coltypes for "+table)
		}
		c.Nullable = nullable == "YES"
		c.PrimaryKey = pks[c.Name]
		columns = append(columns, c)
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, "Unable to scan postgres coltypes for "+table)
	}
	if len(columns) == 0 {
		return nil, NoSuchTablef("table %s does not exist", table)
	}
	return columns, nil
}

func (a *postgresAdapter) primaryKeys(ctx context.Context, table string) (map[string]bool, error) {
	sqlStr := `SELECT pg_get_constraintdef(oid)
FROM pg_constraint
WHERE contype = 'p'
AND connamespace = 'public'::regnamespace
AND conrelid::regclass::text = $1`
	pks := make(map[string]bool)
	var constraintDef string
	err := a.db.QueryRowContext(ctx, sqlStr, table).Scan(&constraintDef)
	if errors.Is(err, sql.ErrNoRows) {
		return pks, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "Unable to query primary key constraints for table "+table)
	}
	pksStr := strings.TrimSuffix(strings.TrimPrefix(constraintDef, "PRIMARY KEY ("), ")")
	for _, pk := range strings.Split(pksStr, ", ") {
		pks[strings.Trim(pk, `"`)] = true
	}
	return pks, nil
}

func (a *postgresAdapter) Indexes(ctx context.Context, table string) (map[string]Index, error) {
	sqlStr := `SELECT i.relname, a.attname, ix.indisunique
FROM pg_class t
JOIN pg_index ix ON t.oid = ix.indrelid
JOIN pg_class i ON i.oid = ix.indexrelid
JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
WHERE t.relname = $1 AND NOT ix.indisprimary
ORDER BY i.relname, array_position(ix.indkey, a.attnum)`
	rows, err := a.db.QueryContext(ctx, sqlStr, table)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to query postgres indexes for "+table)
	}
	defer rows.Close()
	indexes := make(map[string]Index)
	for rows.Next() {
		var name, column string
		var unique bool
		if err = rows.Scan(&name, &column, &unique); err != nil {
			return nil, errors.Wrap(err, "Unable to scan postgres indexes for "+table)
		}
		idx := indexes[name]
		idx.Columns = append(idx.Columns, column)
		idx.Unique = unique
		indexes[name] = idx
	}
	return indexes, errors.Wrap(rows.Err(), "Unable to scan postgres indexes for "+table)
}

func (a *postgresAdapter) HashSchema(ctx context.Context, table string) (map[string]HashedColumn, error) {
	columns, err := a.Schema(ctx, table)
	if err != nil {
		return nil, err
	}
	return HashColumns(columns), nil
}

func (a *postgresAdapter) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1`,
		table).Scan(&n)
	return n > 0, errors.Wrap(err, "Unable to check postgres table existence for "+table)
}

func (a *postgresAdapter) TableNames(ctx context.Context) ([]string, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT tablename FROM pg_tables WHERE schemaname = 'public' ORDER BY tablename`)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to list postgres tables")
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "Unable to scan postgres table name")
		}
		names = append(names, name)
	}
	return names, errors.Wrap(rows.Err(), "Unable to list postgres tables")
}

// ExtractToFile runs COPY ... TO STDOUT on a dedicated session and streams
// the tab-delimited text format into file.
func (a *postgresAdapter) ExtractToFile(ctx context.Context, sqlText, file string) error {
	conn, err := a.connect(ctx)
	if err != nil {
		return ExtractErrorf(err, "Unable to connect for extract")
	}
	defer func() { _ = conn.Close(context.Background()) }()

	out, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return ExtractErrorf(err, "Unable to open extract file %s", file)
	}
	defer func() { _ = out.Close() }()

	copyToSQL := fmt.Sprintf("COPY (%s) TO STDOUT", sqlText)
	a.logger.Debug("running extract", zap.String("sql", copyToSQL))
	res, err := conn.PgConn().CopyTo(ctx, out, copyToSQL)
	if err != nil {
		return ExtractErrorf(err, "Got CopyTo error for %s", copyToSQL)
	}
	a.logger.Debug("extract finished", zap.Int64("rows", res.RowsAffected()))
	return errors.Wrap(out.Close(), "Unable to close extract file "+file)
}

// LoadFromFile copies into a session-local scratch table, then inserts into
// the destination with ON CONFLICT DO NOTHING so duplicate primary keys from
// incremental catch-up are silently dropped. COPY and INSERT share a session
// because temporary tables are session-scoped.
func (a *postgresAdapter) LoadFromFile(ctx context.Context, table string, columns []string, file string) error {
	conn, err := a.connect(ctx)
	if err != nil {
		return LoadErrorf(err, "Unable to connect for load")
	}
	defer func() { _ = conn.Close(context.Background()) }()

	in, err := os.Open(file)
	if err != nil {
		return LoadErrorf(err, "Unable to open load file %s", file)
	}
	defer func() { _ = in.Close() }()

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = a.QuoteIdent(c)
	}
	colList := strings.Join(quoted, ", ")

	scratch := a.QuoteIdent("load_" + table)
	createSQL := fmt.Sprintf(
		"CREATE TEMPORARY TABLE %s (LIKE %s) ON COMMIT DROP", scratch, a.QuoteIdent(table))
	insertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT DO NOTHING",
		a.QuoteIdent(table), colList, colList, scratch)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return LoadErrorf(err, "Unable to begin load transaction for %s", table)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err = tx.Exec(ctx, createSQL); err != nil {
		return LoadErrorf(err, "Unable to create scratch table for %s", table)
	}
	copySQL := fmt.Sprintf("COPY %s (%s) FROM STDIN", scratch, colList)
	if _, err = conn.PgConn().CopyFrom(ctx, in, copySQL); err != nil {
		return LoadErrorf(err, "Got CopyFrom error for %s", copySQL)
	}
	if _, err = tx.Exec(ctx, insertSQL); err != nil {
		return LoadErrorf(err, "Unable to insert scratch rows into %s", table)
	}
	if err = tx.Commit(ctx); err != nil {
		return LoadErrorf(err, "Unable to commit load into %s", table)
	}
	return nil
}

// CreateTableLike copies constraints and indexes too; a bare LIKE would drop
// the primary key, and the duplicate-ignoring load depends on it.
func (a *postgresAdapter) CreateTableLike(ctx context.Context, newTable, existing string) error {
	sqlStr := fmt.Sprintf("CREATE TABLE %s (LIKE %s INCLUDING ALL)", a.QuoteIdent(newTable), a.QuoteIdent(existing))
	_, err := a.db.ExecContext(ctx, sqlStr)
	return errors.Wrap(err, "Unable to create "+newTable+" like "+existing)
}

func (a *postgresAdapter) CreateStagingTable(ctx context.Context, table string, columns []Column, charset string) error {
	var defs []string
	var pks []string
	for _, c := range columns {
		def := a.QuoteIdent(c.Name) + " " + postgresDDLType(c.Type)
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
		if c.PrimaryKey {
			pks = append(pks, a.QuoteIdent(c.Name))
		}
	}
	if len(pks) > 0 {
		defs = append(defs, "PRIMARY KEY ("+strings.Join(pks, ", ")+")")
	}
	sqlStr := fmt.Sprintf("CREATE TABLE %s (%s)", a.QuoteIdent(table), strings.Join(defs, ", "))
	_, err := a.db.ExecContext(ctx, sqlStr)
	return errors.Wrap(err, "Unable to create staging table "+table)
}

func (a *postgresAdapter) DropTableIfExists(ctx context.Context, table string) error {
	_, err := a.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+a.QuoteIdent(table))
	return errors.Wrap(err, "Unable to drop table "+table)
}

// SwitchTable renames inside one transaction; DDL is transactional on
// PostgreSQL, so readers see either the old or the new table.
func (a *postgresAdapter) SwitchTable(ctx context.Context, newTable, liveTable string) error {
	old := "old_" + liveTable
	liveExists, err := a.TableExists(ctx, liveTable)
	if err != nil {
		return err
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "Unable to begin switch transaction for "+liveTable)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+a.QuoteIdent(old)); err != nil {
		return errors.Wrap(err, "Unable to drop leftover "+old)
	}
	if liveExists {
		renameOld := fmt.Sprintf("ALTER TABLE %s RENAME TO %s", a.QuoteIdent(liveTable), a.QuoteIdent(old))
		if _, err = tx.ExecContext(ctx, renameOld); err != nil {
			return errors.Wrap(err, "Unable to rename "+liveTable+" aside")
		}
	}
	renameNew := fmt.Sprintf("ALTER TABLE %s RENAME TO %s", a.QuoteIdent(newTable), a.QuoteIdent(liveTable))
	if _, err = tx.ExecContext(ctx, renameNew); err != nil {
		return errors.Wrap(err, "Unable to rename "+newTable+" to "+liveTable)
	}
	if _, err = tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+a.QuoteIdent(old)); err != nil {
		return errors.Wrap(err, "Unable to drop displaced "+old)
	}
	return errors.Wrap(tx.Commit(), "Unable to commit switch for "+liveTable)
}

func (a *postgresAdapter) AddColumn(ctx context.Context, table, column, columnType string) error {
	sqlStr := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
		a.QuoteIdent(table), a.QuoteIdent(column), postgresDDLType(columnType))
	_, err := a.db.ExecContext(ctx, sqlStr)
	return errors.Wrap(err, "Unable to add column "+column+" to "+table)
}

func (a *postgresAdapter) AddIndex(ctx context.Context, table, name string, index Index) error {
	quoted := make([]string, len(index.Columns))
	for i, c := range index.Columns {
		quoted[i] = a.QuoteIdent(c)
	}
	unique := ""
	if index.Unique {
		unique = "UNIQUE "
	}
	sqlStr := fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)",
		unique, a.QuoteIdent(name), a.QuoteIdent(table), strings.Join(quoted, ", "))
	_, err := a.db.ExecContext(ctx, sqlStr)
	return errors.Wrap(err, "Unable to add index "+name+" to "+table)
}

func (a *postgresAdapter) RemoveIndexesExcept(ctx context.Context, table string, keep []string) error {
	indexes, err := a.Indexes(ctx, table)
	if err != nil {
		return err
	}
	keepSet := make(map[string]bool, len(keep))
	for _, name := range keep {
		keepSet[name] = true
	}
	var names []string
	for name := range indexes {
		if !keepSet[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err = a.db.ExecContext(ctx, "DROP INDEX IF EXISTS "+a.QuoteIdent(name)); err != nil {
			return errors.Wrap(err, "Unable to drop index "+name+" on "+table)
		}
	}
	return nil
}

func (a *postgresAdapter) TimestampPredicate(column string, epoch int64, inMillis bool) string {
	if inMillis {
		return fmt.Sprintf("%s > %d", a.QuoteIdent(column), epoch)
	}
	return fmt.Sprintf("%s > to_timestamp(%d)", a.QuoteIdent(column), epoch)
}

func (a *postgresAdapter) WindowPredicate(column string, epoch int64) string {
	return fmt.Sprintf("%s >= to_timestamp(%d)", a.QuoteIdent(column), epoch)
}

func (a *postgresAdapter) MaxTimestamp(ctx context.Context, table, column string, inMillis bool) (int64, bool, error) {
	var sqlStr string
	if inMillis {
		sqlStr = fmt.Sprintf("SELECT MAX(%s) FROM %s", a.QuoteIdent(column), a.QuoteIdent(table))
	} else {
		sqlStr = fmt.Sprintf("SELECT FLOOR(EXTRACT(EPOCH FROM MAX(%s)))::bigint FROM %s",
			a.QuoteIdent(column), a.QuoteIdent(table))
	}
	var max sql.NullInt64
	if err := a.db.QueryRowContext(ctx, sqlStr).Scan(&max); err != nil {
		return 0, false, errors.Wrap(err, "Unable to read max "+column+" of "+table)
	}
	if !max.Valid {
		return 0, false, nil
	}
	return max.Int64, true, nil
}

func (a *postgresAdapter) DeleteWhere(ctx context.Context, table, predicate string) error {
	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s", a.QuoteIdent(table), predicate)
	_, err := a.db.ExecContext(ctx, sqlStr)
	return errors.Wrap(err, "Unable to delete rows from "+table)
}

func (a *postgresAdapter) ConnectionReset(ctx context.Context) error {
	return resetPool(ctx, a.db)
}
