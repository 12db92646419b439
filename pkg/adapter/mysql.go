package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/StevenACoffman/anotherr/errors"
)

type mysqlAdapter struct {
	opts   Options
	db     *sql.DB
	logger *zap.Logger
}

func newMySQL(opts Options) (*mysqlAdapter, error) {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	cfg.User = opts.User
	cfg.Passwd = opts.Password
	cfg.DBName = opts.Database
	cfg.AllowNativePasswords = true
	cfg.ParseTime = true
	if opts.Charset != "" {
		cfg.Params = map[string]string{"charset": opts.Charset}
	}
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, ConfigErrorf(err, "Unable to open mysql connection to %s", cfg.Addr)
	}
	return &mysqlAdapter{opts: opts, db: db, logger: opts.Logger}, nil
}

func (a *mysqlAdapter) Engine() string { return "mysql" }
func (a *mysqlAdapter) DB() *sql.DB    { return a.db }
func (a *mysqlAdapter) Close() error   { return a.db.Close() }

func (a *mysqlAdapter) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (a *mysqlAdapter) Schema(ctx context.Context, table string) ([]Column, error) {
	sqlStr := `SELECT column_name, column_type, column_key, is_nullable, column_default
FROM information_schema.columns
WHERE table_schema = DATABASE() AND table_name = ?
ORDER BY ordinal_position`
	rows, err := a.db.QueryContext(ctx, sqlStr, table)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to query mysql coltypes for "+table)
	}
	defer rows.Close()
	var columns []Column
	for rows.Next() {
		var c Column
		var key, nullable string
		if err = rows.Scan(&c.Name, &c.Type, &key, &nullable, &c.Default); err != nil {
			return nil, errors.Wrap(err, "Unable to scan mysql coltypes for "+table)
		}
		c.PrimaryKey = key == "PRI"
		c.Nullable = nullable == "YES"
		columns = append(columns, c)
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, "Unable to scan mysql coltypes for "+table)
	}
	if len(columns) == 0 {
		return nil, NoSuchTablef("table %s does not exist", table)
	}
	return columns, nil
}

func (a *mysqlAdapter) Indexes(ctx context.Context, table string) (map[string]Index, error) {
	sqlStr := `SELECT index_name, column_name, non_unique
FROM information_schema.statistics
WHERE table_schema = DATABASE() AND table_name = ? AND index_name <> 'PRIMARY'
ORDER BY index_name, seq_in_index`
	rows, err := a.db.QueryContext(ctx, sqlStr, table)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to query mysql indexes for "+table)
	}
	defer rows.Close()
	indexes := make(map[string]Index)
	for rows.Next() {
		var name, column string
		var nonUnique int
		if err = rows.Scan(&name, &column, &nonUnique); err != nil {
			return nil, errors.Wrap(err, "Unable to scan mysql indexes for "+table)
		}
		idx := indexes[name]
		idx.Columns = append(idx.Columns, column)
		idx.Unique = nonUnique == 0
		indexes[name] = idx
	}
	return indexes, errors.Wrap(rows.Err(), "Unable to scan mysql indexes for "+table)
}

func (a *mysqlAdapter) HashSchema(ctx context.Context, table string) (map[string]HashedColumn, error) {
	columns, err := a.Schema(ctx, table)
	if err != nil {
		return nil, err
	}
	return HashColumns(columns), nil
}

func (a *mysqlAdapter) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?`,
		table).Scan(&n)
	return n > 0, errors.Wrap(err, "Unable to check mysql table existence for "+table)
}

func (a *mysqlAdapter) TableNames(ctx context.Context) ([]string, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT table_name FROM information_schema.tables
WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'
ORDER BY table_name`)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to list mysql tables")
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "Unable to scan mysql table name")
		}
		names = append(names, name)
	}
	return names, errors.Wrap(rows.Err(), "Unable to list mysql tables")
}

// ExtractToFile shells out to the mysql client in batch mode, which writes
// tab-delimited rows to stdout. The client swallows some server errors into
// stderr with a zero exit status, hence the dual check in runExtractCommand.
func (a *mysqlAdapter) ExtractToFile(ctx context.Context, sqlText, file string) error {
	args := []string{
		"--host=" + a.opts.Host,
		"--port=" + strconv.Itoa(a.opts.Port),
		"--user=" + a.opts.User,
		"--password=" + a.opts.Password,
		"--batch",
		"--raw",
		"--skip-column-names",
	}
	if a.opts.Charset != "" {
		args = append(args, "--default-character-set="+a.opts.Charset)
	}
	args = append(args, "-e", sqlText, a.opts.Database)
	return runExtractCommand(ctx, a.logger, file, "mysql", args...)
}

// LoadFromFile streams the extract file through the driver's reader-handler
// hook into LOAD DATA LOCAL INFILE. IGNORE drops rows whose primary key is
// already present, which makes incremental catch-up idempotent.
func (a *mysqlAdapter) LoadFromFile(ctx context.Context, table string, columns []string, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return LoadErrorf(err, "Unable to open load file %s", file)
	}
	defer func() { _ = f.Close() }()

	handle := "sqdbsync_" + uuid.NewString()
	mysql.RegisterReaderHandler(handle, func() io.Reader { return f })
	defer mysql.DeregisterReaderHandler(handle)

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = a.QuoteIdent(c)
	}
	charset := ""
	if a.opts.Charset != "" {
		charset = " CHARACTER SET " + a.opts.Charset
	}
	sqlStr := fmt.Sprintf(
		"LOAD DATA LOCAL INFILE 'Reader::%s' IGNORE INTO TABLE %s%s FIELDS TERMINATED BY '\\t' LINES TERMINATED BY '\\n' (%s)",
		handle,
		a.QuoteIdent(table),
		charset,
		strings.Join(quoted, ", "),
	)
	if _, err = a.db.ExecContext(ctx, sqlStr); err != nil {
		return LoadErrorf(err, "Unable to bulk load into %s", table)
	}
	return nil
}

func (a *mysqlAdapter) CreateTableLike(ctx context.Context, newTable, existing string) error {
	sqlStr := fmt.Sprintf("CREATE TABLE %s LIKE %s", a.QuoteIdent(newTable), a.QuoteIdent(existing))
	_, err := a.db.ExecContext(ctx, sqlStr)
	return errors.Wrap(err, "Unable to create "+newTable+" like "+existing)
}

func (a *mysqlAdapter) CreateStagingTable(ctx context.Context, table string, columns []Column, charset string) error {
	var defs []string
	var pks []string
	for _, c := range columns {
		def := a.QuoteIdent(c.Name) + " " + mysqlDDLType(c.Type)
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
	sqlStr := fmt.Sprintf("CREATE TABLE %s (%s) ENGINE=InnoDB", a.QuoteIdent(table), strings.Join(defs, ", "))
	if charset != "" {
		sqlStr += " DEFAULT CHARSET=" + charset
	}
	_, err := a.db.ExecContext(ctx, sqlStr)
	return errors.Wrap(err, "Unable to create staging table "+table)
}

func (a *mysqlAdapter) DropTableIfExists(ctx context.Context, table string) error {
	_, err := a.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+a.QuoteIdent(table))
	return errors.Wrap(err, "Unable to drop table "+table)
}

// SwitchTable uses a single RENAME TABLE, which MySQL applies atomically, so
// readers never observe a missing live table.
func (a *mysqlAdapter) SwitchTable(ctx context.Context, newTable, liveTable string) error {
	old := "old_" + liveTable
	if err := a.DropTableIfExists(ctx, old); err != nil {
		return err
	}
	liveExists, err := a.TableExists(ctx, liveTable)
	if err != nil {
		return err
	}
	var sqlStr string
	if liveExists {
		sqlStr = fmt.Sprintf("RENAME TABLE %s TO %s, %s TO %s",
			a.QuoteIdent(liveTable), a.QuoteIdent(old),
			a.QuoteIdent(newTable), a.QuoteIdent(liveTable))
	} else {
		sqlStr = fmt.Sprintf("RENAME TABLE %s TO %s", a.QuoteIdent(newTable), a.QuoteIdent(liveTable))
	}
	if _, err = a.db.ExecContext(ctx, sqlStr); err != nil {
		return errors.Wrap(err, "Unable to switch "+newTable+" to "+liveTable)
	}
	return a.DropTableIfExists(ctx, old)
}

func (a *mysqlAdapter) AddColumn(ctx context.Context, table, column, columnType string) error {
	sqlStr := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
		a.QuoteIdent(table), a.QuoteIdent(column), mysqlDDLType(columnType))
	_, err := a.db.ExecContext(ctx, sqlStr)
	return errors.Wrap(err, "Unable to add column "+column+" to "+table)
}

func (a *mysqlAdapter) AddIndex(ctx context.Context, table, name string, index Index) error {
	quoted := make([]string, len(index.Columns))
	for i, c := range index.Columns {
		quoted[i] = a.QuoteIdent(c)
	}
	unique := ""
	if index.Unique {
		unique = "UNIQUE "
	}
	sqlStr := fmt.Sprintf("ALTER TABLE %s ADD %sINDEX %s (%s)",
		a.QuoteIdent(table), unique, a.QuoteIdent(name), strings.Join(quoted, ", "))
	_, err := a.db.ExecContext(ctx, sqlStr)
	return errors.Wrap(err, "Unable to add index "+name+" to "+table)
}

func (a *mysqlAdapter) RemoveIndexesExcept(ctx context.Context, table string, keep []string) error {
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
		sqlStr := fmt.Sprintf("DROP INDEX %s ON %s", a.QuoteIdent(name), a.QuoteIdent(table))
		if _, err = a.db.ExecContext(ctx, sqlStr); err != nil {
			return errors.Wrap(err, "Unable to drop index "+name+" on "+table)
		}
	}
	return nil
}

func (a *mysqlAdapter) TimestampPredicate(column string, epoch int64, inMillis bool) string {
	if inMillis {
		return fmt.Sprintf("%s > %d", a.QuoteIdent(column), epoch)
	}
	return fmt.Sprintf("%s > FROM_UNIXTIME(%d)", a.QuoteIdent(column), epoch)
}

func (a *mysqlAdapter) WindowPredicate(column string, epoch int64) string {
	return fmt.Sprintf("%s >= FROM_UNIXTIME(%d)", a.QuoteIdent(column), epoch)
}

func (a *mysqlAdapter) MaxTimestamp(ctx context.Context, table, column string, inMillis bool) (int64, bool, error) {
	var sqlStr string
	if inMillis {
		sqlStr = fmt.Sprintf("SELECT MAX(%s) FROM %s", a.QuoteIdent(column), a.QuoteIdent(table))
	} else {
		sqlStr = fmt.Sprintf("SELECT FLOOR(UNIX_TIMESTAMP(MAX(%s))) FROM %s", a.QuoteIdent(column), a.QuoteIdent(table))
	}
	var max sql.NullFloat64
	if err := a.db.QueryRowContext(ctx, sqlStr).Scan(&max); err != nil {
		return 0, false, errors.Wrap(err, "Unable to read max "+column+" of "+table)
	}
	if !max.Valid {
		return 0, false, nil
	}
	return int64(max.Float64), true, nil
}

func (a *mysqlAdapter) DeleteWhere(ctx context.Context, table, predicate string) error {
	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s", a.QuoteIdent(table), predicate)
	_, err := a.db.ExecContext(ctx, sqlStr)
	return errors.Wrap(err, "Unable to delete rows from "+table)
}

func (a *mysqlAdapter) ConnectionReset(ctx context.Context) error {
	return resetPool(ctx, a.db)
}
