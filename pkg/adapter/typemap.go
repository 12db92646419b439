package adapter

import "strings"

// HashColumns reduces an introspected schema to the attributes compared
// between source and target (see HashedColumn).
func HashColumns(columns []Column) map[string]HashedColumn {
	hashed := make(map[string]HashedColumn, len(columns))
	for _, c := range columns {
		hashed[c.Name] = HashedColumn{
			Type:       canonicalType(c.Type),
			PrimaryKey: c.PrimaryKey,
		}
	}
	return hashed
}

// canonicalType reduces an engine-reported column type to the name used for
// cross-engine schema comparison: lowercased, sized and unsigned variants
// folded together, synonyms collapsed.
func canonicalType(columnType string) string {
	t := strings.ToLower(strings.TrimSpace(columnType))
	if i := strings.Index(t, "("); i >= 0 {
		rest := ""
		if j := strings.Index(t, ")"); j > i {
			rest = t[j+1:]
		}
		t = strings.TrimSpace(t[:i] + rest)
	}
	t = strings.TrimSuffix(t, " unsigned")
	if canonical, ok := canonicalTypes[t]; ok {
		return canonical
	}
	return t
}

var canonicalTypes = map[string]string{
	"int":                         "integer",
	"int4":                        "integer",
	"serial":                      "integer",
	"mediumint":                   "integer",
	"int8":                        "bigint",
	"bigserial":                   "bigint",
	"int2":                        "smallint",
	"tinyint":                     "smallint",
	"bool":                        "boolean",
	"character varying":           "varchar",
	"character":                   "char",
	"bpchar":                      "char",
	"tinytext":                    "text",
	"mediumtext":                  "text",
	"longtext":                    "text",
	"float":                       "real",
	"float4":                      "real",
	"double":                      "double precision",
	"float8":                      "double precision",
	"numeric":                     "decimal",
	"datetime":                    "timestamp",
	"timestamptz":                 "timestamp",
	"timestamp without time zone": "timestamp",
	"timestamp with time zone":    "timestamp",
	"bytea":                       "blob",
	"tinyblob":                    "blob",
	"mediumblob":                  "blob",
	"longblob":                    "blob",
	"varbinary":                   "blob",
	"binary":                      "blob",
	"jsonb":                       "json",
}

// mysqlDDLType renders a column type reported by either engine as MySQL DDL.
// Native MySQL types pass through untouched so declared sizes survive.
var mysqlTypesFor = map[string]string{
	"integer":                     "int",
	"serial":                      "int",
	"bigserial":                   "bigint",
	"character varying":           "varchar(255)",
	"character":                   "char(255)",
	"boolean":                     "tinyint(1)",
	"double precision":            "double",
	"real":                        "float",
	"numeric":                     "decimal(40,20)",
	"timestamp without time zone": "datetime",
	"timestamp with time zone":    "datetime",
	"timestamptz":                 "datetime",
	"bytea":                       "longblob",
	"uuid":                        "varchar(36)",
	"jsonb":                       "json",
}

func mysqlDDLType(columnType string) string {
	base := strings.ToLower(strings.TrimSpace(columnType))
	if i := strings.Index(base, "("); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	if native, ok := mysqlTypesFor[base]; ok {
		return native
	}
	return columnType
}

// postgresDDLType renders a column type reported by either engine as
// PostgreSQL DDL. Display widths and unsigned markers have no PostgreSQL
// equivalent and are dropped for the integer family.
var postgresTypesFor = map[string]string{
	"tinyint":    "smallint",
	"smallint":   "smallint",
	"mediumint":  "integer",
	"bigint":     "bigint",
	"int":        "integer",
	"double":     "double precision",
	"float":      "real",
	"datetime":   "timestamp",
	"tinytext":   "text",
	"mediumtext": "text",
	"longtext":   "text",
	"enum":       "text",
	"set":        "text",
	"tinyblob":   "bytea",
	"mediumblob": "bytea",
	"longblob":   "bytea",
	"blob":       "bytea",
	"varbinary":  "bytea",
	"binary":     "bytea",
}

func postgresDDLType(columnType string) string {
	t := strings.ToLower(strings.TrimSpace(columnType))
	t = strings.TrimSuffix(t, " unsigned")
	base := t
	if i := strings.Index(base, "("); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	if native, ok := postgresTypesFor[base]; ok {
		return native
	}
	switch base {
	case "varchar", "char", "decimal", "numeric":
		// parameterized types PostgreSQL shares with MySQL keep their sizes
		return t
	}
	return t
}
