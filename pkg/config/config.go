// Package config loads the sync configuration: process settings from the
// environment (with .env autoload), sources/target/plans from a YAML file.
package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dmitri-anishchuk/sq-dbsync/pkg/adapter"
	"github.com/dmitri-anishchuk/sq-dbsync/pkg/plan"
)

// Env are the process-level settings.
type Env struct {
	ConfigPath      string        `env:"SQDBSYNC_CONFIG" envDefault:"sqdbsync.yml"`
	Debug           bool          `env:"DEBUG"`
	ChunkRows       int           `env:"SQDBSYNC_CHUNK_ROWS" envDefault:"0"`
	Cadence         time.Duration `env:"SQDBSYNC_CADENCE" envDefault:"1s"`
	BatchSchedule   string        `env:"SQDBSYNC_BATCH_SCHEDULE"`
	RefreshSchedule string        `env:"SQDBSYNC_REFRESH_SCHEDULE"`
}

// LoadEnv reads Env, first folding a .env file into the environment if one
// is present.
func LoadEnv() (Env, error) {
	_ = godotenv.Load()
	var e Env
	if err := env.Parse(&e); err != nil {
		return e, adapter.ConfigErrorf(err, "invalid environment")
	}
	return e, nil
}

// Connection holds one database's connection options.
type Connection struct {
	Engine   string  `yaml:"engine"`
	Host     string  `yaml:"host"`
	Port     int     `yaml:"port"`
	User     string  `yaml:"user"`
	Password string  `yaml:"password"`
	Database string  `yaml:"database"`
	Charset  string  `yaml:"charset"`
	Tunnel   *Tunnel `yaml:"tunnel"`
}

func (c Connection) validate(name string) error {
	switch c.Engine {
	case "mysql", "postgres", "postgresql":
	default:
		return adapter.ConfigErrorf(nil, "%s: unknown engine %q", name, c.Engine)
	}
	if c.Host == "" || c.Database == "" {
		return adapter.ConfigErrorf(nil, "%s: host and database are required", name)
	}
	return nil
}

// Options renders the connection as adapter options.
func (c Connection) Options() adapter.Options {
	return adapter.Options{
		Engine:   c.Engine,
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		Database: c.Database,
		Charset:  c.Charset,
	}
}

// IndexConfig mirrors one declared index.
type IndexConfig struct {
	Columns []string `yaml:"columns"`
	Unique  bool     `yaml:"unique"`
}

// Columns decodes either the literal "all" or an explicit column list.
type Columns struct {
	set plan.ColumnSet
}

func (c *Columns) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		if value.Value != "all" {
			return adapter.ConfigErrorf(nil, "columns must be \"all\" or a list, got %q", value.Value)
		}
		c.set = plan.AllColumns()
		return nil
	}
	var names []string
	if err := value.Decode(&names); err != nil {
		return adapter.ConfigErrorf(err, "invalid columns list")
	}
	c.set = plan.Columns(names...)
	return nil
}

// Refresh decodes refresh_recent: false, true (window on the timestamp
// column), or a column name.
type Refresh struct {
	mode plan.RefreshRecent
}

func (r *Refresh) UnmarshalYAML(value *yaml.Node) error {
	var enabled bool
	if err := value.Decode(&enabled); err == nil {
		if enabled {
			r.mode = plan.RefreshByTimestamp()
		} else {
			r.mode = plan.RefreshDisabled()
		}
		return nil
	}
	var column string
	if err := value.Decode(&column); err != nil {
		return adapter.ConfigErrorf(err, "refresh_recent must be a bool or a column name")
	}
	r.mode = plan.RefreshByColumn(column)
	return nil
}

// Table is one plan literal.
type Table struct {
	TargetTable       string                 `yaml:"target_table"`
	SourceTable       string                 `yaml:"source_table"`
	Source            string                 `yaml:"source"`
	Columns           Columns                `yaml:"columns"`
	TimestampColumn   string                 `yaml:"timestamp_column"`
	TimestampInMillis bool                   `yaml:"timestamp_in_millis"`
	Indexes           map[string]IndexConfig `yaml:"indexes"`
	RefreshRecent     Refresh                `yaml:"refresh_recent"`
	Charset           string                 `yaml:"charset"`
}

// Plan renders the literal as a TablePlan.
func (t Table) Plan() plan.TablePlan {
	indexes := make(map[string]adapter.Index, len(t.Indexes))
	for name, idx := range t.Indexes {
		indexes[name] = adapter.Index{Columns: idx.Columns, Unique: idx.Unique}
	}
	target := t.TargetTable
	if target == "" {
		target = t.SourceTable
	}
	columns := t.Columns.set
	if !columns.IsAll() && len(columns.Names()) == 0 {
		// omitted columns means copy everything
		columns = plan.AllColumns()
	}
	return plan.TablePlan{
		SourceID:          t.Source,
		SourceTable:       t.SourceTable,
		TargetTable:       target,
		Columns:           columns,
		TimestampColumn:   t.TimestampColumn,
		TimestampInMillis: t.TimestampInMillis,
		Indexes:           indexes,
		RefreshRecent:     t.RefreshRecent.mode,
		Charset:           t.Charset,
	}
}

// AllTables configures the schema-enumerating provider for one source.
type AllTables struct {
	Source          string   `yaml:"source"`
	TimestampColumn string   `yaml:"timestamp_column"`
	Exclude         []string `yaml:"exclude"`
}

// File is the YAML configuration document.
type File struct {
	Sources   map[string]Connection `yaml:"sources"`
	Target    Connection            `yaml:"target"`
	Tables    []Table               `yaml:"tables"`
	AllTables []AllTables           `yaml:"all_tables"`
}

// Load reads and validates the configuration file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, adapter.ConfigErrorf(err, "Unable to read config file %s", path)
	}
	var f File
	if err = yaml.Unmarshal(raw, &f); err != nil {
		return nil, adapter.ConfigErrorf(err, "Unable to parse config file %s", path)
	}
	if err = f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	if len(f.Sources) == 0 {
		return adapter.ConfigErrorf(nil, "at least one source is required")
	}
	for name, src := range f.Sources {
		if err := src.validate("source " + name); err != nil {
			return err
		}
	}
	if err := f.Target.validate("target"); err != nil {
		return err
	}
	for _, t := range f.Tables {
		if t.SourceTable == "" {
			return adapter.ConfigErrorf(nil, "every table needs a source_table")
		}
		if _, ok := f.Sources[t.Source]; !ok {
			return adapter.ConfigErrorf(nil, "table %s references unknown source %q", t.SourceTable, t.Source)
		}
		if err := t.Plan().Validate(); err != nil {
			return err
		}
	}
	for _, a := range f.AllTables {
		if _, ok := f.Sources[a.Source]; !ok {
			return adapter.ConfigErrorf(nil, "all_tables references unknown source %q", a.Source)
		}
	}
	return nil
}

// PlansBySource groups the plan literals by source id.
func (f *File) PlansBySource() map[string][]plan.TablePlan {
	grouped := make(map[string][]plan.TablePlan)
	for _, t := range f.Tables {
		p := t.Plan()
		grouped[t.Source] = append(grouped[t.Source], p)
	}
	return grouped
}
