package server

import (
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/migration"
	"github.com/IMQS/recordsearch/query"
	serviceconfig "github.com/IMQS/serviceconfigsgo"
	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var (
	// The record store has no NULL public date. A record or datatype that is not public carries this date instead.
	nonPublicSentinel = time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)

	// Lower bound of a date range that was given without a start
	epochFloor = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Every typeclass table has the same shape apart from its value columns
func storageTable(name, columns string) string {
	return fmt.Sprintf(`CREATE TABLE %v (
		id BIGINT PRIMARY KEY,
		drf_id BIGINT NOT NULL,
		%v,
		deleted_at TIMESTAMP
	)`, name, columns)
}

func createMigrations() []migration.Migrator {
	var migrations []migration.Migrator

	add := func(statements ...string) {
		migrations = append(migrations, func(tx migration.LimitedTx) error {
			for _, stmt := range statements {
				if _, err := tx.Exec(stmt); err != nil {
					return err
				}
			}
			return nil
		})
	}

	// Schema
	add(
		`CREATE TABLE datatype (
			id BIGINT PRIMARY KEY,
			name VARCHAR NOT NULL,
			public_date TIMESTAMP NOT NULL,
			deleted_at TIMESTAMP
		)`,
		`CREATE TABLE datatree (
			id BIGINT PRIMARY KEY,
			ancestor_id BIGINT NOT NULL,
			descendant_id BIGINT NOT NULL,
			is_link INTEGER NOT NULL DEFAULT 0,
			deleted_at TIMESTAMP
		)`,
		`CREATE TABLE datafield (
			id BIGINT PRIMARY KEY,
			datatype_id BIGINT NOT NULL,
			name VARCHAR NOT NULL,
			typeclass VARCHAR NOT NULL,
			searchable INTEGER NOT NULL DEFAULT 0,
			deleted_at TIMESTAMP
		)`,
		`CREATE INDEX idx_datafield_datatype ON datafield (datatype_id)`,
	)

	// Records
	add(
		`CREATE TABLE datarecord (
			id BIGINT PRIMARY KEY,
			datatype_id BIGINT NOT NULL,
			parent_id BIGINT NOT NULL,
			grandparent_id BIGINT NOT NULL,
			public_date TIMESTAMP NOT NULL,
			created TIMESTAMP NOT NULL,
			updated TIMESTAMP NOT NULL,
			created_by BIGINT NOT NULL DEFAULT 0,
			updated_by BIGINT NOT NULL DEFAULT 0,
			deleted_at TIMESTAMP
		)`,
		`CREATE INDEX idx_datarecord_datatype ON datarecord (datatype_id)`,
		`CREATE INDEX idx_datarecord_grandparent ON datarecord (grandparent_id)`,
		`CREATE TABLE datarecordfield (
			id BIGINT PRIMARY KEY,
			datarecord_id BIGINT NOT NULL,
			datafield_id BIGINT NOT NULL,
			deleted_at TIMESTAMP
		)`,
		`CREATE INDEX idx_datarecordfield_record ON datarecordfield (datarecord_id, datafield_id)`,
		`CREATE TABLE linked_datatree (
			id BIGINT PRIMARY KEY,
			ancestor_id BIGINT NOT NULL,
			descendant_id BIGINT NOT NULL,
			deleted_at TIMESTAMP
		)`,
		`CREATE INDEX idx_linked_datatree_ancestor ON linked_datatree (ancestor_id)`,
		`CREATE INDEX idx_linked_datatree_descendant ON linked_datatree (descendant_id)`,
	)

	// Typeclass storage
	add(
		storageTable("short_varchar", "value VARCHAR(32)"),
		storageTable("medium_varchar", "value VARCHAR(64)"),
		storageTable("long_varchar", "value VARCHAR(255)"),
		storageTable("long_text", "value TEXT"),
		storageTable("integer_value", "value BIGINT"),
		storageTable("decimal_value", "value DOUBLE PRECISION"),
		storageTable("datetime_value", "value TIMESTAMP"),
		storageTable("boolean_value", "value INTEGER"),
		storageTable("radio_selection", "radio_option_id BIGINT NOT NULL, selected INTEGER NOT NULL"),
		storageTable("tag_selection", "tag_id BIGINT NOT NULL, selected INTEGER NOT NULL"),
		storageTable("file", "original_name VARCHAR(255)"),
		storageTable("image", "original_name VARCHAR(255)"),
	)

	// Users and permissions
	add(
		`CREATE TABLE app_user (
			id BIGINT PRIMARY KEY,
			super_admin INTEGER NOT NULL DEFAULT 0,
			deleted_at TIMESTAMP
		)`,
		`CREATE TABLE user_permission (
			user_id BIGINT NOT NULL,
			datatype_id BIGINT NOT NULL,
			can_view INTEGER NOT NULL DEFAULT 0,
			can_edit INTEGER NOT NULL DEFAULT 0,
			can_delete INTEGER NOT NULL DEFAULT 0,
			can_add INTEGER NOT NULL DEFAULT 0,
			is_admin INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, datatype_id)
		)`,
	)

	// Search result cache, for the "database" cache backend
	add(
		`CREATE TABLE search_cache (
			datatype_id BIGINT NOT NULL,
			key_hash VARCHAR(32) NOT NULL,
			login_state VARCHAR(16) NOT NULL,
			payload TEXT NOT NULL,
			created BIGINT NOT NULL,
			PRIMARY KEY (datatype_id, key_hash, login_state)
		)`,
	)

	return migrations
}

// openDB connects to the record store, after running the migrations
func (e *Engine) openDB() error {
	cfg := e.GetConfig().Database
	driver, dsn := cfg.Driver, cfg.DSN()
	if cfg.Alias != "" {
		conf, err := serviceconfig.GetDBAlias(cfg.Alias)
		if err != nil {
			return fmt.Errorf("Could not find database alias %v: %v", cfg.Alias, err)
		}
		driver, dsn = conf.Driver, conf.DSN()
	}
	if driver != driverPostgres && driver != driverSQLite {
		return fmt.Errorf("Unsupported database driver '%v'", driver)
	}

	db, err := migration.Open(driver, dsn, createMigrations())
	if err != nil {
		return err
	}
	e.setDBConnectionLimits(&cfg, db)
	e.DB = db
	e.dialect = dialect{driver: driver}
	return nil
}

func (e *Engine) setDBConnectionLimits(cfg *ConfigDatabase, db *sql.DB) {
	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns != 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
}

// dialect holds the few places where Postgres and SQLite disagree
type dialect struct {
	driver string
}

func (d dialect) isPostgres() bool {
	return d.driver == driverPostgres
}

func (d dialect) placeholder(n int) string {
	if d.isPostgres() {
		return "$" + strconv.Itoa(n)
	}
	return "?" + strconv.Itoa(n)
}

// comparison renders one compiled comparison against the value column of a storage table.
// Postgres LIKE is case sensitive, and refuses to compare numeric columns with text.
func (d dialect) comparison(c query.Comparison, numericColumn bool, value any) string {
	column := query.ValueColumn
	op := c.Op.String()
	if d.isPostgres() {
		_, isText := value.(string)
		if numericColumn && isText {
			column = "CAST(" + query.ValueColumn + " AS TEXT)"
		}
		switch c.Op {
		case query.OpLike:
			op = "ILIKE"
		case query.OpNotLike:
			op = "NOT ILIKE"
		}
	}
	return column + " " + op + " :" + c.Param
}

var namedParam = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)

// bindNamed rewrites :name placeholders into the driver's positional form. Positions are
// assigned in order of first appearance, and a name that appears twice reuses its position.
func bindNamed(d dialect, stmt string, params map[string]any) (string, []any, error) {
	positions := map[string]int{}
	args := []any{}
	var missing []string
	out := namedParam.ReplaceAllStringFunc(stmt, func(m string) string {
		name := m[1:]
		pos, ok := positions[name]
		if !ok {
			v, have := params[name]
			if !have {
				missing = append(missing, name)
				return m
			}
			args = append(args, v)
			pos = len(args)
			positions[name] = pos
		}
		return d.placeholder(pos)
	})
	if len(missing) != 0 {
		return "", nil, fmt.Errorf("Unbound query parameters %v", strings.Join(missing, ", "))
	}
	return out, args, nil
}

// inlineIDs renders an id list for an IN clause. Ids are integers produced by the engine itself,
// so they never need binding.
func inlineIDs(ids []int64) string {
	if len(ids) == 0 {
		return "NULL"
	}
	s := strings.Builder{}
	for i, id := range ids {
		if i != 0 {
			s.WriteByte(',')
		}
		s.WriteString(strconv.FormatInt(id, 10))
	}
	return s.String()
}

// dbTime scans a timestamp column. SQLite hands timestamps back as text, and Postgres as time.Time.
type dbTime struct {
	Time  time.Time
	Valid bool
}

var dbTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (t *dbTime) Scan(src any) error {
	t.Valid = false
	switch v := src.(type) {
	case nil:
		return nil
	case time.Time:
		t.Time = v.UTC()
	case int64:
		t.Time = time.Unix(v, 0).UTC()
	case []byte:
		return t.Scan(string(v))
	case string:
		var err error
		for _, layout := range dbTimeLayouts {
			var parsed time.Time
			if parsed, err = time.Parse(layout, v); err == nil {
				t.Time = parsed.UTC()
				break
			}
		}
		if err != nil {
			return fmt.Errorf("Unrecognized timestamp '%v'", v)
		}
	default:
		return fmt.Errorf("Cannot scan %T into a timestamp", src)
	}
	t.Valid = true
	return nil
}

// publicDate converts a stored public date into its nullable form
func publicDate(t dbTime) *time.Time {
	if !t.Valid || !t.Time.Before(nonPublicSentinel) {
		return nil
	}
	v := t.Time
	return &v
}
