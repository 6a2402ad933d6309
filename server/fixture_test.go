package server

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/IMQS/recordsearch/schema"
)

// Run the Postgres variants with
//  go test github.com/IMQS/recordsearch/server -db_postgres
// and the redis cache tests with
//  go test github.com/IMQS/recordsearch/server -redis

var db_postgres = flag.Bool("db_postgres", false, "Run tests against a Postgres record store")
var redis_cache = flag.Bool("redis", false, "Run cache tests against redis on localhost:6379")

const (
	// Users of the fixture
	userNobody     = 7 // logged in, without any permissions
	userCurator    = 8 // may view Mineral and Locality
	userSuperAdmin = 9

	dtMineral   = 1
	dtDeposit   = 2
	dtLocality  = 3 // not public
	dtCollector = 4
	dtSample    = 10 // child of Mineral

	dfDepositName  = 1
	dfMineralName  = 2
	dfHardness     = 3
	dfCrystal      = 4
	dfDiscovered   = 5
	dfPhoto        = 6
	dfTypeSpecimen = 7
	dfCuratorNotes = 8 // logged-in users only
	dfInternal     = 9 // not searchable
	dfSampleLabel  = 11
	dfLocality     = 17

	optMonoclinic = 41
	optTriclinic  = 42
)

func conx_postgres() *ConfigDatabase {
	return &ConfigDatabase{
		Driver:   driverPostgres,
		Host:     "localhost",
		Database: "unit_test_recordsearch",
		User:     "unit_test_user",
		Password: "unit_test_password",
	}
}

func recreatePostgres(t testing.TB) {
	cfg := conx_postgres()
	cfg.Database = "postgres"
	root, err := sql.Open(cfg.Driver, cfg.DSN())
	if err != nil {
		t.Fatalf("Unable to connect to database %v: %v", cfg.DSN(), err)
	}
	defer root.Close()
	name := conx_postgres().Database
	ensureExec(t, root, fmt.Sprintf("DROP DATABASE IF EXISTS %v", name))
	ensureExec(t, root, fmt.Sprintf("CREATE DATABASE %v OWNER = unit_test_user", name))
}

func ensureExec(t testing.TB, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("Error executing query %.60v: %v", query, err)
	}
}

// testConfig produces the JSON config of a test engine
func testConfig(t testing.TB, cacheBackend string) string {
	db := `{"Driver": "sqlite3", "Database": %q}`
	db = fmt.Sprintf(db, filepath.Join(t.TempDir(), "records.sqlite"))
	if *db_postgres {
		recreatePostgres(t)
		c := conx_postgres()
		db = fmt.Sprintf(`{"Driver": %q, "Host": %q, "Database": %q, "User": %q, "Password": %q}`, c.Driver, c.Host, c.Database, c.User, c.Password)
	}
	return fmt.Sprintf(`{
		"Database": %v,
		"Cache": {"Backend": %q, "Redis": {"Addr": "localhost:6379", "KeyPrefix": "recordsearch_test"}}
	}`, db, cacheBackend)
}

func setupEngine(t testing.TB, cacheBackend string) *Engine {
	e := &Engine{}
	e.ConfigString = testConfig(t, cacheBackend)
	if err := e.Initialize(true); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

// setup produces an engine over the mineral collection
func setup(t testing.TB) *Engine {
	e := setupEngine(t, cacheBackendMemory)
	populate(t, e)
	return e
}

type fixture struct {
	t      testing.TB
	e      *Engine
	nextID int64
}

var fixtureEpoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

func (f *fixture) insert(table string, values ...any) {
	f.t.Helper()
	placeholders := []string{}
	for i := range values {
		placeholders = append(placeholders, f.e.dialect.placeholder(i+1))
	}
	ensureExec(f.t, f.e.DB, fmt.Sprintf("INSERT INTO %v VALUES (%v)", table, strings.Join(placeholders, ", ")), values...)
}

func (f *fixture) id() int64 {
	f.nextID++
	return f.nextID
}

func publicFlag(public bool) time.Time {
	if public {
		return fixtureEpoch
	}
	return nonPublicSentinel
}

func (f *fixture) datatype(id int64, name string, public bool) {
	f.insert("datatype", id, name, publicFlag(public), nil)
}

func (f *fixture) edge(ancestor, descendant int64, isLink bool) {
	link := 0
	if isLink {
		link = 1
	}
	f.insert("datatree", f.id(), ancestor, descendant, link, nil)
}

func (f *fixture) field(id, datatypeID int64, name string, tc schema.Typeclass, searchable schema.Searchability) {
	f.insert("datafield", id, datatypeID, name, tc.String(), int(searchable), nil)
}

type recordOpts struct {
	public    bool
	deleted   bool
	updated   time.Time
	createdBy int64
}

func (f *fixture) record(id, datatypeID, grandparent int64, o recordOpts) {
	created := fixtureEpoch.AddDate(0, 0, int(id))
	updated := o.updated
	if updated.IsZero() {
		updated = created
	}
	var deleted any
	if o.deleted {
		deleted = fixtureEpoch
	}
	f.insert("datarecord", id, datatypeID, grandparent, grandparent, publicFlag(o.public), created, updated, o.createdBy, int64(0), deleted)
}

// value stores one value of a datafield. Radio and Tag values are {option, selected} pairs.
func (f *fixture) value(recordID, fieldID int64, tc schema.Typeclass, values ...any) {
	drf := f.id()
	f.insert("datarecordfield", drf, recordID, fieldID, nil)
	row := append([]any{f.id(), drf}, values...)
	row = append(row, nil)
	f.insert(tc.Table(), row...)
}

func (f *fixture) link(ancestor, descendant int64) {
	f.insert("linked_datatree", f.id(), ancestor, descendant, nil)
}

// populate writes the mineral collection:
//
//	Mineral (1)     records 1..100. 97..99 are not public, and 100 is deleted.
//	  Sample (10)   child records 201..203
//	Deposit (2)     records 91, 92, linked to Locality records 301, 302
//	Locality (3)    not public
//	Collector (4)   records 401..403, linking to minerals 1, 35 and 63. 403 is not public.
func populate(t testing.TB, e *Engine) {
	f := &fixture{t: t, e: e, nextID: 10000}

	f.datatype(dtMineral, "Mineral", true)
	f.datatype(dtDeposit, "Deposit", true)
	f.datatype(dtLocality, "Locality", false)
	f.datatype(dtCollector, "Collector", true)
	f.datatype(dtSample, "Sample", true)
	f.edge(dtMineral, dtSample, false)
	f.edge(dtDeposit, dtLocality, true)
	f.edge(dtCollector, dtMineral, true)

	f.field(dfDepositName, dtDeposit, "Deposit Name", schema.ShortVarchar, schema.SearchableByAnyone)
	f.field(dfMineralName, dtMineral, "Mineral Name", schema.LongVarchar, schema.SearchableByAnyone)
	f.field(dfHardness, dtMineral, "Hardness", schema.IntegerValue, schema.SearchableByAnyone)
	f.field(dfCrystal, dtMineral, "Crystal System", schema.Radio, schema.SearchableByAnyone)
	f.field(dfDiscovered, dtMineral, "Discovered", schema.DatetimeValue, schema.SearchableByAnyone)
	f.field(dfPhoto, dtMineral, "Photo", schema.Image, schema.SearchableByAnyone)
	f.field(dfTypeSpecimen, dtMineral, "Type Specimen", schema.Boolean, schema.SearchableByAnyone)
	f.field(dfCuratorNotes, dtMineral, "Curator Notes", schema.LongText, schema.SearchableLoggedIn)
	f.field(dfInternal, dtMineral, "Internal Code", schema.ShortVarchar, schema.NotSearchable)
	f.field(dfSampleLabel, dtSample, "Sample Label", schema.ShortVarchar, schema.SearchableByAnyone)
	f.field(dfLocality, dtLocality, "Locality Name", schema.ShortVarchar, schema.SearchableByAnyone)

	names := map[int64]string{
		1:  "abelsonite structure",
		35: "Abelsonite crystal structure",
		40: "layered structure",
		50: "structure unknown",
		63: "abelsonite",
		83: "ABELSONITE var.",
		97: "abelsonite hidden",
	}
	hardness := map[int64]int64{1: 3, 35: 7, 40: 5, 50: 5, 63: 2}

	for id := int64(1); id <= 100; id++ {
		o := recordOpts{public: id < 97, deleted: id == 100}
		if id <= 3 {
			o.createdBy = 5
		}
		f.record(id, dtMineral, id, o)

		name, ok := names[id]
		if !ok {
			name = fmt.Sprintf("mineral %d", id)
		}
		f.value(id, dfMineralName, schema.LongVarchar, name)
		f.value(id, dfInternal, schema.ShortVarchar, "abelsonite internal")
		if h, ok := hardness[id]; ok {
			f.value(id, dfHardness, schema.IntegerValue, h)
		}
		if id <= 10 {
			option := int64(optMonoclinic)
			if id%2 == 0 {
				option = optTriclinic
			}
			f.value(id, dfCrystal, schema.Radio, option, int64(1))
		}
		if id <= 5 {
			f.value(id, dfDiscovered, schema.DatetimeValue, time.Date(2000+int(id), 1, 1, 0, 0, 0, 0, time.UTC))
		}
		if id <= 4 {
			f.value(id, dfTypeSpecimen, schema.Boolean, id%2)
		}
	}
	f.value(2, dfCrystal, schema.Radio, int64(optMonoclinic), int64(0))
	f.value(1, dfPhoto, schema.Image, "abelsonite.jpg")
	f.value(2, dfPhoto, schema.Image, "specimen-2.png")
	f.value(5, dfCuratorNotes, schema.LongText, "rare find, handle with care")

	recent := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	old := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	f.record(201, dtSample, 1, recordOpts{public: true, updated: recent})
	f.record(202, dtSample, 40, recordOpts{public: true, updated: old})
	f.record(203, dtSample, 7, recordOpts{public: true, updated: recent})
	f.value(201, dfSampleLabel, schema.ShortVarchar, "sample quartz")
	f.value(202, dfSampleLabel, schema.ShortVarchar, "sample quartz")
	f.value(203, dfSampleLabel, schema.ShortVarchar, "fragment")

	f.record(91, dtDeposit, 91, recordOpts{public: true})
	f.record(92, dtDeposit, 92, recordOpts{public: true})
	f.value(91, dfDepositName, schema.ShortVarchar, "downs")
	f.value(92, dfDepositName, schema.ShortVarchar, "downs lane")
	f.record(301, dtLocality, 301, recordOpts{public: true})
	f.record(302, dtLocality, 302, recordOpts{public: true})
	f.value(301, dfLocality, schema.ShortVarchar, "b")
	f.value(302, dfLocality, schema.ShortVarchar, "c")
	f.link(91, 301)
	f.link(92, 302)

	f.record(401, dtCollector, 401, recordOpts{public: true})
	f.record(402, dtCollector, 402, recordOpts{public: true})
	f.record(403, dtCollector, 403, recordOpts{public: false})
	f.link(401, 1)
	f.link(402, 35)
	f.link(403, 63)

	f.insert("app_user", int64(userNobody), 0, nil)
	f.insert("app_user", int64(userCurator), 0, nil)
	f.insert("app_user", int64(userSuperAdmin), 1, nil)
	f.insert("user_permission", int64(userCurator), int64(dtMineral), 1, 0, 0, 0, 0)
	f.insert("user_permission", int64(userCurator), int64(dtLocality), 1, 0, 0, 0, 0)
}

func viewer(t testing.TB, e *Engine, userID int64) schema.Viewer {
	t.Helper()
	v, err := e.ResolveViewer(context.Background(), userID)
	if err != nil {
		t.Fatalf("ResolveViewer(%v) failed: %v", userID, err)
	}
	return v
}

func idRange(from, to int64) []int64 {
	ids := []int64{}
	for id := from; id <= to; id++ {
		ids = append(ids, id)
	}
	return ids
}
