package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/IMQS/log"
	"github.com/IMQS/recordsearch/schema"
	"github.com/IMQS/recordsearch/searchkey"
	"github.com/jasonlvhit/gocron"
	"golang.org/x/sync/singleflight"
)

// Engine for the record search service
type Engine struct {
	// The config is never modified in place. A new config is swapped in under the write lock.
	Config     *Config
	ConfigLock sync.RWMutex

	DB           *sql.DB
	ErrorLog     *log.Logger
	AccessLog    *log.Logger
	ConfigFile   string
	ConfigString string // ConfigString takes precedence over ConfigFile. ConfigString was created for use by unit tests

	// Collaborators. Initialize fills in the SQL implementations for any that are nil.
	Cache       CacheStore
	Sorter      RecordSorter
	Permissions PermissionResolver

	dialect   dialect
	metrics   *metrics
	flight    singleflight.Group
	flushStop chan bool
}

func pickLogFile(filename, defaultFilename string) string {
	if filename != "" {
		return filename
	}
	return defaultFilename
}

func (e *Engine) initLogging() {
	config := e.GetConfig()

	isWindows := runtime.GOOS == "windows"
	e.ErrorLog = log.New(pickLogFile(config.Log.ErrorFile, log.Stderr), !isWindows)
	e.AccessLog = log.New(pickLogFile(config.Log.AccessFile, log.Stdout), !isWindows)
	if config.VerboseLogging {
		e.ErrorLog.Level = log.Trace
		e.AccessLog.Level = log.Trace
	}
}

// Initialize sets up the service engine.
// In a test, the cache starts out empty, even if its backend is shared.
func (e *Engine) Initialize(isTest bool) error {
	if e.Config == nil {
		cfg := &Config{}
		if e.ConfigString != "" {
			if err := cfg.LoadString(e.ConfigString); err != nil {
				return err
			}
		} else if err := cfg.LoadFile(e.ConfigFile); err != nil {
			return err
		}
		e.Config = cfg
	}

	e.initLogging()
	// It's important that we run postLoad after setting up our logging. That way, the user
	// gets to see config errors in the logs.
	config := e.GetConfig()
	if err := config.postLoad(); err != nil {
		return err
	}

	if err := e.openDB(); err != nil {
		return fmt.Errorf("Could not open record database: %v", err)
	}
	e.metrics = newMetrics()

	if e.Cache == nil {
		cache, err := e.createCache(config.Cache)
		if err != nil {
			return err
		}
		e.Cache = cache
	}
	if e.Sorter == nil {
		e.Sorter = &sqlRecordSorter{db: e.DB, dialect: e.dialect}
	}
	if e.Permissions == nil {
		e.Permissions = &sqlPermissionResolver{db: e.DB, dialect: e.dialect}
	}

	if isTest {
		if err := e.Cache.Flush(context.Background()); err != nil {
			return fmt.Errorf("Could not flush search cache: %v", err)
		}
	}
	e.ErrorLog.Infof("Record search initialized with %v database and %v cache", e.dialect.driver, config.Cache.Backend)
	return nil
}

func (e *Engine) createCache(cfg ConfigCache) (CacheStore, error) {
	switch cfg.Backend {
	case cacheBackendRedis:
		return newRedisCache(context.Background(), cfg.Redis)
	case cacheBackendDatabase:
		return &dbCache{db: e.DB, dialect: e.dialect}, nil
	}
	return newMemoryCache(cfg.Shards), nil
}

func (e *Engine) Close() {
	if e.flushStop != nil {
		close(e.flushStop)
		e.flushStop = nil
	}
	if e.Cache != nil {
		e.Cache.Close()
		e.Cache = nil
	}
	if e.DB != nil {
		e.DB.Close()
		e.DB = nil
	}
	if e.ErrorLog != nil {
		e.ErrorLog.Close()
		e.ErrorLog = nil
	}
	if e.AccessLog != nil {
		e.AccessLog.Close()
		e.AccessLog = nil
	}
}

func (e *Engine) LoadConfigFromFile() error {
	cfg := &Config{}
	err := cfg.LoadFile(e.ConfigFile)
	if err != nil {
		return err
	}
	// No need for a lock here. This function is only called once at start up.
	e.Config = cfg
	return nil
}

func (e *Engine) GetConfig() *Config {
	e.ConfigLock.RLock()
	c := e.Config
	e.ConfigLock.RUnlock()
	return c
}

// StartCacheFlusher uses gocron to flush the whole search cache once a day, at Cache.FlushAt.
// Search results are never invalidated when records change, so this bounds how stale they get.
func (e *Engine) StartCacheFlusher() {
	at := e.GetConfig().Cache.FlushAt
	if at == "" {
		return
	}
	s := gocron.NewScheduler()
	s.Every(1).Day().At(at).Do(e.scheduledFlush)
	e.flushStop = s.Start()
	e.ErrorLog.Infof("Search cache will be flushed daily at %v", at)
}

func (e *Engine) scheduledFlush() {
	if err := e.FlushCache(context.Background()); err != nil {
		e.ErrorLog.Errorf("Scheduled cache flush failed: %v", err)
	}
}

// FlushCache removes every cached search result
func (e *Engine) FlushCache(ctx context.Context) error {
	start := time.Now()
	if err := e.Cache.Flush(ctx); err != nil {
		return err
	}
	e.ErrorLog.Infof("Search cache flushed in %.2v ms", time.Now().Sub(start).Seconds()*1000.0)
	return nil
}

// ResolveViewer produces the viewer for a user id. A user id of 0 is the anonymous viewer.
func (e *Engine) ResolveViewer(ctx context.Context, userID int64) (schema.Viewer, error) {
	v, err := e.Permissions.ResolvePermissions(ctx, userID)
	if errors.Is(err, errUnknownUser) {
		return v, &Error{Kind: KindForbidden, Code: CodeUnknownUser, Message: fmt.Sprintf("User %v does not exist", userID)}
	} else if err != nil {
		return v, classifyError("5a0c7d", err)
	}
	return v, nil
}

// PerformSearch runs a search on behalf of the viewer, and caches the result.
// Results are cached separately for logged-in and anonymous viewers. Within the logged-in
// partition, an entry computed for a viewer with different permissions is treated as a miss.
func (e *Engine) PerformSearch(ctx context.Context, searchKey string, v schema.Viewer) (*CacheEntry, error) {
	start := time.Now()
	entry, err := e.performSearch(ctx, searchKey, v)
	var searchErr *Error
	if err != nil {
		searchErr = classifyError("f3b9e0", err)
		e.logError("Search", searchErr)
	}
	e.metrics.searches.WithLabelValues(outcomeOf(searchErr)).Inc()
	duration := time.Now().Sub(start)
	e.metrics.duration.Observe(duration.Seconds())
	if searchErr != nil {
		return nil, searchErr
	}
	e.AccessLog.Infof("Search(%v): %v results in %.2v ms (cached: %v)", entry.SearchKey, len(entry.Sorted), duration.Seconds()*1000.0, entry.Cached)
	return entry, nil
}

func (e *Engine) performSearch(ctx context.Context, searchKey string, v schema.Viewer) (*CacheEntry, error) {
	k, err := searchkey.Decode(searchKey)
	if err != nil {
		return nil, err
	}
	hash := k.Hash()
	state := v.LoginState()
	digest := v.Digest()

	cached, err := e.Cache.Get(ctx, k.DatatypeID, hash, state)
	switch {
	case err != nil:
		// A broken cache should not stop the search
		e.metrics.cacheLookups.WithLabelValues(cacheError).Inc()
		e.ErrorLog.Warnf("Search cache read failed: %v", err)
	case cached == nil:
		e.metrics.cacheLookups.WithLabelValues(cacheMiss).Inc()
	case cached.LoggedIn != v.LoggedIn() || cached.PermissionDigest != digest:
		e.metrics.cacheLookups.WithLabelValues(cacheStale).Inc()
	default:
		e.metrics.cacheLookups.WithLabelValues(cacheHit).Inc()
		cached.Cached = true
		return cached, nil
	}

	flightKey := fmt.Sprintf("%v:%v:%v:%v", k.DatatypeID, hash, state, digest)
	res, err, _ := e.flight.Do(flightKey, func() (any, error) {
		// Other callers may join this flight, so it must outlive the request that started it
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.GetConfig().searchTimeout())
		defer cancel()
		entry, err := e.computeSearch(flightCtx, k, v)
		if err != nil {
			return nil, err
		}
		if err := e.Cache.Put(flightCtx, k.DatatypeID, hash, state, entry); err != nil {
			e.ErrorLog.Warnf("Search cache write failed: %v", err)
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	// The entry may be shared with concurrent callers of the same search
	return res.(*CacheEntry).clone(), nil
}

// computeSearch runs a decoded search against the record store
func (e *Engine) computeSearch(ctx context.Context, k *searchkey.Key, v schema.Viewer) (*CacheEntry, error) {
	graph, err := e.loadGraph(ctx)
	if err != nil {
		return nil, internalError("31c6f4", err)
	}
	if err := checkTarget(graph, k.DatatypeID, v); err != nil {
		return nil, err
	}

	ignore := []schema.Edge{}
	for _, edge := range k.Ignore {
		ignore = append(ignore, schema.Edge{Ancestor: edge.Ancestor, Descendant: edge.Descendant})
	}
	related := schema.ResolveRelated(graph, k.DatatypeID, v, ignore)
	if err := k.CheckDatatypes(related.Contains); err != nil {
		return nil, err
	}

	fields, err := e.loadFields(ctx, related.Datatypes())
	if err != nil {
		return nil, internalError("a42d18", err)
	}
	named, err := e.loadFieldsByID(ctx, k.FieldIDs())
	if err != nil {
		return nil, internalError("6e9b53", err)
	}
	known := map[int64]schema.Field{}
	for _, f := range named {
		known[f.ID] = f
	}

	c := &combiner{
		runner: &runner{
			db:      e.DB,
			dialect: e.dialect,
			metrics: e.metrics,
			log:     e.ErrorLog,
		},
		key:     k,
		related: related,
		fields:  schema.ResolveSearchable(related, v, fields),
		known:   known,
		md:      newMetadataSet(k, v),
	}
	if err := c.validateTerms(); err != nil {
		return nil, err
	}
	ids, err := c.combine(ctx)
	if err != nil {
		return nil, err
	}

	resultDatatype := k.DatatypeID
	if k.Inverse != 0 && k.Inverse != k.DatatypeID {
		if err := checkTarget(graph, k.Inverse, v); err != nil {
			return nil, err
		}
		if ids, err = e.linkingRecords(ctx, k.Inverse, ids, v); err != nil {
			return nil, internalError("c8170b", err)
		}
		resultDatatype = k.Inverse
	}

	unsorted := sortedIDs(ids)
	sorted, err := e.Sorter.SortRecords(ctx, resultDatatype, unsorted, k.SortBy)
	if err != nil {
		return nil, internalError("0d4e6a", err)
	}

	return &CacheEntry{
		DatatypeID:       k.DatatypeID,
		SearchKey:        searchkey.Encode(k),
		SearchedFields:   k.FieldIDs(),
		Unsorted:         unsorted,
		Sorted:           sorted,
		LoggedIn:         v.LoggedIn(),
		PermissionDigest: v.Digest(),
		Created:          time.Now().UTC(),
	}, nil
}

// checkTarget fails when the datatype does not exist, or when the viewer may not see it at all
func checkTarget(g *schema.Graph, datatypeID int64, v schema.Viewer) error {
	dt := g.Datatypes[datatypeID]
	if dt == nil {
		return validationError(searchkey.CodeUnknownDatatype, "Datatype %v does not exist", datatypeID)
	}
	if !v.CanSee(dt) {
		return forbiddenError("Datatype %v is not public, and you may not view it", datatypeID)
	}
	return nil
}

// GetRelatedDatatypes returns the datatypes that a search against target may reach.
// A target of 0 returns every datatype the viewer can see.
func (e *Engine) GetRelatedDatatypes(ctx context.Context, target int64, v schema.Viewer) (*schema.Related, error) {
	graph, err := e.loadGraph(ctx)
	if err != nil {
		return nil, internalError("9f2a61", err)
	}
	if target != 0 {
		if err := checkTarget(graph, target, v); err != nil {
			return nil, err
		}
	}
	return schema.ResolveRelated(graph, target, v, nil), nil
}

// GetSearchableDatafields returns the datafields that the viewer may search, when searching target
func (e *Engine) GetSearchableDatafields(ctx context.Context, target int64, v schema.Viewer) (*schema.FieldSet, error) {
	related, err := e.GetRelatedDatatypes(ctx, target, v)
	if err != nil {
		return nil, err
	}
	fields, err := e.loadFields(ctx, related.Datatypes())
	if err != nil {
		return nil, internalError("e71c3b", err)
	}
	return schema.ResolveSearchable(related, v, fields), nil
}

// VerifyRecords drops ids of records that have been deleted since they were found.
// The order of the remaining ids is preserved.
func (e *Engine) VerifyRecords(ctx context.Context, ids []int64) ([]int64, error) {
	live, err := e.liveRecords(ctx, ids)
	if err != nil {
		return nil, internalError("2b85d9", err)
	}
	return live, nil
}
