package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/IMQS/gzipresponse"
	"github.com/IMQS/recordsearch/schema"
	"github.com/IMQS/recordsearch/searchkey"
	"github.com/julienschmidt/httprouter"
)

const (
	defaultHttpPort = "2008"

	// Set by the authenticating proxy in front of us. Absent for anonymous users.
	headerUserID = "X-User-ID"
)

type jsonSearchResult struct {
	SearchKey  string
	DatatypeID int64
	Total      int
	RecordIDs  []int64
	Cached     bool
}

type jsonEncodeResult struct {
	SearchKey string
	Hash      string
}

type jsonRelated struct {
	Target   int64
	Children map[int64][]int64
	Linked   []int64
	Public   map[int64]bool
}

type jsonField struct {
	ID         int64
	Name       string
	Typeclass  schema.Typeclass
	LoggedIn   bool // Only logged-in users may search this field
	DatatypeID int64
}

type jsonError struct {
	Code     string
	Message  string
	Incident string `json:",omitempty"`
}

type jsonPingResult struct {
	Timestamp int64
}

func (e *Engine) RunHttp() error {
	config := e.GetConfig()
	addr := fmt.Sprintf("%v:%v", config.HTTP.Bind, config.HTTP.Port)

	e.ErrorLog.Infof("Record search is listening on %v", addr)

	err := http.ListenAndServe(addr, e.router())
	e.ErrorLog.Infof("ListenAndServe: %v", err)
	return err
}

func (e *Engine) router() *httprouter.Router {
	makeRoute := func(f func(*Engine, http.ResponseWriter, *http.Request, httprouter.Params)) httprouter.Handle {
		return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			f(e, w, r, ps)
		}
	}

	router := httprouter.New()
	router.GET("/search/:key", makeRoute(httpSearch))
	router.POST("/search", makeRoute(httpEncode))
	router.GET("/related/:datatype", makeRoute(httpRelated))
	router.GET("/searchable/:datatype", makeRoute(httpSearchable))
	router.POST("/cache/flush", makeRoute(httpCacheFlush))
	router.GET("/ping", makeRoute(httpPing))
	router.Handler("GET", "/metrics", e.metrics.handler())
	return router
}

// httpSendError writes err as JSON. Internal errors only reveal their incident id.
func httpSendError(w http.ResponseWriter, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = classifyError("7c2f90", err)
	}
	status := http.StatusInternalServerError
	body := jsonError{Code: e.Code, Message: e.Message}
	switch e.Kind {
	case KindValidation:
		status = http.StatusBadRequest
	case KindForbidden:
		status = http.StatusForbidden
	default:
		body = jsonError{Code: CodeInternal, Message: "Internal error", Incident: e.Incident}
	}
	raw, _ := json.Marshal(&body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(raw)
}

func httpSendJSON(w http.ResponseWriter, r *http.Request, v any) {
	raw, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "max-age=0, no-cache")
	gzipresponse.Write(w, r, raw)
}

// httpViewer resolves the viewer named by the X-User-ID header
func httpViewer(e *Engine, r *http.Request) (schema.Viewer, error) {
	raw := r.Header.Get(headerUserID)
	if raw == "" {
		return schema.Anonymous(), nil
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID < 0 {
		return schema.Viewer{}, &Error{Kind: KindForbidden, Code: CodeUnknownUser, Message: fmt.Sprintf("Invalid %v header '%v'", headerUserID, raw)}
	}
	v, err := e.ResolveViewer(r.Context(), userID)
	if err != nil {
		e.logError("Resolve viewer", classifyError("60e4a1", err))
	}
	return v, err
}

func httpDatatypeParam(ps httprouter.Params) (int64, error) {
	raw := ps.ByName("datatype")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, &searchkey.Error{Code: searchkey.CodeInvalidKey, Term: "datatype", Reason: fmt.Sprintf("'%v' is not a datatype id", raw)}
	}
	return id, nil
}

func (e *Engine) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), e.GetConfig().searchTimeout())
}

// httpSearch runs a search and returns one page of the sorted record ids.
// The page is checked against deletions that happened after the result was cached.
func httpSearch(e *Engine, w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx, cancel := e.requestContext(r)
	defer cancel()

	v, err := httpViewer(e, r)
	if err != nil {
		httpSendError(w, err)
		return
	}
	entry, err := e.PerformSearch(ctx, ps.ByName("key"), v)
	if err != nil {
		httpSendError(w, err)
		return
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = e.GetConfig().Search.DefaultPageSize
	} else if limit > maxSearchPageSize {
		limit = maxSearchPageSize
	}
	if offset < 0 || offset > len(entry.Sorted) {
		offset = len(entry.Sorted)
	}
	end := offset + limit
	if end > len(entry.Sorted) {
		end = len(entry.Sorted)
	}

	page, err := e.VerifyRecords(ctx, entry.Sorted[offset:end])
	if err != nil {
		e.logError("Verify", classifyError("d0a3e8", err))
		httpSendError(w, err)
		return
	}
	httpSendJSON(w, r, &jsonSearchResult{
		SearchKey:  entry.SearchKey,
		DatatypeID: entry.DatatypeID,
		Total:      len(entry.Sorted),
		RecordIDs:  page,
		Cached:     entry.Cached,
	})
}

// httpEncode turns posted search parameters into a search key
func httpEncode(e *Engine, w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	params := searchkey.Params{}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		httpSendError(w, validationError(searchkey.CodeInvalidKey, "Request body is not a JSON object: %v", err))
		return
	}
	k, err := searchkey.FromParams(params)
	if err != nil {
		httpSendError(w, err)
		return
	}
	httpSendJSON(w, r, &jsonEncodeResult{
		SearchKey: searchkey.Encode(k),
		Hash:      k.Hash(),
	})
}

func httpRelated(e *Engine, w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx, cancel := e.requestContext(r)
	defer cancel()

	target, err := httpDatatypeParam(ps)
	if err != nil {
		httpSendError(w, err)
		return
	}
	v, err := httpViewer(e, r)
	if err != nil {
		httpSendError(w, err)
		return
	}
	related, err := e.GetRelatedDatatypes(ctx, target, v)
	if err != nil {
		e.logError("Related", classifyError("4e61b2", err))
		httpSendError(w, err)
		return
	}
	httpSendJSON(w, r, &jsonRelated{
		Target:   related.Target,
		Children: related.Children,
		Linked:   related.Linked,
		Public:   related.Public,
	})
}

// httpSearchable returns the searchable datafields, grouped by datatype
func httpSearchable(e *Engine, w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx, cancel := e.requestContext(r)
	defer cancel()

	target, err := httpDatatypeParam(ps)
	if err != nil {
		httpSendError(w, err)
		return
	}
	v, err := httpViewer(e, r)
	if err != nil {
		httpSendError(w, err)
		return
	}
	fields, err := e.GetSearchableDatafields(ctx, target, v)
	if err != nil {
		e.logError("Searchable", classifyError("b1f07c", err))
		httpSendError(w, err)
		return
	}
	groups := map[int64][]jsonField{}
	for datatypeID, list := range fields.GroupByDatatype() {
		for _, f := range list {
			groups[datatypeID] = append(groups[datatypeID], jsonField{
				ID:         f.ID,
				Name:       f.Name,
				Typeclass:  f.Typeclass,
				LoggedIn:   f.Searchable == schema.SearchableLoggedIn,
				DatatypeID: f.DatatypeID,
			})
		}
	}
	httpSendJSON(w, r, groups)
}

func httpCacheFlush(e *Engine, w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := e.FlushCache(r.Context()); err != nil {
		ie := internalError("83dc5f", err)
		e.logError("Cache flush", ie)
		httpSendError(w, ie)
		return
	}
	http.Error(w, "", http.StatusOK)
}

func httpPing(e *Engine, w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "max-age=0, no-cache")
	res := jsonPingResult{
		Timestamp: time.Now().Unix(),
	}
	response, _ := json.Marshal(&res)
	w.Write(response)
}
