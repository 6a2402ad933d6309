package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/IMQS/recordsearch/searchkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doRequest(t *testing.T, e *Engine, method, path string, userID int64, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if userID != 0 {
		r.Header.Set(headerUserID, strconv.FormatInt(userID, 10))
	}
	w := httptest.NewRecorder()
	e.router().ServeHTTP(w, r)
	return w
}

func searchPath(t *testing.T, params searchkey.Params, query string) string {
	path := "/search/" + url.PathEscape(encodeKey(t, params))
	if query != "" {
		path += "?" + query
	}
	return path
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), "body: %v", w.Body.String())
}

func TestHttpSearch(t *testing.T) {
	e := setup(t)
	params := searchkey.Params{"dt_id": 1, "2": "abelsonite OR structure"}

	w := doRequest(t, e, "GET", searchPath(t, params, "offset=1&limit=3"), 0, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := jsonSearchResult{}
	decodeBody(t, w, &res)
	assert.Equal(t, int64(1), res.DatatypeID)
	assert.Equal(t, 6, res.Total)
	assert.Equal(t, []int64{35, 40, 50}, res.RecordIDs)
	assert.False(t, res.Cached)

	// A record deleted after the search was cached drops out of the page
	ensureExec(t, e.DB, "UPDATE datarecord SET deleted_at = updated WHERE id = 40")
	w = doRequest(t, e, "GET", searchPath(t, params, "offset=1&limit=3"), 0, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res = jsonSearchResult{}
	decodeBody(t, w, &res)
	assert.True(t, res.Cached)
	assert.Equal(t, []int64{35, 50}, res.RecordIDs)

	// Past the end
	w = doRequest(t, e, "GET", searchPath(t, params, "offset=100"), 0, "")
	res = jsonSearchResult{}
	decodeBody(t, w, &res)
	assert.Equal(t, []int64{}, res.RecordIDs)
}

func TestHttpSearchViewer(t *testing.T) {
	e := setup(t)
	params := searchkey.Params{"dt_id": 2, "17": "b", "1": "downs"}

	res := jsonSearchResult{}
	w := doRequest(t, e, "GET", searchPath(t, params, ""), userSuperAdmin, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeBody(t, w, &res)
	assert.Equal(t, []int64{91}, res.RecordIDs)

	res = jsonSearchResult{}
	w = doRequest(t, e, "GET", searchPath(t, params, ""), userNobody, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeBody(t, w, &res)
	assert.Equal(t, 0, res.Total)
}

func TestHttpErrors(t *testing.T) {
	e := setup(t)

	errorOf := func(w *httptest.ResponseRecorder) jsonError {
		je := jsonError{}
		decodeBody(t, w, &je)
		return je
	}

	w := doRequest(t, e, "GET", "/search/"+url.PathEscape("gen=abelsonite"), 0, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, searchkey.CodeMissingDatatype, errorOf(w).Code)

	w = doRequest(t, e, "GET", searchPath(t, searchkey.Params{"dt_id": 1, "999": "x"}, ""), 0, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeUnknownDatafield, errorOf(w).Code)

	w = doRequest(t, e, "GET", searchPath(t, searchkey.Params{"dt_id": 3}, ""), 0, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, CodeForbidden, errorOf(w).Code)

	w = doRequest(t, e, "GET", searchPath(t, searchkey.Params{"dt_id": 1}, ""), 12345, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, CodeUnknownUser, errorOf(w).Code)

	w = doRequest(t, e, "GET", "/related/abc", 0, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Internal errors reveal nothing but their incident id
	e.Sorter = failingSorter{}
	w = doRequest(t, e, "GET", searchPath(t, searchkey.Params{"dt_id": 1, "2": "abelsonite"}, ""), 0, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	je := errorOf(w)
	assert.Equal(t, CodeInternal, je.Code)
	assert.Equal(t, "Internal error", je.Message)
	assert.NotEmpty(t, je.Incident)
	assert.NotContains(t, w.Body.String(), "sorter exploded")
}

type failingSorter struct{}

func (failingSorter) SortRecords(ctx context.Context, datatypeID int64, ids []int64, sortBy []searchkey.SortCriterion) ([]int64, error) {
	return nil, errors.New("sorter exploded")
}

func TestHttpEncode(t *testing.T) {
	e := setup(t)
	w := doRequest(t, e, "POST", "/search", 0, `{"dt_id": 2, "sort_by": {"sort_df_id": 64, "sort_dir": "asc"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := jsonEncodeResult{}
	decodeBody(t, w, &res)

	k, err := searchkey.Decode(res.SearchKey)
	require.NoError(t, err)
	assert.Equal(t, []searchkey.SortCriterion{{FieldID: 64, Direction: "asc"}}, k.SortBy)
	assert.Equal(t, k.Hash(), res.Hash)

	w = doRequest(t, e, "POST", "/search", 0, `[1, 2]`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHttpRelatedAndSearchable(t *testing.T) {
	e := setup(t)

	rel := jsonRelated{}
	w := doRequest(t, e, "GET", "/related/2", userSuperAdmin, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeBody(t, w, &rel)
	assert.Equal(t, []int64{dtLocality}, rel.Linked)

	rel = jsonRelated{}
	w = doRequest(t, e, "GET", "/related/2", 0, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeBody(t, w, &rel)
	assert.Empty(t, rel.Linked)

	groups := map[string][]jsonField{}
	w = doRequest(t, e, "GET", "/searchable/1", 0, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeBody(t, w, &groups)
	assert.Len(t, groups["1"], 6)
	require.Len(t, groups["10"], 1)
	assert.Equal(t, "Sample Label", groups["10"][0].Name)

	groups = map[string][]jsonField{}
	w = doRequest(t, e, "GET", "/searchable/1", userNobody, "")
	decodeBody(t, w, &groups)
	require.Len(t, groups["1"], 7)
	notes := groups["1"][6]
	assert.Equal(t, int64(dfCuratorNotes), notes.ID)
	assert.True(t, notes.LoggedIn)
}

func TestHttpCacheFlushPingMetrics(t *testing.T) {
	e := setup(t)
	path := searchPath(t, searchkey.Params{"dt_id": 1, "2": "abelsonite"}, "")
	doRequest(t, e, "GET", path, 0, "")

	w := doRequest(t, e, "POST", "/cache/flush", 0, "")
	assert.Equal(t, http.StatusOK, w.Code)

	res := jsonSearchResult{}
	decodeBody(t, doRequest(t, e, "GET", path, 0, ""), &res)
	assert.False(t, res.Cached)

	ping := jsonPingResult{}
	decodeBody(t, doRequest(t, e, "GET", "/ping", 0, ""), &ping)
	assert.NotZero(t, ping.Timestamp)

	w = doRequest(t, e, "GET", "/metrics", 0, "")
	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `recordsearch_searches_total{outcome="ok"} 2`)
	assert.Contains(t, body, `recordsearch_cache_lookups_total{result="miss"} 2`)
	assert.Contains(t, body, `recordsearch_subqueries_total{topology="direct"}`)
}
