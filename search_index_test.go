package crawlerkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSolr serves the update, select and ping handlers of one core.
type fakeSolr struct {
	mu       sync.Mutex
	docs     []map[string]interface{}
	selects  int
	lastRows string
	auth     string
}

func (f *fakeSolr) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if user, pass, ok := r.BasicAuth(); ok {
		f.auth = user + ":" + pass
	}
	w.Header().Set("Content-Type", "application/json")

	switch r.URL.Path {
	case "/solr/articles/update":
		if r.URL.Query().Get("commit") != "true" {
			http.Error(w, `{"error":{"msg":"commit expected"}}`, http.StatusBadRequest)
			return
		}
		var payload interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, `{"error":{"msg":%q}}`, err.Error())
			return
		}
		switch p := payload.(type) {
		case []interface{}:
			for _, d := range p {
				doc := d.(map[string]interface{})
				if doc["id"] == "conflict" {
					w.WriteHeader(http.StatusConflict)
					fmt.Fprint(w, `{"error":{"msg":"version conflict for conflict"}}`)
					return
				}
			}
			for _, d := range p {
				f.docs = append(f.docs, d.(map[string]interface{}))
			}
		case map[string]interface{}:
			ids := map[string]bool{}
			for _, id := range p["delete"].([]interface{}) {
				ids[id.(string)] = true
			}
			kept := f.docs[:0]
			for _, d := range f.docs {
				if !ids[d["id"].(string)] {
					kept = append(kept, d)
				}
			}
			f.docs = kept
		}
		fmt.Fprint(w, `{"responseHeader":{"status":0}}`)

	case "/solr/articles/select":
		f.selects++
		q := r.URL.Query()
		f.lastRows = q.Get("rows")
		start, _ := strconv.Atoi(q.Get("start"))
		rows, _ := strconv.Atoi(q.Get("rows"))
		end := start + rows
		if end > len(f.docs) {
			end = len(f.docs)
		}
		if start > end {
			start = end
		}
		resp := map[string]interface{}{
			"response": map[string]interface{}{
				"numFound": len(f.docs),
				"start":    start,
				"docs":     f.docs[start:end],
			},
		}
		_ = json.NewEncoder(w).Encode(resp)

	case "/solr/articles/admin/ping":
		fmt.Fprint(w, `{"status":"OK"}`)

	default:
		http.NotFound(w, r)
	}
}

func newTestSearchIndex(t *testing.T, pageSize int) (*SearchIndex, *fakeSolr) {
	t.Helper()
	fake := &fakeSolr{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	idx, err := NewSearchIndex(SolrConfig{
		URL:      srv.URL + "/solr/articles",
		Username: "solr",
		Password: "secret",
		PageSize: pageSize,
	}, nil)
	require.NoError(t, err)
	return idx, fake
}

func TestSearchIndex_CreateAndRetrievePaged(t *testing.T) {
	idx, fake := newTestSearchIndex(t, 2)
	ctx := context.Background()

	records := []Record{
		{"id": "a", "title": "one"},
		{"title": "two"},
		{"id": "c", "title": "three"},
		{"id": "d", "title": "four"},
		{"id": "e", "title": "five"},
	}
	require.NoError(t, idx.Create(ctx, records))
	assert.NotEmpty(t, records[1]["id"], "generated id is written back")
	assert.Equal(t, "solr:secret", fake.auth)

	docs, err := idx.Retrieve(ctx, "*:*")
	require.NoError(t, err)
	assert.Len(t, docs, 5)
	assert.Equal(t, 3, fake.selects, "five documents with a page size of two take three requests")
	assert.Equal(t, "2", fake.lastRows)
	assert.Equal(t, "one", docs[0]["title"])
}

func TestSearchIndex_RetrieveNoMatches(t *testing.T) {
	idx, fake := newTestSearchIndex(t, 0)

	docs, err := idx.Retrieve(context.Background(), "title:nothing")
	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)
	assert.Equal(t, 1, fake.selects)
	assert.Equal(t, strconv.Itoa(DefaultSolrPageSize), fake.lastRows)
}

func TestSearchIndex_ConflictIsDuplicate(t *testing.T) {
	idx, fake := newTestSearchIndex(t, 10)
	obs := &RecordingObserver{}
	idx.SetObserver(obs)

	err := idx.Create(context.Background(), []Record{{"id": "ok"}, {"id": "conflict"}})
	require.Error(t, err)
	assert.True(t, IsDuplicateKey(err))
	assert.Contains(t, err.Error(), "version conflict")
	assert.Empty(t, fake.docs, "nothing indexed when the call fails")

	require.Len(t, obs.Reports, 1)
	assert.Equal(t, 2, obs.Reports[0].Error)
	assert.Zero(t, obs.Reports[0].Success)
}

func TestSearchIndex_FailedCreateRestoresRecords(t *testing.T) {
	idx, _ := newTestSearchIndex(t, 10)
	obs := &RecordingObserver{}
	idx.SetObserver(obs)

	records := []Record{{"title": "no id yet"}, {"id": "conflict", "title": "kept"}}
	err := idx.Create(context.Background(), records)
	require.Error(t, err)

	assert.NotContains(t, records[0], "id", "generated id is taken back")
	assert.Equal(t, "conflict", records[1]["id"], "caller id is left alone")

	require.Len(t, obs.Outcomes, 2)
	for _, out := range obs.Outcomes {
		assert.Equal(t, OutcomeError, out.Tag)
		assert.Equal(t, KindDuplicateKey, out.Kind)
		assert.NotNil(t, out.Identity)
	}
	assert.Equal(t, "conflict", obs.ByIdentity()["conflict"].Identity)
}

func TestSearchIndex_Delete(t *testing.T) {
	idx, fake := newTestSearchIndex(t, 10)
	ctx := context.Background()

	require.NoError(t, idx.Create(ctx, []Record{{"id": "a"}, {"id": "b"}, {"id": "c"}}))
	require.NoError(t, idx.Delete(ctx, []string{"a", "c"}))
	require.Len(t, fake.docs, 1)
	assert.Equal(t, "b", fake.docs[0]["id"])

	err := idx.Delete(ctx, nil)
	assert.True(t, IsValidation(err))
}

func TestSearchIndex_Validation(t *testing.T) {
	idx, _ := newTestSearchIndex(t, 10)
	ctx := context.Background()

	_, err := idx.Retrieve(ctx, "  ")
	assert.True(t, IsValidation(err))

	err = idx.Create(ctx, []Record{nil})
	assert.True(t, IsValidation(err))

	assert.NoError(t, idx.Create(ctx, nil))
}

func TestSearchIndex_CheckConnection(t *testing.T) {
	idx, _ := newTestSearchIndex(t, 10)
	assert.True(t, idx.CheckConnection(context.Background()))

	down, err := NewSearchIndex(SolrConfig{URL: "http://127.0.0.1:1/solr/none"}, nil)
	require.NoError(t, err)
	assert.False(t, down.CheckConnection(context.Background()))

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	missing, err := NewSearchIndex(SolrConfig{URL: srv.URL + "/solr/missing"}, nil)
	require.NoError(t, err)
	assert.False(t, missing.CheckConnection(context.Background()))
}

func TestSearchIndex_Classify(t *testing.T) {
	idx, _ := newTestSearchIndex(t, 10)

	tests := []struct {
		err  error
		want ErrorKind
	}{
		{&SolrError{StatusCode: http.StatusConflict}, KindDuplicateKey},
		{&SolrError{StatusCode: http.StatusUnauthorized}, KindConnection},
		{&SolrError{StatusCode: http.StatusNotFound}, KindConnection},
		{&SolrError{StatusCode: http.StatusServiceUnavailable}, KindConnection},
		{&SolrError{StatusCode: http.StatusBadRequest}, KindQuery},
		{&SolrError{StatusCode: http.StatusInternalServerError}, KindQuery},
		{&SolrError{StatusCode: http.StatusTeapot}, KindUnknown},
		{context.DeadlineExceeded, KindConnection},
		{&json.SyntaxError{}, KindQuery},
		{errors.New("?"), KindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, idx.Classify(tt.err), "%v", tt.err)
	}
	assert.Equal(t, KindUnknown, idx.Classify(nil))
}

func TestSolrErrorMessage(t *testing.T) {
	assert.Equal(t, "solr: HTTP 400: bad field", (&SolrError{StatusCode: 400, Message: "bad field"}).Error())
	assert.Equal(t, "solr: HTTP 502", (&SolrError{StatusCode: 502}).Error())
}

func TestNewSearchIndexRejectsBadConfig(t *testing.T) {
	_, err := NewSearchIndex(SolrConfig{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewSearchIndex(SolrConfig{URL: "localhost:8983"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
