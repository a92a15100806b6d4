package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/typesense/typesense-go/v2/typesense"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	tsclient "github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/clients/typesense"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *TypesenseAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := typesense.NewClient(typesense.WithServer(srv.URL), typesense.WithAPIKey("test-key"))
	return NewTypesenseAdapter(tsclient.Wrap(client, ""))
}

func TestTypesenseAdapter_Search(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/collections/passages/documents/search"))
		assert.Equal(t, "hypertension", r.URL.Query().Get("q"))
		assert.Equal(t, "title,text", r.URL.Query().Get("query_by"))
		assert.Equal(t, "5", r.URL.Query().Get("per_page"))
		assert.Equal(t, "test-key", r.Header.Get("X-TYPESENSE-API-KEY"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"found": 3, "out_of": 3, "page": 1, "search_time_ms": 1,
			"request_params": {"collection_name": "passages", "per_page": 5, "q": "hypertension"},
			"hits": [
				{"document": {"id": "pm-1", "text": "Blood pressure control lowers stroke risk.", "source": "pubmed"}, "text_match": 200},
				{"document": {"id": "gl-2", "text": "Reduce sodium intake.", "source": "guidelines"}, "text_match": 100},
				{"document": {"id": "", "text": "orphan"}, "text_match": 50}
			]
		}`))
	})

	hits, err := adapter.Search(context.Background(), "hypertension", 5)
	require.NoError(t, err)

	assert.Equal(t, []entities.SearchHit{
		{Text: "Blood pressure control lowers stroke risk.", SourceID: "pm-1", Source: "pubmed", Score: 1},
		{Text: "Reduce sodium intake.", SourceID: "gl-2", Source: "guidelines", Score: 0.5},
	}, hits)
}

func TestTypesenseAdapter_SearchNoHits(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"found": 0, "out_of": 0, "page": 1, "search_time_ms": 0, "request_params": {"collection_name": "passages", "per_page": 8, "q": "x"}, "hits": []}`))
	})

	hits, err := adapter.Search(context.Background(), "x", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestTypesenseAdapter_SearchCollectionMissing(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message": "Not found."}`))
	})

	_, err := adapter.Search(context.Background(), "hypertension", 5)
	assert.Error(t, err)
}

func TestTypesenseAdapter_IndexRequiresIDAndText(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	assert.Error(t, adapter.Index(context.Background(), Passage{ID: "pm-1"}))
	assert.Error(t, adapter.Index(context.Background(), Passage{Text: "text"}))
}
