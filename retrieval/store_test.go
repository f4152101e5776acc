package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndexStore(srv *httptest.Server) *httpIndexStore {
	return &httpIndexStore{
		httpClient: &http.Client{Timeout: 2 * time.Second},
		baseURL:    srv.URL,
		apiKey:     "test-key",
		queryLimit: 5,
	}
}

func TestHTTPIndexStoreCreate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/indexes", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "Thread-42", payload["name"])

		json.NewEncoder(w).Encode(map[string]string{"id": "idx-abc"})
	}))
	defer srv.Close()

	store := newTestIndexStore(srv)
	id, err := store.Create(context.Background(), "Thread-42")
	require.NoError(t, err)
	assert.Equal(t, "idx-abc", id)
}

func TestHTTPIndexStoreCreateRejectsEmptyName(t *testing.T) {
	store := &httpIndexStore{httpClient: http.DefaultClient, baseURL: "http://unused"}
	_, err := store.Create(context.Background(), "   ")
	assert.Error(t, err)
}

func TestHTTPIndexStoreCreateServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index quota exceeded", http.StatusTeapot)
	}))
	defer srv.Close()

	store := newTestIndexStore(srv)
	_, err := store.Create(context.Background(), "Workspace-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index quota exceeded")
}

func TestHTTPIndexStoreUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/indexes/idx-abc/documents", r.URL.Path)

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "notes.txt", header.Filename)

		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	store := newTestIndexStore(srv)
	err := store.Upload(context.Background(), "idx-abc", strings.NewReader("document body"), "notes.txt")
	assert.NoError(t, err)
}

func TestHTTPIndexStoreQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/indexes/idx-abc/query", r.URL.Path)

		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "contract terms", payload["query"])
		assert.Equal(t, float64(5), payload["limit"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{
				{"text": "second", "source": "doc-2", "score": 0.4},
				{"text": "   ", "source": "doc-3", "score": 0.9},
				{"text": "first", "source": "doc-1", "score": 0.8},
			},
		})
	}))
	defer srv.Close()

	store := newTestIndexStore(srv)
	hits, err := store.Query(context.Background(), "idx-abc", "contract terms")
	require.NoError(t, err)
	require.Len(t, hits, 2, "blank-text hits are dropped")
	// Service order is passed through untouched; ranking happens at injection.
	assert.Equal(t, "second", hits[0].Text)
	assert.Equal(t, "first", hits[1].Text)
}

func TestHTTPIndexStoreQueryBlankQuery(t *testing.T) {
	store := &httpIndexStore{httpClient: http.DefaultClient, baseURL: "http://unused"}
	hits, err := store.Query(context.Background(), "idx-abc", "  ")
	require.NoError(t, err)
	assert.Empty(t, hits)
}
