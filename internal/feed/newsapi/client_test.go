package newsapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const okBody = `{
  "status": "ok",
  "totalResults": 3,
  "articles": [
    {"source":{"name":"X"},"author":"Jane","title":"A","url":"https://x/1","urlToImage":"https://x/1.png","publishedAt":"2024-01-01T00:00:00Z"},
    {"source":{"name":"X"},"author":null,"title":"[Removed]","url":"https://removed.com","urlToImage":null,"publishedAt":"1970-01-01T00:00:00Z"},
    {"source":{"name":"Y"},"author":null,"title":"B","url":"https://y/2","urlToImage":null,"publishedAt":"2024-01-01T01:00:00Z"}
  ]
}`

func TestFetchArticlesParsesPage(t *testing.T) {
	t.Parallel()

	var gotKey, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotQuery = r.URL.RawQuery
		require.Equal(t, "/v2/everything", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(okBody))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, APIKey: "secret"}, nil, zap.NewNop())
	require.NoError(t, err)

	page, err := client.FetchArticles(context.Background(), "technology", 2, 10)
	require.NoError(t, err)

	require.Equal(t, "secret", gotKey)
	require.Contains(t, gotQuery, "q=technology")
	require.Contains(t, gotQuery, "page=2")
	require.Contains(t, gotQuery, "pageSize=10")
	require.Contains(t, gotQuery, "sortBy=publishedAt")
	require.Equal(t, 3, page.TotalResults)
	require.Len(t, page.Articles, 2)
	require.Equal(t, "https://x/1", page.Articles[0].URL)
	require.Equal(t, "Jane", page.Articles[0].Author)
	require.Equal(t, "https://x/1.png", page.Articles[0].URLToImage)
	require.Equal(t, "technology", page.Articles[0].TopicTag)
	require.Equal(t, "", page.Articles[1].Author)
}

func TestFetchArticlesSurfacesAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"status":"error","code":"rateLimited","message":"slow down"}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, APIKey: "secret"}, nil, nil)
	require.NoError(t, err)

	_, err = client.FetchArticles(context.Background(), "science", 1, 5)
	require.Error(t, err)
	require.Contains(t, err.Error(), "rateLimited")
}

type countingWaiter struct{ calls atomic.Int32 }

func (w *countingWaiter) Wait(context.Context, string) error {
	w.calls.Add(1)
	return nil
}

func TestFetchArticlesUsesLimiterAndClampsPageSize(t *testing.T) {
	t.Parallel()

	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"status":"ok","totalResults":0,"articles":[]}`))
	}))
	defer srv.Close()

	waiter := &countingWaiter{}
	client, err := New(Config{BaseURL: srv.URL, APIKey: "k"}, waiter, nil)
	require.NoError(t, err)

	page, err := client.FetchArticles(context.Background(), "health", 0, 500)
	require.NoError(t, err)
	require.Empty(t, page.Articles)
	require.Equal(t, int32(1), waiter.calls.Load())
	require.Contains(t, gotQuery, "pageSize=100")
	require.Contains(t, gotQuery, "page=1")
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
}
