package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/briefly-pipeline/internal/article"
	"github.com/JakeFAU/briefly-pipeline/internal/config"
	"github.com/JakeFAU/briefly-pipeline/internal/storage/memory"
)

func record(id string, processedAt int64, tags ...string) article.SummaryRecord {
	return article.SummaryRecord{
		ID:            id,
		URL:           "https://news.example/" + id,
		Title:         "Title " + id,
		Author:        article.DefaultAuthor,
		Summary:       "summary " + id,
		Tags:          tags,
		ContentLength: 1,
		Language:      article.DefaultLanguage,
		ProcessedAt:   processedAt,
		Status:        article.StatusProcessed,
	}
}

func seededStore(t *testing.T) *memory.RecordStore {
	t.Helper()
	store := memory.NewRecordStore()
	ctx := context.Background()
	require.NoError(t, store.PutIfAbsent(ctx, record("a", 100, "Technology")))
	require.NoError(t, store.PutIfAbsent(ctx, record("b", 200, "Politics")))
	require.NoError(t, store.PutIfAbsent(ctx, record("c", 300, "Technology", "Business")))
	return store
}

func newTestServer(t *testing.T, store article.RecordStore) *Server {
	t.Helper()
	return NewServer(store, config.Config{}, zap.NewNop())
}

func do(t *testing.T, s *Server, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodePage(t *testing.T, rec *httptest.ResponseRecorder) article.ListResult {
	t.Helper()
	var page article.ListResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	return page
}

func ids(page article.ListResult) []string {
	out := make([]string, 0, len(page.Records))
	for _, r := range page.Records {
		out = append(out, r.ID)
	}
	return out
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(t, memory.NewRecordStore()), "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_RequestIDIsEchoed(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(t, memory.NewRecordStore()), "/healthz", http.Header{"X-Request-Id": {"req-1"}})
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzReflectsStore(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(t, memory.NewRecordStore()), "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, newTestServer(t, failingStore{err: errors.New("down")}), "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_MetricsExposesPrometheus(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, memory.NewRecordStore())
	do(t, s, "/healthz", nil)
	rec := do(t, s, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_ListArticlesNewestFirst(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(t, seededStore(t)), "/v1/articles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	page := decodePage(t, rec)
	require.Equal(t, []string{"c", "b", "a"}, ids(page))
	require.Empty(t, page.NextCursor)
}

func TestServer_ListArticlesFiltersByTag(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, seededStore(t))
	page := decodePage(t, do(t, s, "/v1/articles?tag=Technology", nil))
	require.Equal(t, []string{"c", "a"}, ids(page))

	page = decodePage(t, do(t, s, "/v1/articles?tag=Politics,Business", nil))
	require.Equal(t, []string{"c", "b"}, ids(page))

	page = decodePage(t, do(t, s, "/v1/articles?tag=Weather", nil))
	require.Empty(t, page.Records)
}

func TestServer_ListArticlesPaginates(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, seededStore(t))
	first := decodePage(t, do(t, s, "/v1/articles?limit=2", nil))
	require.Equal(t, []string{"c", "b"}, ids(first))
	require.NotEmpty(t, first.NextCursor)

	second := decodePage(t, do(t, s, "/v1/articles?limit=2&cursor="+url.QueryEscape(first.NextCursor), nil))
	require.Equal(t, []string{"a"}, ids(second))
	require.Empty(t, second.NextCursor)
}

func TestServer_ListArticlesRejectsBadInput(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, seededStore(t))
	for _, target := range []string{
		"/v1/articles?limit=abc",
		"/v1/articles?limit=-1",
		"/v1/articles?cursor=!!!!",
	} {
		rec := do(t, s, target, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestServer_ListArticlesStoreFailure(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(t, failingStore{err: errors.New("boom")}), "/v1/articles", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "boom")
}

func TestServer_GetArticle(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, seededStore(t))
	rec := do(t, s, "/v1/articles/b", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got article.SummaryRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, record("b", 200, "Politics"), got)

	rec = do(t, s, "/v1/articles/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_APIKeyRequiredWhenEnabled(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	s := NewServer(seededStore(t), cfg, zap.NewNop())

	require.Equal(t, http.StatusForbidden, do(t, s, "/v1/articles", nil).Code)
	require.Equal(t, http.StatusOK, do(t, s, "/v1/articles", http.Header{"X-Api-Key": {"secret"}}).Code)
	require.Equal(t, http.StatusOK, do(t, s, "/v1/articles?api_key=secret", nil).Code)
	require.Equal(t, http.StatusOK, do(t, s, "/healthz", nil).Code)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(t, panickingStore{}), "/v1/articles/x", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type failingStore struct {
	err error
}

func (f failingStore) PutIfAbsent(context.Context, article.SummaryRecord) error { return f.err }

func (f failingStore) Get(context.Context, string) (article.SummaryRecord, error) {
	return article.SummaryRecord{}, f.err
}

func (f failingStore) List(context.Context, article.ListQuery) (article.ListResult, error) {
	return article.ListResult{}, f.err
}

func (f failingStore) Ping(context.Context) error { return f.err }

type panickingStore struct {
	failingStore
}

func (panickingStore) Get(context.Context, string) (article.SummaryRecord, error) {
	panic("store exploded")
}
