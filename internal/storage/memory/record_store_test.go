package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/briefly-pipeline/internal/article"
)

func record(id string, processedAt int64, tags ...string) article.SummaryRecord {
	return article.SummaryRecord{ID: id, URL: "https://x/" + id, Summary: "s", Tags: tags, ProcessedAt: processedAt, Status: article.StatusProcessed}
}

func TestRecordStorePutIfAbsentRejectsDuplicate(t *testing.T) {
	t.Parallel()

	store := NewRecordStore()
	ctx := context.Background()
	first := record("a", 1, "Technology")
	require.NoError(t, store.PutIfAbsent(ctx, first))

	second := first
	second.Summary = "changed"
	require.ErrorIs(t, store.PutIfAbsent(ctx, second), article.ErrConditionFailed)

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "s", got.Summary)
}

func TestRecordStoreConcurrentInsertHasOneWinner(t *testing.T) {
	t.Parallel()

	store := NewRecordStore()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.PutIfAbsent(context.Background(), record("same", 1)) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, 1, store.Len())
}

func TestRecordStoreGetMissing(t *testing.T) {
	t.Parallel()

	_, err := NewRecordStore().Get(context.Background(), "missing")
	require.ErrorIs(t, err, article.ErrNotFound)
}

func TestRecordStoreListPaginatesNewestFirst(t *testing.T) {
	t.Parallel()

	store := NewRecordStore()
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, store.PutIfAbsent(ctx, record(fmt.Sprintf("r%d", i), int64(i*10))))
	}

	page, err := store.List(ctx, article.ListQuery{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"r5", "r4"}, ids(page.Records))
	require.NotEmpty(t, page.NextCursor)

	page, err = store.List(ctx, article.ListQuery{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Equal(t, []string{"r3", "r2"}, ids(page.Records))

	page, err = store.List(ctx, article.ListQuery{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Equal(t, []string{"r1"}, ids(page.Records))
	require.Empty(t, page.NextCursor)
}

func TestRecordStoreListFiltersByAnyTag(t *testing.T) {
	t.Parallel()

	store := NewRecordStore()
	ctx := context.Background()
	require.NoError(t, store.PutIfAbsent(ctx, record("a", 1, "Technology")))
	require.NoError(t, store.PutIfAbsent(ctx, record("b", 2, "Health", "Science")))
	require.NoError(t, store.PutIfAbsent(ctx, record("c", 3, "Sports")))

	page, err := store.List(ctx, article.ListQuery{Tags: []string{"Science", "Technology"}})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a"}, ids(page.Records))

	_, err = store.List(ctx, article.ListQuery{Cursor: "%%%"})
	require.ErrorIs(t, err, article.ErrBadCursor)
}

func ids(recs []article.SummaryRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}
