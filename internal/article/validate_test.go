package article

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestDecodeValidArticle(t *testing.T) {
	t.Parallel()

	body := []byte(`{"url":"https://x/1","title":"A","publishedAt":"2024-01-01T00:00:00Z","topicTag":"technology"}`)
	got, err := Decode(body)
	require.NoError(t, err)
	require.Equal(t, "https://x/1", got.URL)
	require.Equal(t, "technology", got.TopicTag)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `hello`},
		{name: "missing url", body: `{"title":"A","publishedAt":"2024-01-01T00:00:00Z"}`},
		{name: "missing title", body: `{"url":"https://x/1","publishedAt":"2024-01-01T00:00:00Z"}`},
		{name: "missing publishedAt", body: `{"url":"https://x/1","title":"A"}`},
		{name: "bad publishedAt", body: `{"url":"https://x/1","title":"A","publishedAt":"yesterday"}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(tt.body))
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidArticle), "got %v", err)
		})
	}
}

func TestParsePublishedAtLayouts(t *testing.T) {
	t.Parallel()

	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, raw := range []string{
		"2024-01-01T00:00:00Z",
		"2024-01-01T00:00:00+00:00",
		"2024-01-01T00:00:00",
		"2024-01-01T00:00:00.000Z",
		"2024-01-01",
	} {
		got, err := ParsePublishedAt(raw)
		require.NoError(t, err, raw)
		require.True(t, want.Equal(got), "%s parsed as %v", raw, got)
	}

	offset, err := ParsePublishedAt("2024-01-01T02:00:00+02:00")
	require.NoError(t, err)
	require.True(t, want.Equal(offset))
}

func TestNewRecordFillsDefaults(t *testing.T) {
	t.Parallel()

	msg := QueueMessage{
		Article: Article{
			URL:         "https://x/1",
			Title:       "A",
			PublishedAt: "2024-01-01T00:00:00Z",
			TopicTag:    "technology",
		},
		ReceivedAt: 1700000000000,
	}
	processed := time.UnixMilli(1700000005000)
	rec, err := NewRecord("abc", msg, Enrichment{Summary: "s", Tags: []string{"Technology"}}, processed)
	require.NoError(t, err)

	want := SummaryRecord{
		ID:            "abc",
		URL:           "https://x/1",
		Title:         "A",
		Author:        DefaultAuthor,
		PublishDate:   1704067200000,
		Summary:       "s",
		Tags:          []string{"Technology"},
		ContentLength: 1,
		ImageURL:      "",
		TopicTag:      "technology",
		Language:      DefaultLanguage,
		ReceivedAt:    1700000000000,
		ProcessedAt:   1700000005000,
		Status:        StatusProcessed,
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("NewRecord mismatch (-want +got):\n%s", diff)
	}

	accented, err := NewRecord("def", msg, Enrichment{Summary: "café – ok", Tags: []string{"Technology"}}, processed)
	require.NoError(t, err)
	require.Equal(t, 9, accented.ContentLength)
}
