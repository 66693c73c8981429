package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/briefly-pipeline/internal/article"
	"github.com/JakeFAU/briefly-pipeline/internal/dedup"
	"github.com/JakeFAU/briefly-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/briefly-pipeline/internal/publisher/memory"
)

type fetchCall struct {
	topic    string
	page     int
	pageSize int
}

// fakeFeed serves a fixed, recency-ordered article list per topic.
type fakeFeed struct {
	mu       sync.Mutex
	articles map[string][]article.Article
	errs     map[string]error
	calls    []fetchCall
}

func (f *fakeFeed) FetchArticles(_ context.Context, tag string, page, pageSize int) (article.FeedPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{topic: tag, page: page, pageSize: pageSize})
	if err := f.errs[tag]; err != nil {
		return article.FeedPage{}, err
	}
	all := f.articles[tag]
	start := min((page-1)*pageSize, len(all))
	end := min(start+pageSize, len(all))
	return article.FeedPage{Articles: append([]article.Article(nil), all[start:end]...), TotalResults: len(all)}, nil
}

func (f *fakeFeed) callsFor(topic string) []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fetchCall
	for _, c := range f.calls {
		if c.topic == topic {
			out = append(out, c)
		}
	}
	return out
}

func articles(urls ...string) []article.Article {
	out := make([]article.Article, 0, len(urls))
	for _, u := range urls {
		out = append(out, article.Article{URL: u, Title: "T " + u, PublishedAt: "2024-01-01T00:00:00Z"})
	}
	return out
}

func newProducer(t *testing.T, feed article.Feed, pub article.Publisher, cfg Config) *Producer {
	t.Helper()
	p, err := New(feed, pub, dedup.New(sha256.New()), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return p
}

func TestRunPassPublishesAndSuppressesRepeats(t *testing.T) {
	t.Parallel()

	feed := &fakeFeed{articles: map[string][]article.Article{
		"technology": articles("https://x/1", "https://x/2"),
		"science":    articles("https://x/2", "https://x/3"),
	}}
	pub := memory.New()
	p := newProducer(t, feed, pub, Config{Topics: []string{"technology", "science"}, BatchSize: 5})

	stats, err := p.RunPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"https://x/1", "https://x/2", "https://x/3"}, pub.URLs())
	require.Equal(t, 3, stats.Published)
	require.Equal(t, 1, stats.Duplicates)
	require.Equal(t, "technology", pub.Messages()[0].TopicTag)
	require.Equal(t, "science", pub.Messages()[2].TopicTag)

	stats, err = p.RunPass(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Published)
	require.Equal(t, 4, stats.Duplicates)
	require.Len(t, pub.Messages(), 3)
}

func TestRunPassBackfillsUntilBatchSize(t *testing.T) {
	t.Parallel()

	urls := make([]string, 0, 10)
	for i := range 10 {
		urls = append(urls, fmt.Sprintf("https://x/%d", i))
	}
	feed := &fakeFeed{articles: map[string][]article.Article{"business": articles(urls...)}}
	pub := memory.New()
	p := newProducer(t, feed, pub, Config{Topics: []string{"business"}, BatchSize: 3})

	// Pre-mark the first two so page one only yields one new article.
	p.tracker.Mark("https://x/0")
	p.tracker.Mark("https://x/1")

	stats, err := p.RunPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, stats.Published)
	require.Equal(t, []string{"https://x/2", "https://x/3", "https://x/4"}, pub.URLs())

	calls := feed.callsFor("business")
	require.Equal(t, []fetchCall{
		{topic: "business", page: 1, pageSize: 3},
		{topic: "business", page: 2, pageSize: 3},
	}, calls)
}

func TestRunPassStopsAtTotalResultsAndMaxPages(t *testing.T) {
	t.Parallel()

	feed := &fakeFeed{articles: map[string][]article.Article{
		"sports": articles("https://x/1", "https://x/2"),
		"health": articles("https://h/1", "https://h/2", "https://h/3", "https://h/4", "https://h/5", "https://h/6"),
	}}
	pub := memory.New()
	p := newProducer(t, feed, pub, Config{Topics: []string{"sports", "health"}, BatchSize: 50, MaxPages: 2, MaxPageSize: 2})

	_, err := p.RunPass(context.Background())
	require.NoError(t, err)
	require.Len(t, feed.callsFor("sports"), 1, "totalResults reached on the first page")
	require.Len(t, feed.callsFor("health"), 2, "max_pages caps paging")
	require.Len(t, pub.Messages(), 6)
}

func TestRunPassFetchErrorAbandonsOnlyThatTopic(t *testing.T) {
	t.Parallel()

	feed := &fakeFeed{
		articles: map[string][]article.Article{"science": articles("https://s/1")},
		errs:     map[string]error{"politics": errors.New("feed 500")},
	}
	pub := memory.New()
	p := newProducer(t, feed, pub, Config{Topics: []string{"politics", "science"}, BatchSize: 5})

	stats, err := p.RunPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.FetchErrors)
	require.Equal(t, []string{"https://s/1"}, pub.URLs())
	require.Len(t, feed.callsFor("politics"), 1)
}

func TestRunPassPublishErrorLeavesArticleRetryable(t *testing.T) {
	t.Parallel()

	feed := &fakeFeed{articles: map[string][]article.Article{
		"technology": articles("https://x/1", "https://x/2"),
	}}
	pub := memory.New()
	pub.FailURL("https://x/1", errors.New("broker down"))
	p := newProducer(t, feed, pub, Config{Topics: []string{"technology"}, BatchSize: 5})

	stats, err := p.RunPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.PublishErrors)
	require.Equal(t, []string{"https://x/2"}, pub.URLs())
	require.False(t, p.tracker.Seen("https://x/1"))

	stats, err = p.RunPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Published)
	require.Equal(t, []string{"https://x/2", "https://x/1"}, pub.URLs())
}

func TestRunPassParallelTopicsPublishSharedArticleOnce(t *testing.T) {
	t.Parallel()

	shared := []string{"https://x/a", "https://x/b", "https://x/c"}
	topics := []string{"t1", "t2", "t3", "t4"}
	feed := &fakeFeed{articles: map[string][]article.Article{}}
	for _, topic := range topics {
		feed.articles[topic] = articles(shared...)
	}
	pub := memory.New()
	p := newProducer(t, feed, pub, Config{Topics: topics, BatchSize: 10, TopicConcurrency: 4})

	stats, err := p.RunPass(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, shared, pub.URLs())
	require.Equal(t, 3, stats.Published)
	require.Equal(t, 9, stats.Duplicates)
}

func TestRunPassAppliesCooldownBetweenTopics(t *testing.T) {
	t.Parallel()

	feed := &fakeFeed{articles: map[string][]article.Article{}}
	p := newProducer(t, feed, memory.New(), Config{
		Topics:        []string{"a", "b", "c"},
		BatchSize:     1,
		TopicCooldown: 30 * time.Millisecond,
	})

	start := time.Now()
	_, err := p.RunPass(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestRunPassCanceled(t *testing.T) {
	t.Parallel()

	feed := &fakeFeed{articles: map[string][]article.Article{}}
	p := newProducer(t, feed, memory.New(), Config{Topics: []string{"a", "b"}, BatchSize: 1, TopicCooldown: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.RunPass(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, feed.callsFor("b"), 0)
}

func TestRunSchedulesPassesUntilCanceled(t *testing.T) {
	t.Parallel()

	feed := &fakeFeed{articles: map[string][]article.Article{"a": articles("https://x/1")}}
	pub := memory.New()
	p := newProducer(t, feed, pub, Config{Topics: []string{"a"}, BatchSize: 1, Schedule: "@every 1h"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(pub.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	feed := &fakeFeed{articles: map[string][]article.Article{}}
	p := newProducer(t, feed, memory.New(), Config{Topics: []string{"a"}, BatchSize: 1, Schedule: "not a schedule"})
	require.Error(t, p.Run(context.Background()))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	tracker := dedup.New(nil)
	feed := &fakeFeed{}
	pub := memory.New()
	_, err := New(nil, pub, tracker, Config{Topics: []string{"a"}, BatchSize: 1}, nil)
	require.Error(t, err)
	_, err = New(feed, pub, tracker, Config{BatchSize: 1}, nil)
	require.Error(t, err)
	_, err = New(feed, pub, tracker, Config{Topics: []string{"a"}}, nil)
	require.Error(t, err)
}
