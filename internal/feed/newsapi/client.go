// Package newsapi implements article.Feed against the NewsAPI v2 HTTP API.
package newsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/briefly-pipeline/internal/article"
)

// MaxPageSize is the largest page NewsAPI serves.
const MaxPageSize = 100

// removedMarker is what NewsAPI substitutes for articles pulled by the publisher.
const removedMarker = "[Removed]"

// Config controls the client.
type Config struct {
	BaseURL   string
	APIKey    string
	Language  string
	UserAgent string
	Timeout   time.Duration
}

// Waiter paces outgoing requests.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Client fetches candidate articles per topic tag.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter Waiter
	logger  *zap.Logger
}

type apiArticle struct {
	Source struct {
		Name string `json:"name"`
	} `json:"source"`
	Author      *string `json:"author"`
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	URLToImage  *string `json:"urlToImage"`
	PublishedAt string  `json:"publishedAt"`
}

type apiResponse struct {
	Status       string       `json:"status"`
	Code         string       `json:"code"`
	Message      string       `json:"message"`
	TotalResults int          `json:"totalResults"`
	Articles     []apiArticle `json:"articles"`
}

// New builds a Client. limiter may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("newsapi: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://newsapi.org"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: newHTTPTransport()},
		limiter: limiter,
		logger:  logger,
	}, nil
}

// FetchArticles returns one page of articles for tag sorted by publish time.
func (c *Client) FetchArticles(ctx context.Context, tag string, page, pageSize int) (article.FeedPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	endpoint := c.endpoint(tag, page, pageSize)
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, endpoint); err != nil {
			return article.FeedPage{}, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return article.FeedPage{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return article.FeedPage{}, fmt.Errorf("newsapi request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close newsapi body", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return article.FeedPage{}, fmt.Errorf("read newsapi body: %w", err)
	}
	var payload apiResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return article.FeedPage{}, fmt.Errorf("decode newsapi body (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || payload.Status != "ok" {
		return article.FeedPage{}, fmt.Errorf("newsapi error (status %d): %s: %s",
			resp.StatusCode, payload.Code, payload.Message)
	}

	out := article.FeedPage{
		TotalResults: payload.TotalResults,
		Articles:     make([]article.Article, 0, len(payload.Articles)),
	}
	for _, a := range payload.Articles {
		if strings.TrimSpace(a.URL) == "" || a.Title == removedMarker {
			continue
		}
		out.Articles = append(out.Articles, article.Article{
			URL:         a.URL,
			Title:       a.Title,
			Author:      deref(a.Author),
			PublishedAt: a.PublishedAt,
			URLToImage:  deref(a.URLToImage),
			TopicTag:    tag,
		})
	}
	c.logger.Debug("fetched feed page",
		zap.String("tag", tag),
		zap.Int("page", page),
		zap.Int("articles", len(out.Articles)),
		zap.Int("total_results", out.TotalResults),
	)
	return out, nil
}

func (c *Client) endpoint(tag string, page, pageSize int) string {
	q := url.Values{}
	q.Set("q", tag)
	q.Set("sortBy", "publishedAt")
	q.Set("language", c.cfg.Language)
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/v2/everything?" + q.Encode()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
}
