// Package collyextract pulls readable article text out of news pages with
// gocolly. The text feeds enrichment prompts and is best effort.
package collyextract

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/briefly-pipeline/internal/extract"
	"github.com/JakeFAU/briefly-pipeline/internal/extract/detector"
	"github.com/JakeFAU/briefly-pipeline/internal/metrics"
)

// Renderer produces text for pages the static fetch could not read.
type Renderer interface {
	Extract(ctx context.Context, url string) (string, error)
}

// Detector decides whether a statically fetched page needs rendering.
type Detector interface {
	ShouldRender(page detector.Page) bool
}

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxChars      int
	// Renderer is optional. It is consulted when Detector says so.
	Renderer Renderer
	Detector Detector
}

// Extractor implements summarizer.Excerpter using a Colly collector.
type Extractor struct {
	cfg       Config
	transport http.RoundTripper
	logger    *zap.Logger
}

type collectorHooks interface {
	OnHTML(string, colly.HTMLCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds an Extractor.
func New(cfg Config, logger *zap.Logger) *Extractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = extract.DefaultMaxChars
	}
	if cfg.Renderer != nil && cfg.Detector == nil {
		cfg.Detector = detector.NewHeuristic(0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg, transport: newHTTPTransport(), logger: logger}
}

// fetched is what one static visit collected.
type fetched struct {
	paragraphs []string
	status     int
	body       []byte
	err        error
}

// Extract fetches url and returns its paragraph text, whitespace collapsed
// and cut to MaxChars. Pages that look script-built are handed to the
// renderer when one is configured.
func (e *Extractor) Extract(ctx context.Context, url string) (string, error) {
	var page fetched
	collector, robots := e.buildCollector(ctx)
	e.configureCollectorHooks(collector, &page)

	if err := runCollector(ctx, collector, url, &page.err); err != nil {
		return "", err
	}
	if robots != nil && robots.fallback {
		e.logger.Warn("robots.txt unreachable, treated as allow-all",
			zap.String("url", url),
			zap.String("reason", robots.reason),
		)
	}
	text := extract.Join(page.paragraphs, e.cfg.MaxChars)

	if e.cfg.Renderer != nil && e.cfg.Detector.ShouldRender(detector.Page{
		StatusCode: page.status,
		Body:       page.body,
		Text:       text,
	}) {
		rendered, err := e.cfg.Renderer.Extract(ctx, url)
		switch {
		case err != nil:
			metrics.ObserveRender("error")
			e.logger.Warn("headless render failed, keeping static text", zap.String("url", url), zap.Error(err))
		case len(rendered) > len(text):
			metrics.ObserveRender("used")
			text = extract.Truncate(rendered, e.cfg.MaxChars)
		default:
			metrics.ObserveRender("no_gain")
		}
	}

	if text == "" {
		return "", fmt.Errorf("%w: %s", extract.ErrNoText, url)
	}
	return text, nil
}

func (e *Extractor) buildCollector(ctx context.Context) (*colly.Collector, *robotsProbe) {
	collector := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.StdlibContext(ctx),
	)
	if e.cfg.UserAgent != "" {
		collector.UserAgent = e.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !e.cfg.RespectRobots
	collector.SetRequestTimeout(e.cfg.Timeout)

	if !e.cfg.RespectRobots {
		collector.WithTransport(e.transport)
		return collector, nil
	}
	probe := &robotsProbe{}
	collector.WithTransport(newRobotsTransport(e.transport, probe))
	return collector, probe
}

func (e *Extractor) configureCollectorHooks(hooks collectorHooks, page *fetched) {
	hooks.OnResponse(func(resp *colly.Response) {
		page.status = resp.StatusCode
		page.body = resp.Body
	})
	hooks.OnHTML(extract.ParagraphSelector, func(el *colly.HTMLElement) {
		page.paragraphs = append(page.paragraphs, el.Text)
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		page.err = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("extract canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
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
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
