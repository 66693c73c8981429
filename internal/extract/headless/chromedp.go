// Package headless renders news pages in headless Chrome and returns their
// paragraph text. It backs the static extractor for script-built pages.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/briefly-pipeline/internal/extract"
)

// paragraphScript returns the rendered text of every paragraph.
const paragraphScript = `Array.from(document.querySelectorAll(` + "`" + extract.ParagraphSelector + "`" + `)).map(p => p.innerText)`

// Config controls the behavior of the renderer.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	MaxChars          int
}

// Renderer implements summarizer.Excerpter using chromedp and headless Chrome.
type Renderer struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a renderer backed by chromedp. Chrome is launched
// lazily on the first render.
func NewChromedp(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = extract.DefaultMaxChars
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context, stopping Chrome.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Extract navigates to url, waits for the DOM and returns its paragraph text.
func (r *Renderer) Extract(ctx context.Context, url string) (string, error) {
	if err := r.acquire(ctx); err != nil {
		return "", err
	}
	defer r.release()

	taskCtx, taskCancel := chromedp.NewContext(r.allocator)
	defer taskCancel()
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, r.navTimeout())
	defer cancel()

	meta := &responseMeta{}
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	paragraphs, err := r.runHeadless(taskCtx, url)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("render canceled: %w", ctx.Err())
		}
		return "", err
	}
	if status := meta.statusOrOK(); status >= http.StatusBadRequest {
		return "", fmt.Errorf("render %s: status %d", url, status)
	}

	text := extract.Join(paragraphs, r.cfg.MaxChars)
	if text == "" {
		return "", fmt.Errorf("%w: %s", extract.ErrNoText, url)
	}
	return text, nil
}

func (r *Renderer) runHeadless(ctx context.Context, url string) ([]string, error) {
	var paragraphs []string
	actions := []chromedp.Action{
		r.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Evaluate(paragraphScript, &paragraphs),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	return paragraphs, nil
}

func (r *Renderer) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return ctx.Err()
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}

func (r *Renderer) navTimeout() time.Duration {
	if r.cfg.NavigationTimeout > 0 {
		return r.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

// responseMeta remembers the status of the main document response.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) statusOrOK() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status == 0 {
		return http.StatusOK
	}
	return m.status
}
