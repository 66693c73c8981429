package collyextract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/briefly-pipeline/internal/metrics"
)

// allowAllRobots is served in place of a robots.txt that never answered.
const allowAllRobots = "User-agent: *\nAllow: /"

// defaultRobotsBackoff spaces the retries of a robots.txt fetch that timed out.
var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsProbe records whether the robots.txt of the current visit had to be
// assumed.
type robotsProbe struct {
	fallback bool
	reason   string
}

// robotsTransport passes page requests straight through. robots.txt requests
// that time out are retried on backoff, and once retries run out the site is
// treated as allow-all: a news site whose robots.txt hangs still serves the
// article.
type robotsTransport struct {
	next    http.RoundTripper
	backoff []time.Duration
	probe   *robotsProbe
}

func newRobotsTransport(next http.RoundTripper, probe *robotsProbe) *robotsTransport {
	return &robotsTransport{next: next, backoff: defaultRobotsBackoff, probe: probe}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return t.next.RoundTrip(req)
	}
	return t.fetchRobots(req)
}

func (t *robotsTransport) fetchRobots(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	for attempt := 0; ; attempt++ {
		resp, err := t.next.RoundTrip(req.Clone(ctx))
		if err == nil {
			return resp, nil
		}
		if !timedOut(err) {
			return nil, fmt.Errorf("fetch robots.txt: %w", err)
		}
		if attempt >= len(t.backoff) {
			t.probe.markFallback(err)
			return allowAllResponse(req), nil
		}
		timer := time.NewTimer(t.backoff[attempt])
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("fetch robots.txt: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func (p *robotsProbe) markFallback(cause error) {
	if p == nil || p.fallback {
		return
	}
	p.fallback = true
	p.reason = cause.Error()
	metrics.ObserveRobotsFallback()
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Request:       req,
	}
}

// timedOut reports deadline, network timeout and TLS handshake timeout errors.
func timedOut(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
