// Package detector decides when a statically fetched news page needs a
// headless render before its text is usable.
package detector

import (
	"bytes"
	"net/http"
	"strings"
)

// Page is what the static fetch saw.
type Page struct {
	StatusCode int
	Body       []byte
	// Text is the paragraph text extracted from Body.
	Text string
}

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
	// MinTextChars is the extracted text length at which a page is
	// considered readable as is.
	MinTextChars int
}

// NewHeuristic creates a new detector. Zero values pick the defaults.
func NewHeuristic(bodyThreshold, minTextChars int) *Heuristic {
	if bodyThreshold == 0 {
		bodyThreshold = 2048
	}
	if minTextChars == 0 {
		minTextChars = 200
	}
	return &Heuristic{BodyLengthThreshold: bodyThreshold, MinTextChars: minTextChars}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

// ShouldRender reports whether rendering p in a browser is likely to yield
// more article text than the static fetch did.
func (h *Heuristic) ShouldRender(p Page) bool {
	if p.StatusCode != http.StatusOK {
		return false
	}
	if len(strings.TrimSpace(p.Text)) >= h.MinTextChars {
		return false
	}
	body := p.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Malformed tag; the rest of the document counts as script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
