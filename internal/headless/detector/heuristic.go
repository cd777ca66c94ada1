// Package detector decides when a probe fetch should be redone in a browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

const (
	defaultBodyThreshold = 2048
	defaultMinText       = 200
	scriptRatioPercent   = 25
)

// spaRoots are mount points of common client-side frameworks.
const spaRoots = `#__next, #__nuxt, #root, #app, [data-reactroot], [ng-app], [ng-version]`

// Heuristic promotes pages that look like client-rendered shells.
type Heuristic struct {
	// BodyLengthThreshold bounds the size of documents checked for script density.
	BodyLengthThreshold int
	// MinTextLength is the visible text below which a framework root counts as empty.
	MinTextLength int
}

// NewHeuristic creates a detector; zero values select defaults.
func NewHeuristic(bodyThreshold, minText int) *Heuristic {
	if bodyThreshold <= 0 {
		bodyThreshold = defaultBodyThreshold
	}
	if minText <= 0 {
		minText = defaultMinText
	}
	return &Heuristic{BodyLengthThreshold: bodyThreshold, MinTextLength: minText}
}

// ShouldPromote reports whether the probe response needs JavaScript rendering.
func (h *Heuristic) ShouldPromote(resp scrape.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}

	scripts := doc.Find("script")
	scriptBytes := 0
	scripts.Each(func(_ int, s *goquery.Selection) {
		if html, err := goquery.OuterHtml(s); err == nil {
			scriptBytes += len(html)
		}
	})
	if len(body) < h.BodyLengthThreshold && scriptBytes*100/len(body) >= scriptRatioPercent {
		return true
	}

	if doc.Find(spaRoots).Length() == 0 {
		return false
	}
	doc.Find("script, style, noscript, template").Remove()
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	return len(text) < h.MinTextLength
}
