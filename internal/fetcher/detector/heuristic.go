// Package detector decides whether a statically fetched page needs a headless
// browser to expose its recipe.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultMarkers are lower-cased fragments typical of client-rendered shells.
var DefaultMarkers = []string{
	"enable javascript",
	"you need to enable javascript",
	`id="__next"`,
	`id="root"></div>`,
	`id="app"></div>`,
	"ng-app",
}

// Heuristic inspects HTML for recipe markup and single-page-app signals.
type Heuristic struct {
	minHTMLBytes int
	markers      [][]byte
}

// NewHeuristic constructs a Heuristic. Pages shorter than minBytes or carrying
// one of markers are treated as shells unless they already expose a recipe.
func NewHeuristic(minBytes int, markers []string) *Heuristic {
	if markers == nil {
		markers = DefaultMarkers
	}
	lower := make([][]byte, 0, len(markers))
	for _, m := range markers {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		lower = append(lower, bytes.ToLower([]byte(m)))
	}
	return &Heuristic{minHTMLBytes: minBytes, markers: lower}
}

// ShouldPromote reports whether body should be re-fetched with a browser.
func (d *Heuristic) ShouldPromote(body []byte) bool {
	if d == nil {
		return false
	}
	if len(body) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return true
	}
	if HasRecipeMarkup(doc) {
		return false
	}
	if d.minHTMLBytes > 0 && len(body) < d.minHTMLBytes {
		return true
	}
	if d.containsMarkers(body) {
		return true
	}
	return scriptHeavy(doc)
}

// HasRecipeMarkup reports whether the document carries schema.org Recipe data
// as JSON-LD or microdata.
func HasRecipeMarkup(doc *goquery.Document) bool {
	found := false
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := s.Text()
		if strings.Contains(text, `"Recipe"`) || strings.Contains(text, `"recipe"`) {
			found = true
			return false
		}
		return true
	})
	if found {
		return true
	}
	return doc.Find(`[itemtype*="schema.org/Recipe"]`).Length() > 0
}

func (d *Heuristic) containsMarkers(body []byte) bool {
	lowerBody := bytes.ToLower(body)
	for _, m := range d.markers {
		if bytes.Contains(lowerBody, m) {
			return true
		}
	}
	return false
}

// scriptHeavy flags pages whose visible text is tiny next to their scripts.
func scriptHeavy(doc *goquery.Document) bool {
	scripts := doc.Find("script").Length()
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript").Remove()
	text := strings.TrimSpace(body.Text())
	return scripts >= 5 && len(text) < 200
}
