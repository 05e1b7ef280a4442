package extract

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PageText returns the readable text of a page, preferring the main article.
func PageText(doc *goquery.Document) string {
	body := doc.Find("article").First()
	if body.Length() == 0 {
		body = doc.Find("main").First()
	}
	if body.Length() == 0 {
		body = doc.Find("body")
	}
	body = body.Clone()
	body.Find("script, style, noscript, nav, footer, header, aside, form, iframe").Remove()

	var lines []string
	body.Find("h1, h2, h3, h4, li, p, td").Each(func(_ int, s *goquery.Selection) {
		if t := cleanText(s.Text()); t != "" {
			lines = append(lines, t)
		}
	})
	if len(lines) == 0 {
		return cleanText(body.Text())
	}
	return strings.Join(lines, "\n")
}

var (
	cueTiming = regexp.MustCompile(`^\d{0,2}:?\d{2}:\d{2}[.,]\d{3}\s+-->`)
	cueIndex  = regexp.MustCompile(`^\d+$`)
	cueTags   = regexp.MustCompile(`<[^>]+>`)
)

// SubtitleText flattens a VTT or SRT file into transcript text, dropping
// timings and the repeated lines auto-captions produce.
func SubtitleText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open subtitles: %w", err)
	}
	defer func() { _ = f.Close() }()

	var (
		out  []string
		last string
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "", line == "WEBVTT", strings.HasPrefix(line, "Kind:"), strings.HasPrefix(line, "Language:"),
			strings.HasPrefix(line, "NOTE"), cueIndex.MatchString(line), cueTiming.MatchString(line):
			continue
		}
		line = cleanText(cueTags.ReplaceAllString(line, ""))
		if line == "" || line == last {
			continue
		}
		out = append(out, line)
		last = line
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read subtitles: %w", err)
	}
	return strings.Join(out, " "), nil
}
