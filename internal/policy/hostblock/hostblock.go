// Package hostblock refuses source URLs whose host matches a configured
// pattern, such as internal services or sites that forbid scraping.
package hostblock

import (
	"net/url"
	"strings"
)

// List stores exact hosts and suffix wildcards. The zero value and a nil
// List block nothing.
type List struct {
	exact    map[string]struct{}
	suffixes []string
}

// New parses patterns. "example.com" matches only that host; "*.example.com"
// and ".example.com" match the domain and every subdomain. It returns nil
// when no usable pattern is given.
func New(patterns []string) *List {
	l := &List{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			l.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			l.addSuffix(strings.TrimPrefix(value, "."))
		default:
			l.exact[value] = struct{}{}
		}
	}
	if len(l.exact) == 0 && len(l.suffixes) == 0 {
		return nil
	}
	return l
}

func (l *List) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range l.suffixes {
		if existing == suffix {
			return
		}
	}
	l.suffixes = append(l.suffixes, suffix)
}

// Blocked reports whether host matches the list.
func (l *List) Blocked(host string) bool {
	if l == nil {
		return false
	}
	host = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(host)), ".")
	if host == "" {
		return false
	}
	if _, ok := l.exact[host]; ok {
		return true
	}
	for _, suffix := range l.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// BlockedURL reports whether rawURL points at a blocked host. Unparseable
// URLs are left to the caller's own validation.
func (l *List) BlockedURL(rawURL string) bool {
	if l == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return l.Blocked(u.Hostname())
}
