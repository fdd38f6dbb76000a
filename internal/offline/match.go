package offline

import (
	"net/http"
	"strings"
)

// ExclusionList holds hostname substrings. Matching is a plain substring test
// against the whole URL, so "amazonaws.com" also matches a path or query
// that happens to contain it.
type ExclusionList []string

// Excludes reports whether rawURL contains any non-empty entry.
func (l ExclusionList) Excludes(rawURL string) bool {
	for _, s := range l {
		if s != "" && strings.Contains(rawURL, s) {
			return true
		}
	}
	return false
}

// IsNavigation reports whether r loads a new top-level document. Fetch
// metadata wins when present; older clients fall back to a GET that accepts
// HTML.
func IsNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	if r.Method != http.MethodGet && r.Method != "" {
		return false
	}
	for _, v := range r.Header.Values("Accept") {
		for _, part := range strings.Split(v, ",") {
			mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
			if strings.EqualFold(strings.TrimSpace(mt), "text/html") {
				return true
			}
		}
	}
	return false
}
