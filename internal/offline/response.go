package offline

import (
	"io"
	"net/http"
	"strings"
)

const outcomeHeader = "X-Offline0"

// writeResponse copies resp to w and returns the body bytes written.
func writeResponse(w http.ResponseWriter, resp *http.Response, outcome Outcome) int64 {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, outcomeHeader) || isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOfflineHeaders(w.Header(), string(outcome))
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)
	return n
}

func setOfflineHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(outcomeHeader, outcome)
	}
	// storefront scripts read the outcome cross-origin
	ensureExposedHeader(h, outcomeHeader)
}

// ensureExposedHeader appends name to Access-Control-Expose-Headers unless
// some value already lists it (case-insensitively).
func ensureExposedHeader(h http.Header, name string) {
	const key = "Access-Control-Expose-Headers"
	var listed []string
	for _, v := range h.Values(key) {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			if strings.EqualFold(tok, name) {
				return
			}
			listed = append(listed, tok)
		}
	}
	h.Set(key, strings.Join(append(listed, name), ", "))
}
