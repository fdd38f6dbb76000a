package offline

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// CacheEntry is a stored response inside one cache generation.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// Outcome says how a request was answered.
type Outcome string

const (
	OutcomeHit     Outcome = "hit"
	OutcomeNetwork Outcome = "network"
	OutcomeOffline Outcome = "offline"
	OutcomeBypass  Outcome = "bypass"
)

// requestKey is the exact-match key for a request: method plus absolute URL.
func requestKey(r *http.Request) string {
	m := r.Method
	if m == "" {
		m = http.MethodGet
	}
	return m + " " + r.URL.String()
}

// entryFromResponse drains and closes resp.Body. maxBytes <= 0 means no limit.
func entryFromResponse(resp *http.Response, maxBytes int64) (CacheEntry, error) {
	defer resp.Body.Close()

	var rd io.Reader = resp.Body
	if maxBytes > 0 {
		rd = io.LimitReader(resp.Body, maxBytes+1)
	}
	body, err := io.ReadAll(rd)
	if err != nil {
		return CacheEntry{}, errors.Wrap(err, "read body")
	}
	if maxBytes > 0 && int64(len(body)) > maxBytes {
		return CacheEntry{}, errors.Errorf("body exceeds %s", formatBytes(uint64(maxBytes)))
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

// Response materializes the entry as a fresh *http.Response for req.
func (e CacheEntry) Response(req *http.Request) *http.Response {
	h := cloneHeader(e.Header)
	if h == nil {
		h = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func (e CacheEntry) clone() CacheEntry {
	out := e
	out.Header = cloneHeader(e.Header)
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
