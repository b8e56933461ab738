package cachestore

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Entry is a response snapshot stored under a request identity.
type Entry struct {
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body,omitempty"`
	StoredAt int64       `json:"storedAt"` // unix seconds
	Hash32   uint32      `json:"hash32"`
}

// Key returns the request identity used as a cache key: the method and the
// absolute URL without its fragment.
func Key(r *http.Request) string {
	return KeyFor(r.Method, r.URL.String())
}

// KeyFor builds a request identity from its parts.
func KeyFor(method, rawURL string) string {
	if method == "" {
		method = http.MethodGet
	}
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		rawURL = rawURL[:i]
	}
	return strings.ToUpper(method) + " " + rawURL
}

// Capture drains resp.Body into an Entry and swaps in a fresh reader so the
// caller can still consume the response.
func Capture(r *http.Request, resp *http.Response) (Entry, error) {
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return Entry{}, fmt.Errorf("cachestore: read body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	ent := Entry{
		Method:   r.Method,
		URL:      r.URL.String(),
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

// Response rebuilds an *http.Response from the snapshot. Every call returns an
// independent body reader.
func (e Entry) Response(r *http.Request) *http.Response {
	h := cloneHeader(e.Header)
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       r,
	}
}

func cloneEntry(in Entry) Entry {
	out := in
	out.Header = cloneHeader(in.Header)
	if in.Body != nil {
		out.Body = append([]byte(nil), in.Body...)
	}
	return out
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
