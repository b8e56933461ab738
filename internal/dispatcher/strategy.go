package dispatcher

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"emlocator/internal/cachestore"
	"emlocator/internal/metrics"

	"github.com/rs/zerolog/log"
)

// OfflineMessage is the error text of the synthesized API response.
const OfflineMessage = "You are offline. Please check your connection."

// OfflinePayload is the JSON body returned for API requests that can be
// answered by neither the network nor the cache.
type OfflinePayload struct {
	Error   string `json:"error"`
	Offline bool   `json:"offline"`
}

// networkFirst always yields a response: from the network, from the cache, or
// the offline payload.
func (d *Dispatcher) networkFirst(req *http.Request) (*http.Response, metrics.Source) {
	resp, err := d.network.RoundTrip(req)
	if err == nil && resp.StatusCode == http.StatusOK && cacheable(req) {
		var ent cachestore.Entry
		if ent, err = cachestore.Capture(req, resp); err == nil {
			d.stats.observeNetwork(len(ent.Body))
			d.putAsync(cachestore.Key(req), ent)
		}
	}
	if err == nil {
		return markSource(resp, metrics.SourceNetwork), metrics.SourceNetwork
	}

	log.Debug().Err(err).Str("url", req.URL.String()).Msg("Network failed, falling back to cache")
	if cacheable(req) {
		if ent, ok := d.lookup(req.Context(), cachestore.Key(req)); ok {
			return d.fromCache(req, ent), metrics.SourceCache
		}
	}
	return offlineAPIResponse(req), metrics.SourceOffline
}

// cacheFirst answers from the stores when it can, otherwise fetches and
// stores the 200 response. Navigations that fail on the network fall back to
// the cached root page and then to a plain offline page; other failures are
// returned as errors.
func (d *Dispatcher) cacheFirst(req *http.Request, navigate bool) (*http.Response, metrics.Source, error) {
	ctx := req.Context()
	if cacheable(req) {
		if ent, ok := d.lookup(ctx, cachestore.Key(req)); ok {
			return d.fromCache(req, ent), metrics.SourceCache, nil
		}
	}

	resp, err := d.network.RoundTrip(req)
	if err != nil {
		if !navigate {
			return nil, metrics.SourceFailed, err
		}
		log.Debug().Err(err).Str("url", req.URL.String()).Msg("Navigation failed, serving app shell")
		if ent, ok := d.lookup(ctx, d.rootKey()); ok {
			return d.fromCache(req, ent), metrics.SourceCache, nil
		}
		return offlinePageResponse(req), metrics.SourceOffline, nil
	}

	if resp.StatusCode != http.StatusOK || !cacheable(req) {
		return markSource(resp, metrics.SourceNetwork), metrics.SourceNetwork, nil
	}
	ent, err := cachestore.Capture(req, resp)
	if err != nil {
		return nil, metrics.SourceFailed, err
	}
	d.stats.observeNetwork(len(ent.Body))
	d.putAsync(cachestore.Key(req), ent)
	return markSource(resp, metrics.SourceNetwork), metrics.SourceNetwork, nil
}

func (d *Dispatcher) fromCache(req *http.Request, ent cachestore.Entry) *http.Response {
	d.stats.observeCache(len(ent.Body))
	return markSource(ent.Response(req), metrics.SourceCache)
}

func offlineAPIResponse(req *http.Request) *http.Response {
	body, _ := json.Marshal(OfflinePayload{Error: OfflineMessage, Offline: true})
	return synthesize(req, http.StatusServiceUnavailable, "application/json", body)
}

func offlinePageResponse(req *http.Request) *http.Response {
	return synthesize(req, http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte("Offline"))
}

func synthesize(req *http.Request, status int, contentType string, body []byte) *http.Response {
	h := http.Header{}
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Cache-Control", "no-store")
	resp := &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
	return markSource(resp, metrics.SourceOffline)
}
