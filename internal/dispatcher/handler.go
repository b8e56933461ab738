package dispatcher

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

const maxPushPayload = 64 << 10

// hop-by-hop headers are not forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Handler serves the dispatcher as a reverse proxy in front of the origin.
// Paths under /-/ are control endpoints and never reach the origin.
func (d *Dispatcher) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /-/health", d.handleHealth)
	mux.Handle("GET /-/metrics", d.metrics.Handler())
	mux.HandleFunc("GET /-/stores", d.handleStores)
	mux.HandleFunc("POST /-/sync", d.handleSync)
	mux.HandleFunc("POST /-/push", d.handlePush)
	mux.HandleFunc("/-/", http.NotFound)
	mux.HandleFunc("/", d.proxy)
	return mux
}

func (d *Dispatcher) proxy(w http.ResponseWriter, r *http.Request) {
	out, err := d.outbound(r)
	if errors.Is(err, errForeignTarget) {
		log.Warn().Str("target", r.URL.String()).Str("ip", r.RemoteAddr).Msg("Refusing proxy request for a foreign host")
		http.Error(w, "misdirected request", http.StatusMisdirectedRequest)
		return
	}
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resp, err := d.RoundTrip(out)
	if err != nil {
		log.Debug().Err(err).Str("url", out.URL.String()).Msg("Upstream fetch failed")
		setSourceHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	h := w.Header()
	copyHeaders(h, resp.Header)
	removeHopHeaders(h)
	src := h.Get(HeaderSource)
	if src == "" {
		src = "bypass"
	}
	setSourceHeaders(h, src)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// errForeignTarget rejects absolute-form requests for anything but the origin.
var errForeignTarget = errors.New("dispatcher: proxy target is not the origin")

// outbound turns an incoming proxy request into a request for the origin.
// The proxy only ever talks to the origin: an absolute-form target must name
// it, and dev origins do not apply to inbound traffic.
func (d *Dispatcher) outbound(r *http.Request) (*http.Request, error) {
	if r.URL.IsAbs() && !d.isOrigin(r.URL) {
		return nil, errForeignTarget
	}
	target := d.origin.ResolveReference(&url.URL{
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	})
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = r.ContentLength
	copyHeaders(out.Header, r.Header)
	removeHopHeaders(out.Header)
	out.Header.Set("Accept-Encoding", "identity")
	return out, nil
}

func (d *Dispatcher) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"phase":       d.Phase().String(),
		"controlling": d.Controlling(),
	})
}

func (d *Dispatcher) handleStores(w http.ResponseWriter, r *http.Request) {
	stores, err := d.Inventory(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Listing stores failed")
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, stores)
}

func (d *Dispatcher) handleSync(w http.ResponseWriter, r *http.Request) {
	d.Sync(r.Context(), r.URL.Query().Get("tag"))
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dispatcher) handlePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPushPayload))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	n, err := d.Push(r.Context(), payload)
	if err != nil {
		log.Error().Err(err).Msg("Push notification failed")
		http.Error(w, "notify failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, n)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func setSourceHeaders(h http.Header, src string) {
	h.Set(HeaderSource, src)
	ensureExposedHeader(h, HeaderSource)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}
