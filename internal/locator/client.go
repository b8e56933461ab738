package locator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

const maxErrorBody = 4 << 10

// Client calls the emergency services API on the page origin. Give it an
// http.Client whose Transport is the offline dispatcher to get the page's
// offline behavior.
type Client struct {
	base *url.URL
	http *http.Client
}

func NewClient(origin string, hc *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("locator: invalid origin %q", origin)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: u, http: hc}, nil
}

// Services lists every service, or only those of serviceType when set.
func (c *Client) Services(ctx context.Context, serviceType string) ([]Service, error) {
	q := url.Values{}
	if serviceType != "" {
		q.Set("type", serviceType)
	}
	var out []Service
	if err := c.get(ctx, "/api/services/", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Nearest(ctx context.Context, at LatLng, limit int) (NearestResult, error) {
	q := coords(at)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out NearestResult
	err := c.get(ctx, "/api/services/nearest/", q, &out)
	return out, err
}

func (c *Client) WithinRadius(ctx context.Context, at LatLng, radiusKm float64) (RadiusResult, error) {
	q := coords(at)
	q.Set("radius", strconv.FormatFloat(radiusKm, 'f', -1, 64))
	var out RadiusResult
	err := c.get(ctx, "/api/services/within_radius/", q, &out)
	return out, err
}

func (c *Client) Statistics(ctx context.Context) (Statistics, error) {
	var out Statistics
	err := c.get(ctx, "/api/services/statistics/", nil, &out)
	return out, err
}

// Geocode asks the backend to resolve a free-form address.
func (c *Client) Geocode(ctx context.Context, query string) (GeocodeResult, error) {
	var out GeocodeResult
	err := c.get(ctx, "/api/geocode/", url.Values{"query": {query}}, &out)
	return out, err
}

func coords(at LatLng) url.Values {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(at.Lat, 'f', -1, 64))
	q.Set("lng", strconv.FormatFloat(at.Lng, 'f', -1, 64))
	return q
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.base.ResolveReference(&url.URL{Path: path, RawQuery: q.Encode()})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("locator: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	log.Debug().
		Str("url", u.String()).
		Int("status", resp.StatusCode).
		Str("source", resp.Header.Get("X-Offline-Cache")).
		Msg("API response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("locator: decode %s: %w", path, err)
	}
	return nil
}

type errorPayload struct {
	Error   string `json:"error"`
	Detail  string `json:"detail"`
	Offline bool   `json:"offline"`
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var p errorPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if p.Offline {
		return &OfflineError{Message: p.Error}
	}
	msg := p.Error
	if msg == "" {
		msg = p.Detail
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
