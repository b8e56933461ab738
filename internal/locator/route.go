package locator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// fallbackSpeedKmh is the average speed assumed for straight-line estimates.
const fallbackSpeedKmh = 50.0

// Route is a driving route between two points.
type Route struct {
	DistanceM float64  `json:"distance_m"`
	DurationS float64  `json:"duration_s"`
	Geometry  []LatLng `json:"geometry"`
	// Estimated is set when the provider could not be used and the route is
	// a straight line.
	Estimated bool `json:"estimated"`
}

// StraightLine estimates a route as the great-circle segment between the
// points driven at 50 km/h.
func StraightLine(from, to LatLng) Route {
	km := HaversineKm(from, to)
	return Route{
		DistanceM: km * 1000,
		DurationS: km / fallbackSpeedKmh * 3600,
		Geometry:  []LatLng{from, to},
		Estimated: true,
	}
}

// Router talks to an OSRM-compatible provider.
type Router struct {
	base      string
	userAgent string
	http      *http.Client
}

func NewRouter(base, userAgent string, hc *http.Client) *Router {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Router{base: strings.TrimRight(base, "/"), userAgent: userAgent, http: hc}
}

type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry struct {
			Coordinates [][2]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

// Route asks the provider for a driving route. Any provider failure falls
// back to StraightLine; only a cancelled ctx is returned as an error.
func (r *Router) Route(ctx context.Context, from, to LatLng) (Route, error) {
	rt, err := r.fetch(ctx, from, to)
	if err == nil {
		return rt, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Route{}, ctxErr
	}
	log.Warn().Err(err).Msg("Routing provider failed, using straight line")
	return StraightLine(from, to), nil
}

func (r *Router) fetch(ctx context.Context, from, to LatLng) (Route, error) {
	u := fmt.Sprintf("%s/route/v1/driving/%f,%f;%f,%f?overview=full&geometries=geojson",
		r.base, from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Route{}, err
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return Route{}, err
	}
	defer resp.Body.Close()

	var body osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Route{}, fmt.Errorf("decode route (status %d): %w", resp.StatusCode, err)
	}
	if body.Code != "Ok" {
		return Route{}, fmt.Errorf("route code %q: %s", body.Code, body.Message)
	}
	if len(body.Routes) == 0 {
		return Route{}, errors.New("route: empty routes")
	}

	best := body.Routes[0]
	geom := make([]LatLng, len(best.Geometry.Coordinates))
	for i, c := range best.Geometry.Coordinates {
		geom[i] = LatLng{Lat: c[1], Lng: c[0]}
	}
	return Route{DistanceM: best.Distance, DurationS: best.Duration, Geometry: geom}, nil
}
