package locator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Address holds the components a geocoding provider returns.
type Address struct {
	HouseNumber string `json:"house_number,omitempty"`
	Road        string `json:"road,omitempty"`
	Suburb      string `json:"suburb,omitempty"`
	City        string `json:"city,omitempty"`
	Town        string `json:"town,omitempty"`
	Postcode    string `json:"postcode,omitempty"`
}

// FormatAddress joins the populated components with ", ". Town stands in
// for a missing city.
func FormatAddress(a Address) string {
	city := a.City
	if city == "" {
		city = a.Town
	}
	parts := make([]string, 0, 5)
	for _, p := range []string{a.HouseNumber, a.Road, a.Suburb, city, a.Postcode} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// Place is one geocoding hit. The provider sends coordinates as strings.
type Place struct {
	Lat         string  `json:"lat"`
	Lon         string  `json:"lon"`
	DisplayName string  `json:"display_name"`
	Address     Address `json:"address"`
}

func (p Place) LatLng() (LatLng, error) {
	lat, err := strconv.ParseFloat(p.Lat, 64)
	if err != nil {
		return LatLng{}, fmt.Errorf("locator: bad latitude %q", p.Lat)
	}
	lng, err := strconv.ParseFloat(p.Lon, 64)
	if err != nil {
		return LatLng{}, fmt.Errorf("locator: bad longitude %q", p.Lon)
	}
	return LatLng{Lat: lat, Lng: lng}, nil
}

// Label is the formatted address, or the provider's display name when no
// component is known.
func (p Place) Label() string {
	if s := FormatAddress(p.Address); s != "" {
		return s
	}
	return p.DisplayName
}

// Geocoder talks to a Nominatim-compatible provider.
type Geocoder struct {
	base      string
	userAgent string
	http      *http.Client
}

func NewGeocoder(base, userAgent string, hc *http.Client) *Geocoder {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Geocoder{base: strings.TrimRight(base, "/"), userAgent: userAgent, http: hc}
}

// Search returns up to limit places for a free-form query.
func (g *Geocoder) Search(ctx context.Context, query string, limit int) ([]Place, error) {
	if limit <= 0 {
		limit = 5
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("addressdetails", "1")

	var out []Place
	if err := g.get(ctx, "/search", q, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNoResults
	}
	return out, nil
}

// Reverse resolves a coordinate to the closest address.
func (g *Geocoder) Reverse(ctx context.Context, at LatLng) (Place, error) {
	q := coords(at)
	q.Del("lng")
	q.Set("lon", strconv.FormatFloat(at.Lng, 'f', -1, 64))
	q.Set("format", "json")
	q.Set("addressdetails", "1")
	q.Set("zoom", "18")

	var out struct {
		Place
		Error string `json:"error"`
	}
	if err := g.get(ctx, "/reverse", q, &out); err != nil {
		return Place{}, err
	}
	if out.Error != "" {
		return Place{}, fmt.Errorf("%w: %s", ErrNoResults, out.Error)
	}
	return out.Place, nil
}

func (g *Geocoder) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.base+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if g.userAgent != "" {
		req.Header.Set("User-Agent", g.userAgent)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("locator: geocode %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Message: "geocoder " + path}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("locator: decode geocode %s: %w", path, err)
	}
	return nil
}
