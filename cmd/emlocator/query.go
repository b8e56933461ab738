package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"emlocator/internal/cachestore"
	"emlocator/internal/config"
	"emlocator/internal/dispatcher"
	"emlocator/internal/locator"

	"github.com/rs/zerolog/log"
)

// page is what the map page would hold: an activated dispatcher and an HTTP
// client routed through it.
type page struct {
	cfg     config.Config
	storage cachestore.Storage
	d       *dispatcher.Dispatcher
	client  *http.Client
}

// queryConfig loads the configuration for the one-shot query commands. They
// need a cache that outlives the process, so the memory backend is replaced
// by leveldb unless it was asked for on the command line.
func queryConfig() (config.Config, error) {
	return loadConfig(func(cfg *config.Config) {
		if cfg.Storage.Backend == config.BackendMemory && opts.Storage != config.BackendMemory {
			cfg.Storage.Backend = config.BackendLevelDB
		}
	})
}

func openPage(ctx context.Context, cfg config.Config) (*page, error) {
	storage, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}
	d, err := dispatcher.New(cfg, dispatcher.Deps{Storage: storage, Network: newTransport(cfg)})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	if err := d.Start(ctx); err != nil {
		d.Close()
		_ = storage.Close()
		return nil, err
	}
	return &page{
		cfg:     cfg,
		storage: storage,
		d:       d,
		client:  &http.Client{Transport: d, Timeout: cfg.Providers.TimeoutDuration()},
	}, nil
}

func (p *page) Close() {
	p.d.Close()
	if err := p.storage.Close(); err != nil {
		log.Warn().Err(err).Msg("Closing storage failed")
	}
}

func (p *page) api() (*locator.Client, error) {
	return locator.NewClient(p.cfg.Server.Origin, p.client)
}

func (p *page) geocoder() *locator.Geocoder {
	return locator.NewGeocoder(p.cfg.Providers.Geocoder, p.cfg.Providers.UserAgent, p.client)
}

func (p *page) router() *locator.Router {
	return locator.NewRouter(p.cfg.Providers.Router, p.cfg.Providers.UserAgent, p.client)
}

func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

// startPage is the common prologue of every query command.
func startPage(ctx context.Context) (*page, error) {
	cfg, err := queryConfig()
	if err != nil {
		return nil, err
	}
	return openPage(ctx, cfg)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type point struct {
	Lat float64 `long:"lat" required:"true" description:"Latitude"`
	Lng float64 `long:"lng" required:"true" description:"Longitude"`
}

func (p point) latLng() locator.LatLng { return locator.LatLng{Lat: p.Lat, Lng: p.Lng} }

type nearestCommand struct {
	Point point
	Limit int `short:"n" long:"limit" default:"5" description:"Number of services"`
}

func (c *nearestCommand) Execute([]string) error {
	ctx, stop := commandContext()
	defer stop()
	p, err := startPage(ctx)
	if err != nil {
		return err
	}
	defer p.Close()
	api, err := p.api()
	if err != nil {
		return err
	}

	res, err := nearestServices(ctx, api, c.Point.latLng(), c.Limit)
	if err != nil {
		return err
	}
	return printJSON(res)
}

// nearestServices asks the backend and, when it is unreachable, ranks the
// cached service list locally.
func nearestServices(ctx context.Context, api *locator.Client, at locator.LatLng, limit int) (locator.NearestResult, error) {
	res, err := api.Nearest(ctx, at, limit)
	if !locator.IsOffline(err) {
		return res, err
	}
	services, serr := api.Services(ctx, "")
	if serr != nil {
		return res, err
	}
	log.Warn().Int("services", len(services)).Msg("Offline, ranking cached services locally")
	return locator.NearestLocal(services, at, limit), nil
}

type radiusCommand struct {
	Point  point
	Radius float64 `short:"r" long:"radius" default:"5" description:"Radius in kilometers"`
}

func (c *radiusCommand) Execute([]string) error {
	ctx, stop := commandContext()
	defer stop()
	p, err := startPage(ctx)
	if err != nil {
		return err
	}
	defer p.Close()
	api, err := p.api()
	if err != nil {
		return err
	}

	res, err := servicesWithin(ctx, api, c.Point.latLng(), c.Radius)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func servicesWithin(ctx context.Context, api *locator.Client, at locator.LatLng, radiusKm float64) (locator.RadiusResult, error) {
	res, err := api.WithinRadius(ctx, at, radiusKm)
	if !locator.IsOffline(err) {
		return res, err
	}
	services, serr := api.Services(ctx, "")
	if serr != nil {
		return res, err
	}
	log.Warn().Int("services", len(services)).Msg("Offline, filtering cached services locally")
	return locator.WithinRadiusLocal(services, at, radiusKm), nil
}

type statsCommand struct{}

func (c *statsCommand) Execute([]string) error {
	ctx, stop := commandContext()
	defer stop()
	p, err := startPage(ctx)
	if err != nil {
		return err
	}
	defer p.Close()
	api, err := p.api()
	if err != nil {
		return err
	}
	stats, err := api.Statistics(ctx)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

type geocodeCommand struct {
	Provider bool    `long:"provider" description:"Ask the geocoding provider directly instead of the backend"`
	Reverse  bool    `long:"reverse" description:"Resolve --lat/--lng to an address"`
	Lat      float64 `long:"lat" description:"Latitude for --reverse"`
	Lng      float64 `long:"lng" description:"Longitude for --reverse"`
	Limit    int     `short:"n" long:"limit" default:"5" description:"Maximum provider results"`

	Args struct {
		Query []string `positional-arg-name:"query"`
	} `positional-args:"yes"`
}

type placeOutput struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

func (c *geocodeCommand) Execute([]string) error {
	ctx, stop := commandContext()
	defer stop()
	p, err := startPage(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	if c.Reverse {
		place, err := p.geocoder().Reverse(ctx, locator.LatLng{Lat: c.Lat, Lng: c.Lng})
		if err != nil {
			return err
		}
		return printJSON(placeOutput{Lat: c.Lat, Lng: c.Lng, Address: place.Label()})
	}

	query := strings.TrimSpace(strings.Join(c.Args.Query, " "))
	if query == "" {
		return errors.New("geocode: query required")
	}
	if !c.Provider {
		api, err := p.api()
		if err != nil {
			return err
		}
		res, err := api.Geocode(ctx, query)
		if err == nil {
			return printJSON(placeOutput{Lat: res.Lat, Lng: res.Lng, Address: res.FormattedAddress})
		}
		if ctx.Err() != nil {
			return err
		}
		log.Warn().Err(err).Msg("Backend geocoding failed, asking provider")
	}

	places, err := p.geocoder().Search(ctx, query, c.Limit)
	if err != nil {
		return err
	}
	out := make([]placeOutput, 0, len(places))
	for _, pl := range places {
		at, err := pl.LatLng()
		if err != nil {
			log.Warn().Err(err).Str("place", pl.DisplayName).Msg("Skipping place")
			continue
		}
		out = append(out, placeOutput{Lat: at.Lat, Lng: at.Lng, Address: pl.Label()})
	}
	return printJSON(out)
}

type routeCommand struct {
	FromLat float64 `long:"from-lat" required:"true" description:"Start latitude"`
	FromLng float64 `long:"from-lng" required:"true" description:"Start longitude"`
	ToLat   float64 `long:"to-lat" required:"true" description:"Destination latitude"`
	ToLng   float64 `long:"to-lng" required:"true" description:"Destination longitude"`
}

func (c *routeCommand) Execute([]string) error {
	ctx, stop := commandContext()
	defer stop()
	p, err := startPage(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	rt, err := p.router().Route(ctx,
		locator.LatLng{Lat: c.FromLat, Lng: c.FromLng},
		locator.LatLng{Lat: c.ToLat, Lng: c.ToLng})
	if err != nil {
		return err
	}
	return printJSON(rt)
}
