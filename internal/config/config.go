// Package config loads the emlocator YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendValkey  = "valkey"
)

// DefaultManifest is the app shell precached on install.
var DefaultManifest = []string{
	"/",
	"/static/css/style.css",
	"/static/js/map.js",
	"/static/icons/icon-192x192.png",
	"/static/icons/icon-512x512.png",
	"https://unpkg.com/leaflet@1.9.4/dist/leaflet.css",
	"https://unpkg.com/leaflet.markercluster@1.4.1/dist/MarkerCluster.css",
	"https://unpkg.com/leaflet.markercluster@1.4.1/dist/MarkerCluster.Default.css",
	"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.4.0/css/all.min.css",
}

type Config struct {
	Server struct {
		Listen string `yaml:"listen"`
		// Origin is the backend that serves the page and its /api.
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Dispatcher Dispatcher `yaml:"dispatcher"`
	Storage    Storage    `yaml:"storage"`
	Push       Push       `yaml:"push"`
	Providers  Providers  `yaml:"providers"`

	Logging struct {
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`
}

type Dispatcher struct {
	// Version is embedded in the default store names. Bump it whenever the
	// manifest or caching strategy changes.
	Version      string `yaml:"version"`
	StaticStore  string `yaml:"staticStore"`
	DynamicStore string `yaml:"dynamicStore"`
	APIPrefix    string `yaml:"apiPrefix"`
	// DevOrigins are URL prefixes treated as same-origin, e.g. "http://localhost".
	DevOrigins          []string `yaml:"devOrigins"`
	Manifest            []string `yaml:"manifest"`
	SyncTag             string   `yaml:"syncTag"`
	MaxBackgroundWrites int      `yaml:"maxBackgroundWrites"`
	WriteTimeout        string   `yaml:"writeTimeout"`
	// NetworkTimeout bounds the wait for upstream response headers.
	NetworkTimeout string `yaml:"networkTimeout"`

	writeTimeoutDur   time.Duration
	networkTimeoutDur time.Duration
}

type Storage struct {
	Backend string `yaml:"backend"`
	Memory  struct {
		Max string `yaml:"max"`
	} `yaml:"memory"`
	LevelDB struct {
		Path string `yaml:"path"`
		Max  string `yaml:"max"`
	} `yaml:"leveldb"`
	Valkey struct {
		Address  string `yaml:"address"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
		TLS      struct {
			Enabled bool   `yaml:"enabled"`
			CAFile  string `yaml:"caFile"`
		} `yaml:"tls"`
	} `yaml:"valkey"`

	memoryMax  int64
	levelDBMax int64
}

type Push struct {
	Title       string `yaml:"title"`
	DefaultBody string `yaml:"defaultBody"`
	Icon        string `yaml:"icon"`
	Badge       string `yaml:"badge"`
	Vibrate     []int  `yaml:"vibrate"`
	Tag         string `yaml:"tag"`
}

// Providers are the cross-origin services the locator client talks to.
type Providers struct {
	Geocoder  string `yaml:"geocoder"`
	Router    string `yaml:"router"`
	UserAgent string `yaml:"userAgent"`
	Timeout   string `yaml:"timeout"`

	timeoutDur time.Duration
}

// Default returns a configuration with every optional field filled in. The
// origin is left empty.
func Default() Config {
	var cfg Config
	cfg.Server.Listen = ":8080"
	cfg.Dispatcher = Dispatcher{
		Version:             "v1",
		APIPrefix:           "/api/",
		DevOrigins:          []string{"http://localhost"},
		Manifest:            append([]string(nil), DefaultManifest...),
		SyncTag:             "sync-services",
		MaxBackgroundWrites: 32,
		WriteTimeout:        "30s",
		NetworkTimeout:      "15s",
	}
	cfg.Storage.Backend = BackendMemory
	cfg.Storage.Memory.Max = "64mb"
	cfg.Storage.LevelDB.Path = "./data/leveldb"
	cfg.Storage.LevelDB.Max = "1gb"
	cfg.Storage.Valkey.Prefix = "emlocator:"
	cfg.Push = Push{
		Title:       "Emergency Services Locator",
		DefaultBody: "New emergency service update",
		Icon:        "/static/icons/icon-192x192.png",
		Badge:       "/static/icons/icon-72x72.png",
		Vibrate:     []int{200, 100, 200},
		Tag:         "emergency-service-update",
	}
	cfg.Providers = Providers{
		Geocoder:  "https://nominatim.openstreetmap.org",
		Router:    "https://router.project-osrm.org",
		UserAgent: "emlocator/1.0",
		Timeout:   "10s",
	}
	cfg.Logging.StatsEvery = "0s"
	return cfg
}

// LoadConfig reads path on top of Default and validates the result. An empty
// path yields the defaults, which still need an origin before Finalize passes.
func LoadConfig(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Finalize validates the configuration and compiles derived fields. It must
// run after every override has been applied.
func (cfg *Config) Finalize() error {
	origin := strings.TrimRight(strings.TrimSpace(cfg.Server.Origin), "/")
	if origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.origin: %q is not an absolute URL", cfg.Server.Origin)
	}
	cfg.Server.Origin = origin
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}

	d := &cfg.Dispatcher
	if d.Version == "" {
		d.Version = "v1"
	}
	if d.StaticStore == "" {
		d.StaticStore = "emergency-static-" + d.Version
	}
	if d.DynamicStore == "" {
		d.DynamicStore = "emergency-dynamic-" + d.Version
	}
	if d.StaticStore == d.DynamicStore {
		return fmt.Errorf("dispatcher: static and dynamic store names must differ")
	}
	if d.APIPrefix == "" {
		d.APIPrefix = "/api/"
	}
	if !strings.HasPrefix(d.APIPrefix, "/") {
		return fmt.Errorf("dispatcher.apiPrefix: %q must start with /", d.APIPrefix)
	}
	if d.MaxBackgroundWrites <= 0 {
		d.MaxBackgroundWrites = 32
	}
	if d.writeTimeoutDur, err = parseDuration(d.WriteTimeout, 30*time.Second); err != nil {
		return fmt.Errorf("dispatcher.writeTimeout: %w", err)
	}
	if d.networkTimeoutDur, err = parseDuration(d.NetworkTimeout, 15*time.Second); err != nil {
		return fmt.Errorf("dispatcher.networkTimeout: %w", err)
	}
	for i, m := range d.Manifest {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("dispatcher.manifest[%d]: empty entry", i)
		}
	}

	s := &cfg.Storage
	switch s.Backend {
	case "":
		s.Backend = BackendMemory
	case BackendMemory, BackendLevelDB:
	case BackendValkey:
		if s.Valkey.Address == "" {
			return fmt.Errorf("storage.valkey.address is required for the valkey backend")
		}
	default:
		return fmt.Errorf("storage.backend: unsupported %q", s.Backend)
	}
	if s.memoryMax, err = ParseBytes(s.Memory.Max); err != nil {
		return fmt.Errorf("storage.memory.max: %w", err)
	}
	if s.levelDBMax, err = ParseBytes(s.LevelDB.Max); err != nil {
		return fmt.Errorf("storage.leveldb.max: %w", err)
	}
	if s.Backend == BackendLevelDB && s.LevelDB.Path == "" {
		return fmt.Errorf("storage.leveldb.path is required for the leveldb backend")
	}

	if cfg.Providers.timeoutDur, err = parseDuration(cfg.Providers.Timeout, 10*time.Second); err != nil {
		return fmt.Errorf("providers.timeout: %w", err)
	}
	if cfg.Logging.statsEveryDur, err = parseDuration(cfg.Logging.StatsEvery, 0); err != nil {
		return fmt.Errorf("logging.statsEvery: %w", err)
	}
	return nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func (d Dispatcher) WriteTimeoutDuration() time.Duration   { return d.writeTimeoutDur }
func (d Dispatcher) NetworkTimeoutDuration() time.Duration { return d.networkTimeoutDur }

func (s Storage) MemoryMaxBytes() int64  { return s.memoryMax }
func (s Storage) LevelDBMaxBytes() int64 { return s.levelDBMax }

func (p Providers) TimeoutDuration() time.Duration { return p.timeoutDur }

// StatsEvery is the stats log interval; zero disables it.
func (cfg Config) StatsEvery() time.Duration { return cfg.Logging.statsEveryDur }
