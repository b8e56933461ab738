package main

import (
	"errors"
	"fmt"
	"os"

	"emlocator/internal/cachestore"
	"emlocator/internal/config"
	"emlocator/internal/logging"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Logger logging.Options `group:"Logger options"`

	ConfigFile string `short:"c" long:"config"  env:"EMLOCATOR_CONFIG"  description:"Path to configuration file"`
	Origin     string `short:"o" long:"origin"  env:"EMLOCATOR_ORIGIN"  description:"Backend origin, overrides server.origin"`
	Storage    string `short:"s" long:"storage" env:"EMLOCATOR_STORAGE" description:"Cache storage backend, overrides storage.backend" choice:"memory" choice:"leveldb" choice:"valkey"`

	Serve   serveCommand   `command:"serve"   description:"Run the offline caching proxy in front of the origin"`
	Nearest nearestCommand `command:"nearest" description:"List the services nearest to a point"`
	Radius  radiusCommand  `command:"radius"  description:"List the services within a radius of a point"`
	Stats   statsCommand   `command:"stats"   description:"Show service statistics"`
	Geocode geocodeCommand `command:"geocode" description:"Resolve an address, or a point with --lat/--lng"`
	Route   routeCommand   `command:"route"   description:"Driving route between two points"`
}

var opts Options

func main() {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load(".env")

	parser := flags.NewParser(&opts, flags.Default)
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		opts.Logger.Setup()
		if cmd == nil {
			return nil
		}
		return cmd.Execute(args)
	}

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
			os.Exit(1)
		}
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// loadConfig applies global and per-command overrides on top of the config
// file and finalizes the result.
func loadConfig(override func(*config.Config)) (config.Config, error) {
	cfg, err := config.LoadConfig(opts.ConfigFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if opts.Origin != "" {
		cfg.Server.Origin = opts.Origin
	}
	if opts.Storage != "" {
		cfg.Storage.Backend = opts.Storage
	}
	if override != nil {
		override(&cfg)
	}
	if err := cfg.Finalize(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func openStorage(cfg config.Config) (cachestore.Storage, error) {
	s := cfg.Storage
	switch s.Backend {
	case config.BackendLevelDB:
		db, err := cachestore.OpenLevelDB(s.LevelDB.Path, s.LevelDBMaxBytes())
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.BackendValkey:
		v, err := cachestore.NewValkey(cachestore.ValkeyConfig{
			Address:  s.Valkey.Address,
			Username: s.Valkey.Username,
			Password: s.Valkey.Password,
			DB:       s.Valkey.DB,
			Prefix:   s.Valkey.Prefix,
			TLS: cachestore.ValkeyTLSConfig{
				Enabled: s.Valkey.TLS.Enabled,
				CAFile:  s.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return cachestore.NewMemory(s.MemoryMaxBytes()), nil
	}
}
