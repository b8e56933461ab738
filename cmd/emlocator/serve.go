package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"emlocator/internal/config"
	"emlocator/internal/dispatcher"
	"emlocator/internal/logging"
	"emlocator/internal/metrics"

	"github.com/rs/zerolog/log"
)

type serveCommand struct {
	Listen string `short:"l" long:"listen" env:"EMLOCATOR_LISTEN" description:"Address to listen on, overrides server.listen"`
}

func (c *serveCommand) Execute([]string) error {
	cfg, err := loadConfig(func(cfg *config.Config) {
		if c.Listen != "" {
			cfg.Server.Listen = c.Listen
		}
	})
	if err != nil {
		return err
	}

	storage, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer storage.Close()

	d, err := dispatcher.New(cfg, dispatcher.Deps{
		Storage: storage,
		Network: newTransport(cfg),
		Metrics: metrics.NewRecorder(nil),
	})
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           logging.RequestLogger(d.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", cfg.Server.Listen).
			Str("origin", cfg.Server.Origin).
			Str("storage", cfg.Storage.Backend).
			Str("static", cfg.Dispatcher.StaticStore).
			Str("dynamic", cfg.Dispatcher.DynamicStore).
			Msg("Offline cache proxy listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newTransport is the real network the dispatcher falls back to.
func newTransport(cfg config.Config) http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = cfg.Dispatcher.NetworkTimeoutDuration()
	return t
}
