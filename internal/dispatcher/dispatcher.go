// Package dispatcher sits between a page and the network and decides, per
// request, whether to answer from the network or from the cache stores.
//
// A Dispatcher is an http.RoundTripper: install it as the Transport of an
// http.Client and every request that client issues is intercepted once the
// dispatcher is activated. Handler exposes the same policy as a reverse proxy
// in front of the origin.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"emlocator/internal/cachestore"
	"emlocator/internal/config"
	"emlocator/internal/logging"
	"emlocator/internal/metrics"

	"github.com/rs/zerolog/log"
)

// HeaderSource tells the caller where a response came from.
const HeaderSource = "X-Offline-Cache"

// Deps are the collaborators a Dispatcher works with.
type Deps struct {
	Storage cachestore.Storage
	// Network performs real fetches. Defaults to http.DefaultTransport.
	Network http.RoundTripper
	// Metrics may be nil.
	Metrics *metrics.Recorder
	// Notifier receives push notifications. Defaults to LogNotifier.
	Notifier Notifier
}

type Dispatcher struct {
	cfg    config.Dispatcher
	push   config.Push
	origin *url.URL

	storage  cachestore.Storage
	network  http.RoundTripper
	metrics  *metrics.Recorder
	notifier Notifier

	mu      sync.Mutex
	phase   Phase
	claimed atomic.Bool

	bgSem        chan struct{}
	writeTimeout time.Duration
	writes       sync.WaitGroup
	loops        sync.WaitGroup
	stopCh       chan struct{}
	closeOnce    sync.Once
	dropLog      *logging.RateLimited

	stats *statsCollector
}

// New builds a dispatcher in PhaseNew. cfg must have been finalized.
func New(cfg config.Config, deps Deps) (*Dispatcher, error) {
	if deps.Storage == nil {
		return nil, errors.New("dispatcher: storage required")
	}
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("dispatcher: invalid origin %q", cfg.Server.Origin)
	}
	origin.Path = ""
	origin.RawPath = ""

	if deps.Network == nil {
		deps.Network = http.DefaultTransport
	}
	if deps.Notifier == nil {
		deps.Notifier = LogNotifier{}
	}

	maxWrites := cfg.Dispatcher.MaxBackgroundWrites
	if maxWrites <= 0 {
		maxWrites = 32
	}
	writeTimeout := cfg.Dispatcher.WriteTimeoutDuration()
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	d := &Dispatcher{
		cfg:          cfg.Dispatcher,
		push:         cfg.Push,
		origin:       origin,
		storage:      deps.Storage,
		network:      deps.Network,
		metrics:      deps.Metrics,
		notifier:     deps.Notifier,
		bgSem:        make(chan struct{}, maxWrites),
		writeTimeout: writeTimeout,
		stopCh:       make(chan struct{}),
		dropLog:      logging.NewRateLimited(time.Minute),
		stats:        newStatsCollector(),
	}
	d.metrics.SetPhase(PhaseNew.String())

	if every := cfg.StatsEvery(); every > 0 {
		d.loops.Add(1)
		go func() {
			defer d.loops.Done()
			d.statsLoop(every)
		}()
	}
	return d, nil
}

// Close stops the stats loop and waits for pending cache writes. The storage
// is owned by the caller and stays open.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.stopCh) })
	d.loops.Wait()
	d.writes.Wait()
}

// Wait blocks until every cache write started so far has finished.
func (d *Dispatcher) Wait() {
	d.writes.Wait()
}

// RoundTrip implements http.RoundTripper.
func (d *Dispatcher) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	if !d.claimed.Load() {
		resp, err := d.network.RoundTrip(req)
		d.metrics.ObserveRequest("uncontrolled", sourceOf(err, metrics.SourceBypass), time.Since(start))
		return resp, err
	}

	cat := d.Classify(req)
	var (
		resp *http.Response
		src  metrics.Source
		err  error
	)
	switch cat {
	case CategoryCrossOrigin:
		resp, err = d.network.RoundTrip(req)
		src = sourceOf(err, metrics.SourceBypass)
	case CategoryAPI:
		resp, src = d.networkFirst(req)
	default:
		resp, src, err = d.cacheFirst(req, cat == CategoryNavigation)
	}
	d.metrics.ObserveRequest(cat.String(), src, time.Since(start))
	return resp, err
}

func sourceOf(err error, ok metrics.Source) metrics.Source {
	if err != nil {
		return metrics.SourceFailed
	}
	return ok
}

// cacheable reports whether the request may be looked up or stored. Only GET
// responses are kept.
func cacheable(req *http.Request) bool {
	return req.Method == "" || req.Method == http.MethodGet
}

func (d *Dispatcher) lookup(ctx context.Context, key string) (cachestore.Entry, bool) {
	start := time.Now()
	ent, ok, err := d.storage.Match(ctx, key)
	switch {
	case err != nil:
		d.metrics.ObserveCache(metrics.CacheOperationLookup, metrics.ResultError, time.Since(start))
		log.Error().Err(err).Str("key", key).Msg("Cache lookup failed")
		return cachestore.Entry{}, false
	case ok:
		d.metrics.ObserveCache(metrics.CacheOperationLookup, metrics.ResultHit, time.Since(start))
	default:
		d.metrics.ObserveCache(metrics.CacheOperationLookup, metrics.ResultMiss, time.Since(start))
	}
	return ent, ok
}

// putAsync writes ent into the dynamic store on a detached goroutine. When
// too many writes are in flight the write is dropped.
func (d *Dispatcher) putAsync(key string, ent cachestore.Entry) {
	select {
	case d.bgSem <- struct{}{}:
	default:
		d.metrics.ObserveCache(metrics.CacheOperationStore, metrics.ResultDropped, 0)
		d.dropLog.Warn().Str("key", key).Msg("Too many pending cache writes, dropping")
		return
	}

	d.writes.Add(1)
	go func() {
		defer d.writes.Done()
		defer func() { <-d.bgSem }()

		ctx, cancel := context.WithTimeout(context.Background(), d.writeTimeout)
		defer cancel()

		start := time.Now()
		store, err := d.storage.Open(ctx, d.cfg.DynamicStore)
		if err == nil {
			err = store.Put(ctx, key, ent)
		}
		if err != nil {
			d.metrics.ObserveCache(metrics.CacheOperationStore, metrics.ResultError, time.Since(start))
			log.Error().Err(err).Str("store", d.cfg.DynamicStore).Str("key", key).Msg("Cache write failed")
			return
		}
		d.metrics.ObserveCache(metrics.CacheOperationStore, metrics.ResultStored, time.Since(start))
	}()
}

func markSource(resp *http.Response, src metrics.Source) *http.Response {
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	resp.Header.Set(HeaderSource, string(src))
	return resp
}

func (d *Dispatcher) rootKey() string {
	return cachestore.KeyFor(http.MethodGet, d.origin.String()+"/")
}

func (d *Dispatcher) resolve(asset string) (*url.URL, error) {
	asset = strings.TrimSpace(asset)
	return d.origin.Parse(asset)
}
