package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"emlocator/internal/cachestore"

	"github.com/rs/zerolog/log"
)

type Phase int

const (
	PhaseNew Phase = iota
	PhaseInstalling
	PhaseInstalled
	PhaseActivating
	PhaseActivated
	// PhaseRedundant is terminal: install could not open the static store.
	PhaseRedundant
)

func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseInstalling:
		return "installing"
	case PhaseInstalled:
		return "installed"
	case PhaseActivating:
		return "activating"
	case PhaseActivated:
		return "activated"
	case PhaseRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ErrLifecycle is returned when an event arrives in a phase that cannot
// handle it.
var ErrLifecycle = errors.New("dispatcher: invalid lifecycle transition")

func (d *Dispatcher) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// Controlling reports whether requests are being intercepted.
func (d *Dispatcher) Controlling() bool { return d.claimed.Load() }

func (d *Dispatcher) transition(to Phase, from ...Phase) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range from {
		if d.phase == p {
			d.phase = to
			d.metrics.SetPhase(to.String())
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrLifecycle, d.phase, to)
}

func (d *Dispatcher) setPhase(p Phase) {
	d.mu.Lock()
	d.phase = p
	d.mu.Unlock()
	d.metrics.SetPhase(p.String())
}

// Install precaches the app shell into the static store. Each asset is
// fetched independently and a failing asset is logged and skipped. Install
// only fails when the static store cannot be opened, which leaves the
// dispatcher redundant.
//
// A successful install moves straight to PhaseInstalled; the dispatcher never
// waits for older controllers before Activate may run.
func (d *Dispatcher) Install(ctx context.Context) error {
	if err := d.transition(PhaseInstalling, PhaseNew); err != nil {
		return err
	}
	log.Info().Str("store", d.cfg.StaticStore).Int("assets", len(d.cfg.Manifest)).Msg("Installing")

	store, err := d.storage.Open(ctx, d.cfg.StaticStore)
	if err != nil {
		d.setPhase(PhaseRedundant)
		return fmt.Errorf("dispatcher: open %s: %w", d.cfg.StaticStore, err)
	}

	cached, failed := d.precache(ctx, store)
	log.Info().
		Str("store", d.cfg.StaticStore).
		Int("cached", cached).
		Int("failed", failed).
		Msg("App shell cached")

	d.setPhase(PhaseInstalled)
	return nil
}

func (d *Dispatcher) precache(ctx context.Context, store cachestore.Store) (cached, failed int) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, asset := range d.cfg.Manifest {
		wg.Add(1)
		go func(asset string) {
			defer wg.Done()
			err := d.precacheOne(ctx, store, asset)
			d.metrics.ObservePrecache(err == nil)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				log.Warn().Err(err).Str("asset", asset).Msg("App shell asset not cached")
				return
			}
			cached++
		}(asset)
	}
	wg.Wait()
	return cached, failed
}

func (d *Dispatcher) precacheOne(ctx context.Context, store cachestore.Store, asset string) error {
	u, err := d.resolve(asset)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := d.network.RoundTrip(req)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	ent, err := cachestore.Capture(req, resp)
	if err != nil {
		return err
	}
	return store.Put(ctx, cachestore.Key(req), ent)
}

// Activate deletes every store other than the current static and dynamic
// ones, then claims clients so later requests are intercepted. It may run
// again once activated to repeat the cleanup. When stores cannot be listed
// the error is logged and activation still completes. The deleted names are
// returned sorted.
func (d *Dispatcher) Activate(ctx context.Context) ([]string, error) {
	if err := d.transition(PhaseActivating, PhaseInstalled, PhaseActivated); err != nil {
		return nil, err
	}

	names, err := d.storage.Names(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Listing cache stores failed, skipping cleanup")
		names = nil
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		deleted []string
	)
	for _, name := range names {
		if name == d.cfg.StaticStore || name == d.cfg.DynamicStore {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			ok, err := d.storage.Delete(ctx, name)
			if err != nil {
				log.Error().Err(err).Str("store", name).Msg("Deleting stale cache store failed")
				return
			}
			if !ok {
				return
			}
			log.Info().Str("store", name).Msg("Deleted stale cache store")
			mu.Lock()
			deleted = append(deleted, name)
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	sort.Strings(deleted)
	d.metrics.ObserveStoresDeleted(len(deleted))

	d.setPhase(PhaseActivated)
	d.claimed.Store(true)
	log.Info().Strs("deleted", deleted).Msg("Activated, clients claimed")
	return deleted, nil
}

// Start runs Install and Activate back to back. Install is skipped when the
// current static store already holds an app shell, so a restarted process
// keeps the cache a previous run of the same version built.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.shellInstalled(ctx) {
		if err := d.transition(PhaseInstalled, PhaseNew); err != nil {
			return err
		}
		log.Info().Str("store", d.cfg.StaticStore).Msg("App shell already installed")
	} else if err := d.Install(ctx); err != nil {
		return err
	}
	_, err := d.Activate(ctx)
	return err
}

func (d *Dispatcher) shellInstalled(ctx context.Context) bool {
	ok, err := d.storage.Has(ctx, d.cfg.StaticStore)
	if err != nil {
		log.Warn().Err(err).Str("store", d.cfg.StaticStore).Msg("Checking static store failed")
		return false
	}
	if !ok {
		return false
	}
	store, err := d.storage.Open(ctx, d.cfg.StaticStore)
	if err != nil {
		return false
	}
	keys, err := store.Keys(ctx)
	return err == nil && len(keys) > 0
}
