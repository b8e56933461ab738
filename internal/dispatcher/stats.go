package dispatcher

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// sizeStats tracks response body sizes for one source.
type sizeStats struct {
	count atomic.Uint64
	total atomic.Uint64
	min   atomic.Uint64
	max   atomic.Uint64
}

func (s *sizeStats) observe(n int) {
	if n < 0 {
		n = 0
	}
	v := uint64(n)
	s.count.Add(1)
	s.total.Add(v)
	for {
		cur := s.min.Load()
		if v >= cur || s.min.CompareAndSwap(cur, v) {
			break
		}
	}
	for {
		cur := s.max.Load()
		if v <= cur || s.max.CompareAndSwap(cur, v) {
			break
		}
	}
}

type sizeSnapshot struct {
	Count uint64
	Min   uint64
	Avg   uint64
	Max   uint64
}

func (s *sizeStats) snapshot() sizeSnapshot {
	count := s.count.Load()
	if count == 0 {
		return sizeSnapshot{}
	}
	minv := s.min.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return sizeSnapshot{
		Count: count,
		Min:   minv,
		Avg:   s.total.Load() / count,
		Max:   s.max.Load(),
	}
}

type statsCollector struct {
	network sizeStats
	cache   sizeStats
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.network.min.Store(math.MaxUint64)
	s.cache.min.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) observeNetwork(n int) { s.network.observe(n) }
func (s *statsCollector) observeCache(n int)   { s.cache.observe(n) }

// StoreInfo summarises one cache store.
type StoreInfo struct {
	Name string `json:"name"`
	Keys int    `json:"keys"`
}

// Inventory lists the stores in creation order with their entry counts.
func (d *Dispatcher) Inventory(ctx context.Context) ([]StoreInfo, error) {
	names, err := d.storage.Names(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]StoreInfo, 0, len(names))
	for _, name := range names {
		store, err := d.storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, StoreInfo{Name: name, Keys: len(keys)})
	}
	return out, nil
}

// sizer is implemented by backends that track their own footprint.
type sizer interface {
	TotalSize() int64
}

func (d *Dispatcher) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-t.C:
			d.logStats()
		}
	}
}

func (d *Dispatcher) logStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev := log.Info().Str("phase", d.Phase().String())

	stores, err := d.Inventory(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Stats: listing stores failed")
	} else {
		keys := 0
		for _, s := range stores {
			keys += s.Keys
		}
		ev = ev.Int("stores", len(stores)).Int("keys", keys)
	}
	if sz, ok := d.storage.(sizer); ok {
		ev = ev.Str("storage", formatBytes(uint64(sz.TotalSize())))
	}

	net := d.stats.network.snapshot()
	hit := d.stats.cache.snapshot()
	ev = ev.
		Uint64("fetched", net.Count).
		Str("fetched_min_avg_max", formatTriple(net)).
		Uint64("served_from_cache", hit.Count).
		Str("served_min_avg_max", formatTriple(hit))

	if rss, ok := processRSSBytes(); ok {
		ev = ev.Str("rss", formatBytes(rss))
	}
	ev.Msg("Cache stats")
}

func formatTriple(s sizeSnapshot) string {
	return formatBytes(s.Min) + "/" + formatBytes(s.Avg) + "/" + formatBytes(s.Max)
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(float64(b)/kb) + "kb"
	case b < gb:
		return trimFloat(float64(b)/mb) + "mb"
	default:
		return trimFloat(float64(b)/gb) + "gb"
	}
}

func trimFloat(f float64) string {
	return strings.TrimSuffix(fmt.Sprintf("%.1f", f), ".0")
}
