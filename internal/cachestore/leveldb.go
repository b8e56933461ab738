package cachestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	s:<store>              storeMeta
//	e:<store>\x00<key>     Entry
//	m:<store>\x00<key>     diskMeta
const (
	prefixStore = "s:"
	prefixEntry = "e:"
	prefixMeta  = "m:"
	keySep      = "\x00"
)

type storeMeta struct {
	Seq       uint64
	CreatedAt int64
}

type diskMeta struct {
	Size       int64
	LastAccess int64
}

type diskOp struct {
	kind  diskOpKind
	store string
	key   string
	ent   *Entry
	done  chan error
}

type diskOpKind int

const (
	opPut diskOpKind = iota
	opTouch
	opDeleteKey
	opCreateStore
	opDeleteStore
)

// LevelDB persists stores in a single leveldb database. All writes go through
// one writer goroutine; reads hit the database directly.
type LevelDB struct {
	maxBytes int64

	db *leveldb.DB

	mu        sync.Mutex
	stores    map[string]storeMeta
	nextSeq   uint64
	index     map[string]diskMeta // full entry key -> meta
	sizes     map[string]int64    // store -> encoded bytes
	totalSize int64

	closeMu sync.RWMutex
	closed  bool
	ops     chan diskOp
	done    chan struct{}
}

// OpenLevelDB opens (or creates) the database at path. maxBytes bounds the
// encoded size of each store's entries, like the memory backend; zero means
// unbounded.
func OpenLevelDB(path string, maxBytes int64) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("cachestore: open leveldb %s: %w", path, err)
	}
	d := &LevelDB{
		maxBytes: maxBytes,
		db:       db,
		stores:   map[string]storeMeta{},
		index:    map[string]diskMeta{},
		sizes:    map[string]int64{},
		ops:      make(chan diskOp, 1024),
		done:     make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

func (d *LevelDB) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(prefixStore)), nil)
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte(prefixStore)))
		var meta storeMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		d.stores[name] = meta
		if meta.Seq >= d.nextSeq {
			d.nextSeq = meta.Seq + 1
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return fmt.Errorf("cachestore: load stores: %w", err)
	}

	it = d.db.NewIterator(util.BytesPrefix([]byte(prefixMeta)), nil)
	defer it.Release()
	for it.Next() {
		full := string(bytes.TrimPrefix(it.Key(), []byte(prefixMeta)))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		d.index[full] = meta
		d.totalSize += meta.Size
		d.sizes[storeOf(full)] += meta.Size
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("cachestore: load index: %w", err)
	}
	return nil
}

func (d *LevelDB) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *LevelDB) Open(ctx context.Context, name string) (Store, error) {
	d.mu.Lock()
	_, ok := d.stores[name]
	d.mu.Unlock()
	if !ok {
		if err := d.submit(ctx, diskOp{kind: opCreateStore, store: name}); err != nil {
			return nil, err
		}
	}
	return &levelStore{d: d, name: name}, nil
}

func (d *LevelDB) Has(_ context.Context, name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.stores[name]
	return ok, nil
}

func (d *LevelDB) Names(context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.namesLocked(), nil
}

func (d *LevelDB) namesLocked() []string {
	out := make([]string, 0, len(d.stores))
	for n := range d.stores {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		return d.stores[out[i]].Seq < d.stores[out[j]].Seq
	})
	return out
}

func (d *LevelDB) Delete(ctx context.Context, name string) (bool, error) {
	d.mu.Lock()
	_, ok := d.stores[name]
	d.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := d.submit(ctx, diskOp{kind: opDeleteStore, store: name}); err != nil {
		return false, err
	}
	return true, nil
}

func (d *LevelDB) Match(ctx context.Context, key string) (Entry, bool, error) {
	names, _ := d.Names(ctx)
	for _, name := range names {
		ent, ok, err := d.get(name, key)
		if err != nil {
			return Entry{}, false, err
		}
		if ok {
			return ent, true, nil
		}
	}
	return Entry{}, false, nil
}

func (d *LevelDB) Close() error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	close(d.ops)
	d.closeMu.Unlock()

	<-d.done
	return d.db.Close()
}

func (d *LevelDB) get(store, key string) (Entry, bool, error) {
	full := store + keySep + key
	b, err := d.db.Get([]byte(prefixEntry+full), nil)
	if err == leveldb.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cachestore: leveldb get: %w", err)
	}
	ent, err := decodeEntry(b)
	if errors.Is(err, ErrCorrupt) {
		log.Warn().Str("store", store).Str("key", key).Msg("Dropping corrupt cache entry")
		_ = d.send(diskOp{kind: opDeleteKey, store: store, key: key})
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cachestore: decode entry: %w", err)
	}
	_ = d.send(diskOp{kind: opTouch, store: store, key: key})
	return ent, true, nil
}

func (d *LevelDB) keys(store string) []string {
	prefix := store + keySep
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0)
	for full := range d.index {
		if len(full) > len(prefix) && full[:len(prefix)] == prefix {
			out = append(out, full[len(prefix):])
		}
	}
	sort.Strings(out)
	return out
}

// send queues an op without waiting for it to apply.
func (d *LevelDB) send(op diskOp) error {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	d.ops <- op
	return nil
}

// submit queues an op and waits until the writer applied it.
func (d *LevelDB) submit(ctx context.Context, op diskOp) error {
	op.done = make(chan error, 1)
	if err := d.send(op); err != nil {
		return err
	}
	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *LevelDB) writerLoop() {
	defer close(d.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range d.ops {
		var err error
		switch op.kind {
		case opPut:
			err = d.applyPut(op.store, op.key, op.ent)
		case opTouch:
			d.applyTouch(op.store + keySep + op.key)
		case opDeleteKey:
			err = d.applyDelete(op.store + keySep + op.key)
		case opCreateStore:
			err = d.applyCreateStore(op.store)
		case opDeleteStore:
			err = d.applyDeleteStore(op.store)
		}
		if err != nil {
			log.Error().Err(err).Str("store", op.store).Msg("leveldb write failed")
		}
		if op.done != nil {
			op.done <- err
		}
	}
}

func (d *LevelDB) applyCreateStore(name string) error {
	d.mu.Lock()
	if _, ok := d.stores[name]; ok {
		d.mu.Unlock()
		return nil
	}
	meta := storeMeta{Seq: d.nextSeq, CreatedAt: time.Now().UnixNano()}
	d.nextSeq++
	d.mu.Unlock()

	b, err := encodeGob(meta)
	if err != nil {
		return err
	}
	if err := d.db.Put([]byte(prefixStore+name), b, nil); err != nil {
		return err
	}
	d.mu.Lock()
	d.stores[name] = meta
	d.mu.Unlock()
	return nil
}

func (d *LevelDB) applyPut(store, key string, ent *Entry) error {
	d.mu.Lock()
	_, ok := d.stores[store]
	d.mu.Unlock()
	if !ok {
		if err := d.applyCreateStore(store); err != nil {
			return err
		}
	}

	b, err := encodeGob(*ent)
	if err != nil {
		return err
	}
	full := store + keySep + key
	meta := diskMeta{Size: int64(len(b)), LastAccess: time.Now().Unix()}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(prefixEntry+full), b)
	batch.Put([]byte(prefixMeta+full), mb)
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	d.mu.Lock()
	if old, ok := d.index[full]; ok {
		d.totalSize -= old.Size
		d.sizes[store] -= old.Size
	}
	d.index[full] = meta
	d.totalSize += meta.Size
	d.sizes[store] += meta.Size
	over := d.maxBytes > 0 && d.sizes[store] > d.maxBytes
	d.mu.Unlock()

	if over {
		d.evictSome(store)
	}
	return nil
}

func (d *LevelDB) applyTouch(full string) {
	d.mu.Lock()
	meta, ok := d.index[full]
	if ok {
		meta.LastAccess = time.Now().Unix()
		d.index[full] = meta
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	mb, err := encodeGob(meta)
	if err != nil {
		return
	}
	_ = d.db.Put([]byte(prefixMeta+full), mb, nil)
}

func (d *LevelDB) applyDelete(full string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixEntry + full))
	batch.Delete([]byte(prefixMeta + full))
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	d.mu.Lock()
	if meta, ok := d.index[full]; ok {
		d.totalSize -= meta.Size
		d.sizes[storeOf(full)] -= meta.Size
		delete(d.index, full)
	}
	d.mu.Unlock()
	return nil
}

func (d *LevelDB) applyDeleteStore(name string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixStore + name))
	for _, prefix := range []string{prefixEntry, prefixMeta} {
		it := d.db.NewIterator(util.BytesPrefix([]byte(prefix+name+keySep)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return err
		}
	}
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	prefix := name + keySep
	d.mu.Lock()
	delete(d.stores, name)
	delete(d.sizes, name)
	for full, meta := range d.index {
		if len(full) > len(prefix) && full[:len(prefix)] == prefix {
			d.totalSize -= meta.Size
			delete(d.index, full)
		}
	}
	d.mu.Unlock()
	return nil
}

// evictSome drops the least recently used 10% of one store's entries. Other
// stores keep their entries, so runtime writes never evict the app shell.
func (d *LevelDB) evictSome(store string) {
	type item struct {
		full string
		m    diskMeta
	}
	prefix := store + keySep
	d.mu.Lock()
	items := make([]item, 0)
	for k, m := range d.index {
		if strings.HasPrefix(k, prefix) {
			items = append(items, item{k, m})
		}
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && i < len(items); i++ {
		if err := d.applyDelete(items[i].full); err != nil {
			log.Error().Err(err).Msg("leveldb eviction failed")
			return
		}
	}
	log.Debug().Str("store", store).Int("evicted", n).Msg("leveldb store over budget")
}

func storeOf(full string) string {
	store, _, _ := strings.Cut(full, keySep)
	return store
}

type levelStore struct {
	d    *LevelDB
	name string
}

func (s *levelStore) Name() string { return s.name }

func (s *levelStore) Put(ctx context.Context, key string, ent Entry) error {
	clone := cloneEntry(ent)
	return s.d.submit(ctx, diskOp{kind: opPut, store: s.name, key: key, ent: &clone})
}

func (s *levelStore) Match(_ context.Context, key string) (Entry, bool, error) {
	return s.d.get(s.name, key)
}

func (s *levelStore) Delete(ctx context.Context, key string) (bool, error) {
	s.d.mu.Lock()
	_, ok := s.d.index[s.name+keySep+key]
	s.d.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := s.d.submit(ctx, diskOp{kind: opDeleteKey, store: s.name, key: key}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *levelStore) Keys(context.Context) ([]string, error) {
	return s.d.keys(s.name), nil
}
