package cachestore

import (
	"context"
	"hash/crc32"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

type backendFactory func(t *testing.T) Storage

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T) Storage {
			return NewMemory(0)
		},
		"leveldb": func(t *testing.T) Storage {
			s, err := OpenLevelDB(filepath.Join(t.TempDir(), "db"), 0)
			require.NoError(t, err)
			return s
		},
		"valkey": func(t *testing.T) Storage {
			server, err := miniredis.Run()
			require.NoError(t, err)
			t.Cleanup(server.Close)
			s, err := NewValkey(ValkeyConfig{Address: server.Addr()})
			require.NoError(t, err)
			return s
		},
	}
}

func sampleEntry(url, body string) Entry {
	return Entry{
		Method:   http.MethodGet,
		URL:      url,
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"application/json"}},
		Body:     []byte(body),
		StoredAt: 1700000000,
	}
}

func TestStorageContract(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			defer s.Close()

			names, err := s.Names(ctx)
			require.NoError(t, err)
			require.Empty(t, names)

			static, err := s.Open(ctx, "emergency-static-v1")
			require.NoError(t, err)
			require.Equal(t, "emergency-static-v1", static.Name())
			dynamic, err := s.Open(ctx, "emergency-dynamic-v1")
			require.NoError(t, err)

			has, err := s.Has(ctx, "emergency-static-v1")
			require.NoError(t, err)
			require.True(t, has)

			key := KeyFor(http.MethodGet, "http://app.test/api/services/")
			require.NoError(t, dynamic.Put(ctx, key, sampleEntry("http://app.test/api/services/", `[1]`)))
			require.NoError(t, static.Put(ctx, key, sampleEntry("http://app.test/api/services/", `[0]`)))

			got, ok, err := s.Match(ctx, key)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, `[0]`, string(got.Body), "first store in creation order wins")
			require.Equal(t, "application/json", got.Header.Get("Content-Type"))

			got, ok, err = dynamic.Match(ctx, key)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, `[1]`, string(got.Body))

			keys, err := dynamic.Keys(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{key}, keys)

			names, err = s.Names(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"emergency-static-v1", "emergency-dynamic-v1"}, names)

			deleted, err := s.Delete(ctx, "emergency-static-v1")
			require.NoError(t, err)
			require.True(t, deleted)
			deleted, err = s.Delete(ctx, "emergency-static-v1")
			require.NoError(t, err)
			require.False(t, deleted)

			got, ok, err = s.Match(ctx, key)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, `[1]`, string(got.Body))

			removed, err := dynamic.Delete(ctx, key)
			require.NoError(t, err)
			require.True(t, removed)
			_, ok, err = s.Match(ctx, key)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestStoragePutOverwrites(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			defer s.Close()

			store, err := s.Open(ctx, "emergency-dynamic-v1")
			require.NoError(t, err)
			key := KeyFor(http.MethodGet, "http://app.test/static/css/style.css")
			require.NoError(t, store.Put(ctx, key, sampleEntry("http://app.test/static/css/style.css", "a{}")))
			require.NoError(t, store.Put(ctx, key, sampleEntry("http://app.test/static/css/style.css", "b{}")))

			got, ok, err := store.Match(ctx, key)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "b{}", string(got.Body))
		})
	}
}

func TestLevelDBReopenKeepsStores(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db")

	s, err := OpenLevelDB(path, 0)
	require.NoError(t, err)
	_, err = s.Open(ctx, "emergency-static-v0")
	require.NoError(t, err)
	store, err := s.Open(ctx, "emergency-static-v1")
	require.NoError(t, err)
	key := KeyFor(http.MethodGet, "http://app.test/")
	require.NoError(t, store.Put(ctx, key, sampleEntry("http://app.test/", "<html>")))
	require.NoError(t, s.Close())

	s, err = OpenLevelDB(path, 0)
	require.NoError(t, err)
	defer s.Close()

	names, err := s.Names(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"emergency-static-v0", "emergency-static-v1"}, names)
	got, ok, err := s.Match(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "<html>", string(got.Body))
	require.Positive(t, s.TotalSize())
}

func TestLevelDBClosedRejectsWrites(t *testing.T) {
	s, err := OpenLevelDB(filepath.Join(t.TempDir(), "db"), 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Open(context.Background(), "emergency-dynamic-v1")
	require.ErrorIs(t, err, ErrClosed)
}

func TestMemoryEvictsLeastRecentlyUsed(t *testing.T) {
	one := sampleEntry("http://app.test/a", "aaaaaaaaaa")
	b, err := encodeGob(one)
	require.NoError(t, err)

	s := NewMemory(int64(len(b))*2 + 1)
	ctx := context.Background()
	store, err := s.Open(ctx, "dyn")
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "a", one))
	require.NoError(t, store.Put(ctx, "b", sampleEntry("http://app.test/a", "bbbbbbbbbb")))
	_, ok, _ := store.Match(ctx, "a")
	require.True(t, ok)
	require.NoError(t, store.Put(ctx, "c", sampleEntry("http://app.test/a", "cccccccccc")))

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, keys)
}

func TestCaptureKeepsBodyReadable(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "text/css")
	rec.Header().Set("Content-Length", "3")
	rec.WriteHeader(http.StatusOK)
	_, _ = rec.WriteString("a{}")
	resp := rec.Result()

	req := httptest.NewRequest(http.MethodGet, "http://app.test/static/css/style.css#top", nil)
	ent, err := Capture(req, resp)
	require.NoError(t, err)
	require.Equal(t, "a{}", string(ent.Body))
	require.Empty(t, ent.Header.Get("Content-Length"))
	require.NotZero(t, ent.Hash32)
	require.Equal(t, "GET http://app.test/static/css/style.css", Key(req))

	live := make([]byte, 3)
	n, _ := resp.Body.Read(live)
	require.Equal(t, "a{}", string(live[:n]))

	replay := ent.Response(req)
	require.Equal(t, http.StatusOK, replay.StatusCode)
	require.Equal(t, "3", replay.Header.Get("Content-Length"))
	require.Equal(t, "200 OK", replay.Status)
}

func TestCorruptEntriesReadAsMisses(t *testing.T) {
	for name, factory := range backends() {
		if name == "memory" {
			continue
		}
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			t.Cleanup(func() { _ = s.Close() })
			ctx := context.Background()

			store, err := s.Open(ctx, "emergency-dynamic-v1")
			require.NoError(t, err)
			bad := sampleEntry("http://app.test/api/services/", `[]`)
			bad.Hash32 = crc32.ChecksumIEEE([]byte("something else"))
			require.NoError(t, store.Put(ctx, "GET http://app.test/api/services/", bad))

			_, ok, err := store.Match(ctx, "GET http://app.test/api/services/")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestEntryVerify(t *testing.T) {
	ent := sampleEntry("http://app.test/", "<html></html>")
	require.NoError(t, ent.verify())

	ent.Hash32 = crc32.ChecksumIEEE(ent.Body)
	require.NoError(t, ent.verify())

	ent.Body = []byte("<html>changed</html>")
	require.ErrorIs(t, ent.verify(), ErrCorrupt)
}

func TestLevelDBBudgetIsPerStore(t *testing.T) {
	one := sampleEntry("http://app.test/0", "0123456789")
	b, err := encodeGob(one)
	require.NoError(t, err)

	s, err := OpenLevelDB(filepath.Join(t.TempDir(), "db"), int64(len(b))*2+1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	static, err := s.Open(ctx, "emergency-static-v1")
	require.NoError(t, err)
	require.NoError(t, static.Put(ctx, "GET http://app.test/0", one))
	require.NoError(t, static.Put(ctx, "GET http://app.test/1", sampleEntry("http://app.test/1", "0123456789")))

	dynamic, err := s.Open(ctx, "emergency-dynamic-v1")
	require.NoError(t, err)
	for i := 2; i < 8; i++ {
		url := "http://app.test/" + strconv.Itoa(i)
		require.NoError(t, dynamic.Put(ctx, "GET "+url, sampleEntry(url, "0123456789")))
	}

	keys, err := static.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	keys, err = dynamic.Keys(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, len(keys), 2)
	require.NotEmpty(t, keys)
	require.LessOrEqual(t, s.TotalSize(), int64(len(b))*4)
}
