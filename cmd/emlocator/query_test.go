package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"emlocator/internal/config"
	"emlocator/internal/locator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dublin = locator.LatLng{Lat: 53.3498, Lng: -6.2603}

func TestQueryConfigUsesPersistentStorage(t *testing.T) {
	withOptions(t, Options{Origin: "http://app.test"})
	cfg, err := queryConfig()
	require.NoError(t, err)
	assert.Equal(t, config.BackendLevelDB, cfg.Storage.Backend)

	withOptions(t, Options{Origin: "http://app.test", Storage: config.BackendMemory})
	cfg, err = queryConfig()
	require.NoError(t, err)
	assert.Equal(t, config.BackendMemory, cfg.Storage.Backend)
}

func TestQueriesRankCachedServicesOffline(t *testing.T) {
	var shellFetches atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		shellFetches.Add(1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>map</html>"))
	})
	mux.HandleFunc("GET /api/services/{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":1,"name":"Cork University Hospital","service_type":"hospital","latitude":51.8985,"longitude":-8.4756},
			{"id":2,"name":"Pearse Street Garda","service_type":"police","latitude":53.3455,"longitude":-6.2530},
			{"id":3,"name":"Tara Street Fire Station","service_type":"fire","latitude":53.3470,"longitude":-6.2540}
		]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Server.Origin = srv.URL
	cfg.Dispatcher.Manifest = []string{"/"}
	cfg.Storage.Backend = config.BackendLevelDB
	cfg.Storage.LevelDB.Path = filepath.Join(t.TempDir(), "db")
	require.NoError(t, cfg.Finalize())
	ctx := context.Background()

	p, err := openPage(ctx, cfg)
	require.NoError(t, err)
	api, err := p.api()
	require.NoError(t, err)
	services, err := api.Services(ctx, "")
	require.NoError(t, err)
	require.Len(t, services, 3)
	p.Close()
	require.EqualValues(t, 1, shellFetches.Load())

	srv.Close()

	p, err = openPage(ctx, cfg)
	require.NoError(t, err)
	defer p.Close()
	api, err = p.api()
	require.NoError(t, err)

	nearest, err := nearestServices(ctx, api, dublin, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, nearest.Count)
	assert.Equal(t, dublin, nearest.UserLocation)
	assert.Equal(t, []int{3, 2}, []int{nearest.Services[0].ID, nearest.Services[1].ID})
	require.NotNil(t, nearest.Services[0].Distance)

	within, err := servicesWithin(ctx, api, dublin, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, within.Count)
	assert.Equal(t, 5.0, within.RadiusKM)

	assert.EqualValues(t, 1, shellFetches.Load())
}

func TestQueriesFailWithoutCachedServices(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	origin := srv.URL
	srv.Close()

	cfg := config.Default()
	cfg.Server.Origin = origin
	cfg.Dispatcher.Manifest = []string{"/"}
	cfg.Storage.LevelDB.Path = filepath.Join(t.TempDir(), "db")
	cfg.Storage.Backend = config.BackendLevelDB
	require.NoError(t, cfg.Finalize())
	ctx := context.Background()

	p, err := openPage(ctx, cfg)
	require.NoError(t, err)
	defer p.Close()
	api, err := p.api()
	require.NoError(t, err)

	_, err = nearestServices(ctx, api, dublin, 2)
	require.Error(t, err)
	assert.True(t, locator.IsOffline(err))
}
