package logging

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(Options{Level: "warn", Format: "json"}, &buf)
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	log.Info().Msg("hidden")
	log.Warn().Str("store", "emergency-static-v0").Msg("visible")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, `"store":"emergency-static-v0"`)
	require.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestSetupUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(Options{Level: "loud", Format: "console"}, &buf)
	require.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestRequestLoggerRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(Options{Level: "info", Format: "json"}, &buf)

	h := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Offline-Cache", "offline")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/services/", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	line := buf.String()
	require.Contains(t, line, `"status":503`)
	require.Contains(t, line, `"source":"offline"`)
	require.Contains(t, line, `"path":"/api/services/"`)
}

func TestRateLimitedSuppresses(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(Options{Level: "info", Format: "json"}, &buf)

	rl := NewRateLimited(time.Hour)
	rl.Warn().Msg("dropped write")
	rl.Warn().Msg("dropped write")
	rl.Warn().Msg("dropped write")

	require.Equal(t, 1, strings.Count(buf.String(), "dropped write"))
	require.Equal(t, 2, rl.suppressed)
}
