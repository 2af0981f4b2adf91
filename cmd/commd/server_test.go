package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/momentics/hioload-comm/api"
	"github.com/momentics/hioload-comm/control"
	"github.com/stretchr/testify/require"
)

func TestStateHandlerRunsOnLoop(t *testing.T) {
	probes := control.NewDebugProbes()
	probes.RegisterProbe("commd.sessions", func() any { return 2 })
	inline := api.PosterFunc(func(fn func()) error { fn(); return nil })

	rec := httptest.NewRecorder()
	stateHandler(inline, probes, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var state map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.EqualValues(t, 2, state["commd.sessions"])
}

func TestStateHandlerStoppedLoop(t *testing.T) {
	probes := control.NewDebugProbes()

	// Accepted but never run, as between the end of Run and Stop.
	stalled := api.PosterFunc(func(func()) error { return nil })
	rec := httptest.NewRecorder()
	start := time.Now()
	stateHandler(stalled, probes, 20*time.Millisecond).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/state", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Less(t, time.Since(start), 5*time.Second)

	closed := api.PosterFunc(func(func()) error { return api.ErrLoopClosed })
	rec = httptest.NewRecorder()
	stateHandler(closed, probes, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/state", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
