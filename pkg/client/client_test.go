package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpi-weather-display/epaperd/pkg/events"
	"github.com/rpi-weather-display/epaperd/pkg/powerinfo"
)

func serveUnix(t *testing.T, h http.Handler) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "epd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "d.sock")

	l, err := net.Listen("unix", sock)
	require.NoError(t, err)
	srv := &http.Server{Handler: h}
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { srv.Close() })
	return sock
}

func TestClientDaemonNotRunning(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := c.GetVersion()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDaemonNotRunning))
}

func TestClientAPIs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `"v1.2.3"`)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("history"))
		fmt.Fprint(w, `{
			"power": {"state": "CONSERVING", "status": {"level": 15, "state": "DISCHARGING"}, "drainRate": 2.5},
			"scheduler": {"running": true, "iterations": 3},
			"thresholds": {"band": "low", "pixelDiff": 20, "minChangedPixels": 250},
			"quietHours": {"start": "23:00", "end": "06:00", "active": false, "secondsUntilChange": 3600},
			"history": [{"level": 15, "state": "DISCHARGING"}]
		}`)
	})
	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("persisted"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		fmt.Fprint(w, `[{"level": 90, "state": "DISCHARGING"}, {"level": 89, "state": "DISCHARGING"}]`)
	})
	mux.HandleFunc("/wake", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `"wake requested"`)
	})
	mux.HandleFunc("/low-power", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		fmt.Fprint(w, `"CONSERVING"`)
	})
	c := NewClient(serveUnix(t, mux))

	v, err := c.GetVersion()
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", v)

	st, err := c.GetStatus(true)
	require.NoError(t, err)
	assert.Equal(t, powerinfo.PowerConserving, st.Power.State)
	require.NotNil(t, st.Power.Status)
	assert.Equal(t, 15, st.Power.Status.Level)
	assert.Equal(t, 250, st.Thresholds.MinChangedPixels)
	assert.Equal(t, "low", st.Thresholds.Band.String())
	assert.Equal(t, 3, st.Scheduler.Iterations)
	assert.Equal(t, 3600.0, st.QuietHours.SecondsUntilChange)
	assert.Len(t, st.History, 1)

	h, err := c.GetHistory(true, 5)
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, 89, h[1].Level)

	msg, err := c.Wake()
	require.NoError(t, err)
	assert.Equal(t, "wake requested", msg)

	ps, err := c.EnterLowPower()
	require.NoError(t, err)
	assert.Equal(t, powerinfo.PowerConserving, ps)

	_, err = c.GetQuietHours()
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSubscribeEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event:power.state\ndata:{\"from\":\"NORMAL\",\"to\":\"CRITICAL\",\"level\":4}\n\n")
		fmt.Fprint(w, "event:display.refresh\ndata:{\"full\":true}\n\n")
	})
	c := NewClient(serveUnix(t, mux))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := c.SubscribeEvents(ctx)
	require.NoError(t, err)

	var got []events.Event
	for ev := range ch {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, events.PowerState, got[0].Name)
	payload, err := events.DecodeAs[events.PowerStateEvent](got[0])
	require.NoError(t, err)
	assert.Equal(t, "CRITICAL", payload.To)

	refresh, err := events.DecodeAs[events.DisplayRefreshEvent](got[1])
	require.NoError(t, err)
	assert.True(t, refresh.Full)
}
