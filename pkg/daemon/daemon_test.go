package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpi-weather-display/epaperd/pkg/config"
	"github.com/rpi-weather-display/epaperd/pkg/events"
	"github.com/rpi-weather-display/epaperd/pkg/power"
	"github.com/rpi-weather-display/epaperd/pkg/powerinfo"
)

var noon = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type fixedReader struct {
	mu     sync.Mutex
	status powerinfo.BatteryStatus
}

func (r *fixedReader) set(level int, state powerinfo.BatteryState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = powerinfo.NewBatteryStatus(level, 3.7, -120, 22, state, noon)
}

func (r *fixedReader) ReadBattery(context.Context) (powerinfo.BatteryStatus, powerinfo.Diagnostics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, powerinfo.Diagnostics{Source: "test"}, nil
}

type fakeWaker struct {
	ok      bool
	minutes []int
}

func (w *fakeWaker) ScheduleWakeup(_ context.Context, minutes int) bool {
	w.minutes = append(w.minutes, minutes)
	return w.ok
}

type runCall struct {
	name string
	args []string
}

type fakeRunner struct {
	err   error
	calls []runCall
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, runCall{name: name, args: args})
	if f.err != nil {
		return []byte("panel busy"), f.err
	}
	return nil, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Display.ImagePath = filepath.Join(t.TempDir(), "cache", "current.png")
	cfg.Power.Retry = config.Retry{
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Factor:       2,
		MaxAttempts:  3,
	}
	cfg.Server.Timeout = 2 * time.Second
	return cfg
}

// pointAt directs the render URL at ts.
func pointAt(t *testing.T, cfg *config.Config, ts *httptest.Server) {
	t.Helper()
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	cfg.Server.URL = "http://" + u.Hostname()
	cfg.Server.Port = port
}

type fixture struct {
	cfg    *config.Config
	reader *fixedReader
	mgr    *power.Manager
	hub    *events.EventHub
	waker  *fakeWaker
	runner *fakeRunner
	c      *collaborators
}

func newFixture(t *testing.T, level int, state powerinfo.BatteryState) *fixture {
	t.Helper()
	f := &fixture{
		cfg:    testConfig(t),
		reader: &fixedReader{},
		hub:    events.NewEventHub(),
		waker:  &fakeWaker{ok: true},
		runner: &fakeRunner{},
	}
	f.reader.set(level, state)
	f.mgr = power.NewManager(f.cfg.Power, f.reader)
	f.c = newCollaborators(f.cfg, f.mgr, f.hub, f.waker)
	f.c.run = f.runner.run
	f.c.now = func() time.Time { return noon }
	return f
}

func (f *fixture) read(t *testing.T) {
	t.Helper()
	f.mgr.ReadBattery(context.Background())
}

func TestUpdateWeatherWritesImage(t *testing.T) {
	f := newFixture(t, 42, powerinfo.Discharging)
	f.read(t)

	var got renderRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/render", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte("PNGDATA"))
	}))
	defer ts.Close()
	pointAt(t, f.cfg, ts)

	ch := f.hub.Subscribe()
	require.NoError(t, f.c.UpdateWeather(context.Background()))

	b, err := os.ReadFile(f.cfg.Display.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, "PNGDATA", string(b))

	assert.Equal(t, 42, got.Battery.Level)
	assert.Equal(t, powerinfo.Discharging, got.Battery.State)
	assert.Equal(t, "NORMAL", got.Metrics["power_state"])

	ev := <-ch
	assert.Equal(t, events.WeatherUpdate, ev.Name)
	payload, err := events.DecodeAs[events.WeatherUpdateEvent](ev)
	require.NoError(t, err)
	assert.Equal(t, 1, payload.Attempts)
	assert.Equal(t, len("PNGDATA"), payload.Bytes)
	assert.Empty(t, payload.Error)
}

func TestUpdateWeatherRetries(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		status    int
		wantErr   bool
		wantCalls int32
	}{
		{name: "server errors are retried", failures: 2, status: http.StatusBadGateway, wantCalls: 3},
		{name: "gives up after max attempts", failures: 10, status: http.StatusInternalServerError, wantErr: true, wantCalls: 3},
		{name: "client errors are permanent", failures: 10, status: http.StatusNotFound, wantErr: true, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 80, powerinfo.Discharging)
			var calls int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if atomic.AddInt32(&calls, 1) <= tt.failures {
					http.Error(w, "nope", tt.status)
					return
				}
				_, _ = w.Write([]byte("img"))
			}))
			defer ts.Close()
			pointAt(t, f.cfg, ts)

			err := f.c.UpdateWeather(context.Background())
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
			if tt.wantErr {
				require.Error(t, err)
				_, statErr := os.Stat(f.cfg.Display.ImagePath)
				assert.True(t, errors.Is(statErr, os.ErrNotExist))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestRefreshDisplayThresholds(t *testing.T) {
	tests := []struct {
		name      string
		level     int
		state     powerinfo.BatteryState
		aware     bool
		wantPixel string
		wantMin   string
	}{
		{name: "standard", level: 80, state: powerinfo.Discharging, aware: true, wantPixel: "10", wantMin: "100"},
		{name: "low band", level: 18, state: powerinfo.Discharging, aware: true, wantPixel: "20", wantMin: "250"},
		{name: "critical band", level: 8, state: powerinfo.Discharging, aware: true, wantPixel: "30", wantMin: "500"},
		{name: "charging uses standard", level: 8, state: powerinfo.Charging, aware: true, wantPixel: "10", wantMin: "100"},
		{name: "feature disabled", level: 8, state: powerinfo.Discharging, aware: false, wantPixel: "10", wantMin: "100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.level, tt.state)
			f.cfg.Display.BatteryAwareThreshold = tt.aware
			f.cfg.Display.Command = []string{"epd-show", "--rotate", "90"}
			require.NoError(t, writeFileAtomic(f.cfg.Display.ImagePath, []byte("img")))
			f.read(t)

			require.NoError(t, f.c.RefreshDisplay(context.Background()))
			require.Len(t, f.runner.calls, 1)
			call := f.runner.calls[0]
			assert.Equal(t, "epd-show", call.name)
			assert.Equal(t, []string{
				"--rotate", "90", f.cfg.Display.ImagePath,
				"--pixel-threshold", tt.wantPixel,
				"--min-changed-pixels", tt.wantMin,
			}, call.args)
		})
	}
}

func TestRefreshDisplayFetchesMissingImage(t *testing.T) {
	f := newFixture(t, 80, powerinfo.Discharging)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("fresh"))
	}))
	defer ts.Close()
	pointAt(t, f.cfg, ts)

	require.NoError(t, f.c.RefreshDisplay(context.Background()))
	b, err := os.ReadFile(f.cfg.Display.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(b))
	assert.Len(t, f.runner.calls, 1)
}

func TestRefreshDisplayCommandFailure(t *testing.T) {
	f := newFixture(t, 80, powerinfo.Discharging)
	f.runner.err = errors.New("exit status 1")
	require.NoError(t, writeFileAtomic(f.cfg.Display.ImagePath, []byte("img")))

	ch := f.hub.Subscribe()
	err := f.c.RefreshDisplay(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panel busy")

	payload, err := events.DecodeAs[events.DisplayRefreshEvent](<-ch)
	require.NoError(t, err)
	assert.NotEmpty(t, payload.Error)
}

func TestFullRefreshCadence(t *testing.T) {
	t.Run("every nth refresh when allowed", func(t *testing.T) {
		f := newFixture(t, 80, powerinfo.Discharging)
		f.read(t)
		var full []int
		for i := 1; i <= 2*fullRefreshEvery; i++ {
			if f.c.wantFullRefresh() {
				full = append(full, i)
			}
		}
		assert.Equal(t, []int{fullRefreshEvery, 2 * fullRefreshEvery}, full)
	})

	t.Run("vetoed while critical", func(t *testing.T) {
		f := newFixture(t, 5, powerinfo.Discharging)
		f.read(t)
		require.Equal(t, powerinfo.PowerCritical, f.mgr.CurrentState())
		for i := 1; i <= fullRefreshEvery; i++ {
			assert.False(t, f.c.wantFullRefresh())
		}
	})

	t.Run("always full without partial refresh", func(t *testing.T) {
		f := newFixture(t, 80, powerinfo.Discharging)
		f.cfg.Display.PartialRefresh = false
		assert.True(t, f.c.wantFullRefresh())
		assert.True(t, f.c.wantFullRefresh())
	})
}

func TestScheduleWakeup(t *testing.T) {
	t.Run("passes minutes through without dynamic wakeup", func(t *testing.T) {
		f := newFixture(t, 5, powerinfo.Discharging)
		f.cfg.Power.DynamicWakeup = false
		f.read(t)
		assert.True(t, f.c.ScheduleWakeup(context.Background(), 45))
		assert.Equal(t, []int{45}, f.waker.minutes)
	})

	t.Run("critical battery stretches the wakeup", func(t *testing.T) {
		f := newFixture(t, 5, powerinfo.Discharging)
		f.read(t)
		assert.True(t, f.c.ScheduleWakeup(context.Background(), 60))
		assert.Equal(t, []int{480}, f.waker.minutes)
	})

	t.Run("reports waker failure", func(t *testing.T) {
		f := newFixture(t, 80, powerinfo.Discharging)
		f.waker.ok = false
		assert.False(t, f.c.ScheduleWakeup(context.Background(), 60))
	})
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b.png")
	require.NoError(t, writeFileAtomic(path, []byte("one")))
	require.NoError(t, writeFileAtomic(path, []byte("two")))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(b))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestInfluxRecorder(t *testing.T) {
	var body []byte
	var writes int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&writes, 1)
		assert.Equal(t, "/write", r.URL.Path)
		assert.Equal(t, "epaperd", r.URL.Query().Get("db"))
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	rec, err := NewInfluxRecorder(config.Telemetry{InfluxAddr: ts.URL, InfluxDatabase: "epaperd"})
	require.NoError(t, err)
	defer rec.Close()

	reading := power.Reading{
		Status:      powerinfo.NewBatteryStatus(55, 3.8, -90, 21, powerinfo.Discharging, noon),
		Diagnostics: powerinfo.Diagnostics{Source: "max17040"},
		State:       powerinfo.PowerNormal,
		DrainRate:   1.2,
	}
	require.NoError(t, rec.RecordReading(context.Background(), reading))
	assert.Equal(t, int32(1), atomic.LoadInt32(&writes))
	assert.Contains(t, string(body), "battery,")
	assert.Contains(t, string(body), "power_state=NORMAL")
	assert.Contains(t, string(body), "level=55i")

	rec.allow = func(string, float64) bool { return false }
	require.NoError(t, rec.RecordReading(context.Background(), reading))
	assert.Equal(t, int32(1), atomic.LoadInt32(&writes))
}
