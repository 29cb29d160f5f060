package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpi-weather-display/epaperd/pkg/clock"
	"github.com/rpi-weather-display/epaperd/pkg/config"
	"github.com/rpi-weather-display/epaperd/pkg/powerinfo"
)

var noon = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeCollaborators struct {
	status     powerinfo.BatteryStatus
	updateErr  error
	refreshErr error
	wakeupOK   bool
	panicOn    string

	updates  int
	refreshs int
	wakeups  []int
}

func (f *fakeCollaborators) BatteryStatus(context.Context) powerinfo.BatteryStatus {
	if f.panicOn == "battery" {
		panic("i2c read exploded")
	}
	return f.status
}

func (f *fakeCollaborators) UpdateWeather(context.Context) error {
	f.updates++
	if f.panicOn == "update" {
		panic("update exploded")
	}
	return f.updateErr
}

func (f *fakeCollaborators) RefreshDisplay(context.Context) error {
	f.refreshs++
	return f.refreshErr
}

func (f *fakeCollaborators) ScheduleWakeup(_ context.Context, minutes int) bool {
	f.wakeups = append(f.wakeups, minutes)
	if f.panicOn == "wakeup" {
		panic("rtc exploded")
	}
	return f.wakeupOK
}

func discharging(level int) powerinfo.BatteryStatus {
	return powerinfo.NewBatteryStatus(level, 3.7, -100, 25, powerinfo.Discharging, noon)
}

func newTestScheduler(t *testing.T, cfg *config.Config, f *fakeCollaborators) (*Scheduler, *clock.FakeClock) {
	t.Helper()
	c := clock.NewFake(noon)
	return NewScheduler(cfg, f, WithClock(c)), c
}

func TestFirstIterationUpdatesAndRefreshes(t *testing.T) {
	cfg := config.Default()
	cfg.Display.RefreshIntervalMinutes = 30
	cfg.Weather.UpdateIntervalMinutes = 30
	cfg.Power.LowBatteryThreshold = 20

	f := &fakeCollaborators{status: discharging(15)}
	s, _ := newTestScheduler(t, cfg, f)

	it := s.Iterate(context.Background())

	assert.True(t, it.Updated)
	assert.True(t, it.Refreshed)
	assert.Equal(t, 1, f.updates)
	assert.Equal(t, 1, f.refreshs)
	assert.LessOrEqual(t, it.Sleep, 60*time.Second)
	assert.GreaterOrEqual(t, it.Sleep, MinSleep)
	assert.False(t, it.DeepSleep)
}

func TestShouldRefreshIdempotent(t *testing.T) {
	f := &fakeCollaborators{status: discharging(80)}
	s, _ := newTestScheduler(t, config.Default(), f)

	require.True(t, s.ShouldRefresh(f.status))
	s.Iterate(context.Background())
	assert.False(t, s.ShouldRefresh(f.status))
	assert.False(t, s.ShouldUpdate(f.status))
}

func TestIntervalsDoubleOnLowBattery(t *testing.T) {
	f := &fakeCollaborators{status: discharging(15)}
	s, c := newTestScheduler(t, config.Default(), f)
	s.Iterate(context.Background())

	c.Advance(30 * time.Minute)
	assert.False(t, s.ShouldRefresh(f.status))
	assert.False(t, s.ShouldUpdate(f.status))
	assert.True(t, s.ShouldRefresh(discharging(80)))

	c.Advance(30 * time.Minute)
	assert.True(t, s.ShouldRefresh(f.status))
	assert.True(t, s.ShouldUpdate(f.status))
}

func TestShouldRefreshSuppression(t *testing.T) {
	night := time.Date(2024, 3, 10, 1, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		now    time.Time
		status powerinfo.BatteryStatus
		debug  bool
		want   bool
	}{
		{"daytime", noon, discharging(80), false, true},
		{"quiet hours", night, discharging(80), false, false},
		{"quiet hours while charging", night, powerinfo.NewBatteryStatus(80, 4.1, 500, 25, powerinfo.Charging, night), false, true},
		{"quiet hours in debug", night, discharging(80), true, true},
		{"critical", noon, discharging(5), false, false},
		{"critical in debug", noon, discharging(5), true, false},
		{"unknown battery", noon, powerinfo.UnknownStatus(noon), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Debug = tt.debug
			s := NewScheduler(cfg, &fakeCollaborators{}, WithClock(clock.NewFake(tt.now)))
			assert.Equal(t, tt.want, s.ShouldRefresh(tt.status))
		})
	}
}

func TestFailedUpdateIsRetried(t *testing.T) {
	f := &fakeCollaborators{status: discharging(80), updateErr: errors.New("server unreachable")}
	s, _ := newTestScheduler(t, config.Default(), f)

	it := s.Iterate(context.Background())
	assert.False(t, it.Updated)
	assert.True(t, it.Refreshed)
	assert.Nil(t, s.Status().LastUpdate)

	f.updateErr = nil
	it = s.Iterate(context.Background())
	assert.True(t, it.Updated)
	assert.Equal(t, 2, f.updates)
}

func TestPanickingCollaboratorDoesNotStopLoop(t *testing.T) {
	tests := []struct {
		name          string
		panicOn       string
		wantUpdated   bool
		wantRefreshed bool
		wantUnknown   bool
	}{
		{name: "update", panicOn: "update", wantRefreshed: true},
		{name: "battery", panicOn: "battery", wantUpdated: true, wantRefreshed: true, wantUnknown: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeCollaborators{status: discharging(80), panicOn: tt.panicOn}
			s, _ := newTestScheduler(t, config.Default(), f)

			var it Iteration
			require.NotPanics(t, func() { it = s.Iterate(context.Background()) })
			assert.Equal(t, tt.wantUpdated, it.Updated)
			assert.Equal(t, tt.wantRefreshed, it.Refreshed)
			assert.Equal(t, tt.wantUnknown, it.Status.State == powerinfo.Unknown)
		})
	}
}

func TestRunSurvivesPanickingWakeup(t *testing.T) {
	night := time.Date(2024, 3, 10, 1, 0, 0, 0, time.UTC)
	f := &fakeCollaborators{status: discharging(80), panicOn: "wakeup"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sleeps []time.Duration
	s := NewScheduler(config.Default(), f, WithClock(clock.NewFake(night)),
		WithSleep(func(_ context.Context, d time.Duration, _ <-chan struct{}) error {
			sleeps = append(sleeps, d)
			cancel()
			return nil
		}))

	var err error
	require.NotPanics(t, func() { err = s.Run(ctx) })
	require.NoError(t, err)
	assert.Len(t, f.wakeups, 1)
	assert.Equal(t, []time.Duration{DeepSleepRetryDelay}, sleeps)
}

func TestIterateStopsAfterShutdownDuringPoll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &stoppingCollaborators{fakeCollaborators: fakeCollaborators{status: discharging(5)}, stop: cancel}
	s := NewScheduler(config.Default(), f, WithClock(clock.NewFake(noon)))

	it := s.Iterate(ctx)
	assert.False(t, it.Updated)
	assert.Zero(t, f.updates)
	assert.Zero(t, f.refreshs)
}

// stoppingCollaborators cancels the loop while the battery is read, as the
// critical shutdown observer does.
type stoppingCollaborators struct {
	fakeCollaborators
	stop func()
}

func (f *stoppingCollaborators) BatteryStatus(ctx context.Context) powerinfo.BatteryStatus {
	f.stop()
	return f.fakeCollaborators.BatteryStatus(ctx)
}

func TestRunHandsOffToDeepSleep(t *testing.T) {
	night := time.Date(2024, 3, 10, 1, 0, 0, 0, time.UTC)
	f := &fakeCollaborators{status: discharging(80), wakeupOK: true}
	s := NewScheduler(config.Default(), f, WithClock(clock.NewFake(night)),
		WithSleep(func(context.Context, time.Duration, <-chan struct{}) error {
			t.Fatal("should not sleep in process")
			return nil
		}))

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []int{60}, f.wakeups)
	assert.Equal(t, 0, f.refreshs)
	assert.False(t, s.Status().Running)
}

func TestRunFallsBackWhenWakeupFails(t *testing.T) {
	night := time.Date(2024, 3, 10, 1, 0, 0, 0, time.UTC)
	f := &fakeCollaborators{status: discharging(80)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sleeps []time.Duration
	s := NewScheduler(config.Default(), f, WithClock(clock.NewFake(night)),
		WithSleep(func(_ context.Context, d time.Duration, _ <-chan struct{}) error {
			sleeps = append(sleeps, d)
			if len(sleeps) == 2 {
				cancel()
			}
			return nil
		}))

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, []time.Duration{DeepSleepRetryDelay, DeepSleepRetryDelay}, sleeps)
	assert.Len(t, f.wakeups, 2)
}

func TestRunDebugNeverDeepSleeps(t *testing.T) {
	night := time.Date(2024, 3, 10, 1, 0, 0, 0, time.UTC)
	cfg := config.Default()
	cfg.Debug = true
	f := &fakeCollaborators{status: discharging(80), wakeupOK: true}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var slept time.Duration
	s := NewScheduler(cfg, f, WithClock(clock.NewFake(night)),
		WithSleep(func(ctx context.Context, d time.Duration, _ <-chan struct{}) error {
			slept = d
			cancel()
			return ctx.Err()
		}))

	require.NoError(t, s.Run(ctx))
	assert.Empty(t, f.wakeups)
	assert.Equal(t, time.Hour, slept)
	assert.Equal(t, 1, f.refreshs)
}

func TestRunStopsPromptlyOnCancel(t *testing.T) {
	f := &fakeCollaborators{status: discharging(80)}
	s := NewScheduler(config.Default(), f, WithClock(clock.NewFake(noon)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Status().Iterations == 1 }, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestWakeInterruptsSleep(t *testing.T) {
	f := &fakeCollaborators{status: discharging(80)}
	s := NewScheduler(config.Default(), f, WithClock(clock.NewFake(noon)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Status().Iterations == 1 }, time.Second, 10*time.Millisecond)
	s.Wake()
	require.Eventually(t, func() bool { return s.Status().Iterations == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.refreshs)
}
