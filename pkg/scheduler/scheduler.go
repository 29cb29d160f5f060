// Package scheduler runs the device's main loop: poll the battery, update
// the weather image and refresh the display when due, then sleep either in
// process or, for long gaps, by arming a hardware wakeup and powering off.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rpi-weather-display/epaperd/pkg/battery"
	"github.com/rpi-weather-display/epaperd/pkg/clock"
	"github.com/rpi-weather-display/epaperd/pkg/config"
	"github.com/rpi-weather-display/epaperd/pkg/powerinfo"
	"github.com/rpi-weather-display/epaperd/pkg/quiethours"
)

// Collaborators are the operations the loop drives.
type Collaborators interface {
	// BatteryStatus never fails. An unavailable battery is reported as an
	// UNKNOWN status.
	BatteryStatus(ctx context.Context) powerinfo.BatteryStatus
	UpdateWeather(ctx context.Context) error
	RefreshDisplay(ctx context.Context) error
	// ScheduleWakeup arms a wakeup alarm minutes from now. true means the
	// alarm is armed and the system is about to power off.
	ScheduleWakeup(ctx context.Context, minutes int) bool
}

// SleepFunc blocks for d or until wake fires or ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration, wake <-chan struct{}) error

// Iteration describes what a single pass of the loop did.
type Iteration struct {
	Status       powerinfo.BatteryStatus
	InQuietHours bool
	Updated      bool
	Refreshed    bool
	Sleep        time.Duration
	// DeepSleep is true when Sleep is long enough to power off.
	DeepSleep bool
}

// Status is a point-in-time view of the loop.
type Status struct {
	Running      bool          `json:"running"`
	Iterations   int           `json:"iterations"`
	LastRefresh  *time.Time    `json:"lastRefresh,omitempty"`
	LastUpdate   *time.Time    `json:"lastUpdate,omitempty"`
	NextWake     *time.Time    `json:"nextWake,omitempty"`
	LastSleep    time.Duration `json:"lastSleep"`
	InQuietHours bool          `json:"inQuietHours"`
}

type Scheduler struct {
	cfg    *config.Config
	collab Collaborators
	clock  clock.Clock
	sleep  SleepFunc
	wakeCh chan struct{}

	mu          sync.Mutex
	running     bool
	iterations  int
	lastRefresh time.Time
	lastUpdate  time.Time
	nextWake    time.Time
	lastSleep   time.Duration
	inQuiet     bool
}

type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithSleep replaces the in-process sleep.
func WithSleep(f SleepFunc) Option {
	return func(s *Scheduler) { s.sleep = f }
}

func NewScheduler(cfg *config.Config, collab Collaborators, opts ...Option) *Scheduler {
	if collab == nil {
		panic("collaborators cannot be nil")
	}

	s := &Scheduler{
		cfg:    cfg,
		collab: collab,
		clock:  clock.NewReal(),
		sleep:  sleepContext,
		wakeCh: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Wake cuts the current in-process sleep short. Schedule state is not
// touched, so the next pass only does what is already due.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:      s.running,
		Iterations:   s.iterations,
		LastSleep:    s.lastSleep,
		InQuietHours: s.inQuiet,
	}
	if !s.lastRefresh.IsZero() {
		t := s.lastRefresh
		st.LastRefresh = &t
	}
	if !s.lastUpdate.IsZero() {
		t := s.lastUpdate
		st.LastUpdate = &t
	}
	if !s.nextWake.IsZero() {
		t := s.nextWake
		st.NextWake = &t
	}
	return st
}

func (s *Scheduler) inQuietHours(now time.Time) bool {
	return quiethours.IsQuietHours(s.cfg.Power.QuietHoursStart, s.cfg.Power.QuietHoursEnd, now)
}

// doubled reports whether low battery doubles the intervals. Readings from
// an unavailable battery never do.
func (s *Scheduler) doubled(st powerinfo.BatteryStatus, inQuiet bool) bool {
	return st.Known() && battery.ShouldDoubleIntervals(st, s.cfg.Power, inQuiet)
}

func due(last time.Time, interval time.Duration, now time.Time) bool {
	return last.IsZero() || now.Sub(last) >= interval
}

// ShouldUpdate reports whether the weather image is due.
func (s *Scheduler) ShouldUpdate(st powerinfo.BatteryStatus) bool {
	now := s.clock.Now()
	interval := s.cfg.UpdateInterval()
	if s.doubled(st, s.inQuietHours(now)) {
		interval *= 2
		logrus.Debug("battery low, doubling update interval")
	}

	s.mu.Lock()
	last := s.lastUpdate
	s.mu.Unlock()

	return due(last, interval, now)
}

// ShouldRefresh reports whether the display is due. Quiet hours suppress
// refreshes unless charging or in debug mode, and a critical battery
// suppresses them entirely.
func (s *Scheduler) ShouldRefresh(st powerinfo.BatteryStatus) bool {
	now := s.clock.Now()
	inQuiet := s.inQuietHours(now)

	if inQuiet && !battery.IsCharging(st) && !s.cfg.Debug {
		logrus.Info("quiet hours and not charging, skipping refresh")
		return false
	}
	if st.Known() && battery.IsCritical(st, s.cfg.Power.CriticalBatteryThreshold) {
		logrus.WithField("level", st.Level).Warn("battery critically low, skipping refresh to conserve power")
		return false
	}

	interval := s.cfg.RefreshInterval()
	if s.doubled(st, inQuiet) {
		interval *= 2
		logrus.Debug("battery low, doubling refresh interval")
	}

	s.mu.Lock()
	last := s.lastRefresh
	s.mu.Unlock()

	return due(last, interval, now)
}

// Iterate runs one pass of the loop without sleeping.
func (s *Scheduler) Iterate(ctx context.Context) Iteration {
	st := s.batteryStatus(ctx)
	it := Iteration{Status: st}

	// A power off may have been committed while the battery was read.
	if ctx.Err() != nil {
		return it
	}

	if s.ShouldUpdate(st) {
		logrus.Info("updating weather data")
		if err := guard("update weather", func() error { return s.collab.UpdateWeather(ctx) }); err != nil {
			logrus.WithError(err).Error("weather update failed, retrying next cycle")
		} else {
			s.mu.Lock()
			s.lastUpdate = s.clock.Now()
			s.mu.Unlock()
			it.Updated = true
		}
	}

	if s.ShouldRefresh(st) {
		logrus.Info("refreshing display")
		if err := guard("refresh display", func() error { return s.collab.RefreshDisplay(ctx) }); err != nil {
			logrus.WithError(err).Error("display refresh failed, retrying next cycle")
		} else {
			s.mu.Lock()
			s.lastRefresh = s.clock.Now()
			s.mu.Unlock()
			it.Refreshed = true
		}
	}

	now := s.clock.Now()
	it.InQuietHours = s.inQuietHours(now)

	s.mu.Lock()
	lastRefresh, lastUpdate := s.lastRefresh, s.lastUpdate
	s.mu.Unlock()

	it.Sleep = NextSleep(SleepInput{
		Config:      s.cfg,
		Status:      st,
		InQuiet:     it.InQuietHours,
		Doubled:     s.doubled(st, it.InQuietHours),
		LastRefresh: lastRefresh,
		LastUpdate:  lastUpdate,
		Now:         now,
	})
	it.DeepSleep = it.Sleep > DeepSleepThreshold && !s.cfg.Debug

	s.mu.Lock()
	s.iterations++
	s.inQuiet = it.InQuietHours
	s.lastSleep = it.Sleep
	s.nextWake = now.Add(it.Sleep)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"level":     st.Level,
		"state":     st.State,
		"quiet":     it.InQuietHours,
		"updated":   it.Updated,
		"refreshed": it.Refreshed,
		"sleep":     it.Sleep,
	}).Debug("scheduler iteration done")

	return it
}

// Run loops until ctx is cancelled or a deep sleep is handed off to the
// hardware. Both cases return nil.
func (s *Scheduler) Run(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("scheduler panicked, stopping: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("scheduler panicked: %v", r)
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		logrus.Debug("scheduler stopped")
	}()

	logrus.Info("scheduler started")

	for {
		if ctx.Err() != nil {
			logrus.Info("scheduler interrupted")
			return nil
		}

		it := s.Iterate(ctx)
		if ctx.Err() != nil {
			logrus.Info("scheduler interrupted")
			return nil
		}

		wait := it.Sleep
		if it.DeepSleep {
			minutes := int(math.Ceil(it.Sleep.Seconds() / 60))
			logrus.WithField("minutes", minutes).Info("entering deep sleep")
			if s.scheduleWakeup(ctx, minutes) {
				logrus.Info("wakeup alarm armed, handing off to hardware")
				return nil
			}
			logrus.Warn("failed to schedule wakeup, staying awake")
			wait = DeepSleepRetryDelay
			s.mu.Lock()
			s.nextWake = s.clock.Now().Add(wait)
			s.mu.Unlock()
		} else {
			logrus.Debugf("sleeping for %s", wait)
		}

		if err := s.sleep(ctx, wait, s.wakeCh); err != nil {
			logrus.Info("scheduler interrupted")
			return nil
		}
	}
}

// batteryStatus polls the battery, falling back to an UNKNOWN status if the
// collaborator panics.
func (s *Scheduler) batteryStatus(ctx context.Context) powerinfo.BatteryStatus {
	st := powerinfo.UnknownStatus(s.clock.Now())
	_ = guard("battery status", func() error {
		st = s.collab.BatteryStatus(ctx)
		return nil
	})
	return st
}

// scheduleWakeup treats a panicking collaborator as an alarm that was not
// armed.
func (s *Scheduler) scheduleWakeup(ctx context.Context, minutes int) bool {
	armed := false
	if err := guard("schedule wakeup", func() error {
		armed = s.collab.ScheduleWakeup(ctx, minutes)
		return nil
	}); err != nil {
		return false
	}
	return armed
}

// guard runs f, turning a panic into an error.
func guard(name string, f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("%s panicked: %v\n%s", name, r, debug.Stack())
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()
	return f()
}

func sleepContext(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-wake:
		logrus.Debug("sleep interrupted by wake request")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
