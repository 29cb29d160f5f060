// Package power owns the device's coarse power state. A Manager polls the
// battery, keeps the reading history and drain estimate, moves between
// NORMAL, CONSERVING, CRITICAL and CHARGING, and notifies observers of each
// transition.
package power

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/rpi-weather-display/epaperd/pkg/battery"
	"github.com/rpi-weather-display/epaperd/pkg/clock"
	"github.com/rpi-weather-display/epaperd/pkg/config"
	"github.com/rpi-weather-display/epaperd/pkg/powerinfo"
)

// BatteryReader reads the battery hardware. Implementations return an
// error when the hardware is unavailable; the Manager never propagates it.
type BatteryReader interface {
	ReadBattery(ctx context.Context) (powerinfo.BatteryStatus, powerinfo.Diagnostics, error)
}

// Observer is called with the old and new state on every transition. It
// must not trigger a transition itself.
type Observer func(old, new powerinfo.PowerState)

// Reading is a single poll result handed to Recorders.
type Reading struct {
	Status      powerinfo.BatteryStatus
	Diagnostics powerinfo.Diagnostics
	State       powerinfo.PowerState
	// DrainRate is the smoothed drain in percent per hour.
	DrainRate float64
}

// Recorder receives every reading, e.g. for persistence or telemetry.
type Recorder interface {
	RecordReading(ctx context.Context, r Reading) error
}

type observerEntry struct {
	id int
	fn Observer
}

// Manager is the power state machine. It is safe for concurrent use; the
// scheduler loop is its only writer of readings.
type Manager struct {
	cfg       config.Power
	reader    BatteryReader
	clock     clock.Clock
	history   *battery.History
	drain     *battery.DrainEstimator
	recorders []Recorder

	// notifyMu keeps transitions and their notifications in order.
	notifyMu  sync.Mutex
	mu        sync.Mutex
	state     powerinfo.PowerState
	last      *powerinfo.BatteryStatus
	lastDiag  powerinfo.Diagnostics
	observers []observerEntry
	nextID    int
}

type Option func(*Manager)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithRecorder adds a Recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorders = append(m.recorders, r) }
}

// WithHistory seeds the reading history, oldest first.
func WithHistory(oldestFirst []powerinfo.BatteryStatus) Option {
	return func(m *Manager) {
		for _, s := range oldestFirst {
			m.history.AddRecord(s)
		}
	}
}

// WithDrainSeed seeds the smoothed drain rate in percent per hour.
func WithDrainSeed(rate float64) Option {
	return func(m *Manager) { m.drain = battery.NewDrainEstimator(rate) }
}

// NewManager returns a Manager in the NORMAL state.
func NewManager(cfg config.Power, reader BatteryReader, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		reader:  reader,
		clock:   clock.NewReal(),
		history: battery.NewHistory(battery.HistorySize),
		drain:   battery.NewDrainEstimator(battery.DefaultDrainRate),
		state:   powerinfo.PowerNormal,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// StateFor maps a reading to a power state. Charging takes priority over
// the level based states.
func StateFor(s powerinfo.BatteryStatus, cfg config.Power) powerinfo.PowerState {
	switch {
	case battery.IsCharging(s):
		return powerinfo.PowerCharging
	case battery.IsCritical(s, cfg.CriticalBatteryThreshold):
		return powerinfo.PowerCritical
	case battery.ShouldConserve(s, cfg):
		return powerinfo.PowerConserving
	default:
		return powerinfo.PowerNormal
	}
}

// ReadBattery polls the reader and folds the reading into the history,
// drain estimate and state. It never fails: an unavailable reader yields
// an UNKNOWN reading, which leaves the state unchanged.
func (m *Manager) ReadBattery(ctx context.Context) (powerinfo.BatteryStatus, powerinfo.Diagnostics) {
	now := m.clock.Now()

	var (
		status powerinfo.BatteryStatus
		diag   powerinfo.Diagnostics
		err    error
	)
	if m.reader == nil {
		err = fmt.Errorf("no battery reader configured")
	} else {
		status, diag, err = m.reader.ReadBattery(ctx)
	}
	if err != nil {
		logrus.WithError(err).WithField("source", diag.Source).Warn("failed to read battery status, using unknown status")
		src := diag.Source
		status = powerinfo.UnknownStatus(now)
		diag = powerinfo.UnknownDiagnostics(src)
		diag.Error = err.Error()
	}
	status.Level = powerinfo.ClampLevel(status.Level)
	if status.Timestamp.IsZero() {
		status.Timestamp = now
	}

	drain := m.drain.Smoothed()
	if status.Known() {
		m.history.AddRecord(status)
		drain = m.drain.Update(m.history.NewestFirst())
	}

	m.mu.Lock()
	m.last = &status
	m.lastDiag = diag
	m.mu.Unlock()

	state := m.CurrentState()
	if status.Known() {
		state = m.UpdateState(status)
	}

	logrus.WithFields(logrus.Fields{
		"level":     status.Level,
		"state":     status.State,
		"voltage":   status.Voltage,
		"current":   status.Current,
		"drainRate": drain,
		"power":     state,
		"fault":     diag.Fault,
	}).Debug("battery status read")

	r := Reading{Status: status, Diagnostics: diag, State: state, DrainRate: drain}
	for _, rec := range m.recorders {
		if err := rec.RecordReading(ctx, r); err != nil {
			logrus.WithError(err).Warn("failed to record battery reading")
		}
	}

	return status, diag
}

// BatteryStatus polls the battery and returns only the status.
func (m *Manager) BatteryStatus(ctx context.Context) powerinfo.BatteryStatus {
	s, _ := m.ReadBattery(ctx)
	return s
}

// UpdateState evaluates the transition rule for s and notifies observers
// if the state changed.
func (m *Manager) UpdateState(s powerinfo.BatteryStatus) powerinfo.PowerState {
	next := StateFor(s, m.cfg)
	return m.transition(func(powerinfo.PowerState) powerinfo.PowerState { return next })
}

// EnterLowPowerMode moves NORMAL to CONSERVING until the next reading
// re-evaluates the state. Other states are left alone.
func (m *Manager) EnterLowPowerMode() {
	state := m.transition(func(old powerinfo.PowerState) powerinfo.PowerState {
		if old == powerinfo.PowerNormal {
			return powerinfo.PowerConserving
		}
		return old
	})
	logrus.WithField("state", state).Info("low power mode requested")
}

// transition computes the next state from the current one and notifies
// observers before another transition can start.
func (m *Manager) transition(next func(old powerinfo.PowerState) powerinfo.PowerState) powerinfo.PowerState {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	old := m.state
	m.state = next(old)
	state := m.state
	observers := make([]observerEntry, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	if old != state {
		logrus.WithFields(logrus.Fields{
			"from": old,
			"to":   state,
		}).Info("power state changed")
		notify(observers, old, state)
	}
	return state
}

func notify(observers []observerEntry, old, next powerinfo.PowerState) {
	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logrus.WithFields(logrus.Fields{
						"observer": o.id,
						"from":     old,
						"to":       next,
					}).Errorf("power state observer panicked: %v\n%s", r, debug.Stack())
				}
			}()
			o.fn(old, next)
		}()
	}
}

// Subscribe registers an observer and returns a function removing it.
func (m *Manager) Subscribe(fn Observer) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.observers = append(m.observers, observerEntry{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, o := range m.observers {
			if o.id == id {
				m.observers = append(m.observers[:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// CurrentState returns the current power state.
func (m *Manager) CurrentState() powerinfo.PowerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastStatus returns the most recent reading, if any.
func (m *Manager) LastStatus() (powerinfo.BatteryStatus, powerinfo.Diagnostics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return powerinfo.BatteryStatus{}, powerinfo.Diagnostics{}, false
	}
	return *m.last, m.lastDiag, true
}

// History returns the recorded readings, most recent first.
func (m *Manager) History() []powerinfo.BatteryStatus {
	return m.history.NewestFirst()
}

// DrainRate returns the smoothed drain rate in percent per hour.
func (m *Manager) DrainRate() float64 {
	return m.drain.Smoothed()
}

// Config returns the power configuration the Manager was built with.
func (m *Manager) Config() config.Power {
	return m.cfg
}
