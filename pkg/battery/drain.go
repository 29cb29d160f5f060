package battery

import (
	"sync"

	"github.com/rpi-weather-display/epaperd/pkg/powerinfo"
)

const (
	// DefaultDrainRate seeds the estimator, in percent per hour.
	DefaultDrainRate = 1.0
	// DrainWeightNew and DrainWeightPrev are the exponential smoothing weights.
	DrainWeightNew  = 0.1
	DrainWeightPrev = 0.9
	// DefaultAbnormalTolerance is the fraction above the expected rate that
	// counts as abnormal.
	DefaultAbnormalTolerance = 0.5
)

// DrainRate computes the raw discharge rate in percent per hour from
// readings ordered most recent first. Only the contiguous run of
// discharging readings at the head is used. ok is false when fewer than two
// such readings exist, a timestamp is missing, or no time has elapsed.
func DrainRate(newestFirst []powerinfo.BatteryStatus) (rate float64, ok bool) {
	n := 0
	for _, r := range newestFirst {
		if r.State != powerinfo.Discharging {
			break
		}
		n++
	}
	if n < 2 {
		return 0, false
	}

	newest, oldest := newestFirst[0], newestFirst[n-1]
	if newest.Timestamp.IsZero() || oldest.Timestamp.IsZero() {
		return 0, false
	}
	hours := newest.Timestamp.Sub(oldest.Timestamp).Hours()
	if hours <= 0 {
		return 0, false
	}
	return float64(oldest.Level-newest.Level) / hours, true
}

// IsAbnormal reports whether rate exceeds expected by more than tolerance.
// Non-positive inputs cannot be assessed and are never abnormal.
func IsAbnormal(rate, expected, tolerance float64) bool {
	if rate <= 0 || expected <= 0 {
		return false
	}
	return rate >= expected*(1+tolerance)
}

// DrainEstimator keeps an exponentially smoothed drain rate.
type DrainEstimator struct {
	mu       sync.Mutex
	smoothed float64
	last     *float64
}

// NewDrainEstimator returns an estimator seeded with seed percent per hour.
// A non-positive seed uses DefaultDrainRate.
func NewDrainEstimator(seed float64) *DrainEstimator {
	if seed <= 0 {
		seed = DefaultDrainRate
	}
	return &DrainEstimator{smoothed: seed}
}

// Update recomputes the raw rate from the history and folds it into the
// smoothed estimate. The estimate is unchanged when no rate can be derived.
func (e *DrainEstimator) Update(newestFirst []powerinfo.BatteryStatus) float64 {
	rate, ok := DrainRate(newestFirst)

	e.mu.Lock()
	defer e.mu.Unlock()

	if ok {
		e.last = &rate
		e.smoothed = DrainWeightNew*rate + DrainWeightPrev*e.smoothed
	}
	return e.smoothed
}

// Smoothed returns the current smoothed rate in percent per hour.
func (e *DrainEstimator) Smoothed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.smoothed
}

// LastRaw returns the most recent unsmoothed rate, if any was computed.
func (e *DrainEstimator) LastRaw() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.last == nil {
		return 0, false
	}
	return *e.last, true
}
