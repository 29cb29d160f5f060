package battery

import (
	"sync"

	"github.com/rpi-weather-display/epaperd/pkg/powerinfo"
)

// HistorySize is the number of readings kept for drain estimation.
const HistorySize = 24

// History records the last N battery readings. When full, the oldest
// reading is evicted first.
type History struct {
	MaxRecordCount int
	records        []powerinfo.BatteryStatus
	mu             *sync.Mutex
}

// NewHistory returns an empty History holding at most maxRecordCount readings.
func NewHistory(maxRecordCount int) *History {
	return &History{
		MaxRecordCount: maxRecordCount,
		records:        make([]powerinfo.BatteryStatus, 0, maxRecordCount),
		mu:             &sync.Mutex{},
	}
}

// AddRecord appends a reading.
func (h *History) AddRecord(s powerinfo.BatteryStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Strip monotonic clock reading so elapsed times stay correct across
	// system sleep.
	s.Timestamp = s.Timestamp.Round(0)

	if len(h.records) >= h.MaxRecordCount {
		h.records = h.records[1:]
	}
	h.records = append(h.records, s)
}

// ClearRecords removes all readings.
func (h *History) ClearRecords() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records = make([]powerinfo.BatteryStatus, 0, h.MaxRecordCount)
}

// Len returns the number of readings held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.records)
}

// NewestFirst returns a copy of the readings, most recent first.
func (h *History) NewestFirst() []powerinfo.BatteryStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]powerinfo.BatteryStatus, len(h.records))
	for i, r := range h.records {
		out[len(h.records)-1-i] = r
	}
	return out
}

// Latest returns the most recent reading.
func (h *History) Latest() (powerinfo.BatteryStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.records) == 0 {
		return powerinfo.BatteryStatus{}, false
	}
	return h.records[len(h.records)-1], true
}
