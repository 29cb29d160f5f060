package battery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpi-weather-display/epaperd/pkg/powerinfo"
)

func TestHistoryEvictsOldest(t *testing.T) {
	h := NewHistory(HistorySize)
	for i := 0; i < HistorySize+5; i++ {
		h.AddRecord(reading(100-i, powerinfo.Discharging, time.Duration(i)*time.Minute))
	}

	require.Equal(t, HistorySize, h.Len())

	got := h.NewestFirst()
	assert.Equal(t, 100-(HistorySize+4), got[0].Level)
	assert.Equal(t, 100-5, got[len(got)-1].Level)

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, got[0], latest)
}

func TestHistoryNewestFirstIsACopy(t *testing.T) {
	h := NewHistory(3)
	h.AddRecord(reading(50, powerinfo.Discharging, 0))

	got := h.NewestFirst()
	got[0].Level = 1

	latest, _ := h.Latest()
	assert.Equal(t, 50, latest.Level)
}

func TestHistoryClear(t *testing.T) {
	h := NewHistory(3)
	h.AddRecord(reading(50, powerinfo.Discharging, 0))
	h.ClearRecords()

	assert.Equal(t, 0, h.Len())
	_, ok := h.Latest()
	assert.False(t, ok)
}
