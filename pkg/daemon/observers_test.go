package daemon

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpi-weather-display/epaperd/pkg/events"
	"github.com/rpi-weather-display/epaperd/pkg/powerinfo"
)

type sentMessage struct {
	title, message string
}

type fakeNotifier struct {
	err  error
	sent []sentMessage
}

func (n *fakeNotifier) SendMessageWithTitle(message, title string) error {
	n.sent = append(n.sent, sentMessage{title: title, message: message})
	return n.err
}

func TestNotifyObserver(t *testing.T) {
	tests := []struct {
		name      string
		next      powerinfo.PowerState
		wantTitle string
	}{
		{name: "conserving", next: powerinfo.PowerConserving, wantTitle: "Weather display battery low"},
		{name: "critical", next: powerinfo.PowerCritical, wantTitle: "Weather display battery critical"},
		{name: "normal is silent", next: powerinfo.PowerNormal},
		{name: "charging is silent", next: powerinfo.PowerCharging},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 15, powerinfo.Discharging)
			f.read(t)
			n := &fakeNotifier{}

			notifyObserver(f.mgr, n)(powerinfo.PowerNormal, tt.next)

			if tt.wantTitle == "" {
				assert.Empty(t, n.sent)
				return
			}
			require.Len(t, n.sent, 1)
			assert.Equal(t, tt.wantTitle, n.sent[0].title)
			assert.Contains(t, n.sent[0].message, "Battery at 15%")
		})
	}
}

func TestNotifyObserverSendFailure(t *testing.T) {
	f := newFixture(t, 15, powerinfo.Discharging)
	n := &fakeNotifier{err: errors.New("pushover down")}
	assert.NotPanics(t, func() {
		notifyObserver(f.mgr, n)(powerinfo.PowerNormal, powerinfo.PowerConserving)
	})
	assert.Len(t, n.sent, 1)
}

func TestCriticalShutdownObserver(t *testing.T) {
	t.Run("arms long wakeup and stops", func(t *testing.T) {
		f := newFixture(t, 5, powerinfo.Discharging)
		f.cfg.Power.DynamicWakeup = false
		stopped := false

		criticalShutdownObserver(f.c, func() { stopped = true })(powerinfo.PowerConserving, powerinfo.PowerCritical)

		assert.Equal(t, []int{criticalWakeupMinutes}, f.waker.minutes)
		assert.True(t, stopped)
	})

	t.Run("keeps running when power off fails", func(t *testing.T) {
		f := newFixture(t, 5, powerinfo.Discharging)
		f.waker.ok = false
		stopped := false

		criticalShutdownObserver(f.c, func() { stopped = true })(powerinfo.PowerConserving, powerinfo.PowerCritical)

		assert.Len(t, f.waker.minutes, 1)
		assert.False(t, stopped)
	})

	t.Run("debug never powers off", func(t *testing.T) {
		f := newFixture(t, 5, powerinfo.Discharging)
		f.cfg.Debug = true
		stopped := false

		criticalShutdownObserver(f.c, func() { stopped = true })(powerinfo.PowerConserving, powerinfo.PowerCritical)

		assert.Empty(t, f.waker.minutes)
		assert.False(t, stopped)
	})

	t.Run("ignores other transitions", func(t *testing.T) {
		f := newFixture(t, 50, powerinfo.Discharging)
		criticalShutdownObserver(f.c, nil)(powerinfo.PowerNormal, powerinfo.PowerConserving)
		assert.Empty(t, f.waker.minutes)
	})
}

func TestObserversOnManager(t *testing.T) {
	f := newFixture(t, 50, powerinfo.Discharging)
	n := &fakeNotifier{}
	f.mgr.Subscribe(eventObserver(f.mgr, f.hub))
	f.mgr.Subscribe(notifyObserver(f.mgr, n))
	ch := f.hub.Subscribe()

	f.read(t)
	assert.Empty(t, n.sent)
	assert.Len(t, ch, 0)

	f.reader.set(15, powerinfo.Discharging)
	f.read(t)

	require.Len(t, n.sent, 1)
	payload, err := events.DecodeAs[events.PowerStateEvent](<-ch)
	require.NoError(t, err)
	assert.Equal(t, "NORMAL", payload.From)
	assert.Equal(t, "CONSERVING", payload.To)
	assert.Equal(t, 15, payload.Level)
}
