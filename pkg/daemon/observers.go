package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/gregdel/pushover"
	"github.com/sirupsen/logrus"

	"github.com/rpi-weather-display/epaperd/pkg/events"
	"github.com/rpi-weather-display/epaperd/pkg/power"
	"github.com/rpi-weather-display/epaperd/pkg/powerinfo"
)

const shutdownTimeout = 30 * time.Second

// Notifier sends a push notification.
type Notifier interface {
	SendMessageWithTitle(message, title string) error
}

// pushoverNotifier wraps a Pushover client and its recipient.
type pushoverNotifier struct {
	push      *pushover.Pushover
	recipient *pushover.Recipient
}

func newPushoverNotifier(token, user string) *pushoverNotifier {
	return &pushoverNotifier{
		push:      pushover.New(token),
		recipient: pushover.NewRecipient(user),
	}
}

func (p *pushoverNotifier) SendMessageWithTitle(message, title string) error {
	_, err := p.push.SendMessage(pushover.NewMessageWithTitle(message, title), p.recipient)
	return err
}

// eventObserver publishes every transition on the hub.
func eventObserver(mgr *power.Manager, hub *events.EventHub) power.Observer {
	return func(old, next powerinfo.PowerState) {
		level := 0
		if st, _, ok := mgr.LastStatus(); ok {
			level = st.Level
		}
		hub.Publish(events.PowerState, events.PowerStateEvent{
			From:  old.String(),
			To:    next.String(),
			Level: level,
			Ts:    time.Now().Unix(),
		})
	}
}

// notifyObserver pushes a warning when the battery turns low or critical.
func notifyObserver(mgr *power.Manager, n Notifier) power.Observer {
	return func(old, next powerinfo.PowerState) {
		if next != powerinfo.PowerCritical && next != powerinfo.PowerConserving {
			return
		}
		if !mgr.CanPerformOperation(power.OpLowBatteryWarning, 0.1) {
			return
		}

		level := 0
		if st, _, ok := mgr.LastStatus(); ok {
			level = st.Level
		}
		title := "Weather display battery low"
		if next == powerinfo.PowerCritical {
			title = "Weather display battery critical"
		}
		msg := fmt.Sprintf("Battery at %d%%, power state %s (was %s).", level, next, old)
		if life := mgr.ExpectedBatteryLife(); life != nil {
			msg += fmt.Sprintf(" About %.1f hours left.", *life)
		}

		if err := n.SendMessageWithTitle(msg, title); err != nil {
			logrus.WithError(err).Warn("failed to send battery notification")
			return
		}
		logrus.WithField("state", next).Info("battery notification sent")
	}
}

// criticalShutdownObserver arms a long wakeup and powers off when the
// battery becomes critical. stop is called once the power off is
// accepted.
func criticalShutdownObserver(c *collaborators, stop func()) power.Observer {
	return func(_, next powerinfo.PowerState) {
		if next != powerinfo.PowerCritical {
			return
		}
		if c.cfg.Debug {
			logrus.Warn("battery critical, not shutting down in debug mode")
			return
		}
		logrus.Warn("battery critical, shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if !c.ScheduleWakeup(ctx, criticalWakeupMinutes) {
			logrus.Error("critical shutdown failed, continuing to run")
			return
		}
		if stop != nil {
			stop()
		}
	}
}
