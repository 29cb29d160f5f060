package hardware

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/godbus/dbus"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	login1Name = "org.freedesktop.login1"
	login1Path = "/org/freedesktop/login1"
)

var (
	loginPowerOff = func() error {
		conn, err := dbus.SystemBus()
		if err != nil {
			return err
		}
		return conn.Object(login1Name, dbus.ObjectPath(login1Path)).
			Call(login1Name+".Manager.PowerOff", 0, false).Err
	}
	runPowerOff = func(ctx context.Context) ([]byte, error) {
		return exec.CommandContext(ctx, "/sbin/poweroff").CombinedOutput()
	}
)

// Shutdowner powers the system off.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// SystemShutdown asks logind to power off and falls back to
// /sbin/poweroff.
type SystemShutdown struct{}

func (SystemShutdown) Shutdown(ctx context.Context) error {
	logrus.Info("powering off")

	err := loginPowerOff()
	if err == nil {
		return nil
	}
	logrus.WithError(err).Warn("logind power off failed, falling back to /sbin/poweroff")

	out, err := runPowerOff(ctx)
	if err != nil {
		return pkgerrors.Wrapf(err, "poweroff failed: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

// LogShutdown only logs. It stands in for SystemShutdown in development
// mode.
type LogShutdown struct{}

func (LogShutdown) Shutdown(context.Context) error {
	logrus.Warn("development mode, not powering off")
	return nil
}

// Alarm arms a hardware wakeup.
type Alarm interface {
	ArmAlarm(t time.Time) error
}

// Waker arms a wakeup alarm and powers off.
type Waker interface {
	ScheduleWakeup(ctx context.Context, minutes int) bool
}

// RTCWaker arms an RTC alarm and shuts down.
type RTCWaker struct {
	alarm    Alarm
	shutdown Shutdowner
	now      func() time.Time
}

func NewRTCWaker(alarm Alarm, shutdown Shutdowner) *RTCWaker {
	return &RTCWaker{alarm: alarm, shutdown: shutdown, now: time.Now}
}

// ScheduleWakeup returns true only when the alarm is armed and the power
// off was accepted.
func (w *RTCWaker) ScheduleWakeup(ctx context.Context, minutes int) bool {
	if minutes < 1 {
		minutes = 1
	}
	at := w.now().Add(time.Duration(minutes) * time.Minute)

	if err := w.alarm.ArmAlarm(at); err != nil {
		logrus.WithError(err).Error("failed to arm wakeup alarm")
		return false
	}
	logrus.WithFields(logrus.Fields{
		"minutes": minutes,
		"wakeAt":  at.Format(time.RFC3339),
	}).Info("wakeup alarm armed")

	if err := w.shutdown.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("failed to power off after arming alarm")
		return false
	}
	return true
}

// NoopWaker is used when no RTC is available. It never powers off.
type NoopWaker struct{}

func (NoopWaker) ScheduleWakeup(_ context.Context, minutes int) bool {
	logrus.WithField("minutes", minutes).Debug("no rtc configured, not scheduling wakeup")
	return false
}
