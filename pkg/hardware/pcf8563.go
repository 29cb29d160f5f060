package hardware

import (
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/i2c"
)

const (
	PCF8563DefaultAddress = 0x51

	pcf8563RegStat2 = 0x01
	pcf8563RegTime  = 0x02
	pcf8563RegAlarm = 0x09

	pcf8563AlarmAF  = 0x01 << 3
	pcf8563TimerTF  = 0x01 << 2
	pcf8563AlarmAIE = 0x01 << 1

	// Setting bit 7 of an alarm register excludes it from matching.
	pcf8563AlarmDisable = 0x80
)

// PCF8563 drives the wakeup alarm of a PCF8563 RTC. The RTC keeps UTC.
type PCF8563 struct {
	dev *i2c.Dev
}

func NewPCF8563(bus i2c.Bus, addr uint16) (*PCF8563, error) {
	if err := bus.Tx(addr, nil, nil); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to find pcf8563 at 0x%02x", addr)
	}
	return &PCF8563{dev: &i2c.Dev{Bus: bus, Addr: addr}}, nil
}

// AlarmTime is the minute, hour and day of month the alarm matches.
type AlarmTime struct {
	Minute int
	Hour   int
	Day    int
}

func (a AlarmTime) String() string {
	return fmt.Sprintf("day: %02d time: %02d:%02d", a.Day, a.Hour, a.Minute)
}

// AlarmTimeFromTime returns the first whole UTC minute at or after t, so the
// alarm never fires before t.
func AlarmTimeFromTime(t time.Time) AlarmTime {
	t = t.UTC()
	at := t.Truncate(time.Minute)
	if at.Before(t) {
		at = at.Add(time.Minute)
	}
	return AlarmTime{
		Minute: at.Minute(),
		Hour:   at.Hour(),
		Day:    at.Day(),
	}
}

func (rtc *PCF8563) GetTime() (time.Time, error) {
	data := make([]byte, 7)
	if err := readBytes(rtc.dev, pcf8563RegTime, data); err != nil {
		return time.Time{}, err
	}

	seconds := fromBCD(data[0] & 0x7F)
	minutes := fromBCD(data[1] & 0x7F)
	hours := fromBCD(data[2] & 0x3F)
	days := fromBCD(data[3] & 0x3F)
	months := fromBCD(data[5] & 0x1F)
	years := 2000 + fromBCD(data[6])

	return time.Date(years, time.Month(months), days, hours, minutes, seconds, 0, time.UTC), nil
}

func (rtc *PCF8563) SetAlarmTime(a AlarmTime) error {
	logrus.WithField("alarm", a.String()).Debug("setting rtc alarm (UTC)")
	err := writeBytes(rtc.dev, []byte{
		pcf8563RegAlarm,
		toBCD(a.Minute),
		toBCD(a.Hour),
		toBCD(a.Day),
		pcf8563AlarmDisable, // weekday
	})
	if err != nil {
		return pkgerrors.Wrap(err, "failed to write alarm registers")
	}

	got, err := rtc.ReadAlarmTime()
	if err != nil {
		return err
	}
	if got != a {
		return pkgerrors.Errorf("alarm readback mismatch: got %s, want %s", got, a)
	}
	return nil
}

func (rtc *PCF8563) ReadAlarmTime() (AlarmTime, error) {
	b := make([]byte, 4)
	if err := readBytes(rtc.dev, pcf8563RegAlarm, b); err != nil {
		return AlarmTime{}, pkgerrors.Wrap(err, "failed to read alarm registers")
	}
	return AlarmTime{
		Minute: fromBCD(b[0] & 0x7F),
		Hour:   fromBCD(b[1] & 0x3F),
		Day:    fromBCD(b[2] & 0x3F),
	}, nil
}

// EnableAlarm clears a pending alarm flag and enables the alarm interrupt.
func (rtc *PCF8563) EnableAlarm() error {
	stat, err := readByte(rtc.dev, pcf8563RegStat2)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to read control status 2")
	}

	// Writing 1 to TF leaves the timer flag untouched; writing 0 to AF
	// clears it.
	stat |= pcf8563TimerTF
	stat &^= pcf8563AlarmAF
	stat |= pcf8563AlarmAIE
	if err := writeByte(rtc.dev, pcf8563RegStat2, stat); err != nil {
		return pkgerrors.Wrap(err, "failed to write control status 2")
	}

	enabled, err := rtc.AlarmEnabled()
	if err != nil {
		return err
	}
	if !enabled {
		return pkgerrors.New("alarm interrupt did not enable")
	}
	return nil
}

func (rtc *PCF8563) AlarmEnabled() (bool, error) {
	stat, err := readByte(rtc.dev, pcf8563RegStat2)
	if err != nil {
		return false, pkgerrors.Wrap(err, "failed to read control status 2")
	}
	return stat&pcf8563AlarmAIE == pcf8563AlarmAIE, nil
}

// ArmAlarm sets the alarm for t and enables it.
func (rtc *PCF8563) ArmAlarm(t time.Time) error {
	if err := rtc.SetAlarmTime(AlarmTimeFromTime(t)); err != nil {
		return err
	}
	return rtc.EnableAlarm()
}
