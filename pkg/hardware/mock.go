package hardware

import (
	"context"
	"time"

	"github.com/rpi-weather-display/epaperd/pkg/powerinfo"
)

const (
	SourceMock = "mock"
	SourceNone = "none"
)

// MockReader reports a fixed healthy battery. It is used in development
// mode on machines without battery hardware.
type MockReader struct {
	now func() time.Time
}

func NewMockReader() *MockReader {
	return &MockReader{now: time.Now}
}

func (r *MockReader) ReadBattery(context.Context) (powerinfo.BatteryStatus, powerinfo.Diagnostics, error) {
	s := powerinfo.NewBatteryStatus(75, 3.8, -100, 25, powerinfo.Unknown, r.now())
	diag := powerinfo.UnknownDiagnostics(SourceMock)
	return s, diag, nil
}

// UnavailableReader is used when no battery source is configured.
type UnavailableReader struct{}

func (UnavailableReader) ReadBattery(context.Context) (powerinfo.BatteryStatus, powerinfo.Diagnostics, error) {
	return powerinfo.BatteryStatus{}, powerinfo.UnknownDiagnostics(SourceNone), ErrNoBattery
}
