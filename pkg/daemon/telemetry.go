package daemon

import (
	"context"

	client "github.com/influxdata/influxdb1-client/v2"
	pkgerrors "github.com/pkg/errors"

	"github.com/rpi-weather-display/epaperd/pkg/config"
	"github.com/rpi-weather-display/epaperd/pkg/power"
)

const (
	measurementBattery = "battery"
	telemetryCost      = 0.3
)

// InfluxRecorder writes every battery reading to InfluxDB.
type InfluxRecorder struct {
	conn     client.Client
	database string
	// allow gates writes on the power state. nil allows everything.
	allow func(op string, cost float64) bool
}

func NewInfluxRecorder(t config.Telemetry) (*InfluxRecorder, error) {
	conn, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:     t.InfluxAddr,
		Username: t.InfluxUser,
		Password: t.InfluxPassword,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create influx client")
	}
	return &InfluxRecorder{conn: conn, database: t.InfluxDatabase}, nil
}

func (r *InfluxRecorder) RecordReading(_ context.Context, reading power.Reading) error {
	if r.allow != nil && !r.allow(power.OpTelemetry, telemetryCost) {
		return nil
	}

	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  r.database,
		Precision: "s",
	})
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create batch points")
	}

	st := reading.Status
	tags := map[string]string{
		"source":      reading.Diagnostics.Source,
		"state":       st.State.String(),
		"power_state": reading.State.String(),
	}
	fields := map[string]interface{}{
		"level":       st.Level,
		"voltage":     st.Voltage,
		"current":     st.Current,
		"temperature": st.Temperature,
		"drain_rate":  reading.DrainRate,
		"fault":       reading.Diagnostics.Fault,
	}
	p, err := client.NewPoint(measurementBattery, tags, fields, st.Timestamp)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create point")
	}
	bp.AddPoint(p)

	if err := r.conn.Write(bp); err != nil {
		return pkgerrors.Wrap(err, "failed to write to influx")
	}
	return nil
}

func (r *InfluxRecorder) Close() error {
	return r.conn.Close()
}
