package daemon

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/i2c"

	"github.com/rpi-weather-display/epaperd/pkg/config"
	"github.com/rpi-weather-display/epaperd/pkg/events"
	"github.com/rpi-weather-display/epaperd/pkg/hardware"
	"github.com/rpi-weather-display/epaperd/pkg/power"
	"github.com/rpi-weather-display/epaperd/pkg/scheduler"
	"github.com/rpi-weather-display/epaperd/pkg/store"
)

// historySeed is how many stored readings seed the in-memory history.
const historySeed = 24

// daemon owns every long-lived component. It is built once by Run.
type daemon struct {
	cfg   *config.Config
	mgr   *power.Manager
	sched *scheduler.Scheduler
	hub   *events.EventHub
	store *store.Store

	closers []io.Closer
	bus     i2c.BusCloser
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			logrus.WithError(err).Warn("failed to close resource")
		}
	}
}

// i2cBus opens the configured bus once and shares it between the fuel
// gauge and the RTC.
func (d *daemon) i2cBus() (i2c.Bus, error) {
	if d.bus != nil {
		return d.bus, nil
	}
	bus, err := hardware.OpenI2C(d.cfg.Power.I2CBus)
	if err != nil {
		return nil, err
	}
	d.bus = bus
	d.closers = append(d.closers, bus)
	return bus, nil
}

func (d *daemon) batteryReader() (power.BatteryReader, error) {
	p := d.cfg.Power
	source := p.BatterySource
	if d.cfg.DevelopmentMode && source != config.BatterySourceNone {
		source = config.BatterySourceMock
	}

	switch source {
	case config.BatterySourceSysfs:
		return hardware.NewSysfsReader(), nil
	case config.BatterySourceMAX17040:
		bus, err := d.i2cBus()
		if err != nil {
			return nil, err
		}
		pin, err := hardware.OpenInputPin(p.ACDetectPin, p.ACDetectActiveLow)
		if err != nil {
			logrus.WithError(err).WithField("pin", p.ACDetectPin).Warn("ac detect pin unavailable, charging state will be unknown")
			pin = nil
		}
		return hardware.NewMAX17040Reader(bus, p.FuelGaugeAddress, pin, p.ACDetectActiveLow)
	case config.BatterySourceMock:
		return hardware.NewMockReader(), nil
	default:
		return hardware.UnavailableReader{}, nil
	}
}

func (d *daemon) waker() hardware.Waker {
	if d.cfg.Power.RTC != config.RTCPCF8563 {
		return hardware.NoopWaker{}
	}
	bus, err := d.i2cBus()
	if err != nil {
		logrus.WithError(err).Error("failed to open i2c bus for rtc, deep sleep disabled")
		return hardware.NoopWaker{}
	}
	rtc, err := hardware.NewPCF8563(bus, d.cfg.Power.RTCAddress)
	if err != nil {
		logrus.WithError(err).Error("rtc not found, deep sleep disabled")
		return hardware.NoopWaker{}
	}

	var shutdown hardware.Shutdowner = hardware.SystemShutdown{}
	if d.cfg.DevelopmentMode {
		shutdown = hardware.LogShutdown{}
	}
	return hardware.NewRTCWaker(rtc, shutdown)
}

// managerOptions restores history and drain from the store and attaches
// the recorders.
func (d *daemon) managerOptions(ctx context.Context) []power.Option {
	var opts []power.Option

	if d.cfg.Store.Path != "" {
		s, err := store.Open(d.cfg.Store.Path)
		if err != nil {
			logrus.WithError(err).Warn("failed to open store, battery history will not persist")
		} else {
			d.store = s
			d.closers = append(d.closers, s)
			opts = append(opts, power.WithRecorder(s))

			if h, err := s.LoadHistory(ctx, historySeed); err != nil {
				logrus.WithError(err).Warn("failed to load battery history")
			} else {
				opts = append(opts, power.WithHistory(h))
			}
			if rate, ok, err := s.DrainRate(ctx); err != nil {
				logrus.WithError(err).Warn("failed to load drain rate")
			} else if ok {
				opts = append(opts, power.WithDrainSeed(rate))
			}
			logrus.WithField("runID", s.RunID()).Debug("store opened")
		}
	}

	return opts
}

func (d *daemon) influxRecorder() *InfluxRecorder {
	if d.cfg.Telemetry.InfluxAddr == "" {
		return nil
	}
	r, err := NewInfluxRecorder(d.cfg.Telemetry)
	if err != nil {
		logrus.WithError(err).Warn("telemetry disabled")
		return nil
	}
	d.closers = append(d.closers, r)
	return r
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("failed to parse config during startup: %v", err)
	}
	logrus.WithFields(cfg.LogrusFields()).Infof("config loaded")

	if unixSocketPath == "" {
		unixSocketPath = cfg.Daemon.Socket
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := &daemon{cfg: cfg, hub: events.NewEventHub()}
	defer d.close()

	reader, err := d.batteryReader()
	if err != nil {
		logrus.WithError(err).Error("battery reader unavailable, readings will be unknown")
		reader = hardware.UnavailableReader{}
	}

	opts := d.managerOptions(ctx)
	influx := d.influxRecorder()
	if influx != nil {
		opts = append(opts, power.WithRecorder(influx))
	}
	d.mgr = power.NewManager(cfg.Power, reader, opts...)
	if influx != nil {
		influx.allow = d.mgr.CanPerformOperation
	}

	collab := newCollaborators(cfg, d.mgr, d.hub, d.waker())

	d.mgr.Subscribe(eventObserver(d.mgr, d.hub))
	if cfg.Notify.PushoverToken != "" && cfg.Notify.PushoverUser != "" {
		d.mgr.Subscribe(notifyObserver(d.mgr, newPushoverNotifier(cfg.Notify.PushoverToken, cfg.Notify.PushoverUser)))
	}
	if cfg.Power.CriticalShutdown {
		d.mgr.Subscribe(criticalShutdownObserver(collab, cancel))
	}

	d.sched = scheduler.NewScheduler(cfg, collab)

	srv := &http.Server{
		Handler:           setupRoutes(&server{cfg: cfg, mgr: d.mgr, sched: d.sched, hub: d.hub, store: d.store, done: ctx.Done()}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// A stale socket from a previous boot blocks Listen.
	if err := os.Remove(unixSocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return pkgerrors.Wrapf(err, "failed to remove stale socket %s", unixSocketPath)
	}
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to listen on %s", unixSocketPath)
	}

	if cfg.Daemon.AllowNonRootAccess || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		if err := os.Chmod(unixSocketPath, 0o777); err != nil {
			return pkgerrors.Wrapf(err, "failed to chmod %s", unixSocketPath)
		}
	}

	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("http server failed")
			cancel()
		}
	}()

	schedDone := make(chan error, 1)
	go func() {
		logrus.Debugln("main loop starts")
		schedDone <- d.sched.Run(ctx)
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)

	select {
	case sig := <-sigc:
		logrus.Infof("caught signal \"%s\": shutting down.", sig)
		cancel()
		<-schedDone
	case err := <-schedDone:
		if err != nil {
			logrus.WithError(err).Error("main loop exited")
		} else {
			logrus.Info("main loop finished")
		}
		cancel()
	}

	logrus.Info("shutting down http server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	shutdownCancel()

	logrus.Info("exiting")
	return nil
}
