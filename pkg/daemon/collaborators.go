package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rpi-weather-display/epaperd/pkg/battery"
	"github.com/rpi-weather-display/epaperd/pkg/config"
	"github.com/rpi-weather-display/epaperd/pkg/events"
	"github.com/rpi-weather-display/epaperd/pkg/hardware"
	"github.com/rpi-weather-display/epaperd/pkg/power"
	"github.com/rpi-weather-display/epaperd/pkg/powerinfo"
	"github.com/rpi-weather-display/epaperd/pkg/quiethours"
)

const (
	// fullRefreshEvery is how often a partial-refresh display gets a full
	// refresh to clear ghosting.
	fullRefreshEvery = 10
	fullRefreshCost  = 1.5

	// criticalWakeupMinutes is the wakeup armed when shutting down on a
	// critical battery.
	criticalWakeupMinutes = 720
)

// commandRunner runs the display command and returns its combined output.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// collaborators implements scheduler.Collaborators on top of the power
// manager, the render server, the display command and the wakeup hardware.
type collaborators struct {
	cfg   *config.Config
	mgr   *power.Manager
	hub   *events.EventHub
	waker hardware.Waker

	httpClient *http.Client
	run        commandRunner
	now        func() time.Time

	mu        sync.Mutex
	refreshes int
}

func newCollaborators(cfg *config.Config, mgr *power.Manager, hub *events.EventHub, waker hardware.Waker) *collaborators {
	return &collaborators{
		cfg:        cfg,
		mgr:        mgr,
		hub:        hub,
		waker:      waker,
		httpClient: &http.Client{Timeout: cfg.Server.Timeout},
		run:        execRunner,
		now:        time.Now,
	}
}

func (c *collaborators) BatteryStatus(ctx context.Context) powerinfo.BatteryStatus {
	return c.mgr.BatteryStatus(ctx)
}

type renderBattery struct {
	Level       int                    `json:"level"`
	State       powerinfo.BatteryState `json:"state"`
	Voltage     float64                `json:"voltage"`
	Current     float64                `json:"current"`
	Temperature float64                `json:"temperature"`
}

type renderRequest struct {
	Battery renderBattery  `json:"battery"`
	Metrics map[string]any `json:"metrics"`
}

func (c *collaborators) renderRequest() renderRequest {
	st, _, ok := c.mgr.LastStatus()
	if !ok {
		st = powerinfo.UnknownStatus(c.now())
	}
	metrics := map[string]any{
		"power_state":         c.mgr.CurrentState().String(),
		"drain_rate":          c.mgr.DrainRate(),
		"drain_rate_abnormal": c.mgr.IsDischargeRateAbnormal(),
	}
	if life := c.mgr.ExpectedBatteryLife(); life != nil {
		metrics["expected_battery_life"] = *life
	}
	return renderRequest{
		Battery: renderBattery{
			Level:       st.Level,
			State:       st.State,
			Voltage:     st.Voltage,
			Current:     st.Current,
			Temperature: st.Temperature,
		},
		Metrics: metrics,
	}
}

func (c *collaborators) newBackOff(ctx context.Context) backoff.BackOff {
	r := c.cfg.Power.Retry
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.InitialDelay
	b.MaxInterval = r.MaxDelay
	b.Multiplier = r.Factor
	b.RandomizationFactor = r.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	retries := 0
	if r.MaxAttempts > 1 {
		retries = r.MaxAttempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// UpdateWeather fetches a freshly rendered image from the server and
// replaces the image on disk.
func (c *collaborators) UpdateWeather(ctx context.Context) error {
	body, err := json.Marshal(c.renderRequest())
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode render request")
	}

	url := c.cfg.Server.RenderURL()
	attempts := 0
	var image []byte
	op := func() error {
		attempts++
		b, err := c.fetchImage(ctx, url, body)
		if err != nil {
			return err
		}
		image = b
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logrus.WithError(err).WithFields(logrus.Fields{
			"url":     url,
			"attempt": attempts,
			"retryIn": wait,
		}).Warn("weather update failed, retrying")
	}

	ev := events.WeatherUpdateEvent{Ts: c.now().Unix()}
	err = backoff.RetryNotify(op, c.newBackOff(ctx), notify)
	if err == nil {
		err = writeFileAtomic(c.cfg.Display.ImagePath, image)
	}
	ev.Attempts = attempts
	ev.Bytes = len(image)
	if err != nil {
		ev.Error = err.Error()
		c.hub.Publish(events.WeatherUpdate, ev)
		return pkgerrors.Wrap(err, "weather update failed")
	}
	c.hub.Publish(events.WeatherUpdate, ev)

	logrus.WithFields(logrus.Fields{
		"bytes":    len(image),
		"attempts": attempts,
		"path":     c.cfg.Display.ImagePath,
	}).Info("weather image updated")
	return nil
}

func (c *collaborators) fetchImage(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(pkgerrors.Wrap(err, "failed to build render request"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to reach %s", url)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read render response")
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("render server returned %s: %s", resp.Status, strings.TrimSpace(string(b)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("render server returned an empty image")
	}
	return b, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "failed to create %s", dir)
	}
	f, err := os.CreateTemp(dir, ".image-*")
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create temp image")
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return pkgerrors.Wrap(err, "failed to write temp image")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return pkgerrors.Wrap(err, "failed to close temp image")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return pkgerrors.Wrapf(err, "failed to move image to %s", path)
	}
	return nil
}

// wantFullRefresh decides whether this refresh clears the panel. Without
// partial refresh support every refresh is full.
func (c *collaborators) wantFullRefresh() bool {
	if !c.cfg.Display.PartialRefresh {
		return true
	}
	c.mu.Lock()
	c.refreshes++
	n := c.refreshes
	c.mu.Unlock()
	if n%fullRefreshEvery != 0 {
		return false
	}
	return c.mgr.CanPerformOperation(power.OpDisplayFullRefresh, fullRefreshCost)
}

// RefreshDisplay draws the current image, fetching one first if none
// exists yet.
func (c *collaborators) RefreshDisplay(ctx context.Context) error {
	img := c.cfg.Display.ImagePath
	if _, err := os.Stat(img); errors.Is(err, os.ErrNotExist) {
		logrus.WithField("path", img).Info("no weather image yet, updating first")
		if err := c.UpdateWeather(ctx); err != nil {
			return pkgerrors.Wrap(err, "no image to display")
		}
	}

	if len(c.cfg.Display.Command) == 0 {
		return errors.New("no display command configured")
	}

	var sp *powerinfo.BatteryStatus
	if st, _, ok := c.mgr.LastStatus(); ok && st.Known() {
		sp = &st
	}
	th := battery.Thresholds(sp, c.cfg.Display)
	full := c.wantFullRefresh()

	args := append([]string(nil), c.cfg.Display.Command[1:]...)
	args = append(args, img,
		"--pixel-threshold", strconv.Itoa(th.PixelDiff),
		"--min-changed-pixels", strconv.Itoa(th.MinChangedPixels))
	if full {
		args = append(args, "--full")
	}

	ev := events.DisplayRefreshEvent{
		Full:             full,
		Band:             th.Band.String(),
		PixelDiff:        th.PixelDiff,
		MinChangedPixels: th.MinChangedPixels,
		Ts:               c.now().Unix(),
	}

	logger := logrus.WithFields(logrus.Fields{
		"command": c.cfg.Display.Command[0],
		"band":    th.Band,
		"full":    full,
	})
	out, err := c.run(ctx, c.cfg.Display.Command[0], args...)
	if err != nil {
		err = pkgerrors.Wrapf(err, "display command failed: %s", strings.TrimSpace(string(out)))
		ev.Error = err.Error()
		c.hub.Publish(events.DisplayRefresh, ev)
		return err
	}
	c.hub.Publish(events.DisplayRefresh, ev)
	logger.Info("display refreshed")
	return nil
}

// ScheduleWakeup arms the wakeup alarm and powers off. With dynamic
// wakeup enabled the requested minutes are adjusted to the battery.
func (c *collaborators) ScheduleWakeup(ctx context.Context, minutes int) bool {
	if c.cfg.Power.DynamicWakeup {
		inQuiet := quiethours.IsQuietHours(c.cfg.Power.QuietHoursStart, c.cfg.Power.QuietHoursEnd, c.now())
		adjusted := c.mgr.DynamicWakeupMinutes(minutes, inQuiet)
		logrus.WithFields(logrus.Fields{
			"requested": minutes,
			"adjusted":  adjusted,
			"state":     c.mgr.CurrentState(),
		}).Debug("dynamic wakeup applied")
		minutes = adjusted
	}
	return c.waker.ScheduleWakeup(ctx, minutes)
}
