package client

import (
	"encoding/json"
	"fmt"
	"strconv"

	pkgerrors "github.com/pkg/errors"

	"github.com/rpi-weather-display/epaperd/pkg/config"
	"github.com/rpi-weather-display/epaperd/pkg/powerinfo"
	"github.com/rpi-weather-display/epaperd/pkg/types"
)

func getJSON[T any](c *Client, path, what string) (*T, error) {
	ret, err := c.Get(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get %s", what)
	}
	var v T
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal %s", what)
	}
	return &v, nil
}

func (c *Client) GetStatus(withHistory bool) (*types.Status, error) {
	path := "/status"
	if withHistory {
		path += "?history=true"
	}
	return getJSON[types.Status](c, path, "status")
}

// GetHistory returns the in-memory history, newest first. With persisted
// set it returns up to limit stored readings, oldest first.
func (c *Client) GetHistory(persisted bool, limit int) ([]powerinfo.BatteryStatus, error) {
	path := "/history"
	if persisted {
		path += "?persisted=true"
		if limit > 0 {
			path += "&limit=" + strconv.Itoa(limit)
		}
	}
	h, err := getJSON[[]powerinfo.BatteryStatus](c, path, "history")
	if err != nil {
		return nil, err
	}
	return *h, nil
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	return getJSON[config.RawFileConfig](c, "/config", "config")
}

func (c *Client) GetQuietHours() (*types.QuietHours, error) {
	return getJSON[types.QuietHours](c, "/quiet-hours", "quiet hours")
}

func (c *Client) GetVersion() (string, error) {
	v, err := getJSON[string](c, "/version", "version")
	if err != nil {
		return "", err
	}
	return *v, nil
}

// Wake interrupts the daemon's current sleep.
func (c *Client) Wake() (string, error) {
	ret, err := c.Post("/wake", "")
	if err != nil {
		return "", pkgerrors.Wrap(err, "failed to wake daemon")
	}
	return unquote(ret), nil
}

// EnterLowPower forces the CONSERVING state until the next battery reading.
func (c *Client) EnterLowPower() (powerinfo.PowerState, error) {
	ret, err := c.Put("/low-power", "")
	if err != nil {
		return 0, pkgerrors.Wrap(err, "failed to enter low power mode")
	}
	var st powerinfo.PowerState
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return 0, fmt.Errorf("failed to unmarshal power state: %w", err)
	}
	return st, nil
}

func unquote(s string) string {
	var v string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}
