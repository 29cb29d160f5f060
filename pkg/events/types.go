package events

import "encoding/json"

// Event names published by the daemon.
const (
	PowerState     = "power.state"
	DisplayRefresh = "display.refresh"
	WeatherUpdate  = "weather.update"
)

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// PowerStateEvent is the payload of power.state.
type PowerStateEvent struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Level int    `json:"level"`
	Ts    int64  `json:"ts"`
}

// DisplayRefreshEvent is the payload of display.refresh.
type DisplayRefreshEvent struct {
	Full             bool   `json:"full"`
	Band             string `json:"band"`
	PixelDiff        int    `json:"pixelDiff"`
	MinChangedPixels int    `json:"minChangedPixels"`
	Error            string `json:"error,omitempty"`
	Ts               int64  `json:"ts"`
}

// WeatherUpdateEvent is the payload of weather.update.
type WeatherUpdateEvent struct {
	Bytes    int    `json:"bytes"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
	Ts       int64  `json:"ts"`
}

// DecodeAs decodes the event payload into T. Empty data yields the zero
// value of T.
//
// Example:
//
//	payload, err := events.DecodeAs[events.PowerStateEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.From, payload.To)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
