package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rpi-weather-display/epaperd/pkg/events"
)

func NewHistoryCommand() *cobra.Command {
	var (
		persisted bool
		limit     int
	)

	cmd := &cobra.Command{
		Use:     "history",
		GroupID: gBasic,
		Short:   "Show recent battery readings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := apiClient.GetHistory(persisted, limit)
			if err != nil {
				return err
			}
			if len(h) == 0 {
				cmd.Println("no readings recorded yet")
				return nil
			}
			for _, s := range h {
				cmd.Printf("%s  %s  %s  %.2f V  %+.0f mA\n",
					s.Timestamp.Local().Format(time.DateTime), levelText(s.Level), batteryStateText(s.State), s.Voltage, s.Current)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVar(&persisted, "persisted", false, "read the on-disk store instead of the in-memory history")
	f.IntVar(&limit, "limit", 24, "number of stored readings to show with --persisted")

	return cmd
}

func NewQuietHoursCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "quiet-hours",
		GroupID: gBasic,
		Short:   "Show the quiet hours window and when it next changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			qh, err := apiClient.GetQuietHours()
			if err != nil {
				return err
			}
			cmd.Printf("Quiet hours: %s-%s %s\n", qh.Start, qh.End, quietText(qh.Active))
			if qh.SecondsUntilChange < 0 {
				cmd.Println(color.RedString("  quiet hours are misconfigured"))
				return nil
			}
			next := "start"
			if qh.Active {
				next = "end"
			}
			cmd.Printf("  Will %s in %s\n", next, bold("%s", time.Duration(qh.SecondsUntilChange*float64(time.Second)).Round(time.Minute)))
			return nil
		},
	}
}

func NewWakeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "wake",
		GroupID: gAdvanced,
		Short:   "Interrupt the daemon's sleep and run the loop now",
		RunE: func(_ *cobra.Command, _ []string) error {
			ret, err := apiClient.Wake()
			if err != nil {
				return err
			}
			logrus.Infof("daemon responded: %s", ret)
			return nil
		},
	}
}

func NewLowPowerCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "low-power",
		GroupID: gAdvanced,
		Short:   "Force the CONSERVING power state until the next battery reading",
		RunE: func(_ *cobra.Command, _ []string) error {
			st, err := apiClient.EnterLowPower()
			if err != nil {
				return err
			}
			logrus.Infof("power state is now %s", st)
			return nil
		},
	}
}

func NewEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "events",
		GroupID: gAdvanced,
		Short:   "Stream daemon events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ch, err := apiClient.SubscribeEvents(cmd.Context())
			if err != nil {
				return err
			}
			for ev := range ch {
				cmd.Println(formatEvent(ev))
			}
			return nil
		},
	}
}

func formatEvent(ev events.Event) string {
	switch ev.Name {
	case events.PowerState:
		if p, err := events.DecodeAs[events.PowerStateEvent](ev); err == nil {
			return fmt.Sprintf("%s power state %s -> %s at %d%%", bold("%s", ev.Name), p.From, powerStateName(p.To), p.Level)
		}
	case events.DisplayRefresh:
		if p, err := events.DecodeAs[events.DisplayRefreshEvent](ev); err == nil {
			if p.Error != "" {
				return fmt.Sprintf("%s failed: %s", bold("%s", ev.Name), color.RedString(p.Error))
			}
			return fmt.Sprintf("%s full=%t band=%s", bold("%s", ev.Name), p.Full, p.Band)
		}
	case events.WeatherUpdate:
		if p, err := events.DecodeAs[events.WeatherUpdateEvent](ev); err == nil {
			if p.Error != "" {
				return fmt.Sprintf("%s failed after %d attempts: %s", bold("%s", ev.Name), p.Attempts, color.RedString(p.Error))
			}
			return fmt.Sprintf("%s %d bytes", bold("%s", ev.Name), p.Bytes)
		}
	}
	return fmt.Sprintf("%s %s", bold("%s", ev.Name), string(ev.Data))
}

func powerStateName(s string) string {
	switch s {
	case "CRITICAL":
		return color.RedString(s)
	case "CONSERVING":
		return color.YellowString(s)
	default:
		return s
	}
}
