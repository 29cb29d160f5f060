package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rpi-weather-display/epaperd/pkg/powerinfo"
	"github.com/rpi-weather-display/epaperd/pkg/types"
)

func NewStatusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current battery, power and schedule status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.GetStatus(false)
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			renderStatus(cmd.OutOrStdout(), st, time.Now())
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status as JSON")

	return cmd
}

func renderStatus(w io.Writer, st *types.Status, now time.Time) {
	p := st.Power

	fmt.Fprintln(w, bold("Battery:"))
	if p.Status == nil || !p.Status.Known() {
		fmt.Fprintf(w, "  Level: %s\n", color.YellowString("unknown"))
	} else {
		fmt.Fprintf(w, "  Level: %s\n", levelText(p.Status.Level))
		fmt.Fprintf(w, "  State: %s\n", batteryStateText(p.Status.State))
		fmt.Fprintf(w, "  Voltage: %s\n", bold("%.2f V", p.Status.Voltage))
		fmt.Fprintf(w, "  Current: %s\n", bold("%+.0f mA", p.Status.Current))
		fmt.Fprintf(w, "  Temperature: %s\n", bold("%.1f °C", p.Status.Temperature))
	}
	if p.Diagnostics != nil {
		fmt.Fprintf(w, "  Source: %s, power input: %s\n", p.Diagnostics.Source, p.Diagnostics.PowerInput)
		if p.Diagnostics.Fault {
			fmt.Fprintf(w, "  Fault: %s\n", color.New(color.Bold, color.FgRed).Sprint("yes"))
		}
		if p.Diagnostics.Error != "" {
			fmt.Fprintf(w, "  Last error: %s\n", color.RedString(p.Diagnostics.Error))
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, bold("Power:"))
	fmt.Fprintf(w, "  State: %s\n", powerStateText(p.State))
	drain := bold("%.2f %%/h", p.DrainRate)
	if p.AbnormalDrain {
		drain += color.RedString(" (abnormal)")
	}
	fmt.Fprintf(w, "  Drain rate: %s\n", drain)
	if p.ExpectedBatteryLife != nil {
		fmt.Fprintf(w, "  Expected battery life: %s\n", bold("~%.1f hours", *p.ExpectedBatteryLife))
	}
	fmt.Fprintf(w, "  Display thresholds: %s (pixel diff %d, min changed pixels %d)\n",
		bold("%s", st.Thresholds.Band), st.Thresholds.PixelDiff, st.Thresholds.MinChangedPixels)
	fmt.Fprintln(w)

	s := st.Scheduler
	fmt.Fprintln(w, bold("Schedule:"))
	fmt.Fprintf(w, "  Running: %s\n", bool2Text(s.Running))
	fmt.Fprintf(w, "  Last weather update: %s\n", agoText(s.LastUpdate, now))
	fmt.Fprintf(w, "  Last display refresh: %s\n", agoText(s.LastRefresh, now))
	if s.NextWake != nil {
		fmt.Fprintf(w, "  Next wake: %s\n", bold("%s", s.NextWake.Local().Format(time.Kitchen)))
	}
	fmt.Fprintf(w, "  Quiet hours: %s-%s %s\n", st.QuietHours.Start, st.QuietHours.End, quietText(st.QuietHours.Active))
}

func levelText(level int) string {
	switch {
	case level <= 10:
		return color.New(color.Bold, color.FgRed).Sprintf("%d%%", level)
	case level <= 20:
		return color.New(color.Bold, color.FgYellow).Sprintf("%d%%", level)
	default:
		return color.New(color.Bold, color.FgGreen).Sprintf("%d%%", level)
	}
}

func batteryStateText(s powerinfo.BatteryState) string {
	switch s {
	case powerinfo.Charging, powerinfo.Full:
		return color.GreenString(s.String())
	case powerinfo.Discharging:
		return color.YellowString(s.String())
	default:
		return s.String()
	}
}

func powerStateText(s powerinfo.PowerState) string {
	switch s {
	case powerinfo.PowerCritical:
		return color.New(color.Bold, color.FgRed).Sprint(s.String())
	case powerinfo.PowerConserving:
		return color.New(color.Bold, color.FgYellow).Sprint(s.String())
	default:
		return color.New(color.Bold, color.FgGreen).Sprint(s.String())
	}
}

func quietText(active bool) string {
	if active {
		return color.YellowString("(active)")
	}
	return "(inactive)"
}

func agoText(t *time.Time, now time.Time) string {
	if t == nil {
		return "never"
	}
	return bold("%s ago", now.Sub(*t).Round(time.Second))
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}
