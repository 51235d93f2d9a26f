package bankd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/TheCacophonyProject/battery-parallelator/bank"
)

// formatStatus writes a snapshot as a table, one row per pack.
func formatStatus(w io.Writer, snap bank.Snapshot) error {
	if snap.Time.IsZero() {
		fmt.Fprintln(w, "No readings yet")
	} else {
		fmt.Fprintf(w, "Readings at %s\n", snap.Time.Format(time.RFC3339))
	}
	if snap.AverageVoltage != nil {
		fmt.Fprintf(w, "Bank %.3fV avg, %.3fV min, %.3fV max\n", *snap.AverageVoltage, snap.MinVoltage, snap.MaxVoltage)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PACK\tPHASE\tVOLTAGE\tCURRENT\tATTEMPTS\tAH\tREASON")
	for _, p := range snap.Packs {
		volts := fmt.Sprintf("%.3fV", p.Voltage)
		amps := fmt.Sprintf("%.3fA", p.Current)
		if p.ReadError != "" {
			volts, amps = "-", "-"
		}
		reason := p.Reason
		switch {
		case p.ReadError != "":
			reason = p.ReadError
		case p.WritePending:
			reason = "switch write pending"
		case reason == "":
			reason = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%.3f\t%s\n",
			p.ID, p.Phase, volts, amps, p.SwitchAttempts, p.AmpereHours, reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, e := range snap.Excluded {
		fmt.Fprintf(w, "Excluded %s\n", e)
	}
	return nil
}
