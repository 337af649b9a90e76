package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/origin-engine/internal/config"
	"github.com/sells-group/origin-engine/internal/monitoring"
)

var kpiCmd = &cobra.Command{
	Use:         "kpi",
	Short:       "Print determination KPIs and evaluate alert thresholds",
	Annotations: withMode(config.ModeKPI),
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		hours, _ := cmd.Flags().GetInt("lookback-hours")
		asJSON, _ := cmd.Flags().GetBool("json")
		send, _ := cmd.Flags().GetBool("send-alerts")
		if hours <= 0 {
			hours = cfg.Monitoring.LookbackHours
		}

		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := monitoring.NewCollector(st).Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "kpi")
		}

		alerter := monitoring.NewAlerter(cfg.Monitoring)
		alerts := alerter.Evaluate(snap)

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(map[string]any{"snapshot": snap, "alerts": alerts}); err != nil {
				return eris.Wrap(err, "kpi: encode")
			}
		} else {
			printSnapshot(out, snap, alerts)
		}

		if send && len(alerts) > 0 {
			sent := alerter.SendAlerts(ctx, alerts)
			fmt.Fprintf(cmd.ErrOrStderr(), "Sent %d of %d alerts\n", sent, len(alerts))
		}
		return nil
	},
}

func init() {
	kpiCmd.Flags().Int("lookback-hours", 0, "window to summarize (default from config)")
	kpiCmd.Flags().Bool("json", false, "print JSON instead of a table")
	kpiCmd.Flags().Bool("send-alerts", false, "post breached thresholds to the monitoring webhook")
	rootCmd.AddCommand(kpiCmd)
}

func printSnapshot(w io.Writer, snap *monitoring.Snapshot, alerts []monitoring.Alert) {
	fmt.Fprintf(w, "KPIs for the last %dh\n\n", snap.LookbackHours)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Certificates\t%d\n", snap.CertificatesTotal)
	fmt.Fprintf(tw, "Done / Failed / In progress\t%d / %d / %d\n", snap.Done, snap.Failed, snap.InProgress)
	fmt.Fprintf(tw, "Conform rate\t%s (%d of %d)\n", formatPercent(snap.ConformRate), snap.Conforming, snap.Decided)
	fmt.Fprintf(tw, "Review rate\t%s (%d)\n", formatPercent(snap.ReviewRate), snap.ReviewRequired)
	fmt.Fprintf(tw, "Avg confidence\t%.2f\n", snap.AvgConfidence)
	fmt.Fprintf(tw, "Avg RVC\t%.1f%%\n", snap.AvgRVC)
	fmt.Fprintf(tw, "Externally evaluated\t%d\n", snap.ExternallyEvaluated)
	fmt.Fprintf(tw, "Fallback\t%d\n", snap.Fallback)
	fmt.Fprintf(tw, "Dead letters\t%d\n", snap.DeadLetters)
	_ = tw.Flush()

	if len(snap.ByAgreement) > 0 {
		fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "AGREEMENT\tTOTAL\tCONFORMING\tAVG RVC")
		for _, a := range snap.ByAgreement {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%.1f%%\n", a.Agreement, a.Total, a.Conforming, a.AvgRVC)
		}
		_ = tw.Flush()
	}

	if len(alerts) == 0 {
		fmt.Fprintln(w, "\nNo thresholds breached.")
		return
	}
	fmt.Fprintln(w, "\nAlerts:")
	for _, a := range alerts {
		fmt.Fprintf(w, "  [%s] %s\n", a.Severity, a.Message)
	}
}

// formatPercent renders a 0..1 rate as a percentage.
func formatPercent(v float64) string {
	return strconv.FormatFloat(v*100, 'f', 1, 64) + "%"
}
