// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/veitkamp/wgfleet/internal/db"
	"github.com/veitkamp/wgfleet/internal/i18n"
	"github.com/veitkamp/wgfleet/internal/metrics"
)

func newMetricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Collect and inspect gateway metrics",
	}
	cmd.AddCommand(
		newMetricsCollectCmd(),
		newMetricsHostCmd(),
		newMetricsDeviceCmd(),
		newMetricsSweepCmd(),
	)
	return cmd
}

func newMetricsCollectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collect [host-id]",
		Short: "Sample hosts and devices now",
		Long: `Connects to every active host (or just the given one), reads host
resource probes and per-device WireGuard counters, and stores the
samples. Expired samples are pruned afterwards.`,
		Args:    cobra.MaximumNArgs(1),
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				if err := sampler.CollectHost(cmd.Context(), id); err != nil {
					return err
				}
			} else {
				if err := sampler.CollectAll(cmd.Context()); err != nil {
					return err
				}
			}
			if _, err := metrics.Sweep(time.Now()); err != nil {
				return err
			}
			fmt.Println(i18n.T("metrics.collect_done"))
			return nil
		},
	}
}

func newMetricsHostCmd() *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:     "host <host-id>",
		Short:   "Show recent samples for a host",
		Args:    cobra.ExactArgs(1),
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			samples, err := db.GetHostSamples(id, time.Now().Add(-since))
			if err != nil {
				return err
			}
			if len(samples) == 0 {
				fmt.Println(i18n.T("metrics.none"))
				return nil
			}
			fmt.Printf("%-20s %6s %12s %12s %12s %12s\n", "TIME", "CPU", "MEM", "DISK", "RX", "TX")
			for _, s := range samples {
				fmt.Printf("%-20s %6s %12s %12s %12s %12s\n",
					s.CollectedAt.Local().Format("2006-01-02 15:04:05"),
					formatPercent(s.CPUPercent),
					formatUsage(s.MemUsed, s.MemTotal),
					formatUsage(s.DiskUsed, s.DiskTotal),
					formatByteRate(s.RxBytesPerSec),
					formatByteRate(s.TxBytesPerSec))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "How far back to show samples")
	return cmd
}

func newMetricsDeviceCmd() *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:     "device <device-id>",
		Short:   "Show recent samples for a device",
		Args:    cobra.ExactArgs(1),
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			samples, err := db.GetDeviceSamples(id, time.Now().Add(-since))
			if err != nil {
				return err
			}
			if len(samples) == 0 {
				fmt.Println(i18n.T("metrics.none"))
				return nil
			}
			fmt.Printf("%-20s %12s %12s %12s %12s\n", "TIME", "UP", "DOWN", "SENT", "RECEIVED")
			for _, s := range samples {
				fmt.Printf("%-20s %12s %12s %12s %12s\n",
					s.CollectedAt.Local().Format("2006-01-02 15:04:05"),
					formatBitRate(s.UploadBps),
					formatBitRate(s.DownloadBps),
					formatBytes(s.BytesSent),
					formatBytes(s.BytesReceived))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "How far back to show samples")
	return cmd
}

func newMetricsSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "sweep",
		Short:   "Prune samples older than the retention window",
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := metrics.Sweep(time.Now())
			if err != nil {
				return err
			}
			fmt.Println(i18n.T("metrics.sweep_done", n))
			return nil
		},
	}
}

func formatPercent(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", *v)
}

func formatUsage(used, total *int64) string {
	if used == nil || total == nil {
		return "-"
	}
	return fmt.Sprintf("%s/%s", formatBytes(*used), formatBytes(*total))
}

// formatBytes renders a byte count with a binary unit suffix.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatByteRate(v *int64) string {
	if v == nil {
		return "-"
	}
	return formatBytes(*v) + "/s"
}

// formatBitRate renders a bits-per-second value with a decimal unit suffix,
// the convention for network throughput.
func formatBitRate(bps float64) string {
	const unit = 1000.0
	switch {
	case bps >= unit*unit*unit:
		return fmt.Sprintf("%.1fGbps", bps/(unit*unit*unit))
	case bps >= unit*unit:
		return fmt.Sprintf("%.1fMbps", bps/(unit*unit))
	case bps >= unit:
		return fmt.Sprintf("%.1fkbps", bps/unit)
	default:
		return fmt.Sprintf("%.0fbps", bps)
	}
}
