package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var systemCmd = &cobra.Command{
	Use:   "system",
	Short: "Inspect and steer the control plane",
}

var systemStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the engine snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		st, err := c.GetSystemStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Running:   %v\n", st.Running)
		fmt.Printf("Paused:    %v\n", st.Paused)
		fmt.Printf("Active:    %d\n", st.ActiveTasks)
		fmt.Printf("Queued:    %d\n", st.QueuedTasks)
		fmt.Printf("Processed: %d\n", st.Stats.Processed)
		fmt.Printf("Failed:    %d\n", st.Stats.Failed)
		fmt.Printf("Retries:   %d\n", st.Stats.Retries)
		return nil
	},
}

var systemPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause task admission on every node",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		resp, err := c.Pause(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s\n", resp.Message)
		return nil
	},
}

var systemResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume task admission on every node",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		resp, err := c.Resume(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s\n", resp.Message)
		return nil
	},
}

var systemHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the serving node",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		resp, err := c.CheckHealth(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Status: %s (%s)\n", resp.Status, resp.Timestamp.Format(time.RFC3339))
		for name, value := range resp.Metrics {
			fmt.Printf("  %s: %g\n", name, value)
		}
		return nil
	},
}

var systemLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent log records from the serving node",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		records, err := c.GetLogs(ctx)
		if err != nil {
			return err
		}
		for _, r := range records {
			fmt.Printf("%s %-5s %-10s %s\n",
				r.Timestamp.Format(time.RFC3339), strings.ToUpper(r.Level), r.Component, r.Message)
		}
		return nil
	},
}

var systemMetricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Snapshot metrics from the serving node",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		points, err := c.GetMetrics(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tLABELS\tVALUE")
		for _, p := range points {
			labels := make([]string, 0, len(p.Labels))
			for k, v := range p.Labels {
				labels = append(labels, k+"="+v)
			}
			fmt.Fprintf(w, "%s\t%s\t%g\n", p.Name, strings.Join(labels, ","), p.Value)
		}
		return w.Flush()
	},
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List worker servers matching capabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		caps, _ := cmd.Flags().GetStringSlice("capability")
		servers, err := c.DiscoverServers(ctx, caps)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tHEALTH\tCAPABILITIES\tENDPOINTS")
		for _, s := range servers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				s.ServerID, s.Name, s.Health,
				strings.Join(s.Capabilities, ","), strings.Join(s.Endpoints, ","))
		}
		w.Flush()
		fmt.Printf("\n%d worker(s)\n", len(servers))
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Runtime configuration",
}

var configSetCmd = &cobra.Command{
	Use:   "set <key=value> [key=value ...]",
	Short: "Update runtime configuration keys",
	Long: `Update recognised runtime keys on the serving node, for example:

  relay config set max_concurrent_tasks=16 paused=false
  relay config set retry.max_attempts=5 attempt_timeout_ms=120000`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		changes := make(map[string]any, len(args))
		for _, arg := range args {
			key, raw, ok := strings.Cut(arg, "=")
			if !ok || key == "" {
				return fmt.Errorf("expected key=value, got %q", arg)
			}
			changes[key] = parseValue(raw)
		}

		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()

		resp, err := c.UpdateConfig(ctx, changes)
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s\n", resp.Message)
		return nil
	},
}

// parseValue turns flag text into the JSON-ish scalar the server expects
func parseValue(raw string) any {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func init() {
	systemCmd.AddCommand(systemStatusCmd)
	systemCmd.AddCommand(systemPauseCmd)
	systemCmd.AddCommand(systemResumeCmd)
	systemCmd.AddCommand(systemHealthCmd)
	systemCmd.AddCommand(systemLogsCmd)
	systemCmd.AddCommand(systemMetricsCmd)

	workersCmd.Flags().StringSlice("capability", nil, "Required capability (repeatable)")

	configCmd.AddCommand(configSetCmd)
}
