package cmd

import (
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/recogpool/internal/bootstrap"
	"github.com/psantana5/recogpool/pkg/models"
)

var poolFlags clientFlags

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Show pool instances and queue depth",
	Long:  `Fetch the pool snapshot from a front door that observes the pool (recogpool local, or serve with an EC2 fleet).`,
	RunE:  runPool,
}

func init() {
	rootCmd.AddCommand(poolCmd)
	poolFlags.register(poolCmd)
}

func runPool(cmd *cobra.Command, args []string) error {
	settings, err := poolFlags.settings()
	if err != nil {
		return err
	}
	settings.Timeout = 30 * time.Second
	client, err := bootstrap.NewClient(settings)
	if err != nil {
		return err
	}

	snap, err := client.Pool(cmd.Context())
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(cmd, snap)
	}
	return renderPool(cmd, snap)
}

func renderPool(cmd *cobra.Command, snap *models.PoolSnapshot) error {
	out := cmd.OutOrStdout()

	if len(snap.Running)+len(snap.Stopped) == 0 {
		fmt.Fprintln(out, "No pool instances")
	} else {
		table := tablewriter.NewWriter(out)
		table.Header("Instance", "State")
		for _, id := range snap.Running {
			table.Append(id, string(models.InstanceRunning))
		}
		for _, id := range snap.Stopped {
			table.Append(id, string(models.InstanceStopped))
		}
		if err := table.Render(); err != nil {
			return fmt.Errorf("failed to render table: %w", err)
		}
	}

	fmt.Fprintf(out, "\nRunning: %d / %d max\n", len(snap.Running), snap.MaxInstances)
	fmt.Fprintf(out, "Queue depth: %d (in flight: %d)\n", snap.QueueDepth, snap.InFlight)
	if snap.LastAction != "" {
		fmt.Fprintf(out, "Last action: %s at %s\n", snap.LastAction, snap.LastCycle.Format(time.RFC3339))
	}
	return nil
}
