package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/recogpool/internal/bootstrap"
	"github.com/psantana5/recogpool/pkg/autoscaler"
	"github.com/psantana5/recogpool/pkg/config"
	"github.com/psantana5/recogpool/pkg/fleet"
	"github.com/psantana5/recogpool/pkg/logging"
)

var autoscaleCmd = &cobra.Command{
	Use:   "autoscale",
	Short: "Run the autoscaler control loop",
	Long: `Every control_interval, read the job queue depth and the pool state and
start stopped instances until min(depth, max_instances) are running. An
empty queue stops every running instance. With fleet.type=local the
instances are in-process worker loops.

Edits to max_instances in the config file take effect without a restart.`,
	RunE: runAutoscale,
}

func init() {
	rootCmd.AddCommand(autoscaleCmd)

	autoscaleCmd.Flags().Int("max", 0, "maximum running instances (default max_instances)")
	autoscaleCmd.Flags().Duration("interval", 0, "control interval (default control_interval)")
	autoscaleCmd.Flags().String("fleet", "", "fleet type: local, ec2")
	autoscaleCmd.Flags().String("broker", "", "broker type: badger, sqlite, postgres, sqs")
	bindFlag(autoscaleCmd, "max", "max_instances")
	bindFlag(autoscaleCmd, "interval", "control_interval")
	bindFlag(autoscaleCmd, "fleet", "fleet.type")
	bindFlag(autoscaleCmd, "broker", "broker.type")
}

func runAutoscale(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := bootstrap.New(cfg, "autoscale")
	if err != nil {
		return err
	}

	q, err := rt.OpenQueues(rt.Context())
	if err != nil {
		rt.Shutdown.Shutdown()
		return err
	}
	var s *bootstrap.Stores
	if cfg.Fleet.Type == "local" {
		if s, err = rt.OpenStores(rt.Context()); err != nil {
			rt.Shutdown.Shutdown()
			return err
		}
	}

	a, err := startAutoscaler(rt, q, s)
	if err != nil {
		rt.Shutdown.Shutdown()
		return err
	}
	rt.ServeMetrics()
	rt.Go("autoscaler", a.Run)

	rt.Run()
	return nil
}

// startAutoscaler builds the fleet and autoscaler and wires live
// max_instances reloads. For a local fleet each instance is a worker loop
// in this process sharing q and s.
func startAutoscaler(rt *bootstrap.Runtime, q *bootstrap.Queues, s *bootstrap.Stores) (*autoscaler.Autoscaler, error) {
	cfg := rt.Config

	var run fleet.RunFunc
	if cfg.Fleet.Type == "local" {
		var err error
		if run, err = localWorkers(rt, q, s); err != nil {
			return nil, err
		}
	}
	f, err := rt.NewFleet(rt.Context(), run)
	if err != nil {
		return nil, err
	}

	a := autoscaler.New(q.Jobs, f, autoscaler.Config{
		MaxInstances: cfg.MaxInstances,
		Interval:     cfg.ControlInterval,
		Logger:       rt.Logger,
		Metrics:      rt.Metrics,
		Tracer:       rt.Tracer,
	})

	config.Watch(v, rt.Logger, func(next *config.Config) {
		if next.MaxInstances == a.MaxInstances() {
			return
		}
		if cfg.Fleet.Type == "local" && next.MaxInstances > cfg.LocalSlots() {
			rt.Logger.Warn("max_instances exceeds local fleet slots; extra capacity needs a restart", logging.Fields{
				"max_instances": next.MaxInstances,
				"slots":         cfg.LocalSlots(),
			})
		}
		a.SetMaxInstances(next.MaxInstances)
	})
	return a, nil
}

func localWorkers(rt *bootstrap.Runtime, q *bootstrap.Queues, s *bootstrap.Stores) (fleet.RunFunc, error) {
	if s == nil {
		return nil, fmt.Errorf("local fleet needs stores")
	}
	proc, err := rt.NewProcessor()
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, instanceID string) error {
		loop, err := rt.NewWorker(instanceID, q, s, proc)
		if err != nil {
			return fmt.Errorf("failed to create worker %s: %w", instanceID, err)
		}
		return loop.Run(ctx)
	}, nil
}
