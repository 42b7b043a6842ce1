package cmd

import (
	"github.com/spf13/cobra"

	"github.com/psantana5/recogpool/internal/bootstrap"
	"github.com/psantana5/recogpool/pkg/api"
	"github.com/psantana5/recogpool/pkg/autoscaler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the front door",
	Long: `Run the HTTP front door. Each POST / with a multipart "inputFile" is stored,
enqueued as a job, and answered with "<name>:<outcome>" once a worker has
published its result, or 504 when dispatch_timeout elapses first.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "listen address (default server.addr)")
	serveCmd.Flags().Duration("dispatch-timeout", 0, "how long a request waits for its result")
	serveCmd.Flags().String("broker", "", "broker type: badger, sqlite, postgres, sqs")
	bindFlag(serveCmd, "addr", "server.addr")
	bindFlag(serveCmd, "dispatch-timeout", "dispatch_timeout")
	bindFlag(serveCmd, "broker", "broker.type")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := bootstrap.New(cfg, "serve")
	if err != nil {
		return err
	}
	ctx := rt.Context()

	q, err := rt.OpenQueues(ctx)
	if err != nil {
		rt.Shutdown.Shutdown()
		return err
	}
	s, err := rt.OpenStores(ctx)
	if err != nil {
		rt.Shutdown.Shutdown()
		return err
	}

	// the EC2 pool is visible from any process, so serve can report it
	var pool api.PoolObserver
	if cfg.Fleet.Type == "ec2" {
		f, err := rt.NewFleet(ctx, nil)
		if err != nil {
			rt.Shutdown.Shutdown()
			return err
		}
		pool = autoscaler.New(q.Jobs, f, autoscaler.Config{MaxInstances: cfg.MaxInstances, Logger: rt.Logger})
	}

	rt.ServeMetrics()
	bridge := rt.NewBridge(q, s)
	if _, err := rt.ServeFrontDoor(bridge, pool); err != nil {
		rt.Shutdown.Shutdown()
		return err
	}

	rt.Run()
	return nil
}
