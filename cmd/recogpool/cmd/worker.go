package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/psantana5/recogpool/internal/bootstrap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker loop",
	Long: `Claim jobs one at a time, run the recognizer on each payload and publish
the outcome. A recognizer failure is published as "Unknown". With
idle_timeout set, the worker exits after that long without work.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().String("id", "", "worker id (default hostname-pid)")
	workerCmd.Flags().Duration("idle-timeout", 0, "exit after this long without work (0 polls forever)")
	workerCmd.Flags().String("command", "", "recognizer command (default processor.command)")
	workerCmd.Flags().String("broker", "", "broker type: badger, sqlite, postgres, sqs")
	bindFlag(workerCmd, "id", "worker_id")
	bindFlag(workerCmd, "idle-timeout", "idle_timeout")
	bindFlag(workerCmd, "command", "processor.command")
	bindFlag(workerCmd, "broker", "broker.type")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := bootstrap.New(cfg, "worker")
	if err != nil {
		return err
	}
	ctx := rt.Context()

	proc, err := rt.NewProcessor()
	if err != nil {
		rt.Shutdown.Shutdown()
		return err
	}
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
	loop, err := rt.NewWorker("", q, s, proc)
	if err != nil {
		rt.Shutdown.Shutdown()
		return err
	}

	rt.ServeMetrics()
	rt.Go("worker", func(ctx context.Context) error {
		err := loop.Run(ctx)
		// an idle exit ends the process too
		rt.Shutdown.Trigger()
		return err
	})

	rt.Run()
	return nil
}
