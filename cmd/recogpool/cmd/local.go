package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/recogpool/internal/bootstrap"
)

var localCmd = &cobra.Command{
	Use:   "local",
	Short: "Run the whole system in one process",
	Long: `Run the front door, the autoscaler and a local fleet of worker slots in
one process. Queues and storage default to in-memory backends; point
broker.type or storage.type elsewhere to keep state across restarts.`,
	RunE: runLocal,
}

func init() {
	rootCmd.AddCommand(localCmd)

	localCmd.Flags().String("addr", "", "front door listen address (default server.addr)")
	localCmd.Flags().Int("max", 0, "maximum running worker slots (default max_instances)")
	localCmd.Flags().String("command", "", "recognizer command (default processor.command)")
	bindFlag(localCmd, "addr", "server.addr")
	bindFlag(localCmd, "max", "max_instances")
	bindFlag(localCmd, "command", "processor.command")

	commandDefaults[localCmd] = func(v *viper.Viper) {
		v.SetDefault("broker.type", "memory")
		v.SetDefault("storage.type", "memory")
		v.SetDefault("fleet.type", "local")
	}
}

func runLocal(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := bootstrap.New(cfg, "local")
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
	a, err := startAutoscaler(rt, q, s)
	if err != nil {
		rt.Shutdown.Shutdown()
		return err
	}

	rt.ServeMetrics()
	rt.Go("autoscaler", a.Run)
	bridge := rt.NewBridge(q, s)
	if _, err := rt.ServeFrontDoor(bridge, a); err != nil {
		rt.Shutdown.Shutdown()
		return err
	}

	rt.Run()
	return nil
}
