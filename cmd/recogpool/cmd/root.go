package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/recogpool/internal/bootstrap"
	"github.com/psantana5/recogpool/pkg/config"
)

var (
	cfgFile      string
	outputFormat string

	// v is the viper instance for the running command
	v *viper.Viper
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "recogpool",
	Short: "Elastic, queue-driven recognition job dispatch",
	Long: `recogpool runs an elastic pool of recognition workers behind a queue.

A front door turns each uploaded image into a job and waits for its result,
workers claim jobs under a lease and publish outcomes, and an autoscaler
starts or stops pool instances to follow the backlog.`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = bootstrap.Version

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.recogpool/config.yaml, then ./recogpool.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	bindFlag(rootCmd, "log-level", "log.level")
}

type flagBinding struct {
	cmd  *cobra.Command
	flag string
	key  string
}

var (
	flagBindings []flagBinding
	// commandDefaults adjust defaults per command before the config is decoded
	commandDefaults = map[*cobra.Command]func(*viper.Viper){}
)

// bindFlag maps a flag of cmd onto a config key. Flags only win when set.
func bindFlag(cmd *cobra.Command, flag, key string) {
	flagBindings = append(flagBindings, flagBinding{cmd: cmd, flag: flag, key: key})
}

// initConfig reads in the config file and ENV variables, then binds the
// executing command's flags
func initConfig(cmd *cobra.Command, _ []string) error {
	var err error
	v, err = config.New(cfgFile)
	if err != nil {
		return err
	}

	for _, b := range flagBindings {
		f := b.cmd.Flags().Lookup(b.flag)
		if f == nil {
			f = b.cmd.PersistentFlags().Lookup(b.flag)
		}
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(b.key, f); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", b.flag, err)
		}
	}

	if fn, ok := commandDefaults[cmd]; ok {
		fn(v)
	}
	return nil
}

// loadConfig decodes and validates the effective config
func loadConfig() (*config.Config, error) {
	if v == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return config.Load(v)
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

func printJSON(cmd *cobra.Command, value interface{}) error {
	out, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

// clientFlags are shared by commands that call the front door
type clientFlags struct {
	url      string
	apiKey   string
	caFile   string
	insecure bool
	timeout  time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "", "front door URL (default server.url)")
	cmd.Flags().StringVar(&f.apiKey, "api-key", "", "API key (default server.api_key)")
	cmd.Flags().StringVar(&f.caFile, "ca", "", "CA certificate to verify the front door")
	cmd.Flags().BoolVar(&f.insecure, "insecure", false, "skip TLS verification")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "per-request dispatch timeout (default dispatch_timeout)")
}

func (f *clientFlags) settings() (bootstrap.ClientSettings, error) {
	// client commands only need the server section, so skip full validation
	s := bootstrap.ClientSettings{
		URL:                v.GetString("server.url"),
		APIKey:             v.GetString("server.api_key"),
		CAFile:             v.GetString("server.tls_ca"),
		InsecureSkipVerify: v.GetBool("server.insecure_skip_tls"),
		Timeout:            v.GetDuration("dispatch_timeout") + time.Minute,
	}
	if f.url != "" {
		s.URL = f.url
	}
	if f.apiKey != "" {
		s.APIKey = f.apiKey
	}
	if f.caFile != "" {
		s.CAFile = f.caFile
	}
	if f.insecure {
		s.InsecureSkipVerify = true
	}
	if f.timeout > 0 {
		s.Timeout = f.timeout + time.Minute
	}
	if s.URL == "" {
		return s, fmt.Errorf("no front door URL; set server.url or --url")
	}
	return s, nil
}
