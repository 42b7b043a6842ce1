package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/recogpool/pkg/auth"
	"github.com/psantana5/recogpool/pkg/config"
	tlsutil "github.com/psantana5/recogpool/pkg/tls"
)

var (
	certCommonName string
	certHosts      []string
	certValidFor   time.Duration
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long:  `Print the merged defaults, config file and RECOGPOOL_* environment overrides. Secrets are masked.`,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the effective configuration",
	RunE:  runConfigValidate,
}

var configHashKeyCmd = &cobra.Command{
	Use:   "hash-key [key]",
	Short: "Generate an API key and its bcrypt hash",
	Long: `Print a bcrypt hash suitable for server.api_key_hashes. Without an argument a
new random key is generated and printed alongside its hash.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigHashKey,
}

var configGenCertCmd = &cobra.Command{
	Use:   "gen-cert <cert-file> <key-file>",
	Short: "Generate a self-signed certificate for the front door",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigGenCert,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configValidateCmd, configHashKeyCmd, configGenCertCmd)

	configGenCertCmd.Flags().StringVar(&certCommonName, "cn", "localhost", "certificate common name")
	configGenCertCmd.Flags().StringSliceVar(&certHosts, "host", nil, "extra IP addresses or DNS names (repeatable)")
	configGenCertCmd.Flags().DurationVar(&certValidFor, "valid-for", 365*24*time.Hour, "certificate lifetime")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if file := v.ConfigFileUsed(); file != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "# config file: %s\n", file)
	}
	if IsJSONOutput() {
		return printJSON(cmd, config.Settings(v))
	}
	out, err := config.YAML(v)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (%s)\n", cfg.Describe())
	return nil
}

func runConfigHashKey(cmd *cobra.Command, args []string) error {
	key := ""
	if len(args) == 1 {
		key = strings.TrimSpace(args[0])
	}
	if key == "" {
		var err error
		if key, err = auth.GenerateAPIKey(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "api_key: %s\n", key)
	}
	hash, err := auth.HashKey(key)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "api_key_hash: %s\n", hash)
	return nil
}

func runConfigGenCert(cmd *cobra.Command, args []string) error {
	if err := tlsutil.GenerateSelfSignedCert(args[0], args[1], certCommonName, certValidFor, certHosts...); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s and %s (CN=%s, valid for %s)\n", args[0], args[1], certCommonName, certValidFor)
	return nil
}
