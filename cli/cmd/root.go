package cmd

import (
	"os"

	"github.com/linkerd/multipass/pkg/config"
	"github.com/linkerd/multipass/pkg/flags"
	"github.com/spf13/cobra"
)

const configEnv = "MULTIPASS_CONFIG"

type rootOptions struct {
	configPath string
	log        *flags.LogOptions
}

// NewRootCmd returns the multipass command and its subcommands.
func NewRootCmd() *cobra.Command {
	options := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "multipass",
		Short: "multipass routes HTTP requests to services discovered over mDNS",
		Long: `multipass is an HTTP gateway for the local network. Requests are routed by
host or path to configured services, whose addresses are found with mDNS.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return options.log.Configure()
		},
	}

	cmd.PersistentFlags().StringVarP(&options.configPath, "config", "c", defaultConfigPath(),
		"Path to the configuration file, TOML or YAML (env: "+configEnv+")")
	options.log = flags.AddLogFlags(cmd.PersistentFlags())

	cmd.AddCommand(newCmdServe(options))
	cmd.AddCommand(newCmdCheck(options))
	cmd.AddCommand(newCmdVersion())

	return cmd
}

func defaultConfigPath() string {
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	return config.DefaultPath
}
