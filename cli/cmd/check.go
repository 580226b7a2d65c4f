package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/linkerd/multipass/cli/table"
	"github.com/linkerd/multipass/pkg/config"
	"github.com/spf13/cobra"
)

type checkOptions struct {
	printConfig bool
}

func newCmdCheck(root *rootOptions) *cobra.Command {
	options := &checkOptions{}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the routing table",
		Long: `Validate the configuration and print the routing table.

Routes are evaluated top to bottom; the first one matching a request wins.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			return runCheck(cmd.OutOrStdout(), c, options)
		},
	}

	cmd.Flags().BoolVar(&options.printConfig, "print-config", false,
		"Also print the effective configuration, with defaults filled in")
	return cmd
}

func runCheck(w io.Writer, c *config.Config, options *checkOptions) error {
	if options.printConfig {
		out, err := c.Encode()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\n", out)
	}

	backends := c.Backends()
	rows := make([]table.Row, 0, len(backends))
	for i, r := range c.Table().Routes() {
		protocol := "http/1.1"
		if c.Services[i].HTTP2 {
			protocol = "h2"
		}
		rows = append(rows, table.Row{
			strconv.Itoa(i + 1),
			r.Matcher.String(),
			r.Backend.String(),
			backends[i].ServiceType,
			protocol,
		})
	}

	t := table.NewTable([]table.Column{
		{Header: "#"},
		{Header: "MATCH", LeftAlign: true},
		{Header: "BACKEND", LeftAlign: true},
		{Header: "SERVICE", LeftAlign: true},
		{Header: "PROTOCOL", LeftAlign: true},
	}, rows)
	t.Render(w)

	fmt.Fprintf(w, "\nconfiguration is valid: %d routes\n", len(rows))
	return nil
}
