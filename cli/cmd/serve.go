package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/linkerd/multipass/pkg/admin"
	"github.com/linkerd/multipass/pkg/config"
	"github.com/linkerd/multipass/pkg/configwatch"
	"github.com/linkerd/multipass/pkg/dyndns"
	"github.com/linkerd/multipass/pkg/version"
	"github.com/linkerd/multipass/proxy"
	"github.com/linkerd/multipass/proxy/admission"
	"github.com/linkerd/multipass/proxy/discovery"
	"github.com/linkerd/multipass/proxy/dispatch"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type serveOptions struct {
	exitOnConfigChange bool
}

func newCmdServe(root *rootOptions) *cobra.Command {
	options := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Run the gateway.

The routing table is fixed at startup. With --exit-on-config-change, the
gateway shuts down gracefully when the configuration file changes, so that a
supervisor can start it again with the new table.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(root.configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, root.configPath, c, options)
		},
	}

	cmd.Flags().BoolVar(&options.exitOnConfigChange, "exit-on-config-change", false,
		"Shut down gracefully when the configuration file changes")
	return cmd
}

func serve(ctx context.Context, path string, c *config.Config, options *serveOptions) error {
	entry := log.NewEntry(log.StandardLogger())
	log.Infof("running version %s with %d services", version.Version, len(c.Services))

	browser := discovery.NewMDNSBrowser(c.LocalTLD, c.Discovery.QueryInterval, c.Discovery.Expiry, entry)
	browser.DisableIPv6 = c.Discovery.DisableIPv6
	if c.Discovery.Interface != "" {
		iface, err := net.InterfaceByName(c.Discovery.Interface)
		if err != nil {
			return fmt.Errorf("discovery interface %s: %w", c.Discovery.Interface, err)
		}
		browser.Interface = iface
	}

	registry := discovery.NewRegistry(c.Backends(), browser, entry)
	cache := discovery.NewCache(registry, c.Discovery.CacheTTL, entry)
	dispatcher := dispatch.New(c.Dispatch(), entry)
	defer dispatcher.Close()

	handler := proxy.NewHandler(proxy.Config{
		Table:      c.Table(),
		Discoverer: cache,
		Queues:     admission.NewQueues(c.Admission(), entry),
		Dispatcher: dispatcher,
	}, entry)
	server := proxy.NewServer(c.Listeners.HTTP, handler, entry)

	g, gctx := errgroup.WithContext(ctx)

	registry.Start(gctx)
	defer registry.Stop()

	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})

	if c.AdminEnabled() {
		adminServer := admin.NewServer(c.Listeners.Admin.Addr, registry)
		g.Go(func() error {
			return admin.Run(gctx, adminServer)
		})
	}

	if nc := c.Namecheap(); nc != nil {
		updater := dyndns.NewUpdater(*nc)
		g.Go(func() error {
			return updater.Run(gctx)
		})
	}

	if options.exitOnConfigChange {
		watcher := configwatch.NewFsConfigWatcher(path)
		g.Go(func() error {
			return watcher.Watch(gctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, configwatch.ErrChanged) {
		log.Infof("%s changed, exiting", path)
		return nil
	}
	if err == nil {
		log.Info("shutdown complete")
	}
	return err
}
