package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/corpusqa/corpusqa/internal/config"
	"github.com/corpusqa/corpusqa/internal/server"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the task API server",
	Long: `Start the HTTP server that accepts question-answering tasks.

Tasks are submitted with POST /api/tasks and polled with GET /api/tasks/{id}.
The server runs until interrupted and drains in-flight tasks on shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

		cm, err := config.NewManager(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cm.WatchConfig()
		cfg := cm.Get()

		svc, err := buildServices(cfg, logger)
		if err != nil {
			return err
		}
		defer svc.store.Stop()

		// Provider credentials picked up from a config reload apply to
		// new tasks without a restart.
		cm.OnChange(func(next *config.Config) {
			svc.registry.Reload(next.ToProviderRegistryConfig())
		})

		host := cfg.Server.Host
		if cmd.Flags().Changed("host") {
			host = serveHost
		}
		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		srv, err := server.New(server.Config{
			Host:          host,
			Port:          port,
			Store:         svc.store,
			Supervisor:    svc.supervisor,
			Registry:      svc.registry,
			ConfigManager: cm,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		return srv.Start(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "host to bind to")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "port to listen on")

	rootCmd.AddCommand(serveCmd)
}
