package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mastiff-sec/mastiff/pkg/config"
	"github.com/mastiff-sec/mastiff/pkg/log"
	"github.com/mastiff-sec/mastiff/pkg/server"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Mastiff orchestrator",
	Long: `Run a Mastiff orchestrator node: the HTTP API, the module registry,
the chain executor, and the artifact store over the configured storage
and queue backends.

Examples:
  # Run with defaults (bolt store under /var/lib/mastiff)
  mastiff server

  # Run with a config file
  mastiff server --config /etc/mastiff/config.yaml

  # Quick local instance
  mastiff server --listen 127.0.0.1:8585 --data-dir ./mastiff-data`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().StringP("config", "c", "", "YAML config file")
	serverCmd.Flags().String("listen", "", "Listen address (overrides config)")
	serverCmd.Flags().String("data-dir", "", "Data directory (overrides config)")

	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.ListenAddr = listen
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		// Keep a modules_dir the file set explicitly; re-derive the default.
		derived := cfg.ModulesDir == filepath.Join(cfg.DataDir, "modules")
		cfg.DataDir = dataDir
		if derived {
			cfg.ModulesDir = filepath.Join(dataDir, "modules")
		}
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

	fmt.Println("Starting Mastiff orchestrator...")
	fmt.Printf("  Listen:  %s\n", cfg.ListenAddr)
	fmt.Printf("  Data:    %s\n", cfg.DataDir)
	fmt.Printf("  Modules: %s\n", cfg.ModulesDir)
	fmt.Printf("  Store:   %s\n", cfg.Store.Backend)
	fmt.Printf("  Redis:   %s\n", cfg.Redis.Addr)
	fmt.Println()

	ctx, stop := signalContext()
	defer stop()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
