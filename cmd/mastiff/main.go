package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mastiff-sec/mastiff/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mastiff",
	Short: "Mastiff - modular analysis orchestrator for mobile artifacts",
	Long: `Mastiff orchestrates security analysis of mobile application artifacts.

Upload an APK, IPA, or source archive once, then fan it out to analysis
modules - container-backed or externally hosted - one at a time or as
ordered chains with per-step failure policy.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Mastiff version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("server", "http://localhost:8585", "Mastiff API address")
}

// apiClient builds a client for the address in --server.
func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("server")
	return client.New(addr)
}

// signalContext returns a context cancelled by SIGINT/SIGTERM, so every
// command aborts cleanly on Ctrl+C.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
