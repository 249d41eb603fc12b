package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream server events",
	Long: `Follow the orchestrator's event stream: artifact ingestions, module
lifecycle changes, and run progress, as they happen. Runs until
interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		ctx, stop := signalContext()
		defer stop()

		events, err := c.Events(ctx)
		if err != nil {
			return err
		}

		fmt.Println("Streaming events (Ctrl+C to stop)...")
		for ev := range events {
			line := fmt.Sprintf("%s  %-20s  %s",
				ev.Timestamp.Format(time.RFC3339), ev.Type, ev.Message)
			if len(ev.Metadata) > 0 {
				keys := make([]string, 0, len(ev.Metadata))
				for k := range ev.Metadata {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				parts := make([]string, len(keys))
				for i, k := range keys {
					parts[i] = k + "=" + ev.Metadata[k]
				}
				line += "  [" + strings.Join(parts, " ") + "]"
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
}
