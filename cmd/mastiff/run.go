package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mastiff-sec/mastiff/pkg/api"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Manage analysis runs",
}

var runStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a run against an artifact",
	Long: `Start a single-module run or a chain run against an uploaded
artifact. Exactly one of --module and --chain is required.

Examples:
  mastiff run start --artifact 3b0c44... --module manifest-scanner
  mastiff run start --artifact 3b0c44... --chain deep-analysis --follow
  mastiff run start --artifact 3b0c44... --module scanner --param depth=3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fingerprintArg, _ := cmd.Flags().GetString("artifact")
		moduleID, _ := cmd.Flags().GetString("module")
		chainName, _ := cmd.Flags().GetString("chain")
		params, _ := cmd.Flags().GetStringSlice("param")
		follow, _ := cmd.Flags().GetBool("follow")

		if (moduleID == "") == (chainName == "") {
			return fmt.Errorf("exactly one of --module and --chain is required")
		}

		parameters, err := parseParams(params)
		if err != nil {
			return err
		}

		c := apiClient(cmd)
		ctx, stop := signalContext()
		defer stop()

		fingerprint, err := resolveFingerprint(ctx, c, fingerprintArg)
		if err != nil {
			return err
		}

		run, err := c.StartRun(ctx, api.RunRequest{
			Module:      moduleID,
			Chain:       chainName,
			Fingerprint: fingerprint,
			Parameters:  parameters,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Run started: %s (%s)\n", run.ID, run.ChainName)

		if !follow {
			return nil
		}

		final, err := c.WaitForRun(ctx, run.ID, time.Second)
		if err != nil {
			return err
		}
		fmt.Println()
		printRun(final)
		if final.State != types.RunStateCompleted {
			return fmt.Errorf("run %s %s", final.ID, final.State)
		}
		return nil
	},
}

var runLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		fingerprintArg, _ := cmd.Flags().GetString("artifact")
		activeOnly, _ := cmd.Flags().GetBool("active")

		c := apiClient(cmd)
		ctx, stop := signalContext()
		defer stop()

		var runs []*types.ChainRun
		var err error
		switch {
		case fingerprintArg != "":
			fingerprint, rerr := resolveFingerprint(ctx, c, fingerprintArg)
			if rerr != nil {
				return rerr
			}
			runs, err = c.ListRunsByArtifact(ctx, fingerprint)
		case activeOnly:
			runs, err = c.ListActiveRuns(ctx)
		default:
			runs, err = c.ListRuns(ctx)
		}
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCHAIN\tSTATE\tSTEP\tSTARTED\tARTIFACT")
		for _, run := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
				run.ID, run.ChainName, run.State, run.Cursor, len(run.Steps),
				run.StartedAt.Format(time.RFC3339), run.Fingerprint)
		}
		return w.Flush()
	},
}

var runStatusCmd = &cobra.Command{
	Use:   "status RUN_ID",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		ctx, stop := signalContext()
		defer stop()

		run, err := c.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		printRun(run)
		return nil
	},
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel RUN_ID",
	Short: "Cancel a live run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		ctx, stop := signalContext()
		defer stop()

		if err := c.CancelRun(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Cancellation requested: %s\n", args[0])
		return nil
	},
}

func init() {
	runStartCmd.Flags().String("artifact", "", "Artifact fingerprint (required)")
	runStartCmd.Flags().String("module", "", "Module to run")
	runStartCmd.Flags().String("chain", "", "Chain to run")
	runStartCmd.Flags().StringSlice("param", nil, "Run parameter key=value (repeatable)")
	runStartCmd.Flags().Bool("follow", false, "Wait for the run and print its outcome")
	_ = runStartCmd.MarkFlagRequired("artifact")

	runLsCmd.Flags().String("artifact", "", "Only runs against this artifact")
	runLsCmd.Flags().Bool("active", false, "Only runs still open")

	runCmd.AddCommand(runStartCmd)
	runCmd.AddCommand(runLsCmd)
	runCmd.AddCommand(runStatusCmd)
	runCmd.AddCommand(runCancelCmd)

	rootCmd.AddCommand(runCmd)
}

// parseParams turns repeated key=value flags into a map.
func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q: want key=value", pair)
		}
		params[key] = value
	}
	return params, nil
}

// printRun renders a run with its per-step outcomes.
func printRun(run *types.ChainRun) {
	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Chain:    %s\n", run.ChainName)
	fmt.Printf("Artifact: %s\n", run.Fingerprint)
	fmt.Printf("State:    %s\n", run.State)
	if run.Reason != "" {
		fmt.Printf("Reason:   %s\n", run.Reason)
	}
	fmt.Printf("Started:  %s\n", run.StartedAt.Format(time.RFC3339))
	if !run.FinishedAt.IsZero() {
		fmt.Printf("Finished: %s (%s)\n",
			run.FinishedAt.Format(time.RFC3339),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tMODULE\tSTATUS\tERROR")
	for i, step := range run.Steps {
		errText := step.Error
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, step.ModuleID, step.Status, errText)
	}
	w.Flush()
}
