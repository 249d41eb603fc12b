package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mastiff-sec/mastiff/pkg/api"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

var scanCmd = &cobra.Command{
	Use:   "scan FILE",
	Short: "Upload an artifact for analysis",
	Long: `Upload an artifact and optionally kick off analysis in one step.

The artifact type (apk, ipa, zip, source) is detected from content;
re-uploading known bytes is a no-op that records the new name as an alias.

Examples:
  # Upload only; auto-run rules may still start something
  mastiff scan app.apk

  # Upload and run one module, waiting for the outcome
  mastiff scan app.apk --module manifest-scanner --follow

  # Upload and run a chain
  mastiff scan app.ipa --chain deep-analysis --follow`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().String("module", "", "Start a single-module run after upload")
	scanCmd.Flags().String("chain", "", "Start a chain run after upload")
	scanCmd.Flags().Bool("follow", false, "Wait for the started run and print its outcome")

	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	moduleID, _ := cmd.Flags().GetString("module")
	chainName, _ := cmd.Flags().GetString("chain")
	follow, _ := cmd.Flags().GetBool("follow")

	if moduleID != "" && chainName != "" {
		return fmt.Errorf("--module and --chain are mutually exclusive")
	}

	c := apiClient(cmd)
	ctx, stop := signalContext()
	defer stop()

	up, err := c.UploadArtifactFile(ctx, args[0])
	if err != nil {
		return fmt.Errorf("upload failed: %v", err)
	}

	a := up.Artifact
	if up.Duplicate {
		fmt.Printf("Artifact already known: %s\n", a.Fingerprint)
	} else {
		fmt.Printf("✓ Artifact ingested: %s\n", a.Fingerprint)
	}
	fmt.Printf("  Name: %s\n", a.OriginalName)
	fmt.Printf("  Type: %s\n", a.DetectedType)
	fmt.Printf("  Size: %d bytes\n", a.Size)

	run := up.AutoRun
	if run != nil {
		fmt.Printf("✓ Auto-run started: %s (%s)\n", run.ID, run.ChainName)
	}

	if moduleID != "" || chainName != "" {
		run, err = c.StartRun(ctx, api.RunRequest{
			Module:      moduleID,
			Chain:       chainName,
			Fingerprint: a.Fingerprint,
		})
		if err != nil {
			return fmt.Errorf("failed to start run: %v", err)
		}
		fmt.Printf("✓ Run started: %s (%s)\n", run.ID, run.ChainName)
	}

	if !follow {
		return nil
	}
	if run == nil {
		fmt.Println("Nothing to follow: no run was started.")
		return nil
	}

	fmt.Println()
	fmt.Println("Waiting for run to finish...")
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
}
