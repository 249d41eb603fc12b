package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mastiff-sec/mastiff/pkg/client"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Manage uploaded artifacts",
}

var artifactLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		ctx, stop := signalContext()
		defer stop()

		artifacts, err := c.ListArtifacts(ctx)
		if err != nil {
			return err
		}
		if len(artifacts) == 0 {
			fmt.Println("No artifacts.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTYPE\tSIZE\tINGESTED\tFINGERPRINT")
		for _, a := range artifacts {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				a.OriginalName, a.DetectedType, a.Size,
				a.IngestedAt.Format(time.RFC3339), a.Fingerprint)
		}
		return w.Flush()
	},
}

var artifactShowCmd = &cobra.Command{
	Use:   "show FINGERPRINT",
	Short: "Show one artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		ctx, stop := signalContext()
		defer stop()

		fingerprint, err := resolveFingerprint(ctx, c, args[0])
		if err != nil {
			return err
		}
		a, err := c.GetArtifact(ctx, fingerprint)
		if err != nil {
			return err
		}

		fmt.Printf("Fingerprint: %s\n", a.Fingerprint)
		fmt.Printf("Name:        %s\n", a.OriginalName)
		if len(a.Aliases) > 0 {
			fmt.Printf("Aliases:     %s\n", strings.Join(a.Aliases, ", "))
		}
		fmt.Printf("Type:        %s\n", a.DetectedType)
		fmt.Printf("Size:        %d bytes\n", a.Size)
		fmt.Printf("Ingested:    %s\n", a.IngestedAt.Format(time.RFC3339))
		return nil
	},
}

var artifactReportCmd = &cobra.Command{
	Use:   "report FINGERPRINT",
	Short: "Show the consolidated analysis report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		ctx, stop := signalContext()
		defer stop()

		fingerprint, err := resolveFingerprint(ctx, c, args[0])
		if err != nil {
			return err
		}
		report, err := c.GetReport(ctx, fingerprint)
		if err != nil {
			return err
		}
		printReport(report)
		return nil
	},
}

var artifactRmCmd = &cobra.Command{
	Use:   "rm FINGERPRINT",
	Short: "Remove an artifact, its results, and its stored files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		ctx, stop := signalContext()
		defer stop()

		fingerprint, err := resolveFingerprint(ctx, c, args[0])
		if err != nil {
			return err
		}
		if err := c.DeleteArtifact(ctx, fingerprint); err != nil {
			return err
		}
		fmt.Printf("✓ Artifact removed: %s\n", fingerprint)
		return nil
	},
}

func init() {
	artifactCmd.AddCommand(artifactLsCmd)
	artifactCmd.AddCommand(artifactShowCmd)
	artifactCmd.AddCommand(artifactReportCmd)
	artifactCmd.AddCommand(artifactRmCmd)

	rootCmd.AddCommand(artifactCmd)
}

// resolveFingerprint accepts a full fingerprint or a unique prefix of one.
func resolveFingerprint(ctx context.Context, c *client.Client, arg string) (string, error) {
	if len(arg) == 64 {
		return arg, nil
	}

	artifacts, err := c.ListArtifacts(ctx)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, a := range artifacts {
		if strings.HasPrefix(a.Fingerprint, arg) {
			matches = append(matches, a.Fingerprint)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("no artifact matches %q", arg)
	default:
		return "", fmt.Errorf("%q is ambiguous: %d artifacts match", arg, len(matches))
	}
}

func printReport(report *types.Report) {
	a := report.Artifact
	fmt.Printf("Report for %s (%s, %s)\n", a.OriginalName, a.DetectedType, a.Fingerprint)
	fmt.Println()

	if len(report.Modules) == 0 {
		fmt.Println("No module results yet.")
	} else {
		ids := make([]string, 0, len(report.Modules))
		for id := range report.Modules {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			res := report.Modules[id]
			marker := "✓"
			if res.Status != types.ResultSuccess {
				marker = "✗"
			}
			fmt.Printf("%s %s: %s", marker, id, res.Status)
			if res.Orphaned {
				fmt.Print(" (orphaned)")
			}
			fmt.Println()
			if res.Error != "" {
				fmt.Printf("    error: %s\n", res.Error)
			}
			if res.Summary != nil {
				fmt.Printf("    findings: %d\n", res.Summary.TotalFindings)
			}
			for _, f := range res.Findings {
				fmt.Printf("    [%s] %s: %s", f.Severity, f.RuleID, f.Name)
				if f.Location != nil && f.Location.File != "" {
					fmt.Printf(" (%s:%d)", f.Location.File, f.Location.StartLine)
				}
				fmt.Println()
			}
		}
	}

	if len(report.ChainRuns) > 0 {
		fmt.Println()
		fmt.Println("Chain runs:")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tCHAIN\tSTATE\tSTARTED")
		for _, run := range report.ChainRuns {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
				run.ID, run.ChainName, run.State, run.StartedAt.Format(time.RFC3339))
		}
		w.Flush()
	}
}
