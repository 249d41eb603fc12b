package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mastiff-sec/mastiff/pkg/types"
)

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Manage analysis chains",
}

// chainManifest is the YAML shape `chain create -f` accepts.
type chainManifest struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Steps       []struct {
		Module     string            `yaml:"module"`
		Order      int               `yaml:"order"`
		Soft       bool              `yaml:"soft"`
		Parameters map[string]string `yaml:"parameters"`
	} `yaml:"steps"`
}

func (m *chainManifest) toChain() *types.Chain {
	chain := &types.Chain{
		Name:        m.Name,
		Description: m.Description,
	}
	for _, s := range m.Steps {
		chain.Steps = append(chain.Steps, types.ChainStep{
			ModuleID:   s.Module,
			Order:      s.Order,
			Soft:       s.Soft,
			Parameters: s.Parameters,
		})
	}
	return chain
}

var chainLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List chains",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		ctx, stop := signalContext()
		defer stop()

		chains, err := c.ListChains(ctx)
		if err != nil {
			return err
		}
		if len(chains) == 0 {
			fmt.Println("No chains defined.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTEPS\tCREATED\tDESCRIPTION")
		for _, ch := range chains {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
				ch.Name, len(ch.Steps), ch.CreatedAt.Format(time.RFC3339), ch.Description)
		}
		return w.Flush()
	},
}

var chainShowCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Show one chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		ctx, stop := signalContext()
		defer stop()

		ch, err := c.GetChain(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Name:        %s\n", ch.Name)
		if ch.Description != "" {
			fmt.Printf("Description: %s\n", ch.Description)
		}
		fmt.Printf("Created:     %s\n", ch.CreatedAt.Format(time.RFC3339))
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ORDER\tMODULE\tON FAILURE\tPARAMETERS")
		for _, step := range ch.Steps {
			policy := "abort chain"
			if step.Soft {
				policy = "continue"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
				step.Order, step.ModuleID, policy, formatParams(step.Parameters))
		}
		return w.Flush()
	},
}

var chainCreateCmd = &cobra.Command{
	Use:   "create -f FILE",
	Short: "Create a chain from a YAML definition",
	Long: `Create a chain from a YAML file. Step orders are normalized
server-side; gaps and duplicates collapse to 1..N.

Example definition:

  name: deep-analysis
  description: full static pass
  steps:
    - module: manifest-scanner
      order: 1
      soft: true
    - module: secret-hunter
      order: 2
      parameters:
        depth: full`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("file")

		data, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("failed to read file: %v", err)
		}
		var manifest chainManifest
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return fmt.Errorf("failed to parse YAML: %v", err)
		}

		c := apiClient(cmd)
		ctx, stop := signalContext()
		defer stop()

		created, err := c.CreateChain(ctx, manifest.toChain())
		if err != nil {
			return err
		}
		fmt.Printf("✓ Chain created: %s (%d steps)\n", created.Name, len(created.Steps))
		return nil
	},
}

var chainDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a chain",
	Long: `Delete a chain definition. Runs already in flight hold their own
snapshot and are not affected.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		ctx, stop := signalContext()
		defer stop()

		if err := c.DeleteChain(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Chain deleted: %s\n", args[0])
		return nil
	},
}

func init() {
	chainCreateCmd.Flags().StringP("file", "f", "", "YAML chain definition (required)")
	_ = chainCreateCmd.MarkFlagRequired("file")

	chainCmd.AddCommand(chainLsCmd)
	chainCmd.AddCommand(chainShowCmd)
	chainCmd.AddCommand(chainCreateCmd)
	chainCmd.AddCommand(chainDeleteCmd)

	rootCmd.AddCommand(chainCmd)
}

func formatParams(params map[string]string) string {
	if len(params) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(params))
	for k, v := range params {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
