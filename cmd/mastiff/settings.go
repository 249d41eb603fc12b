package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mastiff-sec/mastiff/pkg/types"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Server settings",
}

var autorunCmd = &cobra.Command{
	Use:   "autorun",
	Short: "Rules applied automatically when artifacts are ingested",
}

var autorunGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the auto-run rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		ctx, stop := signalContext()
		defer stop()

		cfg, err := c.AutoRun(ctx)
		if err != nil {
			return err
		}
		printAutoRun(cfg)
		return nil
	},
}

var autorunSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update the auto-run rules",
	Long: `Update the rule for one or more artifact types. Unmentioned types
keep their current rule. Rules are validated and applied atomically;
one bad rule rejects the whole update.

Rule values: none, module:<id>, chain:<name>

Examples:
  mastiff settings autorun set --apk module:manifest-scanner
  mastiff settings autorun set --ipa chain:deep-analysis --zip none`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		ctx, stop := signalContext()
		defer stop()

		cfg, err := c.AutoRun(ctx)
		if err != nil {
			return err
		}

		for flagName, rule := range map[string]*types.Rule{
			"apk": &cfg.APK,
			"ipa": &cfg.IPA,
			"zip": &cfg.ZIP,
		} {
			if !cmd.Flags().Changed(flagName) {
				continue
			}
			value, _ := cmd.Flags().GetString(flagName)
			parsed, err := parseRule(value)
			if err != nil {
				return fmt.Errorf("--%s: %v", flagName, err)
			}
			*rule = parsed
		}

		updated, err := c.SetAutoRun(ctx, cfg)
		if err != nil {
			return err
		}
		fmt.Println("✓ Auto-run rules updated")
		printAutoRun(updated)
		return nil
	},
}

func init() {
	autorunSetCmd.Flags().String("apk", "", "Rule for APK uploads")
	autorunSetCmd.Flags().String("ipa", "", "Rule for IPA uploads")
	autorunSetCmd.Flags().String("zip", "", "Rule for ZIP uploads")

	autorunCmd.AddCommand(autorunGetCmd)
	autorunCmd.AddCommand(autorunSetCmd)
	settingsCmd.AddCommand(autorunCmd)

	rootCmd.AddCommand(settingsCmd)
}

// parseRule reads "none", "module:<id>", or "chain:<name>".
func parseRule(value string) (types.Rule, error) {
	if value == "none" {
		return types.Rule{Kind: types.RuleNone}, nil
	}
	kind, target, ok := strings.Cut(value, ":")
	if !ok || target == "" {
		return types.Rule{}, fmt.Errorf("invalid rule %q: want none, module:<id>, or chain:<name>", value)
	}
	switch kind {
	case "module":
		return types.Rule{Kind: types.RuleModule, TargetID: target}, nil
	case "chain":
		return types.Rule{Kind: types.RuleChain, TargetID: target}, nil
	default:
		return types.Rule{}, fmt.Errorf("invalid rule kind %q: want module or chain", kind)
	}
}

func printAutoRun(cfg *types.AutoRunConfig) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tRULE")
	fmt.Fprintf(w, "apk\t%s\n", formatRule(cfg.APK))
	fmt.Fprintf(w, "ipa\t%s\n", formatRule(cfg.IPA))
	fmt.Fprintf(w, "zip\t%s\n", formatRule(cfg.ZIP))
	w.Flush()
}

func formatRule(rule types.Rule) string {
	if rule.Kind == types.RuleNone || rule.Kind == "" {
		return "none"
	}
	return fmt.Sprintf("%s:%s", rule.Kind, rule.TargetID)
}
