package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mastiff-sec/mastiff/pkg/types"
)

var moduleCmd = &cobra.Command{
	Use:   "module",
	Short: "Manage analysis modules",
}

var moduleLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List registered modules",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		ctx, stop := signalContext()
		defer stop()

		modules, err := c.ListModules(ctx)
		if err != nil {
			return err
		}
		if len(modules) == 0 {
			fmt.Println("No modules registered.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tVERSION\tKIND\tSTATE\tACTIVE\tHEALTHY\tFORMATS")
		for _, m := range modules {
			state := string(m.ContainerState)
			if m.Kind == types.ModuleKindExternal {
				state = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%v\t%s\n",
				m.ID, m.Version, m.Kind, state, m.Active, m.Healthy,
				joinFormats(m.InputFormats))
		}
		return w.Flush()
	},
}

var moduleShowCmd = &cobra.Command{
	Use:   "show MODULE",
	Short: "Show one module",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		ctx, stop := signalContext()
		defer stop()

		m, err := c.GetModule(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("ID:          %s\n", m.ID)
		fmt.Printf("Name:        %s\n", m.Name)
		fmt.Printf("Version:     %s\n", m.Version)
		if m.Author != "" {
			fmt.Printf("Author:      %s\n", m.Author)
		}
		if m.Description != "" {
			fmt.Printf("Description: %s\n", m.Description)
		}
		fmt.Printf("Kind:        %s\n", m.Kind)
		fmt.Printf("Formats:     %s\n", joinFormats(m.InputFormats))
		fmt.Printf("Active:      %v\n", m.Active)
		fmt.Printf("Healthy:     %v\n", m.Healthy)

		switch m.Kind {
		case types.ModuleKindInternal:
			if m.ImageRef != "" {
				fmt.Printf("Image:       %s\n", m.ImageRef)
			}
			// The descriptor carries the last persisted state; ask the
			// runtime for the live one.
			if status, err := c.ModuleStatus(ctx, m.ID); err == nil {
				fmt.Printf("Container:   %s\n", status.ContainerState)
			} else {
				fmt.Printf("Container:   %s (cached)\n", m.ContainerState)
			}
		case types.ModuleKindExternal:
			fmt.Printf("Base URL:    %s\n", m.BaseURL)
			fmt.Printf("Healthcheck: %s\n", m.HealthcheckURL)
			if !m.LastSeenAt.IsZero() {
				fmt.Printf("Last seen:   %s\n", m.LastSeenAt.Format(time.RFC3339))
			}
		}
		return nil
	},
}

// moduleActionCmd builds the build/start/stop/... commands, which differ
// only in the verb and the client call.
func moduleActionCmd(verb, short, past string, call func(cmd *cobra.Command, moduleID string) error) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " MODULE",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(cmd, args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Module %s: %s\n", past, args[0])
			return nil
		},
	}
}

var moduleRegisterCmd = &cobra.Command{
	Use:   "register MODULE",
	Short: "Register an externally hosted module",
	Long: `Register a module that runs outside the orchestrator and talks to it
over HTTP. The module must expose /operations/process and
/operations/health under its base URL.

Examples:
  mastiff module register cloud-scanner \
    --url https://scanner.example.com \
    --version 2.1.0 --formats apk,ipa`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, _ := cmd.Flags().GetString("url")
		name, _ := cmd.Flags().GetString("name")
		version, _ := cmd.Flags().GetString("version")
		formats, _ := cmd.Flags().GetString("formats")
		healthcheck, _ := cmd.Flags().GetString("healthcheck")

		if name == "" {
			name = args[0]
		}

		reg := &types.ExternalRegistration{
			ModuleID:       args[0],
			BaseURL:        baseURL,
			HealthcheckURL: healthcheck,
			Config: types.ModuleConfig{
				Name:    name,
				Version: version,
			},
		}
		for _, f := range strings.Split(formats, ",") {
			if f = strings.TrimSpace(f); f != "" {
				reg.Config.InputFormats = append(reg.Config.InputFormats, types.ArtifactType(f))
			}
		}

		c := apiClient(cmd)
		ctx, stop := signalContext()
		defer stop()

		m, err := c.RegisterExternalModule(ctx, reg)
		if err != nil {
			return err
		}
		fmt.Printf("✓ External module registered: %s\n", m.ID)
		fmt.Printf("  Base URL: %s\n", m.BaseURL)
		fmt.Printf("  Formats:  %s\n", joinFormats(m.InputFormats))
		return nil
	},
}

var moduleDeregisterCmd = &cobra.Command{
	Use:   "deregister MODULE",
	Short: "Remove an external module from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		ctx, stop := signalContext()
		defer stop()

		if err := c.DeregisterModule(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Module deregistered: %s\n", args[0])
		return nil
	},
}

func init() {
	moduleCmd.AddCommand(moduleLsCmd)
	moduleCmd.AddCommand(moduleShowCmd)

	moduleCmd.AddCommand(moduleActionCmd("build", "Build a module's container image", "built",
		func(cmd *cobra.Command, id string) error {
			ctx, stop := signalContext()
			defer stop()
			return apiClient(cmd).BuildModule(ctx, id)
		}))
	moduleCmd.AddCommand(moduleActionCmd("start", "Start a module's container", "started",
		func(cmd *cobra.Command, id string) error {
			ctx, stop := signalContext()
			defer stop()
			return apiClient(cmd).StartModule(ctx, id)
		}))
	moduleCmd.AddCommand(moduleActionCmd("stop", "Stop a module's container", "stopped",
		func(cmd *cobra.Command, id string) error {
			ctx, stop := signalContext()
			defer stop()
			return apiClient(cmd).StopModule(ctx, id)
		}))
	moduleCmd.AddCommand(moduleActionCmd("rebuild", "Rebuild and restart a module", "rebuilt",
		func(cmd *cobra.Command, id string) error {
			ctx, stop := signalContext()
			defer stop()
			return apiClient(cmd).RebuildModule(ctx, id)
		}))
	moduleCmd.AddCommand(moduleActionCmd("activate", "Make a module eligible for new tasks", "activated",
		func(cmd *cobra.Command, id string) error {
			ctx, stop := signalContext()
			defer stop()
			return apiClient(cmd).ActivateModule(ctx, id)
		}))
	moduleCmd.AddCommand(moduleActionCmd("deactivate", "Exclude a module from new tasks", "deactivated",
		func(cmd *cobra.Command, id string) error {
			ctx, stop := signalContext()
			defer stop()
			return apiClient(cmd).DeactivateModule(ctx, id)
		}))

	moduleRegisterCmd.Flags().String("url", "", "Base URL of the module (required)")
	moduleRegisterCmd.Flags().String("name", "", "Display name (defaults to the module ID)")
	moduleRegisterCmd.Flags().String("version", "0.0.0", "Module version")
	moduleRegisterCmd.Flags().String("formats", "", "Accepted artifact types, comma-separated (default: all)")
	moduleRegisterCmd.Flags().String("healthcheck", "", "Healthcheck URL (default: <url>/operations/health)")
	_ = moduleRegisterCmd.MarkFlagRequired("url")
	moduleCmd.AddCommand(moduleRegisterCmd)

	moduleCmd.AddCommand(moduleDeregisterCmd)

	rootCmd.AddCommand(moduleCmd)
}

func joinFormats(formats []types.ArtifactType) string {
	parts := make([]string, len(formats))
	for i, f := range formats {
		parts[i] = string(f)
	}
	return strings.Join(parts, ",")
}
