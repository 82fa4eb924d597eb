// ABOUTME: init and agents commands
// ABOUTME: Writes a default config file and lists the configured agent registry

package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-council/internal/config"
)

func newInitCmd(c *cli) *cobra.Command {
	var force bool
	var agents []string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ResolvePath(c.configFlag)
			out := cmd.OutOrStdout()

			color.New(color.FgCyan).Fprint(out, banner)
			color.New(color.FgHiBlack).Fprintf(out, "    version: %s\n\n", version)

			if _, err := os.Stat(path); err == nil && !force {
				color.New(color.FgYellow).Fprintf(out, "    Config already exists at %s (use --force to overwrite)\n", path)
				return nil
			}

			cfg := config.Default()
			for _, id := range agents {
				cfg.Agents = append(cfg.Agents, config.AgentConfig{ID: id})
			}
			if err := config.Write(path, cfg); err != nil {
				return err
			}

			green := color.New(color.FgGreen)
			green.Fprint(out, "    ✓ ")
			fmt.Fprintf(out, "Config written to %s\n", path)
			green.Fprint(out, "    ▶ ")
			fmt.Fprintf(out, "Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
			green.Fprint(out, "    ▶ ")
			fmt.Fprintf(out, "Agents:    %d\n", len(cfg.Agents))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	cmd.Flags().StringSliceVar(&agents, "agent", nil, "agent id to register (repeatable)")
	return cmd
}

func newAgentsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(a *app) error {
				out := cmd.OutOrStdout()
				agents := a.protocol.Agents()
				if len(agents) == 0 {
					fmt.Fprintln(out, "No agents configured.")
					return nil
				}

				bold := color.New(color.Bold)
				bold.Fprintf(out, "%-20s %-12s %s\n", "ID", "TYPE", "NAME")
				for _, ag := range agents {
					fmt.Fprintf(out, "%-20s %-12s %s\n", ag.ID, dash(ag.Type), dash(ag.Name))
				}
				if !a.protocol.ValidateRecipients() {
					color.New(color.FgHiBlack).Fprintln(out, "\n(recipient validation is off)")
				}
				return nil
			})
		},
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
