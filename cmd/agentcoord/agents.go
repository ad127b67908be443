package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentcoord/core"
)

type agentView struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Providers   []string            `json:"providers"`
	Mode        core.PermissionMode `json:"permission_mode"`
	Budget      int                 `json:"context_window_budget"`
	Tools       []string            `json:"tools,omitempty"`
	Skills      []string            `json:"skills,omitempty"`
	SubAgents   []string            `json:"sub_agents,omitempty"`
}

func newAgentsCmd(flags *rootFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List the configured agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := flags.load()
			if err != nil {
				return err
			}
			reg, err := f.AgentRegistry()
			if err != nil {
				return err
			}

			views := make([]agentView, 0, len(reg.Names()))
			for _, d := range reg.Descriptors() {
				views = append(views, agentView{
					Name:        d.Name,
					Description: d.Description,
					Providers:   d.ProviderChain(),
					Mode:        d.PermissionMode,
					Budget:      d.ContextWindowBudget,
					Tools:       d.Capabilities.Tools.Sorted(),
					Skills:      d.Capabilities.Skills.Sorted(),
					SubAgents:   d.Capabilities.SubAgents.Sorted(),
				})
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tPROVIDERS\tMODE\tBUDGET\tTOOLS\tSUB-AGENTS")
			for _, v := range views {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", v.Name, strings.Join(v.Providers, ","), v.Mode, v.Budget, dash(v.Tools), dash(v.SubAgents))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	return cmd
}

func dash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}
