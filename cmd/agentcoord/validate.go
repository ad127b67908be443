package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentcoord/agent"
)

func newValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and every agent and workflow reference",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := flags.load()
			if err != nil {
				return err
			}

			providers, err := f.ProviderRegistry()
			if err != nil {
				return err
			}
			agents, err := f.AgentRegistry()
			if err != nil {
				return err
			}
			tools, err := f.ToolRegistry(f.WorkspaceStore())
			if err != nil {
				return err
			}
			if err := agents.Validate(agent.References{Providers: providers, Tools: tools, Skills: f.SkillSet()}); err != nil {
				return err
			}
			if _, err := f.SummarizerFor(providers); err != nil {
				return err
			}
			for _, wf := range f.Workflows {
				if err := wf.Validate(agents); err != nil {
					return err
				}
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "ok: %s\n", f)
			return err
		},
	}
}
