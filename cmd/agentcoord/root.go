package main

import (
	"github.com/spf13/cobra"

	"github.com/hupe1980/agentcoord/config"
)

type rootFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:           "agentcoord",
		Short:         "Coordinate LLM agents under a context budget and a permission policy",
		Long:          "agentcoord loads agents, providers and permission policies from a YAML file and runs agent turns or workflows against them.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "agentcoord.yaml", "path to the configuration file")

	rootCmd.AddCommand(
		newRunCmd(flags),
		newValidateCmd(flags),
		newAgentsCmd(flags),
	)

	return rootCmd
}

func (f *rootFlags) load() (*config.File, error) {
	return config.Load(f.configPath)
}
