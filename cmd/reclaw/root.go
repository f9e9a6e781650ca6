package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reclaw",
		Short: "Reclaw Core gateway",
		Args:  cobra.NoArgs,
	}

	cmd.AddCommand(newRunCommand(), newInitConfigCommand())
	return cmd
}
