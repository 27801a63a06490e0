package cmd

import (
	"github.com/spf13/cobra"

	"github.com/stokerproject/stoker/internal/scheduler"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the scheduler",
		RunE:  runScheduler,
	}
	return cmd
}

func runScheduler(_ *cobra.Command, _ []string) error {
	return scheduler.Run(loadConfig())
}
