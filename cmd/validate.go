package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			cfg := rt.cfg
			_, err = fmt.Fprintf(cmd.OutOrStdout(),
				"config ok: port=%d workers=%d registry=%s storage=%s minutes_between_check=%d\n",
				cfg.Server.Port, cfg.Workers.Count, cfg.Registry.Driver, cfg.Storage.Driver,
				cfg.Scheduler.MinutesBetweenCheck,
			)
			return err
		},
	}
}
