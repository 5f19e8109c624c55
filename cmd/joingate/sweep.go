package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweep pass over expired challenges and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			removed, err := a.sweeper().Sweep(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired challenge(s)\n", removed)
			return nil
		},
	}
}
