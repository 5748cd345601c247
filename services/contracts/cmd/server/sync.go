package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func syncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one scheduled sync over every active contract and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(true)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			st, closeStore, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()
			stack, err := buildSyncStack(cmd.Context(), cfg, st, log)
			if err != nil {
				return err
			}
			defer stack.Close()

			res := stack.orchestrator.RunScheduledSync(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "candidates=%d succeeded=%d failed=%d duration=%s\n",
				res.Candidates, res.Succeeded, res.Failed, res.Duration)
			return res.Err
		},
	}
}
