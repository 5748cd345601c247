package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/jquan18/Civitas-sub001/pkg/chain"
	"github.com/jquan18/Civitas-sub001/pkg/statereader"
)

func readStateCmd(a *app) *cobra.Command {
	var chainID int64
	cmd := &cobra.Command{
		Use:   "read-state <template_id> <contract_address>",
		Short: "Read the on-chain state of one contract without touching the store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(false)
			if err != nil {
				return err
			}
			address, err := chain.ParseAddress(args[1])
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			reg, err := loadRegistry(cfg)
			if err != nil {
				return err
			}
			client, err := chain.Dial(cmd.Context(), cfg.ChainRPCURLs, log)
			if err != nil {
				return err
			}
			defer client.Close()

			if chainID == 0 {
				chainID = cfg.DefaultChainID
			}
			reader := statereader.New(reg, client, log, statereader.WithFieldTimeout(cfg.FieldReadTimeout))
			snap, err := reader.ReadState(cmd.Context(), chainID, address, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
	cmd.Flags().Int64Var(&chainID, "chain-id", 0, "chain to read from, defaults to default_chain_id")
	return cmd
}
