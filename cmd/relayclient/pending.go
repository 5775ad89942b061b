package main

import (
	"encoding/json"
	"errors"

	"github.com/lightforgemedia/go-relayclient/pkg/irn"
	"github.com/spf13/cobra"
)

func newPendingCmd(cfg *globalConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "pending [topic]",
		Short: "Print unanswered requests recorded in --db as JSON lines",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.dbPath == "" {
				return errors.New("pending needs --db")
			}
			var topic string
			if len(args) == 1 {
				topic = args[0]
				if err := irn.ValidateTopic(topic); err != nil {
					return err
				}
			}

			c, cleanup, err := cfg.newClient()
			if err != nil {
				return err
			}
			defer cleanup()

			records, err := c.PendingRequests(topic)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, rec := range records {
				if err := enc.Encode(rec); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
