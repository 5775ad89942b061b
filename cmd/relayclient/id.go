package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newIDCmd(cfg *globalConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print the client identity (did:key)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := cfg.newClient()
			if err != nil {
				return err
			}
			defer cleanup()

			id, err := c.ClientID()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}
