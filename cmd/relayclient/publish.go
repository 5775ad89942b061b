package main

import (
	"time"

	"github.com/lightforgemedia/go-relayclient/pkg/client"
	"github.com/spf13/cobra"
)

func newPublishCmd(cfg *globalConfig) *cobra.Command {
	var opts client.PublishOptions
	cmd := &cobra.Command{
		Use:   "publish TOPIC MESSAGE",
		Short: "Publish one message on a topic",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := cfg.newClient()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			if err := c.Connect(ctx); err != nil {
				return err
			}
			if err := c.Publish(ctx, args[0], args[1], opts); err != nil {
				return err
			}
			cfg.logger.Info("Published", "topic", args[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Tag, "tag", 0, "message tag")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 5*time.Minute, "message time to live, at least 1s")
	cmd.Flags().BoolVar(&opts.Prompt, "prompt", false, "ask the relay to push a notification")
	return cmd
}
