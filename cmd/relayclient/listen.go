package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/lightforgemedia/go-relayclient/pkg/bridge"
	"github.com/lightforgemedia/go-relayclient/pkg/history"
	"github.com/lightforgemedia/go-relayclient/pkg/irn"
	"github.com/lightforgemedia/go-relayclient/pkg/topicwatch"
	"github.com/spf13/cobra"
)

type listenConfig struct {
	topicsFile string
	natsURL    string
	natsPrefix string
	count      int
	fetch      bool
	pruneAfter time.Duration
}

func newListenCmd(cfg *globalConfig) *cobra.Command {
	lc := listenConfig{}
	cmd := &cobra.Command{
		Use:   "listen [TOPIC...]",
		Short: "Subscribe to topics and print messages as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && lc.topicsFile == "" {
				return errors.New("give at least one topic or --topics-file")
			}
			for _, topic := range args {
				if err := irn.ValidateTopic(topic); err != nil {
					return err
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return listen(ctx, cmd, cfg, lc, args)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&lc.topicsFile, "topics-file", "", "file with one topic per line, re-read on change")
	flags.StringVar(&lc.natsURL, "nats-url", "", "also republish messages to this NATS server")
	flags.StringVar(&lc.natsPrefix, "nats-prefix", bridge.DefaultSubjectPrefix, "NATS subject prefix")
	flags.IntVar(&lc.count, "count", 0, "exit after this many messages, 0 runs until interrupted")
	flags.BoolVar(&lc.fetch, "fetch", false, "print messages queued on the relay before listening")
	flags.DurationVar(&lc.pruneAfter, "prune-after", 0, "with --db, drop request history older than this on start")
	return cmd
}

func listen(ctx context.Context, cmd *cobra.Command, cfg *globalConfig, lc listenConfig, topics []string) error {
	if lc.pruneAfter > 0 && cfg.dbPath != "" {
		if err := prune(cfg, lc.pruneAfter); err != nil {
			return err
		}
	}

	c, cleanup, err := cfg.newClient()
	if err != nil {
		return err
	}
	defer cleanup()

	sinks := []bridge.Sink{bridge.NewWriterSink(cmd.OutOrStdout())}
	if lc.natsURL != "" {
		natsSink, err := bridge.NewNATSSink(bridge.NATSOptions{URL: lc.natsURL, SubjectPrefix: lc.natsPrefix})
		if err != nil {
			return err
		}
		sinks = append(sinks, natsSink)
	}
	defer func() {
		if err := bridge.CloseAll(sinks...); err != nil {
			cfg.logger.Warn("Closing sinks failed", "error", err)
		}
	}()

	messages := c.Messages()
	if err := c.Connect(ctx); err != nil {
		messages.Close()
		return err
	}

	if len(topics) > 0 {
		if _, err := c.BatchSubscribe(ctx, topics); err != nil {
			messages.Close()
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	if lc.topicsFile != "" {
		w, err := topicwatch.New(lc.topicsFile, c, topicwatch.WithLogger(cfg.logger), topicwatch.WithRequestTimeout(cfg.requestTimeout))
		if err != nil {
			messages.Close()
			return err
		}
		if err := w.Start(ctx); err != nil {
			cfg.logger.Warn("Topics file partially applied", "error", err)
		}
		defer w.Stop()
	}

	if lc.fetch {
		queued, err := c.FetchMessages(ctx, c.Topics())
		if err != nil {
			cfg.logger.Warn("Fetching queued messages failed", "error", err)
		}
		for _, msg := range queued {
			for _, sink := range sinks {
				if err := sink.Deliver(ctx, msg); err != nil {
					cfg.logger.Warn("Delivering queued message failed", "topic", msg.Topic, "error", err)
				}
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if lc.count > 0 {
		sinks = append(sinks, &countingSink{remaining: lc.count, done: cancel})
	}
	bridge.Run(runCtx, cfg.logger, messages, sinks...)
	return nil
}

// countingSink cancels the listen loop after a fixed number of messages.
type countingSink struct {
	remaining int
	done      context.CancelFunc
}

func (s *countingSink) Deliver(ctx context.Context, msg irn.SubscriptionData) error {
	s.remaining--
	if s.remaining <= 0 {
		s.done()
	}
	return nil
}

func (s *countingSink) Close() error { return nil }

func newPruneCmd(cfg *globalConfig) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete request history older than --older-than from --db",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.dbPath == "" {
				return errors.New("prune needs --db")
			}
			return prune(cfg, olderThan)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "history age to keep")
	return cmd
}

func prune(cfg *globalConfig, olderThan time.Duration) error {
	store, closeStore, err := cfg.openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	n, err := store.Prune(history.KeyPrefix, olderThan)
	if err != nil {
		return err
	}
	cfg.logger.Info("Pruned request history", "records", n, "olderThan", olderThan)
	return nil
}
