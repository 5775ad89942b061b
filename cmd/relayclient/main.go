// relayclient/main.go
//
// relayclient is a command line client for an irn relay: it prints the client
// identity, publishes messages, listens on topics and inspects the local
// request history.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lightforgemedia/go-relayclient/internal/cliutil"
	"github.com/lightforgemedia/go-relayclient/pkg/client"
	"github.com/lightforgemedia/go-relayclient/pkg/relayurl"
	"github.com/lightforgemedia/go-relayclient/pkg/storage"
	"github.com/spf13/cobra"
)

type globalConfig struct {
	projectID      string
	relayHost      string
	scheme         string
	bundleID       string
	dbPath         string
	strategy       string
	requestTimeout time.Duration
	pingInterval   time.Duration
	logLevel       string

	logger *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &globalConfig{}
	root := &cobra.Command{
		Use:          "relayclient",
		Short:        "Publish to and listen on relay topics",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cliutil.SetFlagsFromEnvVars(cmd, slog.Default())
			level, err := cliutil.ParseLevel(cfg.logLevel)
			if err != nil {
				return err
			}
			cfg.logger = cliutil.NewLogger(cmd.ErrOrStderr(), level)
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.projectID, "project-id", "", "relay project id")
	flags.StringVar(&cfg.relayHost, "relay-host", relayurl.DefaultHost, "relay host[:port]")
	flags.StringVar(&cfg.scheme, "scheme", relayurl.DefaultScheme, "ws or wss")
	flags.StringVar(&cfg.bundleID, "bundle-id", "", "bundle id sent to the relay")
	flags.StringVar(&cfg.dbPath, "db", "", "SQLite file for identity and request history; in-memory when empty")
	flags.StringVar(&cfg.strategy, "strategy", client.StrategyAutomatic.String(), "automatic or manual reconnection")
	flags.DurationVar(&cfg.requestTimeout, "request-timeout", 10*time.Second, "per-request timeout")
	flags.DurationVar(&cfg.pingInterval, "ping-interval", 0, "client ping interval, 0 disables pings")
	flags.StringVar(&cfg.logLevel, "log-level", "warn", "debug, info, warn or error")

	root.AddCommand(newIDCmd(cfg), newPublishCmd(cfg), newListenCmd(cfg), newPruneCmd(cfg), newPendingCmd(cfg))
	return root
}

func parseStrategy(s string) (client.Strategy, error) {
	switch s {
	case client.StrategyAutomatic.String():
		return client.StrategyAutomatic, nil
	case client.StrategyManual.String():
		return client.StrategyManual, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q", s)
	}
}

// openStore opens the SQLite database when --db is set. The returned close
// function is always safe to call.
func (g *globalConfig) openStore() (*storage.SQLiteStore, func(), error) {
	if g.dbPath == "" {
		return nil, func() {}, nil
	}
	store, err := storage.NewSQLiteStore(g.dbPath)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			g.logger.Warn("Closing database failed", "error", err)
		}
	}, nil
}

// newClient builds a client from the global flags. The cleanup function closes
// the client and then its database.
func (g *globalConfig) newClient() (*client.Client, func(), error) {
	strategy, err := parseStrategy(g.strategy)
	if err != nil {
		return nil, nil, err
	}
	store, closeStore, err := g.openStore()
	if err != nil {
		return nil, nil, err
	}

	opts := []client.Option{
		client.WithLogger(g.logger),
		client.WithRelay(g.scheme, g.relayHost),
		client.WithBundleID(g.bundleID),
		client.WithStrategy(strategy),
		client.WithRequestTimeout(g.requestTimeout),
		client.WithClientPingInterval(g.pingInterval),
	}
	if store != nil {
		opts = append(opts,
			client.WithStore(store),
			client.WithKeychain(storage.NewStoreKeychain(store)),
		)
	}

	c, err := client.New(g.projectID, opts...)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return c, func() {
		c.Close()
		closeStore()
	}, nil
}
