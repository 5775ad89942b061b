// relayd/main.go
//
// relayd runs a development relay that speaks the irn_* JSON-RPC methods over
// WebSocket. Clients connect to ws://<addr>/?projectId=<id>.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-relayclient/internal/cliutil"
	"github.com/lightforgemedia/go-relayclient/pkg/relayserver"
	"github.com/spf13/cobra"
)

type config struct {
	addr            string
	requireAuth     bool
	pingInterval    time.Duration
	writeTimeout    time.Duration
	sendBuffer      int
	mailboxSize     int
	originPatterns  []string
	shutdownTimeout time.Duration
	logLevel        string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config{}
	cmd := &cobra.Command{
		Use:           "relayd",
		Short:         "Run a development relay server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cliutil.SetFlagsFromEnvVars(cmd, slog.Default())
			level, err := cliutil.ParseLevel(cfg.logLevel)
			if err != nil {
				return err
			}
			logger := cliutil.NewLogger(os.Stdout, level)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, nil)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.addr, "addr", ":8080", "listen address")
	flags.BoolVar(&cfg.requireAuth, "require-auth", true, "reject connections without a valid bearer token")
	flags.DurationVar(&cfg.pingInterval, "ping-interval", 30*time.Second, "server ping interval, 0 disables pings")
	flags.DurationVar(&cfg.writeTimeout, "write-timeout", 10*time.Second, "per-frame write timeout")
	flags.IntVar(&cfg.sendBuffer, "send-buffer", 16, "per-connection outbound buffer")
	flags.IntVar(&cfg.mailboxSize, "mailbox-size", 100, "messages kept per topic without subscribers")
	flags.StringSliceVar(&cfg.originPatterns, "origin", nil, "allowed Origin patterns for browser clients")
	flags.DurationVar(&cfg.shutdownTimeout, "shutdown-timeout", 15*time.Second, "graceful shutdown timeout")
	flags.StringVar(&cfg.logLevel, "log-level", "info", "debug, info, warn or error")
	return cmd
}

// serve runs the relay until ctx is done. ready, when set, receives the bound
// address once the listener is open.
func serve(ctx context.Context, cfg config, logger *slog.Logger, ready func(addr string)) error {
	relay, err := relayserver.New(
		relayserver.WithLogger(logger),
		relayserver.WithAcceptOptions(&websocket.AcceptOptions{OriginPatterns: cfg.originPatterns}),
		relayserver.WithPingInterval(cfg.pingInterval),
		relayserver.WithWriteTimeout(cfg.writeTimeout),
		relayserver.WithClientSendBuffer(cfg.sendBuffer),
		relayserver.WithMailboxSize(cfg.mailboxSize),
		relayserver.WithRequireAuth(cfg.requireAuth),
	)
	if err != nil {
		return fmt.Errorf("create relay: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", relay.UpgradeHandler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { fmt.Fprintln(w, "OK") })

	ln, err := net.Listen("tcp", cfg.addr)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Relay starting", "address", ln.Addr().String(), "requireAuth", cfg.requireAuth)
	if ready != nil {
		ready(ln.Addr().String())
	}

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- httpServer.Serve(ln)
	}()

	var serveErr error
	select {
	case err := <-serverErrChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			serveErr = err
		}
	case <-ctx.Done():
		logger.Info("Shutting down relay...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
	defer shutdownCancel()

	if err := relay.Shutdown(shutdownCtx); err != nil {
		logger.Error("Relay shutdown error", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		if serveErr == nil {
			serveErr = err
		}
	}
	logger.Info("Relay shutdown complete.")
	return serveErr
}
