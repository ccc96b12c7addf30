package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"

	"github.com/urfave/cli/v3"

	"github.com/swillrpc/swill/internal/logger"
	"github.com/swillrpc/swill/pkg/swillmsgpack"
	"github.com/swillrpc/swill/pkg/swillrpc"
	"github.com/swillrpc/swill/pkg/transport"
)

func main() {
	bi, _ := debug.ReadBuildInfo()

	cmd := &cli.Command{
		Name:    "swillserver",
		Usage:   "demo swill RPC server over WebSocket",
		Version: bi.Main.Version,
		Flags:   flags(),
		Action:  run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	initLog(cmd.Bool("dev"))
	l := logger.FromContext(ctx)

	server := swillrpc.NewServer(
		swillmsgpack.New(),
		swillrpc.WithStreamCapacity(int(cmd.Int("stream-capacity"))),
	)
	if err := registerDemoHandlers(server); err != nil {
		return fmt.Errorf("failed to register demo handlers: %w", err)
	}
	registerLoggingHooks(server, l)

	addr := fmt.Sprintf(":%d", cmd.Int("port"))
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, meta, err := transport.Accept(w, r)
		if err != nil {
			l.Warn("WebSocket handshake failed", slog.Any("error", err))
			return
		}
		reqCtx := logger.InContext(r.Context(), l)
		if err := server.Accept(reqCtx, conn, meta); err != nil {
			l.Warn("connection ended with an error", slog.Any("error", err))
		}
	})

	l.Info("listening", slog.String("address", addr))
	return http.ListenAndServe(addr, mux)
}

// registerLoggingHooks installs a minimal before_connection/after_request
// hook pair so the demo binary's lifecycle is visible on stdout/stderr,
// the way a teacher-written sample server would log webhook arrivals.
func registerLoggingHooks(s *swillrpc.Server, l *slog.Logger) {
	s.Hooks().OnBeforeConnection(func(ctx context.Context, conn *swillrpc.Connection, _ *swillrpc.Request) error {
		l.Info("connection accepted", slog.String("connection_id", conn.ID))
		return nil
	})
	s.Hooks().OnAfterRequest(func(ctx context.Context, conn *swillrpc.Connection, req *swillrpc.Request) error {
		l.Debug("request finished", slog.String("connection_id", conn.ID), slog.String("method", req.Method))
		return nil
	})
}

// initLog sets up the dev/production logging split.
func initLog(devMode bool) {
	var handler slog.Handler
	if devMode {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:     slog.LevelDebug,
			AddSource: true,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	slog.SetDefault(slog.New(handler))
}
