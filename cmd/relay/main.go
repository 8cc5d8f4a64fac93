// Duocall relay entry point.
//
// Serves the signaling WebSocket at /ws and a health probe at /healthz. The
// relay only forwards signaling messages; media flows peer to peer.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/duocall/internal/config"
	"github.com/1ureka/duocall/internal/signaling"
	"github.com/1ureka/duocall/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fs := config.Flags("relay")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		util.LogError("%v", err)
		os.Exit(2)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration:\n%v", err)
		os.Exit(1)
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Duocall relay v%s", version))
	pterm.Println()

	if err := serve(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("relay stopped")
}

func serve(ctx context.Context, cfg *config.Config) error {
	relay := signaling.NewRelay(signaling.RelayOptions{
		PingPeriod: cfg.PingPeriod,
		ReadLimit:  cfg.ReadLimit,
		Debug:      cfg.Debug,
	})

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}

	srv := &http.Server{
		Handler:           relay.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()
	util.LogSuccess("relay listening on ws://%s/ws", listener.Addr())

	select {
	case err := <-errCh:
		relay.Close()
		return fmt.Errorf("relay server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Hijacked WebSocket connections are not tracked by Shutdown.
	relay.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
