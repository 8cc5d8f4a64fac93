// Duocall peer entry point.
//
// Connects to a duocall relay, announces itself, and negotiates a two-party
// WebRTC call with the first peer that joins (or waits to be called). Ctrl+C
// hangs up and exits.
//
// Every option can come from flags, DUOCALL_* environment variables or a YAML
// file passed with --config. Without a relay URL the tool asks for one.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/duocall/internal/call"
	"github.com/1ureka/duocall/internal/config"
	"github.com/1ureka/duocall/internal/media"
	"github.com/1ureka/duocall/internal/negotiation"
	"github.com/1ureka/duocall/internal/signaling"
	"github.com/1ureka/duocall/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fs := config.Flags("duocall")
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

	pterm.Info.Println(fmt.Sprintf("Duocall v%s", version))
	pterm.Println()

	relayURL := cfg.RelayURL
	if relayURL == "" {
		relayURL = askURL()
	} else if relayURL, err = config.NormalizeRelayURL(relayURL); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, relayURL); err != nil && !errors.Is(err, context.Canceled) {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("bye")
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg *config.Config, relayURL string) error {
	ch, err := signaling.Dial(ctx, signaling.ClientOptions{
		URL:       relayURL,
		ID:        cfg.PeerID,
		ReadLimit: cfg.ReadLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}
	defer ch.Close()
	util.LogSuccess("connected to %s as %s", relayURL, ch.LocalID())

	// The agent outlives ctx long enough to hang up politely.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	agent := call.NewAgent(call.Options{
		Channel:           ch,
		Media:             &media.Static{Allow: media.Constraints{Audio: cfg.Audio, Video: cfg.Video}},
		Constraints:       media.Constraints{Audio: cfg.Audio, Video: cfg.Video},
		AllowNoMedia:      cfg.AllowNoMedia,
		Glare:             negotiation.GlarePolicy(cfg.GlarePolicy),
		NewEngine:         call.PeerFactory(cfg.ICEServers),
		AutoCall:          cfg.AutoCall,
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		OnMedia: func(h *media.Handle) {
			go h.PumpSilence(runCtx)
		},
		OnStateChange: func(remote string, from, to negotiation.State) {
			util.LogDebug("call with %s: %s → %s", remote, from, to)
		},
		OnEnd: func(e call.End) {
			util.LogDebug("session %s lasted %s", e.SessionID, e.Duration.Round(time.Second))
		},
	})

	util.StartStatsReporter(runCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- agent.Run(runCtx) }()

	if !cfg.AutoCall {
		util.LogInfo("waiting for an incoming call (Ctrl+C to quit)")
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if s, active := agent.Session(); active {
		agent.Hangup()
		select {
		case <-s.Done():
		case <-time.After(2 * time.Second):
		}
	}
	cancelRun()
	<-agent.Done()
	return nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askURL prompts the user for a valid relay URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Relay URL (e.g. wss://relay.example.com/ws)").
			Show()

		relayURL, err := config.NormalizeRelayURL(raw)
		if err == nil {
			pterm.Println()
			return relayURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
