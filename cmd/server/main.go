// Command server runs the WebRTC signaling relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/LemmyAI/roomrelay/internal/config"
	"github.com/LemmyAI/roomrelay/internal/gateway"
	"github.com/LemmyAI/roomrelay/internal/httpserver"
	"github.com/LemmyAI/roomrelay/internal/metrics"
	"github.com/LemmyAI/roomrelay/internal/peer"
	"github.com/LemmyAI/roomrelay/internal/room"
	"github.com/LemmyAI/roomrelay/internal/session"
	"github.com/LemmyAI/roomrelay/internal/signaling"
	"github.com/LemmyAI/roomrelay/internal/transport"
	"github.com/LemmyAI/roomrelay/internal/webrtc"
)

var (
	flagAddr            string
	flagLogLevel        string
	flagViews           string
	flagPublic          string
	flagMaxMembers      int
	flagPermissiveClose bool
)

var rootCmd = &cobra.Command{
	Use:   "roomrelay",
	Short: "WebRTC signaling relay with location-tagged rooms",
	Long: `roomrelay lets browsers create and join named rooms over WebSocket and
forwards WebRTC offers, answers and ICE candidates between them.

Settings come from the environment (and .env); flags override them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		applyFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		return run(cfg)
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (RELAY_ADDR)")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level (LOG_LEVEL)")
	rootCmd.Flags().StringVar(&flagViews, "views", "", "directory with the HTML pages (RELAY_VIEWS_DIR)")
	rootCmd.Flags().StringVar(&flagPublic, "public", "", "directory with static assets (RELAY_PUBLIC_DIR)")
	rootCmd.Flags().IntVar(&flagMaxMembers, "max-members", 0, "room capacity, 0 for unlimited (RELAY_MAX_MEMBERS)")
	rootCmd.Flags().BoolVar(&flagPermissiveClose, "permissive-close", false, "let any member close a room (RELAY_PERMISSIVE_CLOSE)")
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = flagAddr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if flags.Changed("views") {
		cfg.ViewsDir = flagViews
	}
	if flags.Changed("public") {
		cfg.PublicDir = flagPublic
	}
	if flags.Changed("max-members") {
		cfg.MaxMembers = flagMaxMembers
	}
	if flags.Changed("permissive-close") {
		cfg.PermissiveClose = flagPermissiveClose
	}
}

func run(cfg config.Config) error {
	log := cfg.NewLogger()
	log.Info("📡 RoomRelay starting...")

	iceServers, err := webrtc.ParseICEServers(cfg.ICE)
	if err != nil {
		return fmt.Errorf("ice servers: %w", err)
	}

	m := metrics.New()
	peers := peer.NewRegistry()
	rooms := room.NewDirectory(cfg.Room())
	m.TrackRooms(func() float64 { return float64(len(rooms.ActiveRooms())) })
	rooms.OnRoomExpired(func(roomID string) {
		log.WithField("room_id", roomID).Info("🧹 Empty room swept")
	})

	ws := transport.NewWebSocket(cfg.Transport(), log, m)
	emit := gateway.NewTransportEmitter(ws, log, m)
	coord := session.NewCoordinator(peers, rooms, emit, session.Config{PermissiveClose: cfg.PermissiveClose}, log)
	relay := signaling.NewRelay(peers, emit, log)
	gateway.New(ws, coord, relay, gateway.Config{
		EventsPerSecond: cfg.EventsPerSecond,
		EventBurst:      cfg.EventBurst,
	}, log, m).Attach()

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpserver.New(httpserver.Options{
			Upgrade:        ws,
			Peers:          peers,
			Rooms:          rooms,
			Metrics:        m,
			Log:            log,
			AllowedOrigins: cfg.AllowedOrigins,
			KakaoMapAPIKey: cfg.KakaoMapAPIKey,
			ICEServers:     iceServers,
			ViewsDir:       cfg.ViewsDir,
			PublicDir:      cfg.PublicDir,
			Release:        cfg.IsProduction(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rooms.RunCleanup(ctx)

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSCertFile != "" {
			log.Infof("🔐 Listening on https://%s", cfg.Addr)
			errCh <- srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
			return
		}
		log.Infof("🌐 Listening on http://%s", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
	case <-sigCh:
	}

	log.Info("🛑 Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown incomplete")
	}
	if err := ws.Close(); err != nil {
		log.WithError(err).Warn("Error closing transport")
	}
	log.Info("👋 Bye!")
	return nil
}

func main() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
