package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/meshcall/internal/adapters/rtc"
	"github.com/dkeye/meshcall/internal/client"
	"github.com/dkeye/meshcall/internal/config"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/negotiation"
)

var (
	flagStatsInterval time.Duration
	flagDebug         bool
)

var rootCmd = &cobra.Command{
	Use:   "meshcall-peer",
	Short: "Join a meshcall room as a headless WebRTC participant",
	Long: `meshcall-peer connects to a meshcall relay, joins a room and keeps one
WebRTC connection per other participant, negotiated over the relay.

Examples:
  meshcall-peer --room demo
  meshcall-peer --server-url ws://relay:8080/api/ws/signal --media-kinds audio`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if flagDebug {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
		cfg, err := config.LoadPeer(cmd.Flags())
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	f := rootCmd.Flags()
	f.String("server-url", "", "relay WebSocket URL")
	f.String("room", "", "room to join")
	f.StringSlice("ice-servers", nil, "ICE server URLs")
	f.StringSlice("media-kinds", nil, "transceiver kinds to negotiate (audio, video)")
	f.DurationVar(&flagStatsInterval, "stats-interval", 10*time.Second, "how often link stats are logged, 0 disables")
	f.BoolVar(&flagDebug, "debug", false, "debug logging")
}

func run(ctx context.Context, cfg *config.Peer) error {
	room, err := domain.NewRoomName(cfg.Room)
	if err != nil {
		return err
	}
	kinds, err := rtc.ParseKinds(cfg.MediaKinds)
	if err != nil {
		return err
	}

	factory, err := rtc.Factory(rtc.Config{ICEServers: cfg.ICEServers, Kinds: kinds})
	if err != nil {
		return err
	}

	c, err := client.Dial(ctx, cfg.ServerURL)
	if err != nil {
		return err
	}
	defer c.Close()

	logger := log.With().Str("module", "peer").Logger()
	mesh := negotiation.NewMesh(ctx, factory, c, negotiation.Hooks{
		Negotiated: func(remote domain.ParticipantID) {
			logger.Info().Str("peer", remote.String()).Msg("negotiated")
		},
		Degraded: func(remote domain.ParticipantID, err error) {
			logger.Warn().Err(err).Str("peer", remote.String()).Msg("link degraded")
		},
		Closed: func(remote domain.ParticipantID) {
			logger.Info().Str("peer", remote.String()).Msg("link closed")
		},
	})
	defer mesh.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx, mesh.Handle) })
	g.Go(func() error {
		if err := c.Join(gctx, room); err != nil {
			return err
		}
		logger.Info().Str("room", string(room)).Str("server", cfg.ServerURL).Msg("join sent")
		return nil
	})
	if flagStatsInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(flagStatsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					for _, st := range mesh.Stats() {
						logger.Info().
							Str("peer", st.Remote.String()).
							Str("role", st.Role.String()).
							Str("state", st.SignalingState.String()).
							Int("offers_sent", st.OffersSent).
							Int("answers_sent", st.AnswersSent).
							Int("rollbacks", st.Rollbacks).
							Int("candidates", st.CandidatesApplied).
							Msg("link stats")
					}
				}
			}
		})
	}
	return g.Wait()
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("peer failed")
		os.Exit(1)
	}
}
