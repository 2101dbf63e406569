package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/quorumchat/voicemesh/internal/domain"
	"github.com/quorumchat/voicemesh/internal/media"
	"github.com/quorumchat/voicemesh/internal/realtime"
	"github.com/quorumchat/voicemesh/internal/session"
)

func main() {
	var (
		relayURL = flag.String("relay", "ws://localhost:8080", "relay base url")
		user     = flag.String("user", "", "user id")
		name     = flag.String("name", "", "display name")
		channel  = flag.String("channel", "", "voice channel to join")
		server   = flag.String("server", "", "server the channel belongs to")
		toneHz   = flag.Float64("tone", 440, "test tone frequency")
		ice      = flag.StringSlice("ice", []string{"stun:stun.l.google.com:19302"}, "ice servers")
		maxPeers = flag.Int("max-peers", 16, "mesh peer ceiling")
		logLevel = flag.String("log-level", "info", "zerolog level")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if lvl, err := zerolog.ParseLevel(*logLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if *user == "" || *channel == "" {
		log.Fatal().Msg("--user and --channel are required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := realtime.Dial(ctx, *relayURL, domain.UserID(*user), *name)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to reach relay")
	}
	defer client.Close()

	httpBase := strings.Replace(*relayURL, "ws", "http", 1)

	coord := session.NewCoordinator(session.Config{
		User:            domain.UserID(*user),
		Store:           client,
		Buses:           client,
		Media:           media.NewController(func() media.Source { return media.NewToneSource(*toneHz) }),
		Profiles:        session.NewHTTPProfiles(httpBase),
		ICEServers:      *ice,
		MaxPeers:        *maxPeers,
		DisconnectGrace: 10 * time.Second,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		coord.Run(ctx)
	}()

	joinCtx, joinCancel := context.WithTimeout(ctx, 10*time.Second)
	err = coord.Join(joinCtx, domain.ChannelID(*channel), domain.ServerID(*server))
	joinCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("join failed")
	}
	log.Info().Str("channel", *channel).Msg("joined, Ctrl-C to leave")

	<-ctx.Done()
	// Run drains into doLeave on ctx cancellation; wait for it.
	<-done
	log.Info().Msg("left voice")
}
