// Command peer is a headless participant: it enters the pool, waits for a
// partner and holds a call with synthetic media until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mossy-p/skillshare-signaling/config"
	"github.com/mossy-p/skillshare-signaling/internal/bus"
	"github.com/mossy-p/skillshare-signaling/internal/call"
	"github.com/mossy-p/skillshare-signaling/internal/logging"
	"github.com/mossy-p/skillshare-signaling/internal/matchmaker"
	"github.com/mossy-p/skillshare-signaling/internal/peer"
	"github.com/mossy-p/skillshare-signaling/internal/redis"
	"github.com/mossy-p/skillshare-signaling/internal/store"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func main() {
	flags := pflag.NewFlagSet("peer", pflag.ExitOnError)
	flags.String("user", "", "user id to join the pool as")
	flags.StringSlice("possess", nil, "skills you can teach")
	flags.StringSlice("want", nil, "skills you want to learn")
	flags.Bool("once", false, "exit after the first call instead of re-entering the pool")
	flags.String("store-dsn", "", "store DSN shared with the signaling server")
	flags.String("bus-driver", "", "bus driver: redis or memory")
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	v := viper.New()
	for key, flag := range map[string]string{"store_dsn": "store-dsn", "bus_driver": "bus-driver"} {
		if f := flags.Lookup(flag); f.Changed {
			v.Set(key, f.Value.String())
		}
	}
	cfg, err := config.LoadFrom(v)
	if err != nil {
		logging.Setup(nil, "development", "info")
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Setup(nil, cfg.Environment, cfg.LogLevel)

	user, _ := flags.GetString("user")
	possess, _ := flags.GetStringSlice("possess")
	want, _ := flags.GetStringSlice("want")
	once, _ := flags.GetBool("once")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, user, possess, want, once); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("peer stopped")
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, user string, possess, want []string, once bool) error {
	db, err := store.Open(ctx, cfg.StoreDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	var b bus.Bus
	if cfg.BusDriver == "memory" {
		b = bus.NewMemory()
	} else {
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		b = bus.NewRedis(client)
	}
	defer b.Close()

	mm := matchmaker.New(store.NewRepo(db, b), b, cfg.Match.PollInterval)
	logger := log.With().Str("module", "peer").Str("user_id", user).Logger()

	for {
		if _, err := mm.EnterPool(ctx, user, possess, want); err != nil {
			return err
		}
		logger.Info().Strs("possess", possess).Strs("want", want).Msg("waiting for a partner")

		match, err := mm.Watch(ctx, user)
		if err != nil {
			return err
		}
		logger.Info().Str("peer_id", match.PeerID).Str("source", string(match.Source)).Msg("matched")

		st, err := holdCall(ctx, cfg, mm, b, user, match.PeerID)
		if err != nil {
			return err
		}
		logger.Info().Str("state", st.State.String()).Str("recovery", string(st.Recovery)).AnErr("cause", st.Err).Msg("call over")

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case st.Recovery == call.RecoveryReload:
			return fmt.Errorf("call needs a restart: %w", st.Err)
		case once:
			return nil
		}
	}
}

func holdCall(ctx context.Context, cfg *config.Config, mm *matchmaker.Matchmaker, b bus.Bus, user, peerID string) (call.Status, error) {
	media, err := peer.NewStaticMedia(user)
	if err != nil {
		return call.Status{}, err
	}
	media.Acquire(ctx)

	session := call.New(call.Config{
		Self:  user,
		Peer:  peerID,
		Bus:   b,
		Media: media,
		Ender: mm,
		NewPeerConnection: func() (peer.PeerConnection, error) {
			pc, err := peer.NewPionConnection(peer.DefaultWebRTCConfig(cfg.ICEServers), user)
			if err != nil {
				return nil, err
			}
			pc.OnRemoteTrack(func(track *webrtc.TrackRemote) { receive(user, track) })
			return pc, nil
		},
		MediaPollInterval: cfg.Media.PollInterval,
		MediaPollAttempts: cfg.Media.PollAttempts,
	})

	st := session.Run(ctx)
	// Record the hangup even when the call ended because we were interrupted.
	if err := session.End(context.WithoutCancel(ctx)); err != nil {
		log.Warn().Err(err).Str("module", "peer").Msg("end call")
	}
	return st, nil
}

// receive reads a remote track until it ends and logs how much arrived.
func receive(user string, track *webrtc.TrackRemote) {
	packets := 0
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			break
		}
		if packets == 0 {
			log.Info().Str("module", "peer").Str("user_id", user).Str("kind", track.Kind().String()).Msg("remote media flowing")
		}
		packets++
	}
	log.Debug().Str("module", "peer").Str("user_id", user).Str("kind", track.Kind().String()).Int("packets", packets).Msg("remote track ended")
}
