package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zjbstudy/studyroom/clients"
	"github.com/zjbstudy/studyroom/internal/config"
	"github.com/zjbstudy/studyroom/internal/eventlog"
	"github.com/zjbstudy/studyroom/internal/fullscreen"
	"github.com/zjbstudy/studyroom/internal/media"
	"github.com/zjbstudy/studyroom/internal/protocol"
	"github.com/zjbstudy/studyroom/internal/relay"
	"github.com/zjbstudy/studyroom/internal/session"
	"github.com/zjbstudy/studyroom/internal/store"
	"github.com/zjbstudy/studyroom/internal/tiles"
	"github.com/zjbstudy/studyroom/internal/timer"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	var (
		configPath = flag.String("config", "", "path to YAML config file")
		roomID     = flag.String("room", "lobby", "room to join")
		userName   = flag.String("user", "", "display name; random when empty")
		firstGoal  = flag.String("goal", "", "initial goal seeded into an empty goal list")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	user := strings.TrimSpace(*userName)
	if user == "" {
		user = "guest-" + uuid.New().String()[:8]
	}

	log.Info().
		Str("room_id", *roomID).
		Str("user_id", user).
		Str("ws_base", cfg.WSBase).
		Msg("starting studyroom client")

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open local store")
	}
	defer st.Close()

	clock := clockwork.NewRealClock()

	goals := store.NewGoalList(st, *roomID, user)
	if *firstGoal != "" {
		goals.SeedInitial(*firstGoal)
	}
	leaderboard := store.NewLeaderboard(st, *roomID)

	chatLog := eventlog.New("chat")
	activityLog := eventlog.New("activity")
	notify := func(text string) {
		activityLog.Append(text)
		log.Info().Str("log", "activity").Msg(text)
	}

	tileEngine := tiles.NewEngine(user, &logRenderer{})
	arbiter := fullscreen.New(&logPlatform{}, tileEngine, notify)
	tileEngine.SetFullscreen(arbiter)

	tm := timer.New(clock, user, leaderboard, notify)
	tm.SetFocusMinutes(cfg.FocusMinutes)
	tm.SetBreakMinutes(cfg.BreakMinutes)

	rooms := clients.NewRoomClient(cfg.HTTPBase)
	tokens := clients.NewTokenClient(cfg.HTTPBase, clock)

	sess := session.NewManager(session.DefaultConfig(), cfg.WSBase, *roomID, user, rooms)
	sess.SetEnsureRequest(clients.EnsureRoomRequest{
		Goal:        *firstGoal,
		TimerLength: cfg.FocusMinutes,
		BreakLength: cfg.BreakMinutes,
	})

	natsCfg := relay.DefaultNATSFeedConfig()
	natsCfg.URL = cfg.NATSURL

	connector := relay.ConnectorFunc(func(ctx context.Context) (relay.Session, error) {
		token, err := tokens.Token(ctx, *roomID, user)
		if err != nil {
			return nil, fmt.Errorf("fetch relay token: %w", err)
		}
		return relay.DialNATSSession(*roomID, user, token.Token, natsCfg)
	})

	mediaMgr := media.NewManager(user, connector, tileEngine,
		func(flags protocol.MediaFlags) {
			if err := sess.Send(protocol.MediaUpdate(user, flags)); err != nil {
				log.Warn().Err(err).Msg("media state broadcast failed")
			}
		},
		notify)

	feed, err := relay.NewNATSFeed(*roomID, natsCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect relay feed")
	}
	defer feed.Close()

	if err := feed.Subscribe(func(event relay.TrackEvent) {
		if event.User == user {
			return
		}
		switch event.Type {
		case relay.TrackSubscribed:
			tileEngine.AttachTrack(event.User, event.Kind, event.Track)
		case relay.TrackUnsubscribed:
			tileEngine.DetachTrack(event.User, event.Kind)
		case relay.ParticipantDisconnected:
			tileEngine.Remove(event.User)
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe relay feed")
	}

	sess.HandleFunc(protocol.TypeState, func(env protocol.Envelope) {
		snap, err := protocol.ParseSnapshot(env)
		if err != nil {
			log.Warn().Err(err).Msg("bad state snapshot, skipping")
			return
		}
		tileEngine.ApplySnapshot(snap)
	})
	sess.HandleFunc(protocol.TypeJoin, func(env protocol.Envelope) {
		tileEngine.Ensure(env.User)
		notify(env.User + " joined")
	})
	sess.HandleFunc(protocol.TypeLeave, func(env protocol.Envelope) {
		tileEngine.Remove(env.User)
		leaderboard.Clear(env.User)
		notify(env.User + " left")
	})
	sess.HandleFunc(protocol.TypeChat, func(env protocol.Envelope) {
		chatLog.Append(env.User + ": " + env.Text)
	})
	sess.HandleFunc(protocol.TypeMediaUpdate, func(env protocol.Envelope) {
		if env.Media == nil {
			return
		}
		tileEngine.UpdateDeclared(env.User, *env.Media)
	})
	sess.HandleFunc(protocol.TypeEvent, func(env protocol.Envelope) {
		activityLog.Append(env.Event)
	})

	sess.SetOnOpen(func() {
		tileEngine.Ensure(user)
		mediaMgr.Announce()
	})
	sess.SetOnClose(func() {
		tm.Finalize()
		tm.Reset()
		tm.Stop()
		mediaMgr.DisableAll(context.Background())
		mediaMgr.CloseSession()
		tokens.Invalidate()
		arbiter.ReleaseAll()
		tileEngine.Reset()
		leaderboard.Clear(user)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := sess.Connect(ctx); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("failed to join room")
	}
	cancel()

	cons := &console{
		user:        user,
		sess:        sess,
		tm:          tm,
		goals:       goals,
		leaderboard: leaderboard,
		media:       mediaMgr,
		arbiter:     arbiter,
		tiles:       tileEngine,
		chatLog:     chatLog,
		activityLog: activityLog,
		st:          st,
		out:         os.Stdout,
	}
	consoleDone := make(chan struct{})
	go cons.run(context.Background(), os.Stdin, consoleDone)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-consoleDone:
		log.Info().Msg("console closed")
	}

	sess.Leave()

	log.Info().Msg("studyroom client shutdown complete")
}

// logRenderer is the headless rendering boundary; tile updates become log
// lines instead of DOM mutations.
type logRenderer struct{}

func (logRenderer) TileCreated(user string) {
	log.Info().Str("user_id", user).Msg("tile created")
}

func (logRenderer) TileUpdated(user string, view tiles.View) {
	log.Debug().
		Str("user_id", user).
		Bool("camera", view.ShowCamera).
		Bool("screen", view.ShowScreen).
		Str("status", view.Status).
		Msg("tile updated")
}

func (logRenderer) TileRemoved(user string) {
	log.Info().Str("user_id", user).Msg("tile removed")
}

// logPlatform stands in for a native fullscreen surface.
type logPlatform struct{}

func (logPlatform) Request(_ context.Context, user string, element tiles.Element) error {
	log.Info().Str("user_id", user).Str("element", element.String()).Msg("native fullscreen requested")
	return nil
}

func (logPlatform) Exit(context.Context) error {
	log.Info().Msg("native fullscreen exited")
	return nil
}
