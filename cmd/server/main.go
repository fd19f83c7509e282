package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/dkeye/notelify/internal/adapters/auth"
	router "github.com/dkeye/notelify/internal/adapters/http"
	"github.com/dkeye/notelify/internal/adapters/realtime"
	"github.com/dkeye/notelify/internal/adapters/rtc"
	"github.com/dkeye/notelify/internal/adapters/store"
	"github.com/dkeye/notelify/internal/app/call"
	"github.com/dkeye/notelify/internal/app/cursor"
	"github.com/dkeye/notelify/internal/app/mesh"
	"github.com/dkeye/notelify/internal/app/notify"
	"github.com/dkeye/notelify/internal/app/sweep"
	"github.com/dkeye/notelify/internal/config"
	"github.com/dkeye/notelify/internal/core"
	"github.com/dkeye/notelify/internal/domain"
	"github.com/dkeye/notelify/internal/metrics"
)

// relay is what both realtime backends provide.
type relay interface {
	core.ChannelFactory
	core.CallFeed
	store.CallPublisher
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	rel, err := openRelay(ctx, cfg.Realtime)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open realtime relay")
	}

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	if err := store.PublishInserts(db, rel); err != nil {
		log.Fatal().Err(err).Msg("failed to register call feed")
	}
	calls := store.NewCallStore(db)

	agent, err := auth.NewAgent(cfg.Agent.UserID, cfg.Agent.Email, cfg.Agent.Name)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid agent identity")
	}

	m := metrics.New()
	manager := call.NewManager(calls, agent, openTransport(cfg.Call, rel), rel, call.Config{
		HeartbeatInterval: cfg.Call.HeartbeatInterval,
		ICEServers:        cfg.Call.ICEServerList(),
		StartMuted:        cfg.Call.StartMuted,
	}, m)

	rings := notify.New(rel, agent, manager, m)
	manager.ClearRingsWith(rings)
	cursors := cursor.NewService(rel, agent)
	events := router.NewEvents(cfg.ReadLimit, cfg.PingPeriod, cursors)

	rings.OnChange(func(r *notify.Ring) { events.Publish("ring", r) })
	manager.OnStateChange(func(call.State) { events.Publish("call", router.NewCallView(manager)) })
	manager.OnRosterChange(func(peers []mesh.Peer) { events.Publish("roster", peers) })
	cursors.OnChange(func(board domain.BoardID, cs []cursor.Cursor) {
		events.Publish("cursors", map[string]any{"board": board, "cursors": cs})
	})

	if err := rings.Start(ctx); err != nil {
		log.Warn().Err(err).Str("module", "main").Msg("incoming calls disabled")
	}

	var sweeper *sweep.Sweeper
	if cfg.Sweep.Enabled {
		sweeper = sweep.New(calls, cfg.Sweep.StaleAfter, m)
		if err := sweeper.Start(cfg.Sweep.Schedule); err != nil {
			log.Fatal().Err(err).Msg("failed to start sweeper")
		}
	}

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Calls:    manager,
		Rings:    rings,
		Accounts: agent,
		Events:   events,
		Metrics:  m,
		Health:   pingDB(db),
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("notelify agent started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := manager.EndCall(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("end call on shutdown")
	}
	cursors.Unwatch(shutdownCtx)
	rings.Stop()
	if sweeper != nil {
		sweeper.Stop(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

func openRelay(ctx context.Context, cfg config.RealtimeConfig) (relay, error) {
	if cfg.Driver != "redis" {
		return realtime.NewHub(), nil
	}
	client, err := realtime.DialRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return realtime.NewRedisRelay(client), nil
}

func openTransport(cfg config.CallConfig, channels core.ChannelFactory) core.PeerTransport {
	devices := rtc.Devices{Audio: cfg.Devices.Audio, Video: cfg.Devices.Video}
	if cfg.Transport == "loopback" {
		return rtc.NewLoopback(devices)
	}
	return rtc.NewTransport(channels, devices)
}

func pingDB(db *gorm.DB) func(context.Context) error {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}
