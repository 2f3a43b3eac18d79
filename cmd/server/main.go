package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/coderoom/backend/internal/api"
	"github.com/manpreetbhatti/coderoom/backend/internal/auth"
	"github.com/manpreetbhatti/coderoom/backend/internal/config"
	"github.com/manpreetbhatti/coderoom/backend/internal/db"
	"github.com/manpreetbhatti/coderoom/backend/internal/execution"
	"github.com/manpreetbhatti/coderoom/backend/internal/ratelimit"
	"github.com/manpreetbhatti/coderoom/backend/internal/room"
	"github.com/manpreetbhatti/coderoom/backend/internal/snapshot"
	"github.com/manpreetbhatti/coderoom/backend/internal/ws"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	database, err := db.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer database.Close()

	rooms := room.NewManager(room.Options{
		Config: room.Config{
			RoomTTL:                  cfg.RoomTTL,
			HostClaimTimeout:         cfg.HostClaimTimeout,
			HostClaimAutoAccept:      cfg.HostClaimAutoAccept,
			HostDisconnectAutoAccept: cfg.HostDisconnectAutoAccept,
			MaxDocumentBytes:         cfg.MaxDocumentBytes,
			QuickRoomCapacity:        cfg.QuickRoomCapacity,
			SeatReservation:          cfg.SeatReservation,
		},
		Store: database,
		Executor: execution.New(execution.Config{
			URL:         cfg.RunnerURL,
			InitTimeout: cfg.RunnerInitTimeout,
			ExecTimeout: cfg.ExecTimeout,
		}, logger),
		Tokens:      auth.NewIssuer([]byte(cfg.TokenSecret), cfg.RoomTTL),
		ExecLimiter: ratelimit.NewKeyed(cfg.ExecRate, cfg.ExecBurst),
		Logger:      logger,
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	hub := ws.NewHub(rooms, ws.Config{
		JoinTimeout:    cfg.JoinTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
	}, logger)
	go hub.Run(ctx)

	snapshots := snapshot.New(rooms, snapshot.Config{Interval: cfg.SnapshotInterval}, logger)
	snapshots.Start()

	apiHandler := api.New(rooms, hub, database, api.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		SecureCookies:  !cfg.IsDevelopment(),
		TokenTTL:       cfg.RoomTTL,
	}, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           apiHandler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("db", cfg.DBPath).
			Str("runner", cfg.RunnerURL).
			Msg("starting coderoom server")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	snapshots.Stop()
	// flushes and releases rooms without destroying them
	if err := rooms.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("room shutdown")
	}
	stop()

	logger.Info().Msg("server stopped")
}
