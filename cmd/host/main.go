// cmd/host/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/cambia-host/internal/auth"
	"github.com/jason-s-yu/cambia-host/internal/cache"
	"github.com/jason-s-yu/cambia-host/internal/config"
	"github.com/jason-s-yu/cambia-host/internal/dispatch"
	"github.com/jason-s-yu/cambia-host/internal/game"
	"github.com/jason-s-yu/cambia-host/internal/handlers"
	"github.com/jason-s-yu/cambia-host/internal/hub"
	"github.com/jason-s-yu/cambia-host/internal/lobby"
	"github.com/jason-s-yu/cambia-host/internal/user"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

func main() {
	hashSecret := flag.String("hash-secret", "", "print the argon2id hash of a hub secret for HUB_SECRET_HASH and exit")
	flag.Parse()

	if *hashSecret != "" {
		h, err := auth.HashSecret(*hashSecret, auth.DefaultParams)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash secret: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(h)
		return
	}

	logger := logrus.New()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	logger.SetLevel(level)

	if err := run(logger, cfg); err != nil {
		logger.Fatalf("host exited: %v", err)
	}
}

func newCaches(logger *logrus.Logger, cfg config.Config) dispatch.Caches {
	size := cfg.LobbySize
	return dispatch.Caches{
		Users: user.NewRegistry(logger, cfg.UserGrace, cfg.UserBufferLimit),
		Lobbies: lobby.NewCache(logger, cfg.LobbyTimeout, func() lobby.Checker {
			return lobby.SizeChecker{Size: size}
		}),
		Hubs:  hub.NewRegistry(logger, cfg.HubGrace, cfg.HubBufferLimit, cfg.HubPolicy),
		Games: game.NewCache(logger, cfg.LaunchAckTimeout, cfg.LaunchRetryWindow, cfg.GameConfig),
	}
}

func run(logger *logrus.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	expire, err := auth.ParseExpire(cfg.TokenExpireTime)
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessions(expire)
	if err != nil {
		return err
	}
	if cfg.HubSecretHash == "" {
		logger.Warn("HUB_SECRET_HASH not set; hubs connect unauthenticated")
	}

	var recorder dispatch.Recorder
	rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		logger.Warnf("lifecycle history disabled: %v", err)
	} else {
		pub := cache.NewPublisher(rdb, cfg.HistoryQueueName, logger)
		defer rdb.Close()
		defer pub.Close()
		recorder = pub
	}

	conns := handlers.NewConnections()
	loop := dispatch.New(logger, newCaches(logger, cfg), conns, recorder, dispatch.Options{
		SweepInterval: cfg.SweepInterval,
		QueueSize:     cfg.EventQueueSize,
	})
	srv := handlers.NewServer(logger, loop, conns, sessions, cfg.HubSecretHash)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	loopErr := make(chan error, 1)
	go func() { loopErr <- loop.Run(ctx) }()

	httpErr := make(chan error, 1)
	go func() {
		logger.Infof("Running on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	var runErr error
	loopDone := false
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-loopErr:
		loopDone = true
		stop()
	case runErr = <-httpErr:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	// the publisher is closed by a deferred call; the loop must be done with it
	if !loopDone {
		if err := <-loopErr; err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}
