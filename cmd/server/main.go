package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/go-qna/internal/api"
	"github.com/npezzotti/go-qna/internal/config"
	"github.com/npezzotti/go-qna/internal/database"
	"github.com/npezzotti/go-qna/internal/ratelimit"
	"github.com/npezzotti/go-qna/internal/server"
	"github.com/npezzotti/go-qna/internal/stats"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

var (
	configPath string
	envFile    string
	migrateUp  bool
)

func main() {
	flag.StringVar(&configPath, "config", "", "path to a TOML config file")
	flag.StringVar(&envFile, "env-file", ".env", "path to a .env file")
	flag.BoolVar(&migrateUp, "migrate", false, "apply database migrations before starting")
	flag.Parse()

	if err := config.LoadDotEnv(envFile); err != nil {
		log.Fatalf("load env file: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if migrateUp {
		if err := database.MigrateUp(cfg.DatabaseDSN); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		logger.Info("migrations applied")
	}

	dbConn, err := database.NewPgQnARepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open", zap.Error(err))
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Error("db close", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux, "qna")
	statsUpdater.RegisterMetrics(stats.LiveMetrics...)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router := server.NewRouter(logger, statsUpdater, cfg.Live.Shards)

	var broker server.Broker = server.NewLocalBroker(router)
	brokerDone := make(chan struct{})
	if cfg.RedisAddr != "" {
		client, err := rueidis.NewClient(rueidis.ClientOption{
			InitAddress:  []string{cfg.RedisAddr},
			DisableCache: true,
		})
		if err != nil {
			logger.Fatal("redis connect", zap.Error(err))
		}
		defer client.Close()

		redisBroker := server.NewRedisBroker(client, router, logger)
		broker = redisBroker
		go func() {
			defer close(brokerDone)
			if err := redisBroker.Run(ctx); err != nil {
				logger.Error("notice subscriber stopped", zap.Error(err))
			}
		}()
	} else {
		close(brokerDone)
	}

	emitter := server.NewEmitter(dbConn, broker, logger, statsUpdater)
	liveServer := server.NewLiveServer(logger, router, statsUpdater, server.TransportOptions{
		IdleTimeout: cfg.Live.IdleTimeout,
		SendBuffer:  cfg.Live.SendBuffer,
	})

	limiter := ratelimit.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.BurstSize)
	go limiter.Run(ctx, time.Minute)

	srv, err := api.NewQnAApp(mux, logger, dbConn, emitter, liveServer, limiter, cfg)
	if err != nil {
		logger.Fatal("new app", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server", zap.Error(err))
	}

	shutDownCtx, shutDownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutDownCancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Error("HTTP server shutdown", zap.Error(err))
	}

	logger.Info("closing live feeds")
	if err := liveServer.Shutdown(shutDownCtx); err != nil {
		logger.Error("live server shutdown", zap.Error(err))
	}

	cancel()
	<-brokerDone

	logger.Info("shutdown complete")
}
