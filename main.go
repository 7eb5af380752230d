package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"
)

func initLogger(cfg *Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func main() {
	cfg := loadConfig()
	initLogger(cfg)
	initRabbitMQ()

	db, err := sqlx.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("Could not open database")
	}
	defer db.Close()

	store, err := NewSQLContactStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not initialize contact store")
	}

	waLogger := waLog.Stdout("whatsmeow", "WARN", cfg.LogFormat != "json")
	container, err := sqlstore.New(context.Background(), cfg.DBDriver, cfg.DBDSN, waLogger)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not initialize credential store")
	}

	limiter := NewRateLimiter(cfg)
	queue := NewSendQueue(limiter)
	factory := func(tenantID string) (Connection, error) {
		return NewWhatsmeowConnection(container, tenantID, waLogger), nil
	}
	manager := NewSessionManager(cfg, factory, limiter, queue)

	notifier := NewEventNotifier(cfg)
	manager.SetNotifier(notifier.Notify)

	syncer := NewContactSynchronizer(cfg, store)
	syncer.SetNotifier(notifier.Notify)

	archive := newMediaArchive(cfg)
	limiter.StartSweeper()

	srv := newServer(cfg, store, manager, limiter, queue, syncer, notifier, archive)
	httpServer := &http.Server{
		Addr:              cfg.Address,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("address", cfg.Address).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown error")
	}

	manager.Shutdown()
	limiter.Stop()
	closeRabbitMQ()
	log.Info().Msg("Shutdown complete")
}
