package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"neighborly/api/internal/app"
	"neighborly/api/internal/auth"
	"neighborly/api/internal/chat"
	"neighborly/api/internal/config"
	"neighborly/api/internal/logging"
	"neighborly/api/internal/search"
	"neighborly/api/internal/session"
	"neighborly/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.LogLevel, os.Stdout)
	log := logging.Component(logger, "init")
	ctx := context.Background()

	if strings.TrimSpace(cfg.SentryDSN) != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			AttachStacktrace: true,
			Environment:      cfg.SentryEnv,
		}); err != nil {
			log.WithError(err).Error("sentry init failed")
		} else {
			log.Info("Initialized sentry")
			defer sentry.Flush(2 * time.Second)
		}
	}

	dataStore, closeStore, err := openStore(ctx, cfg, logging.Component(logger, "store"))
	if err != nil {
		log.WithError(err).Fatal("store setup failed")
	}
	defer closeStore()

	checks := map[string]app.Pinger{}
	var (
		denylist *session.Denylist
		chatLog  *chat.Log
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		denylist, err = session.NewDenylist(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("redis setup failed")
		}
		defer denylist.Close()
		if err := denylist.Ping(ctx); err != nil {
			log.WithError(err).Warn("redis is not reachable yet")
		}
		chatLog = chat.NewLog(denylist.Client(), int(cfg.ChatHistoryMax))
		checks["redis"] = denylist
		log.Info("Using Redis for chat and token revocation")
	} else {
		log.Info("Redis not configured, chat and logout revocation disabled")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logging.Component(logger, "search"))
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, dataStore, logging.Component(logger, "search"))
	if err := searchService.Reindex(ctx); err != nil {
		log.WithError(err).Warn("search reindex failed")
	}

	// A nil *session.Denylist must not end up inside a non-nil interface.
	var (
		tokenDenylist auth.Denylist
		revoker       app.Revoker
	)
	if denylist != nil {
		tokenDenylist = denylist
		revoker = denylist
	}
	verifier := auth.NewVerifier([]byte(cfg.JWTSecret), cfg.AccessTTL, tokenDenylist)

	service, err := app.New(app.Options{
		Store:    dataStore,
		Verifier: verifier,
		Search:   searchService,
		Chat:     chatLog,
		Revoker:  revoker,
		Checks:   checks,
		Logger:   logging.Component(logger, "app"),
	})
	if err != nil {
		log.WithError(err).Fatal("service setup failed")
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logging.Component(logger, "http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Addr).WithField("store", cfg.StoreDriver).Info("Neighborly API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown error")
	}
}

// openStore connects the backend selected by STORE_DRIVER and prepares its
// schema.
func openStore(ctx context.Context, cfg config.Config, log *logrus.Entry) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		log.Warn("Using the in-memory store, data is lost on restart")
		return store.NewMemoryStore(), func() {}, nil

	case config.DriverMongo:
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		mongoStore, err := store.OpenMongo(connectCtx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connection failed: %w", err)
		}
		if err := mongoStore.EnsureIndexes(connectCtx); err != nil {
			_ = mongoStore.Close(context.Background())
			return nil, nil, fmt.Errorf("mongo indexes failed: %w", err)
		}
		log.WithField("database", cfg.MongoDatabase).Info("Using MongoDB store")
		return mongoStore, func() { _ = mongoStore.Close(context.Background()) }, nil

	default:
		db, err := store.OpenPostgres(ctx, cfg.DatabaseURL, store.DefaultPoolOptions(), log)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, log)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrations failed: %w", err)
		}
		log.WithField("applied", len(applied)).Info("Using PostgreSQL store")
		return store.NewPostgresStore(db), func() { _ = db.Close() }, nil
	}
}
