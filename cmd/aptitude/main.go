// Command aptitude serves the aptitude-testing web app.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/datastore"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	ap "github.com/panyam/aptitude"
	"github.com/panyam/aptitude/local"
	"github.com/panyam/aptitude/oauth2"
	"github.com/panyam/aptitude/stores/fs"
	"github.com/panyam/aptitude/stores/gae"
	gormstore "github.com/panyam/aptitude/stores/gorm"
	"github.com/panyam/aptitude/web"
)

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open store", "store", cfg.Store, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	if cfg.JWTSecretKey == "" {
		logger.Warn("APTITUDE_JWT_SECRET_KEY not set, using an insecure development key")
		cfg.JWTSecretKey = "aptitude-dev-signing-key"
	}
	accounts := local.NewAccounts(store, []byte(cfg.JWTSecretKey))
	accounts.AllowedDomains = cfg.AllowedDomains
	accounts.Logger = logger

	app := web.New(accounts, store)
	app.Logger = logger
	app.IdleTimeout = cfg.IdleTimeout
	app.ReadyTimeout = cfg.ReadyTimeout
	if cfg.GoogleClientID != "" {
		google := oauth2.NewGoogleOAuth2(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleCallbackURL)
		google.Logger = logger
		accounts.Federated = google
		app.Google = google
	}
	go app.Run(ctx)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()
	logger.Info("aptitude started", "addr", cfg.Addr, "store", cfg.Store)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	app.Close()
	logger.Info("aptitude stopped")
}

func openStore(ctx context.Context, cfg *Config) (ap.DocumentStore, func(), error) {
	switch cfg.Store {
	case "fs":
		return fs.NewDocumentStore(cfg.DataDir), func() {}, nil
	case "gorm":
		db, err := gorm.Open(sqlite.Open(cfg.SQLiteDSN), &gorm.Config{})
		if err != nil {
			return nil, nil, err
		}
		if err := gormstore.AutoMigrate(db); err != nil {
			return nil, nil, err
		}
		closer := func() {
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		}
		return gormstore.NewDocumentStore(db), closer, nil
	case "gae":
		client, err := datastore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, err
		}
		return gae.NewDocumentStore(client, cfg.Namespace), func() { client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}
