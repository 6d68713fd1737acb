package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TonAldo48/stash/internal/api"
	"github.com/TonAldo48/stash/internal/config"
	githubclient "github.com/TonAldo48/stash/internal/github"
	"github.com/TonAldo48/stash/internal/scratch"
	"github.com/TonAldo48/stash/internal/store"
	"github.com/TonAldo48/stash/internal/upload"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.New(os.Stderr).With().Timestamp().Logger())

	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if err := store.RunMigrations(ctx, cfg.DatabaseURL, log.Logger); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	db, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	scratchStore, err := scratch.NewStore(cfg.ScratchDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize scratch store")
	}

	ghClient := githubclient.NewStorageClient(cfg.GitHubToken, cfg.GitHubOwner, cfg.RemoteMaxRetries)
	svc := upload.NewService(cfg, db, scratchStore, ghClient, log.Logger)
	handler := api.NewHandler(cfg, svc, log.Logger)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Router(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("upload service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down upload service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
