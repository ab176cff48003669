package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/otakudex/otakudex/internal/api"
	"github.com/otakudex/otakudex/internal/config"
	"github.com/otakudex/otakudex/internal/database"
	"github.com/otakudex/otakudex/internal/jobs"
	"github.com/otakudex/otakudex/internal/logger"
	"github.com/otakudex/otakudex/internal/media"
	"github.com/otakudex/otakudex/internal/provider/anilist"
	"github.com/otakudex/otakudex/internal/provider/jikan"
	"github.com/otakudex/otakudex/internal/ratelimit"
	"github.com/otakudex/otakudex/internal/reconcile"
	"github.com/otakudex/otakudex/internal/schedule"
	"github.com/otakudex/otakudex/internal/scheduler"
	"github.com/otakudex/otakudex/internal/translate"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// A local .env is optional; real deployments use the environment.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer log.Close()

	log.Info().
		Str("version", config.Version).
		Str("logLevel", cfg.Logging.Level).
		Msg("starting otakudex")

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	log.Info().Msg("running database migrations")
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	ctx := context.Background()
	store := media.NewStore(db.Conn(), log.Logger)
	limiter := ratelimit.NewLimiter(db.Conn(), log.Logger)

	// The active strategy caps how hard the fetchers may hit the
	// upstream APIs; the schedule service keeps the limiter's budgets
	// in sync across activations.
	strategies := schedule.NewService(db.Conn(), store, log.Logger)
	strategies.SetLimiter(limiter)
	if err := strategies.EnsureSeeded(ctx, cfg.Updates.Strategy); err != nil {
		log.Fatal().Err(err).Msg("failed to seed update strategies")
	}

	jikanClient := jikan.NewClient(cfg.Providers.Jikan, limiter, log.Logger)
	anilistClient := anilist.NewClient(cfg.Providers.Anilist, limiter, log.Logger)

	translator := buildTranslator(cfg.Translation, log)

	merger := reconcile.NewMerger(store, translator, log.Logger)
	jobSvc := jobs.NewService(jikanClient, jikanClient, anilistClient, merger, strategies, store, log.Logger)
	runner := jobs.NewRunner(ctx, log.Logger)

	sched, err := scheduler.New(log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create scheduler")
	}
	if err := scheduler.RegisterRefreshTasks(sched, jobSvc, cfg.Updates); err != nil {
		log.Fatal().Err(err).Msg("failed to register scheduled tasks")
	}
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	server := api.NewServer(store, limiter, sched, strategies, jobSvc, runner, config.Version, log.Logger)
	go func() {
		if err := server.Start(cfg.Server.Address()); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sched.Stop(); err != nil {
		log.Error().Err(err).Msg("scheduler shutdown error")
	}
	if err := runner.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("job runner shutdown error")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("server stopped")
}

// buildTranslator assembles the translation chain from the configured
// engine names. A missing or empty chain disables localization rather
// than failing startup.
func buildTranslator(cfg config.TranslationConfig, log *logger.Logger) *translate.Service {
	var backends []translate.Backend
	for _, engine := range cfg.Engines {
		switch engine {
		case "google":
			backends = append(backends, translate.NewGoogleBackend(cfg.Timeout))
		default:
			log.Warn().Str("engine", engine).Msg("unknown translation engine, skipping")
		}
	}

	svc, err := translate.NewService(backends, cfg.TargetLang, log.Logger)
	if err != nil {
		log.Warn().Err(err).Msg("translation disabled")
		return nil
	}
	return svc
}
