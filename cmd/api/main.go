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

	"github.com/bobarin/avatarcast/internal/api"
	"github.com/bobarin/avatarcast/internal/config"
	"github.com/bobarin/avatarcast/internal/db"
	"github.com/bobarin/avatarcast/internal/jobs"
	"github.com/bobarin/avatarcast/internal/logging"
	"github.com/bobarin/avatarcast/internal/progress"
	"github.com/bobarin/avatarcast/internal/quota"
	"github.com/bobarin/avatarcast/internal/ratelimit"
	"github.com/bobarin/avatarcast/internal/render"
	"github.com/bobarin/avatarcast/internal/services"
	"github.com/bobarin/avatarcast/internal/storage"
	"github.com/bobarin/avatarcast/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New(os.Getenv("APP_ENV"))
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}

	log := logging.New(cfg.AppEnv)
	log.Info().Str("env", cfg.AppEnv).Msg("starting avatarcast api")

	switch {
	case cfg.BackendAPIKey != "":
		log.Info().Msg("api key authentication enabled")
	case cfg.IsDevelopment():
		log.Warn().Msg("no BACKEND_API_KEY set, api is unprotected (dev mode)")
	default:
		log.Fatal().Str("env", cfg.AppEnv).Msg("BACKEND_API_KEY is required outside development")
	}

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}
	log.Info().Msg("connected to database")

	// Initialize storage
	stor := storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, log)
	if !stor.Configured() {
		log.Warn().Msg("supabase storage not configured, talking-head and veo renders will fall through")
	}

	chain := buildChain(cfg, stor, log)
	log.Info().Strs("providers", chain.Names()).Msg("provider chain configured")

	repo := jobs.NewRepository(database, progress.NewCache(cfg.ProgressRetention))
	evaluator := quota.NewEvaluator(database, database, quota.DefaultTiers(cfg.FreeMonthlyLimit, cfg.ProMonthlyLimit))

	w := worker.New(repo, evaluator, chain, stor, worker.Config{
		JobTimeout: cfg.JobTimeout,
		TerminalWrites: render.RetryPolicy{
			Attempts:  cfg.TerminalWriteTry,
			BaseDelay: cfg.RetryBaseDelay,
		},
	}, log)

	if err := w.Reconcile(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to reconcile unfinished jobs")
	}

	// Rate limiter: shared through Redis when configured
	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		rl, err := ratelimit.NewRedisLimiter(cfg.RedisURL, cfg.RateLimitPerMinute)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rl.Close()
		limiter = rl
		log.Info().Int("per_minute", cfg.RateLimitPerMinute).Msg("redis rate limiter enabled")
	} else {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitPerMinute)
		log.Info().Int("per_minute", cfg.RateLimitPerMinute).Msg("in-memory rate limiter enabled")
	}

	handler := api.NewHandler(w, log)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
		Limiter:            limiter,
		Logger:             log,
	})

	// Start HTTP server
	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.APIPort).Msg("api server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := w.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("job tasks did not finish in time")
	}

	log.Info().Msg("server exited")
}

// buildChain assembles the providers in priority order: talking head, the
// configured secondary backend, then the placeholder when enabled.
func buildChain(cfg *config.Config, stor *storage.Storage, log zerolog.Logger) *render.Chain {
	poll := services.PollPolicy{Attempts: cfg.PollAttempts, Interval: cfg.PollInterval}
	opts := render.Options{
		Retry:               render.RetryPolicy{Attempts: cfg.RetryAttempts, BaseDelay: cfg.RetryBaseDelay},
		MaxParallelVariants: cfg.MaxParallelVariants,
	}

	// TTS providers; the first configured one is the default voice provider
	voices := services.NewTTSRegistry()
	if cfg.ElevenLabsKey != "" {
		voices.Register(services.NewElevenLabsService(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, log))
	}
	if cfg.CartesiaKey != "" {
		voices.Register(services.NewCartesiaService(cfg.CartesiaKey, cfg.CartesiaURL, cfg.CartesiaVoiceID, log))
	}
	if cfg.OpenAIKey != "" {
		voices.Register(services.NewOpenAIService(cfg.OpenAIKey, cfg.OpenAIVoice, log))
	}
	if len(voices.Providers()) == 0 {
		log.Warn().Msg("no tts provider configured, the talking-head path will always fall through")
	} else {
		log.Info().Strs("tts", voices.Providers()).Msg("tts providers configured")
	}

	providers := []render.Provider{
		render.NewTalkingHeadProvider(
			voices,
			services.NewTalkingHeadService(cfg.TalkingHeadURL, cfg.TalkingHeadKey, poll, log),
			stor, opts, log,
		),
	}

	switch cfg.RenderBackend {
	case "veo":
		providers = append(providers, render.NewVeoProvider(services.NewVeoService(cfg.GeminiKey, cfg.VeoModel, poll, log), stor, opts, log))
	default:
		providers = append(providers, render.NewBackendProvider(services.NewRenderBackendService(cfg.RenderAPIURL, cfg.RenderAPIKey, poll, log), opts, log))
	}

	if cfg.PlaceholderEnabled {
		providers = append(providers, render.NewPlaceholderProvider(cfg.PlaceholderVideoURL, log))
		log.Warn().Msg("placeholder fallback enabled, exhausted jobs complete with a placeholder video")
	}

	return render.NewChain(log, providers...)
}
