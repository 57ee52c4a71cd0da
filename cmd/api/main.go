package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/learnhub/lessonguard/internal/access"
	"github.com/learnhub/lessonguard/internal/activity"
	"github.com/learnhub/lessonguard/internal/api"
	"github.com/learnhub/lessonguard/internal/config"
	"github.com/learnhub/lessonguard/internal/jobs"
	"github.com/learnhub/lessonguard/internal/lms"
	"github.com/learnhub/lessonguard/internal/model"
	"github.com/learnhub/lessonguard/internal/origin"
	"github.com/learnhub/lessonguard/internal/secureurl"
	"github.com/learnhub/lessonguard/internal/store"
)

func main() {
	if os.Getenv("LESSONGUARD_ENV") != "production" {
		_ = godotenv.Load()
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keys, err := access.DeriveKeys(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("derive keys: %v", err)
	}
	cipher, err := access.NewCipher(access.CipherOptions{Key: keys.Payload, TTL: cfg.TokenTTL, MaxViews: cfg.MaxViews})
	if err != nil {
		log.Fatalf("init cipher: %v", err)
	}
	tokens := access.NewTokenStore(access.TokenStoreOptions{Key: keys.Token, TTL: cfg.TokenTTL, MaxViews: cfg.MaxViews})

	resolver, err := buildResolver(ctx, cfg)
	if err != nil {
		log.Fatalf("init origin: %v", err)
	}

	reporterOpts := activity.Options{AlertKinds: alertKinds(cfg.AlertKinds)}
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("connect db: %v", err)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("ping db: %v", err)
		}
		st := store.New(pool)
		if err := st.EnsureSchema(ctx); err != nil {
			log.Fatalf("ensure schema: %v", err)
		}
		reporterOpts.Persister = st
	} else {
		log.Printf("event=activity_in_memory msg=%q", "LESSONGUARD_DATABASE_URL unset; activity log is not persisted")
	}

	handler := api.NewRouter(cfg, api.Deps{
		Tokens:   tokens,
		URLs:     secureurl.NewIssuer(cipher, cfg.PublicBaseURL, nil),
		Origin:   resolver,
		Lessons:  lms.New(cfg.LMSBaseURL, &http.Client{Timeout: 10 * time.Second}, ""),
		Activity: activity.NewReporter(reporterOpts),
	})

	runner := jobs.NewRunner(jobs.TokenSweep(tokens, 0))
	runner.Start(ctx)

	cors := handlers.CORS(
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Session-Token", "X-Lesson-ID", "X-User-ID"}),
	)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      cors(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("lessonguard api listening on %s origin=%s", cfg.ListenAddr, cfg.OriginProvider)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
	runner.Wait()
}

func buildResolver(ctx context.Context, cfg config.Config) (origin.Resolver, error) {
	switch cfg.OriginProvider {
	case "s3":
		return origin.NewS3Resolver(ctx, origin.S3Options{Region: cfg.S3Region, TTL: cfg.TokenTTL})
	default:
		return origin.NewPassthrough(), nil
	}
}

func alertKinds(raw []string) []model.ViolationKind {
	out := make([]model.ViolationKind, 0, len(raw))
	for _, s := range raw {
		k := model.ViolationKind(s)
		if !k.Valid() {
			log.Printf("event=config_warning key=LESSONGUARD_ALERT_KINDS unknown_kind=%q", s)
			continue
		}
		out = append(out, k)
	}
	return out
}
