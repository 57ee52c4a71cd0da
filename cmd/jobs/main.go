package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/learnhub/lessonguard/internal/config"
	"github.com/learnhub/lessonguard/internal/jobs"
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
	if cfg.DatabaseURL == "" {
		log.Fatalf("LESSONGUARD_DATABASE_URL is required for the jobs worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
	retention := time.Duration(cfg.ActivityRetentionDays) * 24 * time.Hour
	runner := jobs.NewRunner(jobs.ActivityRetention(st, retention, nil))
	runner.Start(ctx)

	log.Printf("lessonguard jobs worker started retention_days=%d", cfg.ActivityRetentionDays)
	<-ctx.Done()
	runner.Wait()
	log.Printf("lessonguard jobs worker stopping")
}
