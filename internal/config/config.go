package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Fallbacks used when the corresponding env var is unset.
const (
	DefaultEncryptionKey = "lessonguard-default-video-key-change-me"
	DefaultTokenTTL      = time.Hour
	DefaultMaxViews      = 3
	DefaultMaxViolations = 5
)

type Config struct {
	ListenAddr             string
	DatabaseURL            string
	JWTSecret              string
	EncryptionKey          string
	TokenTTL               time.Duration
	MaxViews               int
	MaxViolations          int
	SecurityMonitoring     bool
	LMSBaseURL             string
	PublicBaseURL          string
	AllowedOrigins         []string
	AlertKinds             []string
	OriginProvider         string
	S3Region               string
	ActivityRetentionDays  int
	UsingDefaultEncryption bool
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:            envOrDefault("LESSONGUARD_LISTEN_ADDR", ":8080"),
		DatabaseURL:           os.Getenv("LESSONGUARD_DATABASE_URL"),
		JWTSecret:             os.Getenv("LESSONGUARD_JWT_SECRET"),
		EncryptionKey:         os.Getenv("LESSONGUARD_ENCRYPTION_KEY"),
		TokenTTL:              time.Duration(ParsePositiveIntEnv("LESSONGUARD_TOKEN_TTL_MS", int(DefaultTokenTTL/time.Millisecond))) * time.Millisecond,
		MaxViews:              ParsePositiveIntEnv("LESSONGUARD_MAX_VIEWS", DefaultMaxViews),
		MaxViolations:         ParsePositiveIntEnv("LESSONGUARD_MAX_VIOLATIONS", DefaultMaxViolations),
		SecurityMonitoring:    parseBoolEnv("LESSONGUARD_SECURITY_MONITORING", true),
		LMSBaseURL:            strings.TrimRight(envOrDefault("LESSONGUARD_LMS_BASE_URL", "http://localhost:8000/api"), "/"),
		PublicBaseURL:         strings.TrimRight(os.Getenv("LESSONGUARD_PUBLIC_BASE_URL"), "/"),
		AllowedOrigins:        splitCSV(envOrDefault("LESSONGUARD_ALLOWED_ORIGINS", "http://localhost:5173")),
		AlertKinds:            splitCSV(envOrDefault("LESSONGUARD_ALERT_KINDS", "script_injection,download_link_injection,dev_tools_opened,token_validation_failed")),
		OriginProvider:        envOrDefault("LESSONGUARD_ORIGIN_PROVIDER", "passthrough"),
		S3Region:              envOrDefault("LESSONGUARD_S3_REGION", "us-east-1"),
		ActivityRetentionDays: ParsePositiveIntEnv("LESSONGUARD_ACTIVITY_RETENTION_DAYS", 30),
	}
	if cfg.EncryptionKey == "" {
		cfg.EncryptionKey = DefaultEncryptionKey
		cfg.UsingDefaultEncryption = true
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("LESSONGUARD_JWT_SECRET is required")
	}
	if cfg.OriginProvider != "passthrough" && cfg.OriginProvider != "s3" {
		return Config{}, fmt.Errorf("LESSONGUARD_ORIGIN_PROVIDER must be one of passthrough|s3")
	}
	if cfg.UsingDefaultEncryption {
		log.Printf("event=config_warning key=LESSONGUARD_ENCRYPTION_KEY msg=%q", "using built-in fallback key")
	}
	return cfg, nil
}

func envOrDefault(k, v string) string {
	if raw := os.Getenv(k); raw != "" {
		return raw
	}
	return v
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func ParsePositiveIntEnv(k string, d int) int {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return d
	}
	return n
}

func parseBoolEnv(k string, d bool) bool {
	raw := strings.TrimSpace(os.Getenv(k))
	if raw == "" {
		return d
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return d
	}
	return b
}
