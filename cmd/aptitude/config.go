package main

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is read from APTITUDE_* environment variables, optionally seeded
// from a .env file.
type Config struct {
	Addr string

	// Store is one of "fs", "gorm" or "gae"
	Store     string
	DataDir   string
	SQLiteDSN string
	ProjectID string
	Namespace string

	JWTSecretKey   string
	AllowedDomains []string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleCallbackURL  string

	LogFormat string
	LogLevel  slog.Level

	IdleTimeout  time.Duration
	ReadyTimeout time.Duration
}

func loadConfig() *Config {
	envFile := os.Getenv("APTITUDE_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			slog.Error("error loading env file", "path", envFile, "error", err)
			os.Exit(1)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("APTITUDE")
	v.SetTypeByDefaultValue(true)
	v.SetDefault("addr", ":8080")
	v.SetDefault("store", "fs")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("sqlite_dsn", "aptitude.db")
	v.SetDefault("project_id", "")
	v.SetDefault("namespace", "")
	v.SetDefault("jwt_secret_key", "")
	v.SetDefault("allowed_domains", "")
	v.SetDefault("google_client_id", "")
	v.SetDefault("google_client_secret", "")
	v.SetDefault("google_callback_url", "")
	v.SetDefault("log_format", "text")
	v.SetDefault("log_level", "info")
	v.SetDefault("idle_timeout", 30*time.Minute)
	v.SetDefault("ready_timeout", 2*time.Second)
	v.AutomaticEnv()

	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log_level"))); err != nil {
		level = slog.LevelInfo
	}

	return &Config{
		Addr:               v.GetString("addr"),
		Store:              strings.ToLower(v.GetString("store")),
		DataDir:            v.GetString("data_dir"),
		SQLiteDSN:          v.GetString("sqlite_dsn"),
		ProjectID:          v.GetString("project_id"),
		Namespace:          v.GetString("namespace"),
		JWTSecretKey:       strings.TrimSpace(v.GetString("jwt_secret_key")),
		AllowedDomains:     splitList(v.GetString("allowed_domains")),
		GoogleClientID:     v.GetString("google_client_id"),
		GoogleClientSecret: v.GetString("google_client_secret"),
		GoogleCallbackURL:  v.GetString("google_callback_url"),
		LogFormat:          v.GetString("log_format"),
		LogLevel:           level,
		IdleTimeout:        v.GetDuration("idle_timeout"),
		ReadyTimeout:       v.GetDuration("ready_timeout"),
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func newLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
