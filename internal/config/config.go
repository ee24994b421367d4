package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// AppConfig 汇总运行同步服务端所需的基础配置。
type AppConfig struct {
	ListenAddr    string
	Port          string
	DatabasePath  string
	GinMode       string
	StaticDir     string
	LogLevel      string
	SyncTokenHash string
	CORSOrigins   []string
	// IdempotencyTTL 已处理写请求的响应保留时长
	IdempotencyTTL time.Duration
}

// Load 从环境变量读取服务端配置，并为缺失项提供安全的默认值。
func Load() AppConfig {
	port := envOr("PORT", "8080")

	listenAddr := strings.TrimSpace(os.Getenv("LISTEN_ADDR"))
	if listenAddr == "" {
		listenAddr = fmt.Sprintf(":%s", port)
	}

	return AppConfig{
		ListenAddr:    listenAddr,
		Port:          port,
		DatabasePath:  envOr("DATABASE_PATH", "data/sleepset.db"),
		GinMode:       envOr("GIN_MODE", "release"),
		StaticDir:     envOr("STATIC_DIR", "web/static"),
		LogLevel:      envOr("LOG_LEVEL", "info"),
		SyncTokenHash: strings.TrimSpace(os.Getenv("SYNC_TOKEN_HASH")),
		CORSOrigins:   splitList(os.Getenv("CORS_ORIGINS")),

		IdempotencyTTL: durationOr("IDEMPOTENCY_TTL", 7*24*time.Hour),
	}
}

func durationOr(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
