package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// AgentConfig 描述客户端代理进程（本地存储、同步与缓存代理）的配置。
type AgentConfig struct {
	RemoteURL      string        `toml:"remote_url"`
	Token          string        `toml:"token"`
	ListenAddr     string        `toml:"listen_addr"`
	DurablePath    string        `toml:"durable_path"`
	FallbackPath   string        `toml:"fallback_path"`
	DeviceID       string        `toml:"device_id"`
	CacheVersion   string        `toml:"cache_version"`
	APIAllowlist   []string      `toml:"api_allowlist"`
	Precache       []string      `toml:"precache"`
	PollInterval   time.Duration `toml:"-"`
	BackoffInitial time.Duration `toml:"-"`
	BackoffMax     time.Duration `toml:"-"`
	MaxAttempts    int           `toml:"max_attempts"`
	LogLevel       string        `toml:"log_level"`
}

const defaultAgentConfigPath = "~/.config/sleepset/agent.toml"

// DefaultAgentConfig 返回全部字段的默认值。
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		RemoteURL:      "http://127.0.0.1:8080",
		ListenAddr:     "127.0.0.1:8090",
		DurablePath:    "~/.local/share/sleepset/sleepset.db",
		FallbackPath:   "~/.local/share/sleepset/fallback.json",
		CacheVersion:   "v1",
		APIAllowlist:   []string{"/api/sleep/analysis", "/api/sleep/statistics"},
		Precache:       []string{"/", "/static/style.css", "/static/app.js", "/manifest.json"},
		PollInterval:   15 * time.Second,
		BackoffInitial: 2 * time.Second,
		BackoffMax:     5 * time.Minute,
		MaxAttempts:    20,
		LogLevel:       "info",
	}
}

// LoadAgent 读取 TOML 配置文件（不存在时使用默认值），随后应用 SLEEPSET_* 环境变量覆盖。
func LoadAgent(path string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()

	resolved, err := expandHome(strings.TrimSpace(path))
	if err != nil {
		return AgentConfig{}, err
	}
	if resolved == "" {
		resolved, err = expandHome(defaultAgentConfigPath)
		if err != nil {
			return AgentConfig{}, err
		}
	}

	raw, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if err := toml.Unmarshal(raw, &cfg); err != nil {
			return AgentConfig{}, fmt.Errorf("parse agent config %s: %w", resolved, err)
		}
		if err := applyDurations(raw, &cfg); err != nil {
			return AgentConfig{}, fmt.Errorf("parse agent config %s: %w", resolved, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return AgentConfig{}, fmt.Errorf("read agent config: %w", err)
	}

	if err := applyAgentEnv(&cfg); err != nil {
		return AgentConfig{}, err
	}
	if err := cfg.normalize(); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

// 时长字段在文件中写作 "15s"、"5m" 形式的字符串。
func applyDurations(raw []byte, cfg *AgentConfig) error {
	var durations struct {
		PollInterval   string `toml:"poll_interval"`
		BackoffInitial string `toml:"backoff_initial"`
		BackoffMax     string `toml:"backoff_max"`
	}
	if err := toml.Unmarshal(raw, &durations); err != nil {
		return err
	}
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"poll_interval", durations.PollInterval, &cfg.PollInterval},
		{"backoff_initial", durations.BackoffInitial, &cfg.BackoffInitial},
		{"backoff_max", durations.BackoffMax, &cfg.BackoffMax},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.raw) == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(f.raw))
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

func applyAgentEnv(cfg *AgentConfig) error {
	if v := strings.TrimSpace(os.Getenv("SLEEPSET_REMOTE_URL")); v != "" {
		cfg.RemoteURL = v
	}
	if v := strings.TrimSpace(os.Getenv("SLEEPSET_TOKEN")); v != "" {
		cfg.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("SLEEPSET_LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("SLEEPSET_DURABLE_PATH")); v != "" {
		cfg.DurablePath = v
	}
	if v := strings.TrimSpace(os.Getenv("SLEEPSET_FALLBACK_PATH")); v != "" {
		cfg.FallbackPath = v
	}
	if v := strings.TrimSpace(os.Getenv("SLEEPSET_DEVICE_ID")); v != "" {
		cfg.DeviceID = v
	}
	if v := strings.TrimSpace(os.Getenv("SLEEPSET_CACHE_VERSION")); v != "" {
		cfg.CacheVersion = v
	}
	if v := strings.TrimSpace(os.Getenv("SLEEPSET_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("SLEEPSET_POLL_INTERVAL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SLEEPSET_POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}
	if v := strings.TrimSpace(os.Getenv("SLEEPSET_MAX_ATTEMPTS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SLEEPSET_MAX_ATTEMPTS: %w", err)
		}
		cfg.MaxAttempts = n
	}
	return nil
}

func (c *AgentConfig) normalize() error {
	c.RemoteURL = strings.TrimRight(strings.TrimSpace(c.RemoteURL), "/")
	if c.RemoteURL == "" {
		return errors.New("remote_url is required")
	}
	if strings.TrimSpace(c.CacheVersion) == "" {
		return errors.New("cache_version must not be empty")
	}

	var err error
	if c.DurablePath, err = expandHome(c.DurablePath); err != nil {
		return err
	}
	if c.FallbackPath, err = expandHome(c.FallbackPath); err != nil {
		return err
	}

	defaults := DefaultAgentConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = defaults.BackoffInitial
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	return nil
}

// CacheName 返回带版本号的静态资源缓存名。
func (c AgentConfig) CacheName() string {
	return "sleepset-static-" + c.CacheVersion
}

// APICacheName 返回带版本号的 API 缓存名。
func (c AgentConfig) APICacheName() string {
	return "sleepset-api-" + c.CacheVersion
}

func expandHome(path string) (string, error) {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
