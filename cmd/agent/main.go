package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sleepset/internal/agent"
	"github.com/sleepset/internal/config"
	"github.com/sleepset/internal/logging"
)

func main() {
	var configPath string
	var development bool
	flag.StringVar(&configPath, "config", "", "agent config path (default ~/.config/sleepset/agent.toml)")
	flag.BoolVar(&development, "dev", false, "human-readable console logs")
	flag.Parse()

	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		log.Fatalf("failed to load agent config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, development)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Fatalw("failed to start agent", "error", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Errorw("agent stopped", "error", err)
	}
}
