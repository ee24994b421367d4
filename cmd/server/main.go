package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sleepset/internal/config"
	"github.com/sleepset/internal/db"
	"github.com/sleepset/internal/logging"
	"github.com/sleepset/internal/router"
	"github.com/sleepset/internal/service"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	gin.SetMode(cfg.GinMode)

	logger, err := logging.New(cfg.LogLevel, cfg.GinMode == gin.DebugMode)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	// 初始化数据库
	if err := db.Init(cfg.DatabasePath); err != nil {
		logger.Fatalw("failed to initialize database", "path", cfg.DatabasePath, "error", err)
	}
	defer db.Close(db.DB)

	if cfg.SyncTokenHash == "" {
		logger.Warn("SYNC_TOKEN_HASH is empty, API requests are not authenticated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go pruneIdempotencyKeys(ctx, service.NewIdempotencyService(db.DB, cfg.IdempotencyTTL), logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.SetupRouter(cfg, db.DB, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infow("sync server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("failed to run server", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("server shutdown", "error", err)
	}
}

func pruneIdempotencyKeys(ctx context.Context, svc *service.IdempotencyService, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.Prune()
			if err != nil {
				logger.Warnw("idempotency prune failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Infow("idempotency keys pruned", "count", n)
			}
		}
	}
}
