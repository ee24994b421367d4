package router

import (
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sleepset/internal/config"
	"github.com/sleepset/internal/handler"
	"github.com/sleepset/internal/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SetupRouter 配置 Gin 引擎和路由
func SetupRouter(cfg config.AppConfig, gdb *gorm.DB, logger *zap.SugaredLogger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	api := handler.NewAPI(gdb, logger)
	return setup(cfg, api, service.NewIdempotencyService(gdb, cfg.IdempotencyTTL), logger)
}

func setup(cfg config.AppConfig, api *handler.API, idem *service.IdempotencyService, logger *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(handler.RequestLogger(logger))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  cfg.CORSOrigins,
			AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:  []string{"Authorization", "Content-Type", handler.HeaderIdempotencyKey, "X-Device-ID"},
			ExposeHeaders: []string{handler.HeaderIdempotentReplay},
			MaxAge:        12 * time.Hour,
		}))
	}

	// 静态文件服务（PWA 外壳与资源）
	if info, err := os.Stat(cfg.StaticDir); err == nil && info.IsDir() {
		r.Static("/static", cfg.StaticDir)
		r.StaticFile("/", cfg.StaticDir+"/index.html")
	}

	r.GET("/ping", api.Ping)

	group := r.Group("/api")
	group.Use(handler.TokenAuth(cfg.SyncTokenHash))
	group.Use(handler.Idempotency(idem, logger))
	{
		group.GET("/sleep", api.GetSleepData)
		group.POST("/sleep/record", api.CreateSleepRecord)
		group.GET("/sleep/record/:date", api.GetSleepRecord)
		group.PUT("/sleep/record/:date", api.UpdateSleepRecord)
		group.DELETE("/sleep/record/:date", api.DeleteSleepRecord)
		group.GET("/sleep/goals", api.GetSleepGoals)
		group.PUT("/sleep/goals", api.UpdateSleepGoals)
		group.PUT("/sleep/settings", api.UpdateSleepSettings)
		group.GET("/sleep/statistics", api.GetSleepStatistics)
		group.GET("/sleep/analysis", api.GetSleepAnalysis)
		group.POST("/sync", api.SyncSleepData)
		group.POST("/reset", api.ResetProgram)
		group.POST("/sleep/advance", api.AdvanceDay)

		group.GET("/sleepen", api.GetPet)
		group.PUT("/sleepen/update", api.UpdatePet)
		group.POST("/sleepen/activity", api.PetActivity)
		group.POST("/sleepen/interpret-dream", api.InterpretDream)
		group.GET("/sleepen/items", api.ListPetItems)
		group.POST("/sleepen/items/:id/use", api.UsePetItem)
		group.GET("/sleepen/skills", api.ListPetSkills)
		group.GET("/sleepen/places", api.ListPetPlaces)
	}

	return r
}
