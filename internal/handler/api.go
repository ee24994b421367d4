package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sleepset/internal/model"
	"github.com/sleepset/internal/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// API bundles shared dependencies for HTTP handlers.
type API struct {
	db     *gorm.DB
	sleep  *service.SleepService
	pets   *service.PetService
	logger *zap.SugaredLogger
}

// NewAPI constructs a handler set with shared services.
func NewAPI(gdb *gorm.DB, logger *zap.SugaredLogger) *API {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	pets := service.NewPetService(gdb)
	return &API{
		db:     gdb,
		sleep:  service.NewSleepService(gdb, pets),
		pets:   pets,
		logger: logger,
	}
}

// WithPetService 替换宠物服务（测试中注入固定随机源）
func (a *API) WithPetService(pets *service.PetService) *API {
	a.pets = pets
	a.sleep = service.NewSleepService(a.db, pets)
	return a
}

// DB exposes the underlying gorm instance.
func (a *API) DB() *gorm.DB {
	return a.db
}

// Ping 健康检查，连接监视器据此判断在线状态
func (a *API) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

// respondServiceError 把服务层错误映射为 HTTP 状态码
func (a *API) respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrInvalid), errors.Is(err, model.ErrUnknownActivity):
		respondError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrRecordNotFound), errors.Is(err, model.ErrItemNotFound):
		respondError(c, http.StatusNotFound, err.Error())
	default:
		a.logger.Errorw("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		respondError(c, http.StatusInternalServerError, "internal server error")
	}
}
