package handler

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sleepset/internal/service"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	// HeaderIdempotencyKey 客户端为可重放写请求附带的唯一键
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotentReplay 标记响应来自已保存的结果
	HeaderIdempotentReplay = "Idempotent-Replayed"
)

// TokenAuth 校验 Bearer token 与 bcrypt 哈希。hash 为空时不做认证。
// 校验通过的 token 以摘要形式缓存，避免每个请求都做一次 bcrypt。
func TokenAuth(hash string) gin.HandlerFunc {
	hash = strings.TrimSpace(hash)
	var verified sync.Map
	return func(c *gin.Context) {
		if hash == "" {
			c.Next()
			return
		}
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			respondError(c, http.StatusUnauthorized, "missing bearer token")
			c.Abort()
			return
		}
		sum := sha256.Sum256([]byte(token))
		digest := hex.EncodeToString(sum[:])
		if _, hit := verified.Load(digest); !hit {
			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
				respondError(c, http.StatusUnauthorized, "invalid token")
				c.Abort()
				return
			}
			verified.Store(digest, struct{}{})
		}
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// captureWriter 在写出响应的同时保留一份响应体
type captureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency 对带 Idempotency-Key 的写请求去重：已处理过的 key 直接返回保存的响应，
// 不再重复执行。只保存 2xx 响应，失败的请求可以用同一个 key 重试。
func Idempotency(store *service.IdempotencyService, logger *zap.SugaredLogger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	var stripes [32]sync.Mutex
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if key == "" || c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}
		if len(key) > 64 {
			respondError(c, http.StatusBadRequest, "idempotency key too long")
			c.Abort()
			return
		}

		// 同一个 key 的并发请求串行处理
		h := fnv.New32a()
		_, _ = h.Write([]byte(key))
		mu := &stripes[h.Sum32()%uint32(len(stripes))]
		mu.Lock()
		defer mu.Unlock()

		stored, err := store.Lookup(key)
		switch {
		case err == nil:
			if stored.Method != c.Request.Method || stored.Path != c.Request.URL.Path {
				respondError(c, http.StatusUnprocessableEntity, "idempotency key reused for a different request")
				c.Abort()
				return
			}
			c.Header(HeaderIdempotentReplay, "true")
			c.Data(stored.Status, "application/json; charset=utf-8", stored.Body)
			c.Abort()
			return
		case !errors.Is(err, service.ErrIdempotencyMiss):
			logger.Warnw("idempotency lookup failed", "key", key, "error", err)
		}

		writer := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = writer
		c.Next()

		status := writer.Status()
		if status < 200 || status >= 300 {
			return
		}
		if err := store.Save(key, service.StoredResponse{
			Method: c.Request.Method,
			Path:   c.Request.URL.Path,
			Status: status,
			Body:   writer.body.Bytes(),
		}); err != nil {
			logger.Warnw("idempotency response not saved", "key", key, "error", err)
		}
	}
}

// RequestLogger 以结构化日志记录每个请求
func RequestLogger(logger *zap.SugaredLogger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Infow("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"device", c.GetHeader("X-Device-ID"),
		)
	}
}
