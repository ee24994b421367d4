package db

import (
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB 是服务端使用的全局数据库连接实例
var DB *gorm.DB

const (
	defaultServerPath = "sleepset.db"
	defaultClientPath = "sleepset-agent.db"
)

// ServerModels 返回服务端需要迁移的模型。
func ServerModels() []interface{} {
	return []interface{}{
		&SleepRecord{},
		&ProgramState{},
		&PetRecord{},
		&IdempotencyRecord{},
	}
}

// ClientModels 返回客户端（agent）本地库需要迁移的模型。
func ClientModels() []interface{} {
	return []interface{}{
		&Snapshot{},
		&PendingWrite{},
		&DeadLetter{},
		&CacheEntry{},
	}
}

// Init 初始化服务端数据库连接并执行自动迁移。
// databasePath 为空时将回退到默认值 sleepset.db。
func Init(databasePath string) error {
	gdb, err := OpenServer(databasePath)
	if err != nil {
		return err
	}
	DB = gdb
	return nil
}

// OpenServer 打开服务端数据库并迁移服务端模型。
func OpenServer(databasePath string) (*gorm.DB, error) {
	return Open(databasePath, defaultServerPath, ServerModels()...)
}

// OpenClient 打开客户端本地库并迁移队列、快照与缓存模型。
func OpenClient(databasePath string) (*gorm.DB, error) {
	return Open(databasePath, defaultClientPath, ClientModels()...)
}

// Open 打开 sqlite 数据库（必要时创建父目录）并迁移给定模型。
func Open(databasePath, fallback string, models ...interface{}) (*gorm.DB, error) {
	path := strings.TrimSpace(databasePath)
	if path == "" {
		path = fallback
	}

	if !isMemoryPath(path) {
		if err := ensureParentDir(path); err != nil {
			return nil, err
		}
	}

	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: newLogger(),
	})
	if err != nil {
		return nil, err
	}

	if len(models) > 0 {
		if err := gdb.AutoMigrate(models...); err != nil {
			return nil, err
		}
	}
	return gdb, nil
}

// logOutput gorm 日志输出位置，测试中替换
var logOutput io.Writer = os.Stderr

// newLogger 只输出警告以上的日志；快照、宠物等按主键查找未命中是正常路径，不记为错误。
func newLogger() logger.Interface {
	return logger.New(log.New(logOutput, "\r\n", log.LstdFlags), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  true,
	})
}

// Close 释放底层连接。
func Close(gdb *gorm.DB) error {
	if gdb == nil {
		return nil
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}

	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return errors.New("database path parent is not a directory")
		}
		return nil
	}

	if os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}

	return err
}
