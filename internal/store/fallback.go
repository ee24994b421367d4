package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FallbackStore 同步的字符串键值存储，每次写入都整体落盘到一个 JSON 文件。
// 只保存快照，不承载队列。path 为空时仅保存在内存中。
type FallbackStore struct {
	mu     sync.Mutex
	path   string
	values map[string]string
}

// OpenFallback 打开回退存储，文件不存在时从空开始
func OpenFallback(path string) (*FallbackStore, error) {
	fs := &FallbackStore{path: path, values: map[string]string{}}
	if path == "" {
		return fs, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fs, nil
		}
		return nil, fmt.Errorf("read fallback store: %w", err)
	}
	if len(raw) == 0 {
		return fs, nil
	}
	if err := json.Unmarshal(raw, &fs.values); err != nil {
		return nil, fmt.Errorf("decode fallback store: %w", err)
	}
	if fs.values == nil {
		fs.values = map[string]string{}
	}
	return fs, nil
}

// Get 读取键值
func (f *FallbackStore) Get(key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return []byte(v), nil
}

// Put 写入并立即落盘
func (f *FallbackStore) Put(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.values[key]
	f.values[key] = string(value)
	if err := f.flushLocked(); err != nil {
		if had {
			f.values[key] = prev
		} else {
			delete(f.values, key)
		}
		return err
	}
	return nil
}

// Delete 删除键并落盘
func (f *FallbackStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; !ok {
		return nil
	}
	delete(f.values, key)
	return f.flushLocked()
}

func (f *FallbackStore) flushLocked() error {
	if f.path == "" {
		return nil
	}
	data, err := json.Marshal(f.values)
	if err != nil {
		return fmt.Errorf("encode fallback store: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create fallback dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".fallback-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write fallback store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close fallback store: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace fallback store: %w", err)
	}
	return nil
}
