package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher 监听配置文件变化，防抖后重新加载并回调。
// 监听所在目录而不是文件本身，编辑器的 rename 替换写法也能被感知。
type Watcher struct {
	path     string
	envFiles []string
	debounce time.Duration
	logger   *zap.Logger
	fsw      *fsnotify.Watcher
}

// NewWatcher 创建并注册目录监听；返回后即可感知变化。
func NewWatcher(path string, debounce time.Duration, logger *zap.Logger, envFiles ...string) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch config dir: %w", err)
	}
	return &Watcher{
		path:     abs,
		envFiles: envFiles,
		debounce: debounce,
		logger:   logger,
		fsw:      fsw,
	}, nil
}

// Run 阻塞直到 ctx 取消。加载失败时保留旧配置，只记录日志。
func (w *Watcher) Run(ctx context.Context, onUpdate func(AppConfig)) error {
	defer w.fsw.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			cfg, err := LoadWithEnvOverrides(w.path, w.envFiles...)
			if err != nil {
				w.logger.Warn("config reload failed, keeping previous config", zap.Error(err))
				continue
			}
			w.logger.Info("config reloaded", zap.String("path", w.path))
			if onUpdate != nil {
				onUpdate(cfg)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			// 记录错误但继续监听
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
