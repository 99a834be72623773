package config

import (
	"sync"
	"time"

	"dealscan/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch 监听主配置文件，变更后重新加载并回调；解析失败时保留旧配置。
// 只有 app.log_level 与 ingest.concurrency 会在运行时生效，其余字段需要重启。
func Watch(path string, onChange func(*Config)) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	var (
		mu   sync.Mutex
		last time.Time
	)
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		mu.Lock()
		// 编辑器保存时常触发多次写事件
		if time.Since(last) < 200*time.Millisecond {
			mu.Unlock()
			return
		}
		last = time.Now()
		mu.Unlock()

		cfg, err := Load(path)
		if err != nil {
			logger.Warnf("[config] 重新加载失败，保留旧配置: %v", err)
			return
		}
		logger.Infof("[config] 检测到配置变更 (%s)", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// RuntimeDiff 比较新旧配置，返回发生变化的可热更新字段。
func RuntimeDiff(prev, next *Config) (logLevelChanged, concurrencyChanged bool) {
	if prev == nil || next == nil {
		return false, false
	}
	return prev.App.LogLevel != next.App.LogLevel, prev.Ingest.Concurrency != next.Ingest.Concurrency
}
