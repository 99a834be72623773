// Package config 读取 YAML 配置：支持 include 组合、显式键感知的默认值与热更新。
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取 path 及其 include 的文件，后加载的文件覆盖先加载的。
func Load(path string) (*Config, error) {
	files, err := resolveIncludes(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	for _, file := range files {
		if err := mergeConfigFile(v, file); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", file, err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	keys := make(keySet)
	flattenKeys("", v.AllSettings(), keys)
	cfg.applyDefaults(keys)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func mergeConfigFile(v *viper.Viper, path string) error {
	tmp := viper.New()
	tmp.SetConfigFile(path)
	if err := tmp.ReadInConfig(); err != nil {
		return err
	}
	settings := tmp.AllSettings()
	delete(settings, "include")
	return v.MergeConfigMap(settings)
}

// resolveIncludes 深度优先展开 include，被包含的文件排在包含者之前。
func resolveIncludes(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	r := includeResolver{seen: map[string]bool{}, active: map[string]bool{}}
	if err := r.walk(abs); err != nil {
		return nil, err
	}
	return r.ordered, nil
}

type includeResolver struct {
	seen    map[string]bool
	active  map[string]bool
	ordered []string
}

func (r *includeResolver) walk(path string) error {
	path = filepath.Clean(path)
	if r.active[path] {
		return fmt.Errorf("include cycle detected: %s", path)
	}
	if r.seen[path] {
		return nil
	}
	r.active[path] = true
	includes, err := readIncludes(path)
	if err != nil {
		return fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := r.walk(inc); err != nil {
			return err
		}
	}
	delete(r.active, path)
	r.seen[path] = true
	r.ordered = append(r.ordered, path)
	return nil
}

func readIncludes(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var raw []any
	switch val := v.Get("include").(type) {
	case nil:
		return nil, nil
	case string:
		raw = []any{val}
	case []any:
		raw = val
	case []string:
		for _, s := range val {
			raw = append(raw, s)
		}
	default:
		return nil, fmt.Errorf("include must be a string array")
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("include only supports strings")
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// flattenKeys 记录配置文件中出现过的叶子键，如 ingest.concurrency。
func flattenKeys(prefix string, node any, dest keySet) {
	switch val := node.(type) {
	case map[string]any:
		for k, child := range val {
			next := strings.ToLower(strings.TrimSpace(k))
			if next == "" {
				continue
			}
			if prefix != "" {
				next = prefix + "." + next
			}
			flattenKeys(next, child, dest)
		}
	default:
		if prefix != "" {
			dest.mark(prefix)
		}
	}
}
