// Package config provides the layered YAML configuration of plapperkasten.
//
// Three layers are merged deeply: built-in defaults (plus config.yaml files
// shipped by plugins), the user's config.yaml, and command line input.
package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/plapperkasten/internal/log"
)

//go:embed settings/config.yaml
var defaultConfig []byte

// Config is safe for concurrent use.
type Config struct {
	mu     sync.RWMutex
	layers [3]map[string]any
	merged map[string]any
	dirty  bool

	sources []string
	logger  *slog.Logger
}

// New returns a configuration holding only the built-in defaults.
func New() *Config {
	c := empty()
	if err := c.LoadBytes(defaultConfig, LayerDefault); err != nil {
		// The embedded file is part of the binary.
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	c.sources = append(c.sources, "<builtin>")
	return c
}

func empty() *Config {
	c := &Config{logger: log.WithComponent("config")}
	for i := range c.layers {
		c.layers[i] = map[string]any{}
	}
	c.dirty = true
	return c
}

// Load builds the full configuration: built-in defaults, config.yaml files
// found in plugin directories, and <userDir>/config.yaml. An empty userDir
// falls back to core.paths.user_directory.
func Load(userDir string) (*Config, error) {
	c := New()
	if userDir != "" {
		if err := c.Set("core.paths.user_directory", userDir, LayerInput); err != nil {
			return nil, err
		}
	}
	dir := ExpandPath(c.GetStr("core.paths.user_directory", ""))

	userFile := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(userFile); err == nil {
		if err := c.LoadFile(userFile, LayerUser); err != nil {
			return nil, err
		}
	} else {
		c.logger.Debug("no user config", "path", userFile)
	}

	for _, root := range c.PluginRoots() {
		matches, _ := filepath.Glob(filepath.Join(root, "*", "config.yaml"))
		for _, m := range matches {
			if err := c.LoadFile(m, LayerDefault); err != nil {
				c.logger.Warn("skipping plugin config", "path", m, "error", err)
			}
		}
	}
	return c, nil
}

// LoadFile merges a YAML file into the target layer.
func (c *Config) LoadFile(path string, target Layer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := c.LoadBytes(data, target); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	c.mu.Lock()
	c.sources = append(c.sources, path)
	c.mu.Unlock()
	c.logger.Debug("loaded config", "path", path, "layer", target.String())
	return nil
}

// LoadBytes merges YAML data into the target layer.
func (c *Config) LoadBytes(data []byte, target Layer) error {
	if target < LayerDefault || target > LayerInput {
		return fmt.Errorf("unknown config layer %d", target)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if raw == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	merge(c.layers[target], normalize(raw).(map[string]any))
	c.dirty = true
	return nil
}

// Sources lists the files merged so far, in load order.
func (c *Config) Sources() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.sources...)
}

// PluginRoots returns the expanded plugin directories from core.paths.plugins.
func (c *Config) PluginRoots() []string {
	roots := c.GetListStr("core.paths.plugins", nil)
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		out = append(out, ExpandPath(r))
	}
	return out
}

// UserPath resolves name relative to core.paths.user_directory unless it is
// already absolute.
func (c *Config) UserPath(name string) string {
	name = ExpandPath(name)
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(ExpandPath(c.GetStr("core.paths.user_directory", "")), name)
}

// active returns the merged view. Callers must not hold c.mu.
func (c *Config) active() map[string]any {
	c.mu.RLock()
	if !c.dirty {
		m := c.merged
		c.mu.RUnlock()
		return m
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dirty {
		m := map[string]any{}
		for _, layer := range c.layers {
			merge(m, layer)
		}
		c.merged = m
		c.dirty = false
	}
	return c.merged
}

// merge copies b into a. Nested maps merge; anything else replaces.
func merge(a, b map[string]any) {
	for k, bv := range b {
		bm, bIsMap := bv.(map[string]any)
		if am, ok := a[k].(map[string]any); ok && bIsMap {
			merge(am, bm)
			continue
		}
		a[k] = deepCopy(bv)
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[k] = deepCopy(x)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, x := range t {
			s[i] = deepCopy(x)
		}
		return s
	default:
		return v
	}
}

// normalize turns map[any]any (non-string YAML keys) into map[string]any.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, x := range t {
			t[k] = normalize(x)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[fmt.Sprint(k)] = normalize(x)
		}
		return m
	case []any:
		for i, x := range t {
			t[i] = normalize(x)
		}
		return t
	default:
		return v
	}
}
