package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

func splitPath(path string) ([]string, error) {
	parts := strings.Split(path, ".")
	if len(parts) < MinPathSegments {
		return nil, fmt.Errorf("%w: %q", ErrPathTooShort, path)
	}
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("config path %q has an empty segment", path)
		}
	}
	return parts, nil
}

// Lookup resolves a dot path against the merged configuration.
func (c *Config) Lookup(path string) (any, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	return getValue(c.active(), path, parts)
}

func getValue(m map[string]any, path string, parts []string) (any, error) {
	var current any = m
	for _, part := range parts {
		cm, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %q breaks at %q (not a map)", ErrNotFound, path, part)
		}
		val, exists := cm[part]
		if !exists {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, path)
		}
		current = val
	}
	return current, nil
}

// Set stores value at path in the target layer, creating intermediate maps.
func (c *Config) Set(path string, value any, target Layer) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	if target < LayerDefault || target > LayerInput {
		return fmt.Errorf("unknown config layer %d", target)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.layers[target]
	for _, part := range parts[:len(parts)-1] {
		next, exists := current[part]
		if !exists {
			m := map[string]any{}
			current[part] = m
			current = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("config path %q: %q is not a map", path, part)
		}
		current = m
	}
	current[parts[len(parts)-1]] = deepCopy(normalize(value))
	c.dirty = true
	return nil
}

// ApplyOptions parses "a.b.c=v@@x.y.z=w" and stores each value in the input
// layer. Values are parsed as YAML scalars so "60" becomes an int and
// "[a, b]" a list. Bad options are logged and skipped.
func (c *Config) ApplyOptions(opts string) error {
	var errs []error
	for _, opt := range strings.Split(opts, "@@") {
		if strings.TrimSpace(opt) == "" {
			continue
		}
		path, raw, ok := strings.Cut(opt, "=")
		if !ok {
			c.logger.Error("did not understand option", "option", opt)
			errs = append(errs, fmt.Errorf("option %q: missing '='", opt))
			continue
		}
		if err := c.Set(strings.TrimSpace(path), ParseScalar(raw), LayerInput); err != nil {
			c.logger.Error("did not understand option", "option", opt, "error", err)
			errs = append(errs, fmt.Errorf("option %q: %w", opt, err))
		}
	}
	return errors.Join(errs...)
}

// ParseScalar interprets s as a YAML value, falling back to the raw string.
func ParseScalar(s string) any {
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil || v == nil {
		return s
	}
	return normalize(v)
}

// get resolves path and converts it with conv, logging and returning def on
// failure.
func get[T any](c *Config, path string, def T, conv func(any) (T, error)) T {
	v, err := c.Lookup(path)
	if err != nil {
		c.logger.Error("config lookup failed", "path", path, "error", err)
		return def
	}
	out, err := conv(v)
	if err != nil {
		c.logger.Error("config value has wrong type", "path", path, "error", err)
		return def
	}
	return out
}

// GetInt returns the int at path or def.
func (c *Config) GetInt(path string, def int) int { return get(c, path, def, toInt) }

// GetStr returns the string at path or def.
func (c *Config) GetStr(path string, def string) string { return get(c, path, def, toStr) }

// GetBool returns the bool at path or def.
func (c *Config) GetBool(path string, def bool) bool { return get(c, path, def, toBool) }

// GetFloat returns the float at path or def.
func (c *Config) GetFloat(path string, def float64) float64 { return get(c, path, def, toFloat) }

// GetDuration returns a duration at path or def. Strings use
// time.ParseDuration, bare numbers are seconds.
func (c *Config) GetDuration(path string, def time.Duration) time.Duration {
	return get(c, path, def, toDuration)
}

func (c *Config) GetListInt(path string, def []int) []int {
	return get(c, path, def, listOf(toInt))
}

func (c *Config) GetListStr(path string, def []string) []string {
	return get(c, path, def, listOf(toStr))
}

func (c *Config) GetListBool(path string, def []bool) []bool {
	return get(c, path, def, listOf(toBool))
}

func (c *Config) GetDictStrStr(path string, def map[string]string) map[string]string {
	return get(c, path, def, dictOf(toStr, toStr))
}

func (c *Config) GetDictStrInt(path string, def map[string]int) map[string]int {
	return get(c, path, def, dictOf(toStr, toInt))
}

func (c *Config) GetDictStrBool(path string, def map[string]bool) map[string]bool {
	return get(c, path, def, dictOf(toStr, toBool))
}

func (c *Config) GetDictIntInt(path string, def map[int]int) map[int]int {
	return get(c, path, def, dictOf(toInt, toInt))
}

func (c *Config) GetDictIntStr(path string, def map[int]string) map[int]string {
	return get(c, path, def, dictOf(toInt, toStr))
}

func (c *Config) GetDictIntBool(path string, def map[int]bool) map[int]bool {
	return get(c, path, def, dictOf(toInt, toBool))
}

// Kind names the type a value is expected to convert to.
type Kind int

const (
	KindInt Kind = iota
	KindStr
	KindBool
	KindFloat
	KindDuration
	KindListStr
	KindListInt
)

// Check reports whether the value at path exists and converts to kind,
// without logging.
func (c *Config) Check(path string, kind Kind) error {
	v, err := c.Lookup(path)
	if err != nil {
		return err
	}
	switch kind {
	case KindInt:
		_, err = toInt(v)
	case KindStr:
		_, err = toStr(v)
	case KindBool:
		_, err = toBool(v)
	case KindFloat:
		_, err = toFloat(v)
	case KindDuration:
		_, err = toDuration(v)
	case KindListStr:
		_, err = listOf(toStr)(v)
	case KindListInt:
		_, err = listOf(toInt)(v)
	default:
		err = fmt.Errorf("unknown kind %d", kind)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Snapshot returns a deep copy of the merged configuration.
func (c *Config) Snapshot() map[string]any {
	return deepCopy(c.active()).(map[string]any)
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case uint64:
		if t > math.MaxInt {
			return 0, fmt.Errorf("%w: %d overflows int", ErrType, t)
		}
		return int(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("%w: %v is not an integer", ErrType, t)
		}
		return int(t), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer", ErrType, t)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %T is not an integer", ErrType, v)
	}
}

func toStr(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case int, int64, uint64, float64, bool:
		return fmt.Sprint(t), nil
	default:
		return "", fmt.Errorf("%w: %T is not a string", ErrType, v)
	}
}

func toBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return false, fmt.Errorf("%w: %q is not a bool", ErrType, t)
		}
		return b, nil
	default:
		return false, fmt.Errorf("%w: %T is not a bool", ErrType, v)
	}
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrType, t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %T is not a number", ErrType, v)
	}
}

func toDuration(v any) (time.Duration, error) {
	if s, ok := v.(string); ok {
		d, err := time.ParseDuration(strings.TrimSpace(s))
		if err == nil {
			return d, nil
		}
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %v is not a duration", ErrType, v)
	}
	return time.Duration(f * float64(time.Second)), nil
}

func listOf[T any](conv func(any) (T, error)) func(any) ([]T, error) {
	return func(v any) ([]T, error) {
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not a list", ErrType, v)
		}
		out := make([]T, 0, len(items))
		for i, item := range items {
			x, err := conv(item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out = append(out, x)
		}
		return out, nil
	}
}

func dictOf[K comparable, V any](keyConv func(any) (K, error), valConv func(any) (V, error)) func(any) (map[K]V, error) {
	return func(v any) (map[K]V, error) {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not a map", ErrType, v)
		}
		out := make(map[K]V, len(m))
		for k, x := range m {
			key, err := keyConv(k)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			val, err := valConv(x)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[key] = val
		}
		return out, nil
	}
}
