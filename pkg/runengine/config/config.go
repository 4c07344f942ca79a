// Package config loads engine settings from YAML or JSON documents and the
// environment.
//
// Config is a read-only view over a decoded document. Keys are dotted paths
// ("run.max_steps") walked through nested maps, and every accessor falls back
// to a caller default when the path is missing or holds the wrong type:
//
//	cfg, err := config.FromFile("runengine.yaml")
//	steps := cfg.Int("run.max_steps", 1000)
//	every := cfg.Duration("run.checkpoint_interval", 5*time.Minute)
//
// Settings turns a Config into the typed engine configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config wraps a decoded document for typed, defaulted lookups.
type Config struct {
	data map[string]any
}

// New creates a Config from data. A nil map yields an empty Config.
func New(data map[string]any) Config {
	if data == nil {
		data = make(map[string]any)
	}
	return Config{data: data}
}

// FromFile loads a document, choosing the decoder by extension
// (.yaml, .yml or .json, case-insensitive).
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses a YAML document.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return New(m), nil
}

// FromJSON parses a JSON document.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return New(m), nil
}

// Lookup returns the raw value at path.
func (c Config) Lookup(path string) (any, bool) {
	if v, ok := c.data[path]; ok {
		return v, true
	}
	var cur any = c.data
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Has reports whether path is present.
func (c Config) Has(path string) bool {
	_, ok := c.Lookup(path)
	return ok
}

// Sub returns the section at path, or an empty Config.
func (c Config) Sub(path string) Config {
	v, _ := c.Lookup(path)
	m, _ := asMap(v)
	return New(m)
}

// Raw returns the underlying map. Callers must not modify it.
func (c Config) Raw() map[string]any {
	return c.data
}

// String returns the string at path, or def.
func (c Config) String(path, def string) string {
	if s, ok := lookupAs[string](c, path); ok {
		return s
	}
	return def
}

// Bool returns the boolean at path, or def.
func (c Config) Bool(path string, def bool) bool {
	if b, ok := lookupAs[bool](c, path); ok {
		return b
	}
	return def
}

// Int returns the integer at path, or def. Floats convert only when they
// have no fractional part.
func (c Config) Int(path string, def int) int {
	v, ok := c.Lookup(path)
	if !ok {
		return def
	}
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case uint64:
		return int(val)
	case float64:
		if val == float64(int(val)) {
			return int(val)
		}
	}
	return def
}

// Float returns the number at path, or def.
func (c Config) Float(path string, def float64) float64 {
	v, ok := c.Lookup(path)
	if !ok {
		return def
	}
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	}
	return def
}

// Duration returns the duration at path, or def. Strings are parsed with
// time.ParseDuration; bare numbers are seconds.
func (c Config) Duration(path string, def time.Duration) time.Duration {
	v, ok := c.Lookup(path)
	if !ok {
		return def
	}
	switch val := v.(type) {
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	case int:
		return time.Duration(val) * time.Second
	case int64:
		return time.Duration(val) * time.Second
	case float64:
		return time.Duration(val * float64(time.Second))
	case time.Duration:
		return val
	}
	return def
}

// StringSlice returns the list of strings at path, or def when any element
// is not a string.
func (c Config) StringSlice(path string, def []string) []string {
	v, ok := c.Lookup(path)
	if !ok {
		return def
	}
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return def
			}
			out = append(out, s)
		}
		return out
	}
	return def
}

func lookupAs[T any](c Config, path string) (T, bool) {
	var zero T
	v, ok := c.Lookup(path)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// asMap accepts both JSON-style and older YAML-style nested maps.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}
