package config

import (
	"strings"
	"time"
)

// Config is a read-only view over decoded configuration data. Accessors
// take a fallback that is returned when the key is absent or holds a value
// of the wrong shape.
//
// Keys may be dotted paths ("bus.retry_delay") that descend into nested
// sections. A literal key containing dots takes precedence over the path.
type Config struct {
	data map[string]any
}

// New wraps data. A nil map yields an empty Config.
func New(data map[string]any) Config {
	if data == nil {
		data = map[string]any{}
	}
	return Config{data: data}
}

func (c Config) lookup(key string) (any, bool) {
	if v, ok := c.data[key]; ok {
		return v, true
	}
	if !strings.Contains(key, ".") {
		return nil, false
	}
	var cur any = c.data
	for part := range strings.SplitSeq(key, ".") {
		section, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		if cur, ok = section[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// asMap accepts both decoder map shapes; yaml.v3 produces map[string]any
// but hand-built data may use map[any]any.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out, true
	}
	return nil, false
}

// get resolves key and converts it, falling back to def on any miss.
func get[T any](c Config, key string, def T, convert func(any) (T, bool)) T {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	if out, ok := convert(v); ok {
		return out
	}
	return def
}

// Sub returns the section at key, or an empty Config.
func (c Config) Sub(key string) Config {
	return get(c, key, New(nil), func(v any) (Config, bool) {
		m, ok := asMap(v)
		return New(m), ok
	})
}

// String returns a string value.
func (c Config) String(key, def string) string {
	return get(c, key, def, func(v any) (string, bool) {
		s, ok := v.(string)
		return s, ok
	})
}

// Bool returns a boolean value.
func (c Config) Bool(key string, def bool) bool {
	return get(c, key, def, func(v any) (bool, bool) {
		b, ok := v.(bool)
		return b, ok
	})
}

// Duration returns a duration. Strings go through time.ParseDuration; bare
// numbers are seconds.
func (c Config) Duration(key string, def time.Duration) time.Duration {
	return get(c, key, def, toDuration)
}

func toDuration(v any) (time.Duration, bool) {
	switch val := v.(type) {
	case time.Duration:
		return val, true
	case string:
		d, err := time.ParseDuration(val)
		return d, err == nil
	case int:
		return time.Duration(val) * time.Second, true
	case int64:
		return time.Duration(val) * time.Second, true
	case float64:
		return time.Duration(val * float64(time.Second)), true
	}
	return 0, false
}

// Int returns an integer. JSON numbers decode as float64 and are accepted
// when they have no fractional part.
func (c Config) Int(key string, def int) int {
	return get(c, key, def, func(v any) (int, bool) {
		switch val := v.(type) {
		case int:
			return val, true
		case int64:
			return int(val), true
		case float64:
			return int(val), val == float64(int(val))
		}
		return 0, false
	})
}

// StringSlice returns a list of strings. A list holding anything other than
// strings yields def.
func (c Config) StringSlice(key string, def []string) []string {
	return get(c, key, def, func(v any) ([]string, bool) {
		switch val := v.(type) {
		case []string:
			return val, true
		case []any:
			out := make([]string, 0, len(val))
			for _, item := range val {
				s, ok := item.(string)
				if !ok {
					return nil, false
				}
				out = append(out, s)
			}
			return out, true
		}
		return nil, false
	})
}

// Has reports whether key resolves to a value.
func (c Config) Has(key string) bool {
	_, ok := c.lookup(key)
	return ok
}

// Raw exposes the underlying map. Callers must not modify it.
func (c Config) Raw() map[string]any {
	return c.data
}
