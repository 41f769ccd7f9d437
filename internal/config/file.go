package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileLookup loads a flat YAML mapping of environment-style keys, e.g.
//
//	QUERYMESH_CACHE_BACKEND: qdrant
//	QUERYMESH_INDEX_TOP_K: 8
func FileLookup(path string) (LookupFunc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	return parseYAMLLookup(raw)
}

func parseYAMLLookup(raw []byte) (LookupFunc, error) {
	var document map[string]any
	if err := yaml.Unmarshal(raw, &document); err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}

	values := make(map[string]string, len(document))
	for key, value := range document {
		switch typed := value.(type) {
		case nil:
			continue
		case map[string]any, []any:
			return nil, fmt.Errorf("config key %s must be a scalar", key)
		default:
			values[strings.ToUpper(strings.TrimSpace(key))] = fmt.Sprint(typed)
		}
	}
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}, nil
}

// ChainLookup returns the first hit across lookups in order.
func ChainLookup(lookups ...LookupFunc) LookupFunc {
	return func(key string) (string, bool) {
		for _, lookup := range lookups {
			if lookup == nil {
				continue
			}
			if value, ok := lookup(key); ok {
				return value, true
			}
		}
		return "", false
	}
}
