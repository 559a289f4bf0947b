package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// coerceToJSONBytes converts a YAML file to JSON so both formats share the
// strict JSON decoder. An empty YAML file is an empty object; a second
// document is rejected like trailing JSON.
//
// Returns (jsonBytes, format, err) where format is "json" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	if !isYAML(path) {
		return data, "json", nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var v any
	if err := dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), "yaml", nil
		}
		return nil, "yaml", fmt.Errorf("yaml config: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, "yaml", fmt.Errorf("%w: more than one yaml document", ErrInvalid)
		}
		return nil, "yaml", fmt.Errorf("yaml config: %w", err)
	}

	j, err := json.Marshal(stringKeys(v))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml config: %w", err)
	}
	return j, "yaml", nil
}

// stringKeys rewrites map[any]any (non-string YAML keys) into
// map[string]any, recursively, so the tree can be JSON-marshaled.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	default:
		return in
	}
}
