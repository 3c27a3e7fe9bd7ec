package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// toJSON converts a YAML document to JSON so both formats go through the
// same strict decoder. JSON input is returned unchanged.
func toJSON(name string, data []byte) ([]byte, error) {
	if !isYAML(name) {
		return data, nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	j, err := json.Marshal(stringKeys(v))
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return j, nil
}

// stringKeys rewrites map[any]any nodes so the tree can be JSON-marshaled.
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
