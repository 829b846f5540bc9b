// Package loader reads pipeline definitions and input documents for the docexpr CLI.
package loader

import (
	"errors"
	"fmt"
	"io"
	"os"

	"k8s.io/apimachinery/pkg/util/json"
	"sigs.k8s.io/yaml"

	"github.com/l7mp/docexpr/pkg/cursor"
)

// decode parses YAML or JSON into a generic value. Integral numbers decode as int64.
func decode(data []byte, v any) error {
	j, err := yaml.YAMLToJSON(data)
	if err != nil {
		return fmt.Errorf("invalid YAML/JSON: %w", err)
	}
	return json.Unmarshal(j, v)
}

// ParsePipeline parses a pipeline definition: a list of stages, or an object with the list
// under "pipeline".
func ParsePipeline(data []byte) ([]any, error) {
	var raw any
	if err := decode(data, &raw); err != nil {
		return nil, err
	}

	switch v := raw.(type) {
	case []any:
		return v, nil
	case map[string]any:
		if l, ok := v["pipeline"].([]any); ok {
			return l, nil
		}
	}
	return nil, errors.New("pipeline definition must be a list of stages")
}

// ParseDocuments parses the input documents: a list of objects or a single object.
func ParseDocuments(data []byte) ([]cursor.Document, error) {
	var raw any
	if err := decode(data, &raw); err != nil {
		return nil, err
	}

	switch v := raw.(type) {
	case nil:
		return []cursor.Document{}, nil
	case map[string]any:
		return []cursor.Document{v}, nil
	case []any:
		ret := make([]cursor.Document, len(v))
		for i, d := range v {
			m, ok := d.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("document %d is not an object", i)
			}
			ret[i] = m
		}
		return ret, nil
	}
	return nil, errors.New("input must be an object or a list of objects")
}

// ReadFile reads a file, "-" meaning the standard input.
func ReadFile(name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(name)
}
