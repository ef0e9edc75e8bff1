package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format is a document serialization format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

// FormatFromPath infers the document format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported document extension %q", filepath.Ext(path))
	}
}

// Document is a decoded governance document: the generic tree used for schema
// validation plus the original bytes kept for archival.
type Document struct {
	Path   string
	Format Format
	Raw    []byte
	Tree   map[string]any
}

// ReadDocument reads and decodes a document from disk.
func ReadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	doc, err := DecodeDocument(format, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	doc.Path = path
	return doc, nil
}

// DecodeDocument decodes data in the given format into a generic tree.
func DecodeDocument(format Format, data []byte) (*Document, error) {
	var tree map[string]any

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case FormatTOML:
		if _, err := toml.Decode(string(data), &tree); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported document format %q", format)
	}

	if tree == nil {
		return nil, fmt.Errorf("document is empty")
	}

	normalized, err := normalizeTree(tree)
	if err != nil {
		return nil, err
	}

	return &Document{Format: format, Raw: data, Tree: normalized.(map[string]any)}, nil
}

// Bind decodes the document tree into out through JSON, rejecting fields out
// does not declare.
func (d *Document) Bind(out any) error {
	b, err := json.Marshal(d.Tree)
	if err != nil {
		return fmt.Errorf("failed to encode document tree: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("failed to bind document: %w", err)
	}
	return nil
}

// normalizeTree converts format-specific containers into map[string]any and
// []any so every format yields the same tree shape.
func normalizeTree(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			n, err := normalizeTree(val)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("document keys must be strings, got %T", k)
			}
			n, err := normalizeTree(val)
			if err != nil {
				return nil, err
			}
			out[key] = n
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(t))
		for i, val := range t {
			n, err := normalizeTree(val)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			n, err := normalizeTree(val)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case float32:
		return float64(t), nil
	default:
		return v, nil
	}
}
