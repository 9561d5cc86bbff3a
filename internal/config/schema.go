package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.yml
var schemaYAML []byte

const schemaResource = "schema.json"

// Schema is the compiled document schema plus the structural view the
// environment tree builder walks.
type Schema struct {
	Root     *SchemaNode
	compiled *jsonschema.Schema
}

// SchemaNode is the part of a JSON-Schema node needed to place an
// environment variable: its type, children and permitted extra keys.
type SchemaNode struct {
	Types                []string
	Properties           map[string]*SchemaNode
	Items                *SchemaNode
	AdditionalProperties *SchemaNode
}

func (n *SchemaNode) is(kind string) bool {
	return len(n.Types) == 1 && n.Types[0] == kind
}

// IsObject reports whether the node is a mapping.
func (n *SchemaNode) IsObject() bool { return n.is("object") }

// IsArray reports whether the node is a sequence.
func (n *SchemaNode) IsArray() bool { return n.is("array") }

var (
	defaultSchema     *Schema
	defaultSchemaErr  error
	defaultSchemaOnce sync.Once
)

// DefaultSchema returns the embedded schema, compiled once.
func DefaultSchema() (*Schema, error) {
	defaultSchemaOnce.Do(func() {
		defaultSchema, defaultSchemaErr = LoadSchema(schemaYAML)
	})
	return defaultSchema, defaultSchemaErr
}

// LoadSchema compiles a JSON-Schema written in YAML.
func LoadSchema(data []byte) (*Schema, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}

	tree, err := toJSONTree(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert schema: %w", err)
	}
	root, ok := tree.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("schema root must be a mapping")
	}

	encoded, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource(schemaResource, bytes.NewReader(encoded)); err != nil {
		return nil, fmt.Errorf("failed to register schema: %w", err)
	}
	compiled, err := compiler.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Schema{Root: parseSchemaNode(root), compiled: compiled}, nil
}

func parseSchemaNode(raw map[string]interface{}) *SchemaNode {
	node := &SchemaNode{}

	switch t := raw["type"].(type) {
	case string:
		node.Types = []string{t}
	case []interface{}:
		for _, item := range t {
			if s, ok := item.(string); ok {
				node.Types = append(node.Types, s)
			}
		}
	}

	if props, ok := raw["properties"].(map[string]interface{}); ok {
		node.Properties = make(map[string]*SchemaNode, len(props))
		for name, child := range props {
			if childMap, ok := child.(map[string]interface{}); ok {
				node.Properties[name] = parseSchemaNode(childMap)
			}
		}
	}

	if items, ok := raw["items"].(map[string]interface{}); ok {
		node.Items = parseSchemaNode(items)
	}

	switch extra := raw["additionalProperties"].(type) {
	case bool:
		if extra {
			node.AdditionalProperties = &SchemaNode{}
		}
	case map[string]interface{}:
		node.AdditionalProperties = parseSchemaNode(extra)
	}

	return node
}

// toJSONTree normalizes a decoded YAML value into the shapes produced by
// encoding/json with UseNumber: maps with string keys, slices, json.Number,
// strings, bools and nil.
func toJSONTree(v interface{}) (interface{}, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.UseNumber()

	var out interface{}
	if err := decoder.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
