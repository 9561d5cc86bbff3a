package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// EnvDelimiter separates path segments in document environment variables.
const EnvDelimiter = "__"

// VariableOutcome is the result of placing one environment variable into
// the tree. Err is nil when the variable was applied.
type VariableOutcome struct {
	Name string
	Err  error
}

// EnvTree is the partial document built from environment variables.
type EnvTree struct {
	Tree     map[string]interface{}
	Outcomes []VariableOutcome
}

// Failures returns the outcomes that were not applied.
func (t EnvTree) Failures() []VariableOutcome {
	var failed []VariableOutcome
	for _, o := range t.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

type pathStep struct {
	key   string
	index int
	array bool
}

// BuildEnvTree builds a document fragment from <prefix>__SEG__SEG...
// variables, walking the schema to place and type each value. Variables are
// processed in ascending lexical order; a failing variable is reported in
// Outcomes and leaves the tree untouched.
func BuildEnvTree(environ map[string]string, prefix string, schema *SchemaNode) EnvTree {
	marker := prefix + EnvDelimiter

	names := make([]string, 0, len(environ))
	for name := range environ {
		if strings.HasPrefix(name, marker) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	result := EnvTree{Tree: map[string]interface{}{}}
	for _, name := range names {
		segments := strings.Split(strings.TrimPrefix(name, marker), EnvDelimiter)

		path, leaf, err := planVariable(result.Tree, schema, segments, environ[name])
		if err == nil {
			result.Tree = assign(result.Tree, path, leaf).(map[string]interface{})
		}
		result.Outcomes = append(result.Outcomes, VariableOutcome{Name: name, Err: err})
	}

	return result
}

// planVariable resolves segments against the schema and the tree built so
// far, without modifying it.
func planVariable(tree map[string]interface{}, schema *SchemaNode, segments []string, value string) ([]pathStep, interface{}, error) {
	node := schema
	var current interface{} = tree
	path := make([]pathStep, 0, len(segments))

	for i, segment := range segments {
		switch {
		case node.IsObject():
			key := strings.ToLower(segment)
			child, ok := node.Properties[key]
			if !ok {
				if node.AdditionalProperties == nil {
					return nil, nil, fmt.Errorf("unknown property %q at segment %d", key, i+1)
				}
				child = node.AdditionalProperties
			}
			path = append(path, pathStep{key: key})
			m, _ := current.(map[string]interface{})
			current = m[key]
			node = child

		case node.IsArray():
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 {
				return nil, nil, fmt.Errorf("segment %q is not a valid array index", segment)
			}
			arr, _ := current.([]interface{})
			if index > len(arr) {
				return nil, nil, fmt.Errorf("array index %d leaves a gap, next index is %d", index, len(arr))
			}
			path = append(path, pathStep{index: index, array: true})
			if index < len(arr) {
				current = arr[index]
			} else {
				current = nil
			}
			if node.Items == nil {
				node = &SchemaNode{}
			} else {
				node = node.Items
			}

		default:
			return nil, nil, fmt.Errorf("path continues past scalar property at segment %d", i+1)
		}
	}

	if node.IsObject() || node.IsArray() {
		return nil, nil, fmt.Errorf("path ends on a %s node, a scalar value is required", node.Types[0])
	}

	leaf, err := convertScalar(node, value)
	if err != nil {
		return nil, nil, err
	}
	return path, leaf, nil
}

func convertScalar(node *SchemaNode, value string) (interface{}, error) {
	switch {
	case node.is("boolean"):
		return value == "true", nil
	case node.is("integer"):
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("value %q is not an integer", value)
		}
		return n, nil
	default:
		return value, nil
	}
}

func assign(node interface{}, path []pathStep, leaf interface{}) interface{} {
	if len(path) == 0 {
		return leaf
	}

	step := path[0]
	if step.array {
		arr, _ := node.([]interface{})
		if step.index < len(arr) {
			arr[step.index] = assign(arr[step.index], path[1:], leaf)
			return arr
		}
		return append(arr, assign(nil, path[1:], leaf))
	}

	m, _ := node.(map[string]interface{})
	if m == nil {
		m = map[string]interface{}{}
	}
	m[step.key] = assign(m[step.key], path[1:], leaf)
	return m
}
