package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jerkytreats/dnscert/internal/logging"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when the configuration file does not exist and
// there is no environment tree to fall back on.
var ErrNotFound = errors.New("configuration file does not exist")

// LoadOptions controls Load.
type LoadOptions struct {
	// MergeEnv places the DNSCERT__* environment tree beneath the document.
	MergeEnv bool
	// Environ overrides the process environment, for tests.
	Environ map[string]string
	// Schema overrides the embedded schema.
	Schema *Schema
}

// Environ returns the process environment as a map.
func Environ() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if name, value, ok := strings.Cut(kv, "="); ok {
			out[name] = value
		}
	}
	return out
}

// Load reads, interpolates, merges and validates the document at path.
// Failures are logged and returned; the document is nil whenever the error
// is not.
func Load(path string, opts LoadOptions) (*Document, error) {
	doc, err := load(path, opts)
	if err != nil {
		logging.Error("%v", err)
		return nil, err
	}
	return doc, nil
}

func load(path string, opts LoadOptions) (*Document, error) {
	environ := opts.Environ
	if environ == nil {
		environ = Environ()
	}

	schema := opts.Schema
	if schema == nil {
		var err error
		if schema, err = DefaultSchema(); err != nil {
			return nil, err
		}
	}

	raw, err := os.ReadFile(path)
	present := err == nil
	switch {
	case os.IsNotExist(err) && opts.MergeEnv:
		raw = nil
	case os.IsNotExist(err):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	case err != nil:
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	text, err := Interpolate(string(raw), environ)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("error while parsing config: %v", err)}
	}

	var parsed interface{}
	if err := yaml.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, &ValidationError{Message: "Configuration file is not a valid YAML file."}
	}

	tree, err := documentTree(parsed)
	if err != nil {
		return nil, &ValidationError{Message: err.Error(), Raw: text}
	}
	if present && len(tree) == 0 {
		return nil, &ValidationError{Message: "Configuration file is empty."}
	}

	if opts.MergeEnv {
		envTree := BuildEnvTree(environ, EnvPrefix, schema.Root)
		for _, failure := range envTree.Failures() {
			logging.Warn("Ignoring environment variable %s: %v", failure.Name, failure.Err)
		}

		envJSON, err := toJSONTree(envTree.Tree)
		if err != nil {
			return nil, fmt.Errorf("failed to convert environment tree: %w", err)
		}
		tree = deepMerge(envJSON.(map[string]interface{}), tree)
	}

	if len(tree) == 0 {
		return nil, &ValidationError{Message: "Configuration file is empty."}
	}

	if err := schema.compiled.Validate(tree); err != nil {
		return nil, schemaError(err, text)
	}

	if err := coerceModes(tree); err != nil {
		return nil, &ValidationError{Message: err.Error(), Raw: text}
	}

	plain := plainNumbers(tree).(map[string]interface{})
	doc, err := decodeDocument(plain)
	if err != nil {
		return nil, &ValidationError{Message: err.Error(), Raw: text}
	}

	if err := businessCheck(doc); err != nil {
		return nil, &ValidationError{Message: err.Error(), Raw: text}
	}

	doc.raw = plain
	return doc, nil
}

func documentTree(parsed interface{}) (map[string]interface{}, error) {
	if parsed == nil {
		return map[string]interface{}{}, nil
	}

	converted, err := toJSONTree(parsed)
	if err != nil {
		return nil, fmt.Errorf("configuration could not be read as a document: %v", err)
	}

	tree, ok := converted.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("configuration root must be a mapping")
	}
	return tree, nil
}
