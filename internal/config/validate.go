package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/jerkytreats/dnscert/internal/logging"
	"github.com/jerkytreats/dnscert/pkg/validation"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const maxMode = 0o777

// ValidationError describes why a document was rejected. Path is the JSON
// pointer of the offending node for schema failures and empty for business
// rule failures.
type ValidationError struct {
	Path    string
	Message string
	Raw     string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Path != "" {
		fmt.Fprintf(&b, "Error while validating dnscert configuration for node path %s:\n%s.", e.Path, e.Message)
	} else {
		fmt.Fprintf(&b, "Error while validating dnscert configuration:\n%s", e.Message)
	}
	if e.Raw != "" {
		fmt.Fprintf(&b, "\n-----\n%s", e.Raw)
	}
	return b.String()
}

func schemaError(err error, raw string) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &ValidationError{Message: err.Error(), Raw: raw}
	}

	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}

	path := leaf.InstanceLocation
	if path == "" {
		path = "/"
	}
	return &ValidationError{Path: path, Message: leaf.Message, Raw: raw}
}

// coerceModes turns octal string modes ("0640", "0o640") into integers.
func coerceModes(tree map[string]interface{}) error {
	acme, _ := tree["acme"].(map[string]interface{})
	perms, _ := acme["certs_permissions"].(map[string]interface{})
	if perms == nil {
		return nil
	}

	for _, key := range []string{"files_mode", "dirs_mode"} {
		s, ok := perms[key].(string)
		if !ok {
			continue
		}
		digits := strings.TrimPrefix(strings.TrimPrefix(s, "0o"), "0O")
		mode, err := strconv.ParseInt(digits, 8, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q provided: not an octal mode", key, s)
		}
		perms[key] = json.Number(strconv.FormatInt(mode, 10))
	}
	return nil
}

// plainNumbers replaces json.Number leaves with int64, or float64 when the
// number is not integral.
func plainNumbers(v interface{}) interface{} {
	switch typed := v.(type) {
	case map[string]interface{}:
		for key, value := range typed {
			typed[key] = plainNumbers(value)
		}
		return typed
	case []interface{}:
		for i, value := range typed {
			typed[i] = plainNumbers(value)
		}
		return typed
	case json.Number:
		if n, err := typed.Int64(); err == nil {
			return n
		}
		if f, err := typed.Float64(); err == nil {
			return f
		}
		return typed.String()
	default:
		return v
	}
}

func decodeDocument(tree map[string]interface{}) (*Document, error) {
	doc := &Document{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           doc,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(tree); err != nil {
		return nil, err
	}
	return doc, nil
}

// businessCheck enforces the rules the schema cannot express.
func businessCheck(doc *Document) error {
	profiles := make(map[string]struct{}, len(doc.Profiles))
	for _, profile := range doc.Profiles {
		if _, dup := profiles[profile.Name]; dup {
			return fmt.Errorf("profile %s is duplicated", profile.Name)
		}
		profiles[profile.Name] = struct{}{}

		if profile.DelegatedSubdomain != "" {
			logging.Warn("Property delegated_subdomain of profile %s is not used anymore and is deprecated. Please remove it.", profile.Name)
		}
	}

	lineages := make(map[string]struct{}, len(doc.Certificates))
	for _, cert := range doc.Certificates {
		lineage, err := cert.Lineage()
		if err != nil {
			return err
		}

		if _, ok := profiles[cert.Profile]; !ok {
			return fmt.Errorf("profile %s used by certificate %s does not exist", cert.Profile, lineage)
		}

		if _, dup := lineages[lineage]; dup {
			return fmt.Errorf("certificate with name %s is duplicated", lineage)
		}
		lineages[lineage] = struct{}{}

		for _, domain := range cert.Domains {
			if err := validation.ValidateCertificateDomain(domain); err != nil {
				return fmt.Errorf("certificate %s: %v", lineage, err)
			}
		}
	}

	perms := doc.ACME.CertsPermissions
	if perms.FilesMode != nil && *perms.FilesMode > maxMode {
		return fmt.Errorf("invalid files_mode %#o provided", *perms.FilesMode)
	}
	if perms.DirsMode != nil && *perms.DirsMode > maxMode {
		return fmt.Errorf("invalid dirs_mode %#o provided", *perms.DirsMode)
	}

	return nil
}
