package config

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\$?\$\{([^}\s]+)\}`)

// Interpolate replaces ${NAME} with the value of NAME from environ and turns
// the escape $${NAME} into the literal ${NAME}. An undefined NAME is an error.
func Interpolate(raw string, environ map[string]string) (string, error) {
	var missing []string

	out := placeholderPattern.ReplaceAllStringFunc(raw, func(match string) string {
		if strings.HasPrefix(match, "$$") {
			return match[1:]
		}

		name := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := environ[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return value
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("environment variable %s does not exist", missing[0])
	}
	return out, nil
}
