// Package validation checks the domain names that appear in certificate
// declarations.
package validation

import (
	"fmt"
	"strings"
)

const wildcardPrefix = "*."

// IsWildcard reports whether domain starts with a "*." label.
func IsWildcard(domain string) bool {
	return strings.HasPrefix(domain, wildcardPrefix)
}

// NormalizeLineage turns a domain into a lineage name by dropping a leading
// "*." label.
func NormalizeLineage(domain string) string {
	return strings.TrimPrefix(domain, wildcardPrefix)
}

// ValidateCertificateDomain checks a domain requested for a certificate.
// A single leading wildcard label is allowed.
func ValidateCertificateDomain(domain string) error {
	if domain == "" {
		return fmt.Errorf("domain cannot be empty")
	}
	if err := ValidateFQDN(NormalizeLineage(domain)); err != nil {
		return fmt.Errorf("invalid certificate domain '%s': %w", domain, err)
	}
	return nil
}

// ValidateFQDN checks if a hostname is a valid FQDN
func ValidateFQDN(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("hostname cannot be empty")
	}

	if !strings.Contains(hostname, ".") {
		return fmt.Errorf("hostname '%s' is not a valid FQDN - must contain at least one domain separator (.)", hostname)
	}

	if strings.HasPrefix(hostname, ".") || strings.HasSuffix(hostname, ".") {
		return fmt.Errorf("hostname '%s' is not a valid FQDN - cannot start or end with a dot", hostname)
	}

	if len(hostname) > 253 {
		return fmt.Errorf("hostname '%s' is not a valid FQDN - longer than 253 characters", hostname)
	}

	if !IsValidFQDN(hostname) {
		return fmt.Errorf("hostname '%s' is not a valid FQDN - contains invalid characters or format", hostname)
	}

	return nil
}

// IsValidFQDN checks if a string is a valid FQDN format
func IsValidFQDN(hostname string) bool {
	if hostname == "" || !strings.Contains(hostname, ".") {
		return false
	}

	if strings.HasPrefix(hostname, ".") || strings.HasSuffix(hostname, ".") {
		return false
	}

	for _, label := range strings.Split(hostname, ".") {
		if label == "" || len(label) > 63 {
			return false
		}

		// Labels start and end with an alphanumeric character
		if !isAlphanumeric(label[0]) || !isAlphanumeric(label[len(label)-1]) {
			return false
		}

		for _, char := range label {
			if !isAlphanumericOrHyphen(char) {
				return false
			}
		}
	}

	return true
}

func isAlphanumeric(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func isAlphanumericOrHyphen(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-'
}
