package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateFQDN(t *testing.T) {
	tests := []struct {
		name      string
		hostname  string
		expectErr bool
	}{
		{"Valid FQDN", "example.com", false},
		{"Valid FQDN with subdomain", "api.example.com", false},
		{"Valid FQDN with hyphens", "my-app.example.com", false},
		{"Valid FQDN with numbers", "app1.example.com", false},

		{"Empty hostname", "", true},
		{"Missing domain separator", "example", true},
		{"Starts with dot", ".example.com", true},
		{"Ends with dot", "example.com.", true},
		{"Empty label", "example..com", true},
		{"Invalid characters", "example@.com", true},
		{"Label starts with hyphen", "-example.com", true},
		{"Label ends with hyphen", "example-.com", true},
		{"Underscore not allowed", "example_test.com", true},
		{"Label too long", strings.Repeat("a", 64) + ".com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFQDN(tt.hostname)
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateCertificateDomain(t *testing.T) {
	tests := []struct {
		name      string
		domain    string
		expectErr bool
	}{
		{"Plain domain", "example.com", false},
		{"Wildcard", "*.example.com", false},
		{"Nested wildcard", "*.*.example.com", true},
		{"Wildcard in middle", "a.*.example.com", true},
		{"Empty", "", true},
		{"Bare TLD", "com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCertificateDomain(tt.domain)
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizeLineage(t *testing.T) {
	assert.Equal(t, "example.com", NormalizeLineage("*.example.com"))
	assert.Equal(t, "www.example.com", NormalizeLineage("www.example.com"))
	assert.True(t, IsWildcard("*.example.com"))
	assert.False(t, IsWildcard("example.com"))
}
