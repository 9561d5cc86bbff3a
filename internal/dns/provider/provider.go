// Package provider publishes and removes ACME challenge TXT records through
// DNS provider APIs. The set of providers is fixed at build time.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// Record is a TXT record to create or delete.
type Record struct {
	// Domain is the registrable domain the record belongs to; providers use
	// it to find the zone.
	Domain string
	// Name is the fully qualified record name, with or without trailing dot.
	Name    string
	Content string
	TTL     int
}

// Provider creates and deletes TXT records.
type Provider interface {
	CreateRecord(ctx context.Context, rec Record) error
	DeleteRecord(ctx context.Context, rec Record) error
}

// Factory builds a provider from profile provider_options.
type Factory func(options map[string]interface{}) (Provider, error)

// Registry maps provider names to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns the registry of built-in providers.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{
		"dummy":      newDummy,
		"cloudflare": newCloudflare,
		"route53":    newRoute53,
		"rfc2136":    newRFC2136,
		"exec":       newExec,
	}}
}

// New builds the named provider.
func (r *Registry) New(name string, options map[string]interface{}) (Provider, error) {
	factory, ok := r.factories[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unsupported DNS provider %q, supported providers are: %s", name, strings.Join(r.Names(), ", "))
	}
	return factory(options)
}

// Names lists the supported providers in alphabetical order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decodeOptions decodes provider_options into a typed config struct.
func decodeOptions(options map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(options); err != nil {
		return fmt.Errorf("invalid provider_options: %w", err)
	}
	return nil
}

// unfqdn strips the trailing dot of a name.
func unfqdn(name string) string {
	return strings.TrimSuffix(name, ".")
}
