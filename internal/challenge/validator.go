// Package challenge publishes DNS-01 challenge records through the configured
// DNS provider and verifies that they are visible to recursive resolvers.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jerkytreats/dnscert/internal/config"
	"github.com/jerkytreats/dnscert/internal/dns/lookup"
	"github.com/jerkytreats/dnscert/internal/dns/provider"
	"github.com/jerkytreats/dnscert/internal/logging"
	"golang.org/x/net/publicsuffix"
)

// ErrPropagation is returned when bounded polling runs out of attempts.
var ErrPropagation = errors.New("challenges were not propagated")

// Resolver answers the TXT and CNAME queries used by the validator.
type Resolver interface {
	lookup.TXTResolver
	lookup.CNAMEResolver
}

// Challenge is one token to publish for one domain of a certificate.
type Challenge struct {
	Certificate *config.Certificate
	Profile     *config.Profile
	Domain      string
	Token       string
}

// Target is where a challenge record is written.
type Target struct {
	// Domain is handed to the provider to select the zone.
	Domain string
	// Name is the fully qualified record name.
	Name string
}

// Check is one name polled while awaiting propagation. An empty Token only
// requires the TXT record to exist.
type Check struct {
	Name  string
	Token string
}

// Validator drives challenge records for one process.
type Validator struct {
	providers  *provider.Registry
	resolver   Resolver
	sleep      func(time.Duration)
	newBackOff func() backoff.BackOff
}

// Option configures a Validator.
type Option func(*Validator)

// WithSleep replaces time.Sleep between propagation checks.
func WithSleep(sleep func(time.Duration)) Option {
	return func(v *Validator) {
		v.sleep = sleep
	}
}

// WithBackOff sets the retry policy for provider calls.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(v *Validator) {
		v.newBackOff = newBackOff
	}
}

// NewValidator returns a validator dispatching to the given providers.
func NewValidator(providers *provider.Registry, resolver Resolver, opts ...Option) *Validator {
	v := &Validator{
		providers: providers,
		resolver:  resolver,
		sleep:     time.Sleep,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 2 * time.Second
			return backoff.WithMaxRetries(b, 3)
		},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Name returns the challenge record name of domain. A wildcard label is
// dropped since wildcard and apex share one challenge name.
func Name(domain string) string {
	domain = strings.TrimPrefix(strings.TrimSuffix(domain, "."), "*.")
	return "_acme-challenge." + domain + "."
}

// Checks lists the names to poll for a certificate. Only the name of the
// current domain is matched against token.
func Checks(domains []string, current, token string) []Check {
	checks := make([]Check, 0, len(domains))
	seen := make(map[string]struct{}, len(domains))
	for _, domain := range domains {
		if domain = strings.TrimSpace(domain); domain == "" {
			continue
		}
		check := Check{Name: Name(domain)}
		if _, dup := seen[check.Name]; dup {
			continue
		}
		seen[check.Name] = struct{}{}
		if check.Name == Name(current) {
			check.Token = token
		}
		checks = append(checks, check)
	}
	return checks
}

// Target computes the record location for domain. With follow_cnames the
// challenge name is replaced by its canonical name, and the zone is taken
// from the registrable part of that name.
func (v *Validator) Target(ctx context.Context, cert *config.Certificate, domain string) (Target, error) {
	target := Target{Domain: strings.TrimPrefix(strings.TrimSuffix(domain, "."), "*."), Name: Name(domain)}
	if cert == nil || !cert.FollowCNAMEs {
		return target, nil
	}

	logging.Info("Trying to resolve the canonical challenge name for %s", target.Name)
	canonical, err := lookup.CanonicalName(ctx, v.resolver, target.Name)
	if err != nil {
		return Target{}, fmt.Errorf("could not resolve the canonical name of %s: %w", target.Name, err)
	}
	logging.Info("Canonical challenge name found for %s: %s", target.Name, canonical)

	base, err := publicsuffix.EffectiveTLDPlusOne(strings.TrimSuffix(canonical, "."))
	if err != nil {
		return Target{}, fmt.Errorf("could not extract the registrable domain of %s: %w", canonical, err)
	}
	return Target{Domain: base, Name: canonical}, nil
}

// Publish creates the TXT record of a challenge.
func (v *Validator) Publish(ctx context.Context, ch Challenge) error {
	return v.apply(ctx, ch, "create")
}

// Withdraw deletes the TXT record of a challenge.
func (v *Validator) Withdraw(ctx context.Context, ch Challenge) error {
	return v.apply(ctx, ch, "delete")
}

func (v *Validator) apply(ctx context.Context, ch Challenge, action string) error {
	if ch.Profile == nil {
		return fmt.Errorf("no profile given for challenge on %s", ch.Domain)
	}
	if len(ch.Profile.ProviderOptions) == 0 {
		logging.Warn("No provider_options are defined for profile %s, any call to the provider API is likely to fail.", ch.Profile.Name)
	}

	target, err := v.Target(ctx, ch.Certificate, ch.Domain)
	if err != nil {
		return err
	}

	p, err := v.providers.New(ch.Profile.Provider, ch.Profile.ProviderOptions)
	if err != nil {
		return err
	}

	rec := provider.Record{Domain: target.Domain, Name: target.Name, Content: ch.Token, TTL: ch.Profile.TTL}
	call := p.CreateRecord
	if action == "delete" {
		call = p.DeleteRecord
	}

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		if err := call(ctx, rec); err != nil {
			logging.Warn("Failed to %s TXT %s (attempt %d): %v", action, rec.Name, attempt, err)
			return err
		}
		return nil
	}, backoff.WithContext(v.newBackOff(), ctx))
	if err != nil {
		return fmt.Errorf("failed to %s TXT record %s with provider %s: %w", action, rec.Name, ch.Profile.Provider, err)
	}
	return nil
}

// AwaitPropagation waits until every check passes. With max_checks unset it
// only sleeps once for sleep_time.
func (v *Validator) AwaitPropagation(ctx context.Context, profile *config.Profile, checks []Check) error {
	sleep := profile.Sleep()
	if profile.MaxChecks <= 0 {
		logging.Info("Wait %v to let all challenges be propagated: %s", sleep, names(checks))
		v.sleep(sleep)
		return nil
	}

	logging.Info("Challenges to check: %s", names(checks))
	pending := checks
	for attempt := 1; ; attempt++ {
		if attempt > profile.MaxChecks {
			logging.Error("All challenges were not propagated after the maximum tries of %d", profile.MaxChecks)
			return fmt.Errorf("%w after %d checks: %s", ErrPropagation, profile.MaxChecks, names(pending))
		}

		logging.Info("Wait %v before checking that all challenges have the expected value (try %d/%d)", sleep, attempt, profile.MaxChecks)
		v.sleep(sleep)

		var remaining []Check
		for _, check := range pending {
			if !v.CheckOne(ctx, check.Name, check.Token) {
				remaining = append(remaining, check)
			}
		}
		pending = remaining

		if len(pending) == 0 {
			logging.Info("All challenges have been propagated (try %d/%d).", attempt, profile.MaxChecks)
			return nil
		}
	}
}

// CheckOne reports whether a TXT record exists at name and, when token is
// not empty, whether one of its values equals token.
func (v *Validator) CheckOne(ctx context.Context, name, token string) bool {
	values, err := v.resolver.LookupTXT(ctx, name)
	switch {
	case lookup.IsNotFound(err):
		logging.Info("TXT %s does not exist.", name)
		return false
	case errors.Is(err, lookup.ErrTimeout):
		logging.Warn("Timeout while trying to check TXT %s: %v", name, err)
		return false
	case err != nil:
		logging.Warn("Unexpected error while trying to check TXT %s: %v", name, err)
		return false
	}
	logging.Info("TXT %s exists.", name)

	if token == "" {
		return true
	}
	for _, value := range values {
		if value == token {
			logging.Info("TXT %s has the expected token value.", name)
			return true
		}
	}
	logging.Info("TXT %s does not have the expected token value.", name)
	return false
}

func names(checks []Check) string {
	out := make([]string, 0, len(checks))
	for _, check := range checks {
		out = append(out, check.Name)
	}
	return strings.Join(out, ", ")
}
